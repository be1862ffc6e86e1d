// Copyright 2025 GazeQA Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crawl walks the site graph breadth-first, deduplicating by URL
// and recording visited pages and skip reasons under <run_dir>/bfs/.
package crawl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/damonous/gazeqa-artifacts/internal/registry"
	"github.com/damonous/gazeqa-artifacts/internal/run"
	"github.com/damonous/gazeqa-artifacts/internal/telemetry"
)

// DefaultSkipKeywords match session-ending links that must not be followed.
var DefaultSkipKeywords = []string{"logout", "signout", "sign-out"}

// DefaultDestructiveKeywords mirror the exploration blocklist.
var DefaultDestructiveKeywords = []string{"delete", "destroy", "remove", "drop", "shutdown", "wipe"}

// GuardrailLogName is the per-phase guardrail event log file.
const GuardrailLogName = "guardrails.jsonl"

// Config tunes the crawler.
type Config struct {
	StorageRoot         string
	MaxDepth            int
	SkipKeywords        []string
	MaxNodesPerRun      int
	DestructiveKeywords []string
}

// DefaultConfig returns the standard depth-3 configuration.
func DefaultConfig(storageRoot string) Config {
	return Config{
		StorageRoot:         storageRoot,
		MaxDepth:            3,
		SkipKeywords:        DefaultSkipKeywords,
		DestructiveKeywords: DefaultDestructiveKeywords,
	}
}

// Record is one visited page with its BFS position.
type Record struct {
	PageID       string  `json:"page_id"`
	URL          string  `json:"url"`
	Title        string  `json:"title"`
	Section      string  `json:"section"`
	Depth        int     `json:"depth"`
	SourcePageID *string `json:"source_page_id"`
	Screenshot   *string `json:"screenshot"`
	DOMSnapshot  *string `json:"dom_snapshot"`
}

// SkipRecord explains why a page was not visited.
type SkipRecord struct {
	URL          string  `json:"url"`
	Reason       string  `json:"reason"`
	SourcePageID *string `json:"source_page_id"`
	SourceURL    *string `json:"source_url"`
}

// Result captures one crawl pass.
type Result struct {
	RunID     string       `json:"run_id"`
	Visited   []Record     `json:"visited"`
	Skipped   []SkipRecord `json:"skipped"`
	Timestamp string       `json:"timestamp"`
}

// Crawler performs deterministic BFS crawls.
type Crawler struct {
	config    Config
	telemetry telemetry.Sink
}

// New creates a crawler. A nil sink disables telemetry.
func New(config Config, sink telemetry.Sink) *Crawler {
	if sink == nil {
		sink = telemetry.NoOp{}
	}
	if len(config.SkipKeywords) == 0 {
		config.SkipKeywords = DefaultSkipKeywords
	}
	if len(config.DestructiveKeywords) == 0 {
		config.DestructiveKeywords = DefaultDestructiveKeywords
	}
	return &Crawler{config: config, telemetry: sink}
}

type frontierItem struct {
	page   run.PageDescriptor
	depth  int
	parent *run.PageDescriptor
}

// Crawl walks the graph from the seeds in FIFO order. Pages deduplicate on
// lowercased URL. Hitting the node limit stops the whole crawl; blocklist
// and skip-keyword matches skip just the offending page. Children beyond
// MaxDepth are not enqueued.
func (c *Crawler) Crawl(runID string, seeds []run.PageDescriptor, adjacency run.Adjacency) (Result, error) {
	timestamp := time.Now().UTC().Format(run.TimestampLayout)
	visitedByURL := map[string]struct{}{}
	var visited []Record
	var skipped []SkipRecord
	var guardrailEvents []map[string]any

	queue := make([]frontierItem, 0, len(seeds))
	for _, seed := range seeds {
		queue = append(queue, frontierItem{page: seed})
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		page := item.page
		key := strings.ToLower(page.URL)
		if _, seen := visitedByURL[key]; seen {
			continue
		}

		if c.config.MaxNodesPerRun > 0 && len(visited) >= c.config.MaxNodesPerRun {
			guardrailEvents = append(guardrailEvents, c.guardrailEvent(runID, "rate_limit", item, ""))
			skipped = append(skipped, skipRecord(page.URL, "rate_limited", item.parent))
			c.telemetry.Emit("guardrail.rate_limit", map[string]any{
				"run_id": runID,
				"phase":  "crawl",
				"url":    page.URL,
				"limit":  c.config.MaxNodesPerRun,
			})
			break
		}

		if keyword := matchKeyword(page, c.config.DestructiveKeywords); keyword != "" {
			guardrailEvents = append(guardrailEvents, c.guardrailEvent(runID, "blocklist", item, keyword))
			skipped = append(skipped, skipRecord(page.URL, "destructive_blocklist", item.parent))
			c.telemetry.Emit("guardrail.blocklist", map[string]any{
				"run_id":  runID,
				"phase":   "crawl",
				"url":     page.URL,
				"keyword": keyword,
			})
			continue
		}

		if c.matchesSkipKeyword(page.URL) {
			skipped = append(skipped, skipRecord(page.URL, "skip_keyword_match", item.parent))
			continue
		}

		record := Record{
			PageID:      page.PageID,
			URL:         page.URL,
			Title:       page.Title,
			Section:     page.Section,
			Depth:       item.depth,
			Screenshot:  page.Screenshot,
			DOMSnapshot: page.DOMSnapshot,
		}
		if item.parent != nil {
			id := item.parent.PageID
			record.SourcePageID = &id
		}
		visitedByURL[key] = struct{}{}
		visited = append(visited, record)

		if item.depth >= c.config.MaxDepth {
			continue
		}
		childKey := page.PageID
		if childKey == "" {
			childKey = page.URL
		}
		parent := page
		for _, child := range adjacency[childKey] {
			queue = append(queue, frontierItem{page: child, depth: item.depth + 1, parent: &parent})
		}
	}

	if visited == nil {
		visited = []Record{}
	}
	if skipped == nil {
		skipped = []SkipRecord{}
	}
	result := Result{RunID: runID, Visited: visited, Skipped: skipped, Timestamp: timestamp}
	if err := c.persist(runID, result, guardrailEvents); err != nil {
		return Result{}, err
	}
	return result, nil
}

func (c *Crawler) matchesSkipKeyword(url string) bool {
	lower := strings.ToLower(url)
	for _, keyword := range c.config.SkipKeywords {
		if keyword != "" && strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func (c *Crawler) persist(runID string, result Result, guardrailEvents []map[string]any) error {
	dir := filepath.Join(registry.ResolveRunPath(c.config.StorageRoot, runID), "bfs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bfs directory: %w", err)
	}

	var pageMap strings.Builder
	for _, record := range result.Visited {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		pageMap.Write(data)
		pageMap.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(dir, "page_map.jsonl"), []byte(pageMap.String()), 0o644); err != nil {
		return err
	}

	skippedData, err := json.MarshalIndent(result.Skipped, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "skipped_links.json"), append(skippedData, '\n'), 0o644); err != nil {
		return err
	}

	summary := map[string]any{
		"run_id":        result.RunID,
		"visited_count": len(result.Visited),
		"skipped_count": len(result.Skipped),
		"generated_at":  result.Timestamp,
	}
	summaryData, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "coverage_merge.json"), append(summaryData, '\n'), 0o644); err != nil {
		return err
	}

	if len(guardrailEvents) > 0 {
		var b strings.Builder
		for _, event := range guardrailEvents {
			data, err := json.Marshal(event)
			if err != nil {
				return err
			}
			b.Write(data)
			b.WriteByte('\n')
		}
		if err := os.WriteFile(filepath.Join(dir, GuardrailLogName), []byte(b.String()), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (c *Crawler) guardrailEvent(runID, eventType string, item frontierItem, keyword string) map[string]any {
	payload := map[string]any{
		"run_id":    runID,
		"phase":     "crawl",
		"type":      eventType,
		"url":       item.page.URL,
		"title":     item.page.Title,
		"depth":     item.depth,
		"timestamp": time.Now().UTC().Format(run.TimestampLayout),
	}
	if item.parent != nil {
		payload["source_page_id"] = item.parent.PageID
		payload["source_url"] = item.parent.URL
	}
	if keyword != "" {
		payload["keyword"] = keyword
	}
	if eventType == "rate_limit" {
		payload["limit"] = c.config.MaxNodesPerRun
	}
	return payload
}

func skipRecord(url, reason string, parent *run.PageDescriptor) SkipRecord {
	record := SkipRecord{URL: url, Reason: reason}
	if parent != nil {
		id := parent.PageID
		src := parent.URL
		record.SourcePageID = &id
		record.SourceURL = &src
	}
	return record
}

func matchKeyword(page run.PageDescriptor, keywords []string) string {
	haystack := strings.ToLower(page.URL + " " + page.Title)
	for _, keyword := range keywords {
		keyword = strings.ToLower(keyword)
		if keyword != "" && strings.Contains(haystack, keyword) {
			return keyword
		}
	}
	return ""
}
