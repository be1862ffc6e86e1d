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

// Package exploration visits a coverage-bounded prefix of the site map,
// applying destructive-keyword and rate-limit guardrails, and persists the
// coverage report under <run_dir>/exploration/.
package exploration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/damonous/gazeqa-artifacts/internal/registry"
	"github.com/damonous/gazeqa-artifacts/internal/run"
	"github.com/damonous/gazeqa-artifacts/internal/telemetry"
)

// DefaultDestructiveKeywords block pages whose URL or title suggests a
// state-destroying action.
var DefaultDestructiveKeywords = []string{"delete", "destroy", "remove", "drop", "shutdown", "wipe"}

// GuardrailLogName is the per-phase guardrail event log file.
const GuardrailLogName = "guardrails.jsonl"

// ErrEmptySiteMap is returned when explore is called without pages.
var ErrEmptySiteMap = errors.New("site map must contain at least one page")

// Config tunes the exploration engine.
type Config struct {
	CoverageThreshold   float64
	StorageRoot         string
	MaxPagesPerRun      int
	DestructiveKeywords []string
}

// DefaultConfig returns the standard 80% coverage configuration.
func DefaultConfig(storageRoot string) Config {
	return Config{
		CoverageThreshold:   0.8,
		StorageRoot:         storageRoot,
		DestructiveKeywords: DefaultDestructiveKeywords,
	}
}

// Result captures one exploration pass.
type Result struct {
	RunID           string               `json:"run_id"`
	CoveragePercent float64              `json:"coverage_percent"`
	VisitedPages    []run.PageDescriptor `json:"visited_pages"`
	SkippedPages    []run.PageDescriptor `json:"skipped_pages"`
	Timestamp       string               `json:"timestamp"`
}

// Engine runs coverage-bounded exploration passes.
type Engine struct {
	config    Config
	telemetry telemetry.Sink
}

// New creates an engine. A nil sink disables telemetry.
func New(config Config, sink telemetry.Sink) *Engine {
	if sink == nil {
		sink = telemetry.NoOp{}
	}
	if len(config.DestructiveKeywords) == 0 {
		config.DestructiveKeywords = DefaultDestructiveKeywords
	}
	return &Engine{config: config, telemetry: sink}
}

// Explore visits up to max(1, floor(len(siteMap)*threshold)) pages in site
// map order. Blocklisted pages are skipped individually; hitting the rate
// limit skips the remainder of the candidate window. Coverage counts only
// visited pages against the full site map.
func (e *Engine) Explore(runID string, siteMap []run.PageDescriptor) (Result, error) {
	if len(siteMap) == 0 {
		return Result{}, ErrEmptySiteMap
	}
	budget := int(float64(len(siteMap)) * e.config.CoverageThreshold)
	if budget < 1 {
		budget = 1
	}
	if budget > len(siteMap) {
		budget = len(siteMap)
	}
	candidates := siteMap[:budget]
	baselineSkipped := siteMap[budget:]

	var visited, skipped []run.PageDescriptor
	var guardrailEvents []map[string]any

	for idx, page := range candidates {
		if keyword := matchKeyword(page, e.config.DestructiveKeywords); keyword != "" {
			guardrailEvents = append(guardrailEvents, e.guardrailEvent(runID, "blocklist", page, keyword))
			skipped = append(skipped, page)
			e.telemetry.Emit("guardrail.blocklist", map[string]any{
				"run_id":  runID,
				"phase":   "exploration",
				"url":     page.URL,
				"keyword": keyword,
			})
			continue
		}
		if e.config.MaxPagesPerRun > 0 && len(visited) >= e.config.MaxPagesPerRun {
			guardrailEvents = append(guardrailEvents, e.guardrailEvent(runID, "rate_limit", page, ""))
			skipped = append(skipped, page)
			skipped = append(skipped, candidates[idx+1:]...)
			e.telemetry.Emit("guardrail.rate_limit", map[string]any{
				"run_id": runID,
				"phase":  "exploration",
				"url":    page.URL,
				"limit":  e.config.MaxPagesPerRun,
			})
			break
		}
		visited = append(visited, page)
	}
	skipped = append(skipped, baselineSkipped...)

	coverage := float64(len(visited)) / float64(len(siteMap))
	result := Result{
		RunID:           runID,
		CoveragePercent: math.Round(coverage*10000) / 10000,
		VisitedPages:    visited,
		SkippedPages:    skipped,
		Timestamp:       time.Now().UTC().Format(run.TimestampLayout),
	}
	if err := e.persist(runID, result, guardrailEvents); err != nil {
		return Result{}, err
	}
	return result, nil
}

func (e *Engine) persist(runID string, result Result, guardrailEvents []map[string]any) error {
	dir := filepath.Join(registry.ResolveRunPath(e.config.StorageRoot, runID), "exploration")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create exploration directory: %w", err)
	}

	report := map[string]any{
		"run_id":           result.RunID,
		"coverage_percent": result.CoveragePercent,
		"visited_count":    len(result.VisitedPages),
		"total_pages":      len(result.VisitedPages) + len(result.SkippedPages),
		"generated_at":     result.Timestamp,
	}
	if err := writeJSON(filepath.Join(dir, "coverage_report.json"), report); err != nil {
		return err
	}
	if err := writeJSONLines(filepath.Join(dir, "visited_pages.jsonl"), result.VisitedPages); err != nil {
		return err
	}
	if err := writeJSONLines(filepath.Join(dir, "skipped_pages.jsonl"), result.SkippedPages); err != nil {
		return err
	}
	if len(guardrailEvents) > 0 {
		if err := writeJSONLines(filepath.Join(dir, GuardrailLogName), guardrailEvents); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) guardrailEvent(runID, eventType string, page run.PageDescriptor, keyword string) map[string]any {
	payload := map[string]any{
		"run_id":    runID,
		"phase":     "exploration",
		"type":      eventType,
		"url":       page.URL,
		"title":     page.Title,
		"timestamp": time.Now().UTC().Format(run.TimestampLayout),
	}
	if keyword != "" {
		payload["keyword"] = keyword
	}
	if eventType == "rate_limit" {
		payload["limit"] = e.config.MaxPagesPerRun
	}
	return payload
}

// matchKeyword returns the first destructive keyword found in the page's
// URL or title, case-insensitive.
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

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func writeJSONLines[T any](path string, items []T) error {
	var b strings.Builder
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
