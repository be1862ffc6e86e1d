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

package telemetry

import (
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/damonous/gazeqa-artifacts/internal/registry"
)

// AuthMetrics summarizes the auth phase of a run.
type AuthMetrics struct {
	Stage   string `json:"stage"`
	Success bool   `json:"success"`
}

// ExplorationMetrics summarizes the exploration phase.
type ExplorationMetrics struct {
	CoveragePercent float64 `json:"coverage_percent"`
	VisitedCount    int     `json:"visited_count"`
	SkippedCount    int     `json:"skipped_count"`
}

// CrawlMetrics summarizes the crawl phase. HealthRatio is omitted when no
// pages were processed at all.
type CrawlMetrics struct {
	VisitedCount int      `json:"visited_count"`
	SkippedCount int      `json:"skipped_count"`
	HealthRatio  *float64 `json:"health_ratio,omitempty"`
}

// WorkflowMetrics records terminal workflow state.
type WorkflowMetrics struct {
	Status      string `json:"status,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	Phase       string `json:"phase,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RunMetrics is the aggregated metrics document persisted as
// observability/metrics.json.
type RunMetrics struct {
	RunID       string                    `json:"run_id"`
	Auth        *AuthMetrics              `json:"auth,omitempty"`
	Exploration *ExplorationMetrics       `json:"exploration,omitempty"`
	Crawl       *CrawlMetrics             `json:"crawl,omitempty"`
	Guardrails  map[string]map[string]int `json:"guardrails,omitempty"`
	Workflow    *WorkflowMetrics          `json:"workflow,omitempty"`
}

// Observability aggregates telemetry per run into an append-only JSONL log
// and a rewritten metrics summary under <run_dir>/observability/.
type Observability struct {
	storageRoot string
	logger      *slog.Logger

	mu    sync.Mutex
	cache map[string]*RunMetrics
}

// NewObservability creates a sink rooted at the run storage directory.
func NewObservability(storageRoot string, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observability{
		storageRoot: storageRoot,
		logger:      logger.With("component", "observability"),
		cache:       make(map[string]*RunMetrics),
	}
}

// Emit appends the event to the run's log and folds it into the metrics
// summary. Events without a run id are dropped.
func (o *Observability) Emit(event string, payload map[string]any) {
	runID := extractRunID(payload)
	if runID == "" {
		o.logger.Debug("telemetry event missing run_id, dropping", slog.String("event", event))
		return
	}

	entry := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		entry[k] = v
	}
	if _, ok := entry["run_id"]; !ok {
		entry["run_id"] = runID
	}
	if _, ok := entry["timestamp"]; !ok {
		entry["timestamp"] = time.Now().UTC().Format("2006-01-02T15:04:05.000000Z07:00")
	}
	entry["event"] = event

	o.mu.Lock()
	defer o.mu.Unlock()
	o.appendLog(runID, entry)

	metrics, ok := o.cache[runID]
	if !ok {
		metrics = &RunMetrics{RunID: runID}
		o.cache[runID] = metrics
	}
	o.updateMetrics(metrics, event, entry)
	o.persistMetrics(runID, metrics)
}

// Metrics returns the aggregated metrics for a run, reading from disk when
// the run is not cached.
func (o *Observability) Metrics(runID string) (RunMetrics, bool) {
	o.mu.Lock()
	if metrics, ok := o.cache[runID]; ok {
		snapshot := *metrics
		o.mu.Unlock()
		return snapshot, true
	}
	o.mu.Unlock()

	path := filepath.Join(o.runDir(runID), "observability", "metrics.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return RunMetrics{}, false
	}
	var metrics RunMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return RunMetrics{}, false
	}
	return metrics, true
}

func (o *Observability) runDir(runID string) string {
	return registry.ResolveRunPath(o.storageRoot, runID)
}

func (o *Observability) appendLog(runID string, entry map[string]any) {
	dir := filepath.Join(o.runDir(runID), "observability")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Error("failed to create observability directory", slog.Any("error", err))
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		o.logger.Error("failed to encode telemetry entry", slog.Any("error", err))
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "logs.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		o.logger.Error("failed to open telemetry log", slog.Any("error", err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		o.logger.Error("failed to append telemetry entry", slog.Any("error", err))
	}
}

func (o *Observability) updateMetrics(metrics *RunMetrics, event string, entry map[string]any) {
	switch {
	case event == "auth.completed" || event == "auth.skipped":
		stage, _ := entry["stage"].(string)
		if stage == "" && event == "auth.skipped" {
			stage = "skipped"
		}
		success := true
		if v, ok := entry["success"].(bool); ok {
			success = v
		}
		metrics.Auth = &AuthMetrics{Stage: stage, Success: success}
	case event == "exploration.completed":
		metrics.Exploration = &ExplorationMetrics{
			CoveragePercent: toFloat(entry["coverage_percent"]),
			VisitedCount:    toInt(entry["visited_count"]),
			SkippedCount:    toInt(entry["skipped_count"]),
		}
	case event == "crawl.completed":
		visited := toInt(entry["visited_count"])
		skipped := toInt(entry["skipped_count"])
		crawl := &CrawlMetrics{VisitedCount: visited, SkippedCount: skipped}
		if total := visited + skipped; total > 0 {
			ratio := math.Round(float64(visited)/float64(total)*10000) / 10000
			crawl.HealthRatio = &ratio
		}
		metrics.Crawl = crawl
	case strings.HasPrefix(event, "guardrail."):
		phase, _ := entry["phase"].(string)
		if phase == "" {
			phase = "unknown"
		}
		kind := strings.TrimPrefix(event, "guardrail.")
		if metrics.Guardrails == nil {
			metrics.Guardrails = map[string]map[string]int{}
		}
		if metrics.Guardrails[phase] == nil {
			metrics.Guardrails[phase] = map[string]int{}
		}
		metrics.Guardrails[phase][kind]++
	case event == "workflow.completed":
		if metrics.Workflow == nil {
			metrics.Workflow = &WorkflowMetrics{}
		}
		metrics.Workflow.Status = "Completed"
		if ts, ok := entry["timestamp"].(string); ok {
			metrics.Workflow.CompletedAt = ts
		}
	case event == "workflow.failed":
		if metrics.Workflow == nil {
			metrics.Workflow = &WorkflowMetrics{}
		}
		metrics.Workflow.Status = "Failed"
		if phase, ok := entry["phase"].(string); ok {
			metrics.Workflow.Phase = phase
		}
		if errMsg, ok := entry["error"].(string); ok {
			metrics.Workflow.Error = errMsg
		}
	}
}

func (o *Observability) persistMetrics(runID string, metrics *RunMetrics) {
	dir := filepath.Join(o.runDir(runID), "observability")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Error("failed to create observability directory", slog.Any("error", err))
		return
	}
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		o.logger.Error("failed to encode metrics", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "metrics.json"), append(data, '\n'), 0o644); err != nil {
		o.logger.Error("failed to write metrics", slog.Any("error", err))
	}
}

func extractRunID(payload map[string]any) string {
	for _, key := range []string{"run_id", "runId", "id"} {
		if value, ok := payload[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func toInt(value any) int {
	switch v := value.(type) {
	case bool:
		if v {
			return 1
		}
		return 0
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return 0
}

func toFloat(value any) float64 {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return 0
}
