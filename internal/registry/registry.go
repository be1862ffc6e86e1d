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

// Package registry persists run state: manifests, summaries, status
// histories, event logs, checkpoints, and the multi-tenant run index.
package registry

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/damonous/gazeqa-artifacts/internal/run"
)

const (
	manifestFileName = "run_manifest.json"
	summaryFileName  = "run_summary.json"
	historyFileName  = "status_history.json"
	eventsFileName   = "events.jsonl"
)

// Manifest is the persisted run record.
type Manifest struct {
	ID               string             `json:"id"`
	Status           run.Status         `json:"status"`
	StatusHistory    []run.StatusEntry  `json:"status_history"`
	TargetURL        string             `json:"target_url"`
	Credentials      run.CredentialSpec `json:"credentials"`
	Budgets          run.BudgetSpec     `json:"budgets"`
	StorageProfile   string             `json:"storage_profile"`
	Tags             []string           `json:"tags"`
	CreatedAt        string             `json:"created_at"`
	Organization     string             `json:"organization"`
	OrganizationSlug string             `json:"organization_slug"`
	ActorRole        string             `json:"actor_role"`
	StatusMetadata   map[string]any     `json:"status_metadata,omitempty"`
}

// Summary is the condensed run record kept alongside the manifest for
// dashboards and report tooling.
type Summary struct {
	RunID            string            `json:"run_id"`
	Env              string            `json:"env"`
	Tests            []any             `json:"tests"`
	Criteria         []any             `json:"criteria"`
	Status           run.Status        `json:"status"`
	StatusHistory    []run.StatusEntry `json:"status_history"`
	Organization     string            `json:"organization"`
	OrganizationSlug string            `json:"organization_slug"`
	ActorRole        string            `json:"actor_role"`
}

// ListEntry is one row of the run listing.
type ListEntry struct {
	ID               string `json:"id"`
	Organization     string `json:"organization,omitempty"`
	OrganizationSlug string `json:"organization_slug,omitempty"`
	ActorRole        string `json:"actor_role,omitempty"`
}

// Registry owns the on-disk run store rooted at a storage directory.
// All mutation paths serialize per run so that events.jsonl order matches
// listener delivery order.
type Registry struct {
	root   string
	logger *slog.Logger

	lockMu   sync.Mutex
	runLocks map[string]*sync.Mutex

	indexMu   sync.Mutex
	listeners *listenerSet
}

// New creates a registry rooted at storageRoot, creating the directory if
// needed.
func New(storageRoot string, logger *slog.Logger) (*Registry, error) {
	if err := os.MkdirAll(storageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		root:      storageRoot,
		logger:    logger.With("component", "registry"),
		runLocks:  make(map[string]*sync.Mutex),
		listeners: newListenerSet(),
	}, nil
}

// Root returns the storage root directory.
func (r *Registry) Root() string {
	return r.root
}

func (r *Registry) runLock(runID string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	lock, ok := r.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		r.runLocks[runID] = lock
	}
	return lock
}

// CreateRun allocates a run id, provisions the run directory, persists the
// initial manifest/summary/history, records the run.created event, and
// registers the run in the index.
func (r *Registry) CreateRun(payload run.Payload) (Manifest, error) {
	runID := newRunID()
	runDir := filepath.Join(r.root, payload.OrganizationSlug, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("create run directory: %w", err)
	}

	created := run.Now()
	manifest := Manifest{
		ID:     runID,
		Status: run.StatusRunning,
		StatusHistory: []run.StatusEntry{
			{Status: run.StatusPending, Timestamp: created},
			{Status: run.StatusRunning, Timestamp: run.Now()},
		},
		TargetURL:        payload.TargetURL,
		Credentials:      payload.Credentials,
		Budgets:          payload.Budgets,
		StorageProfile:   payload.StorageProfile,
		Tags:             payload.Tags,
		CreatedAt:        created,
		Organization:     payload.Organization,
		OrganizationSlug: payload.OrganizationSlug,
		ActorRole:        payload.ActorRole,
	}

	if err := r.persistRun(runDir, manifest); err != nil {
		return Manifest{}, err
	}

	event := run.NewEvent("run.created", runID, map[string]any{
		"status": manifest.Status,
	})
	lock := r.runLock(runID)
	lock.Lock()
	err := r.appendEvent(runDir, event)
	if err == nil {
		r.appendHistoryFromEvent(runDir, manifest.Status, event.Timestamp)
		r.listeners.notify(runID, event)
	}
	lock.Unlock()
	if err != nil {
		return Manifest{}, err
	}

	if err := r.updateIndex(runID, IndexEntry{
		Organization:     payload.Organization,
		OrganizationSlug: payload.OrganizationSlug,
		ActorRole:        payload.ActorRole,
	}); err != nil {
		return Manifest{}, err
	}

	r.LogAuditEvent(runID, "run.create", map[string]any{
		"status":            manifest.Status,
		"organization_slug": payload.OrganizationSlug,
	})
	r.logger.Info("run created",
		slog.String("run_id", runID),
		slog.String("organization_slug", payload.OrganizationSlug))
	return manifest, nil
}

// GetRun loads the manifest for a run.
func (r *Registry) GetRun(runID string) (Manifest, error) {
	runDir, err := r.resolveRunDir(runID)
	if err != nil {
		return Manifest{}, err
	}
	data, err := os.ReadFile(filepath.Join(runDir, manifestFileName))
	if err != nil {
		return Manifest{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest for %s: %w", runID, err)
	}
	return manifest, nil
}

// GetRunMetadata returns the tenant metadata for a run, falling back to the
// manifest when the index has no entry.
func (r *Registry) GetRunMetadata(runID string) (IndexEntry, error) {
	index := r.readIndex()
	if entry, ok := index[runID]; ok {
		return entry, nil
	}
	manifest, err := r.GetRun(runID)
	if err != nil {
		return IndexEntry{}, err
	}
	entry := IndexEntry{
		Organization:     manifest.Organization,
		OrganizationSlug: manifest.OrganizationSlug,
		ActorRole:        manifest.ActorRole,
	}
	if entry.OrganizationSlug == "" {
		entry.OrganizationSlug = run.DefaultOrganizationSlug
	}
	if entry.Organization == "" {
		entry.Organization = entry.OrganizationSlug
	}
	if entry.ActorRole == "" {
		entry.ActorRole = run.DefaultActorRole
	}
	return entry, nil
}

// ListRuns returns all known runs sorted by id. The index is authoritative;
// when it is empty the storage tree is scanned directly.
func (r *Registry) ListRuns() []ListEntry {
	index := r.readIndex()
	entries := make([]ListEntry, 0, len(index))
	for runID, meta := range index {
		entries = append(entries, ListEntry{
			ID:               runID,
			Organization:     meta.Organization,
			OrganizationSlug: meta.OrganizationSlug,
			ActorRole:        meta.ActorRole,
		})
	}
	if len(entries) == 0 {
		matches, _ := filepath.Glob(filepath.Join(r.root, "*", "*", manifestFileName))
		flat, _ := filepath.Glob(filepath.Join(r.root, "*", manifestFileName))
		for _, manifestPath := range append(flat, matches...) {
			runDir := filepath.Dir(manifestPath)
			runID := filepath.Base(runDir)
			slug := filepath.Base(filepath.Dir(runDir))
			if filepath.Dir(runDir) == r.root {
				slug = run.DefaultOrganizationSlug
			}
			entries = append(entries, ListEntry{
				ID:               runID,
				Organization:     slug,
				OrganizationSlug: slug,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// GetStatusHistory returns the ordered status history for a run.
func (r *Registry) GetStatusHistory(runID string) ([]run.StatusEntry, error) {
	runDir, err := r.resolveRunDir(runID)
	if err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(filepath.Join(runDir, historyFileName)); err == nil {
		var history []run.StatusEntry
		if json.Unmarshal(data, &history) == nil {
			return history, nil
		}
	}
	manifest, err := r.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if len(manifest.StatusHistory) > 0 {
		return manifest.StatusHistory, nil
	}
	return []run.StatusEntry{{Status: manifest.Status, Timestamp: manifest.CreatedAt}}, nil
}

// UpdateStatus appends a status transition (coalescing a trailing
// duplicate), synchronizes the manifest and summary, records the run.status
// event, and notifies listeners.
func (r *Registry) UpdateStatus(runID string, status run.Status, metadata map[string]any) error {
	runDir, err := r.resolveRunDir(runID)
	if err != nil {
		return err
	}

	lock := r.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	timestamp := run.Now()
	history, err := r.GetStatusHistory(runID)
	if err != nil {
		return err
	}
	if len(history) == 0 || history[len(history)-1].Status != status {
		history = append(history, run.StatusEntry{Status: status, Timestamp: timestamp})
		if err := writeJSONFile(filepath.Join(runDir, historyFileName), history); err != nil {
			return err
		}
	}

	manifest, err := r.GetRun(runID)
	if err != nil {
		return err
	}
	manifest.Status = status
	manifest.StatusHistory = history
	if len(metadata) > 0 {
		if manifest.StatusMetadata == nil {
			manifest.StatusMetadata = map[string]any{}
		}
		for k, v := range metadata {
			manifest.StatusMetadata[k] = v
		}
	}
	if err := writeJSONFile(filepath.Join(runDir, manifestFileName), manifest); err != nil {
		return err
	}

	summaryPath := filepath.Join(runDir, summaryFileName)
	if data, err := os.ReadFile(summaryPath); err == nil {
		var summary Summary
		if json.Unmarshal(data, &summary) == nil {
			summary.Status = status
			summary.StatusHistory = history
			if err := writeJSONFile(summaryPath, summary); err != nil {
				return err
			}
		}
	}

	fields := map[string]any{"status": status}
	if len(metadata) > 0 {
		fields["metadata"] = metadata
	}
	event := run.Event{Name: "run.status", RunID: runID, Timestamp: timestamp, Fields: fields}
	if err := r.appendEvent(runDir, event); err != nil {
		return err
	}
	r.listeners.notify(runID, event)
	return nil
}

// RecordCheckpoint appends a durable checkpoint record for a run.
func (r *Registry) RecordCheckpoint(runID, name string, details map[string]any) error {
	runDir, err := r.resolveRunDir(runID)
	if err != nil {
		return err
	}
	payload := make(map[string]any, len(details)+3)
	for k, v := range details {
		payload[k] = safeValue(v)
	}
	payload["run_id"] = runID
	payload["checkpoint"] = name
	payload["timestamp"] = run.Now()
	return appendJSONL(filepath.Join(runDir, "temporal", "checkpoints.jsonl"), payload)
}

// GetRunEvents returns every event persisted for a run, oldest first.
// Unparseable lines are skipped.
func (r *Registry) GetRunEvents(runID string) ([]run.Event, error) {
	runDir, err := r.resolveRunDir(runID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(runDir, eventsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return []run.Event{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []run.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event run.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if events == nil {
		events = []run.Event{}
	}
	return events, scanner.Err()
}

// Subscribe registers a listener for a run's events. The caller must Close
// the subscription when done.
func (r *Registry) Subscribe(runID string) *Subscription {
	return r.listeners.subscribe(runID)
}

// GetArtifactPath resolves a relative artifact path inside a run directory,
// rejecting anything that would escape it.
func (r *Registry) GetArtifactPath(runID, relative string) (string, error) {
	runDir, err := r.resolveRunDir(runID)
	if err != nil {
		return "", err
	}
	cleaned := filepath.Clean(filepath.FromSlash(relative))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", relative, ErrInvalidPath)
	}
	return filepath.Join(runDir, cleaned), nil
}

// GetRunDirectory returns the resolved directory for a run.
func (r *Registry) GetRunDirectory(runID string) (string, error) {
	return r.resolveRunDir(runID)
}

// LogAuditEvent appends a run-scoped audit record under the run directory.
// Failures are logged and swallowed: audit must not block the run.
func (r *Registry) LogAuditEvent(runID, action string, details map[string]any) {
	runDir, err := r.resolveRunDir(runID)
	if err != nil {
		return
	}
	payload := make(map[string]any, len(details)+3)
	for k, v := range details {
		payload[k] = safeValue(v)
	}
	payload["event"] = action
	payload["run_id"] = runID
	payload["timestamp"] = run.Now()
	if err := appendJSONL(filepath.Join(runDir, "audit", "audit.log.jsonl"), payload); err != nil {
		r.logger.Error("failed to write run audit log", slog.String("run_id", runID), slog.Any("error", err))
	}
}

func (r *Registry) persistRun(runDir string, manifest Manifest) error {
	if err := writeJSONFile(filepath.Join(runDir, manifestFileName), manifest); err != nil {
		return err
	}
	summary := Summary{
		RunID:            manifest.ID,
		Env:              "dev",
		Tests:            []any{},
		Criteria:         []any{},
		Status:           manifest.Status,
		StatusHistory:    manifest.StatusHistory,
		Organization:     manifest.Organization,
		OrganizationSlug: manifest.OrganizationSlug,
		ActorRole:        manifest.ActorRole,
	}
	if err := writeJSONFile(filepath.Join(runDir, summaryFileName), summary); err != nil {
		return err
	}
	return writeJSONFile(filepath.Join(runDir, historyFileName), manifest.StatusHistory)
}

func (r *Registry) appendEvent(runDir string, event run.Event) error {
	return appendJSONL(filepath.Join(runDir, eventsFileName), event)
}

// appendHistoryFromEvent appends a history entry from an event unless the
// trailing entry already carries the same status.
func (r *Registry) appendHistoryFromEvent(runDir string, status run.Status, timestamp string) {
	historyPath := filepath.Join(runDir, historyFileName)
	var history []run.StatusEntry
	if data, err := os.ReadFile(historyPath); err == nil {
		_ = json.Unmarshal(data, &history)
	}
	if len(history) > 0 && history[len(history)-1].Status == status {
		return
	}
	history = append(history, run.StatusEntry{Status: status, Timestamp: timestamp})
	if err := writeJSONFile(historyPath, history); err != nil {
		r.logger.Error("failed to update status history", slog.Any("error", err))
	}
}

func (r *Registry) resolveRunDir(runID string) (string, error) {
	candidate := ResolveRunPath(r.root, runID)
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate, nil
	}
	return "", fmt.Errorf("run %s: %w", runID, ErrNotFound)
}

func newRunID() string {
	id := uuid.New()
	return "RUN-" + strings.ToUpper(hex.EncodeToString(id[:6]))
}

// writeJSONFile writes pretty-printed JSON (2-space indent) atomically
// enough for single-writer use.
func writeJSONFile(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// appendJSONL appends one compact JSON object per line.
func appendJSONL(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func safeValue(value any) any {
	switch value.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, run.Status:
		return value
	default:
		return fmt.Sprintf("%v", value)
	}
}
