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

package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damonous/gazeqa-artifacts/internal/run"
)

func testPayload() run.Payload {
	return run.Payload{
		TargetURL:        "https://app.example.test",
		Budgets:          run.BudgetSpec{TimeBudgetMinutes: 30, PageBudget: 200},
		StorageProfile:   run.DefaultStorageProfile,
		Tags:             []string{},
		Organization:     "Acme QA",
		OrganizationSlug: "acme-qa",
		ActorRole:        run.DefaultActorRole,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return reg
}

func TestCreateRunProvisionsLayout(t *testing.T) {
	reg := newTestRegistry(t)

	manifest, err := reg.CreateRun(testPayload())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(manifest.ID, "RUN-"), "id %q", manifest.ID)
	assert.Equal(t, run.StatusRunning, manifest.Status)
	require.Len(t, manifest.StatusHistory, 2)
	assert.Equal(t, run.StatusPending, manifest.StatusHistory[0].Status)
	assert.Equal(t, run.StatusRunning, manifest.StatusHistory[1].Status)

	runDir := filepath.Join(reg.Root(), "acme-qa", manifest.ID)
	for _, name := range []string{manifestFileName, summaryFileName, historyFileName, eventsFileName} {
		_, err := os.Stat(filepath.Join(runDir, name))
		assert.NoError(t, err, name)
	}

	var summary Summary
	data, err := os.ReadFile(filepath.Join(runDir, summaryFileName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, manifest.ID, summary.RunID)
	assert.Equal(t, "dev", summary.Env)
	assert.NotNil(t, summary.Tests)
	assert.NotNil(t, summary.Criteria)

	events, err := reg.GetRunEvents(manifest.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "run.created", events[0].Name)
	assert.Equal(t, manifest.ID, events[0].RunID)
}

func TestCreateRunTimestampFormat(t *testing.T) {
	reg := newTestRegistry(t)
	manifest, err := reg.CreateRun(testPayload())
	require.NoError(t, err)

	parsed, err := time.Parse(run.TimestampLayout, manifest.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, parsed.Location())
	assert.True(t, strings.HasSuffix(manifest.CreatedAt, "Z"))
}

func TestUpdateStatusDedupesTrailingRepeat(t *testing.T) {
	reg := newTestRegistry(t)
	manifest, err := reg.CreateRun(testPayload())
	require.NoError(t, err)

	require.NoError(t, reg.UpdateStatus(manifest.ID, run.StatusExplorationInProgress, nil))
	require.NoError(t, reg.UpdateStatus(manifest.ID, run.StatusExplorationInProgress, nil))
	require.NoError(t, reg.UpdateStatus(manifest.ID, run.StatusCompleted, nil))

	history, err := reg.GetStatusHistory(manifest.ID)
	require.NoError(t, err)
	statuses := make([]run.Status, 0, len(history))
	for _, entry := range history {
		statuses = append(statuses, entry.Status)
	}
	assert.Equal(t, []run.Status{
		run.StatusPending,
		run.StatusRunning,
		run.StatusExplorationInProgress,
		run.StatusCompleted,
	}, statuses)

	// Every status update still lands in the event log, duplicates included.
	events, err := reg.GetRunEvents(manifest.ID)
	require.NoError(t, err)
	var statusEvents int
	for _, event := range events {
		if event.Name == "run.status" {
			statusEvents++
		}
	}
	assert.Equal(t, 3, statusEvents)
}

func TestUpdateStatusSyncsManifestAndSummary(t *testing.T) {
	reg := newTestRegistry(t)
	manifest, err := reg.CreateRun(testPayload())
	require.NoError(t, err)

	require.NoError(t, reg.UpdateStatus(manifest.ID, run.StatusFailed, map[string]any{"error": "boom"}))

	reloaded, err := reg.GetRun(manifest.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, reloaded.Status)
	assert.Equal(t, "boom", reloaded.StatusMetadata["error"])

	runDir, err := reg.GetRunDirectory(manifest.ID)
	require.NoError(t, err)
	var summary Summary
	data, err := os.ReadFile(filepath.Join(runDir, summaryFileName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, run.StatusFailed, summary.Status)
	assert.Equal(t, summary.StatusHistory, reloaded.StatusHistory)
}

func TestUpdateStatusUnknownRun(t *testing.T) {
	reg := newTestRegistry(t)
	err := reg.UpdateStatus("RUN-MISSING", run.StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribeReceivesStatusEvents(t *testing.T) {
	reg := newTestRegistry(t)
	manifest, err := reg.CreateRun(testPayload())
	require.NoError(t, err)

	sub := reg.Subscribe(manifest.ID)
	defer sub.Close()

	require.NoError(t, reg.UpdateStatus(manifest.ID, run.StatusCrawlInProgress, nil))

	select {
	case event := <-sub.C:
		assert.Equal(t, "run.status", event.Name)
		assert.Equal(t, manifest.ID, event.RunID)
		assert.EqualValues(t, run.StatusCrawlInProgress, event.Fields["status"])
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	manifest, err := reg.CreateRun(testPayload())
	require.NoError(t, err)

	sub := reg.Subscribe(manifest.ID)
	sub.Close()
	sub.Close()

	// Notifying after close must not panic.
	require.NoError(t, reg.UpdateStatus(manifest.ID, run.StatusCompleted, nil))
}

func TestGetArtifactPathContainment(t *testing.T) {
	reg := newTestRegistry(t)
	manifest, err := reg.CreateRun(testPayload())
	require.NoError(t, err)

	runDir, err := reg.GetRunDirectory(manifest.ID)
	require.NoError(t, err)

	path, err := reg.GetArtifactPath(manifest.ID, "exploration/report.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(runDir, "exploration", "report.json"), path)

	for _, bad := range []string{"../outside.txt", "../../etc/passwd", "/etc/passwd", "a/../../b"} {
		_, err := reg.GetArtifactPath(manifest.ID, bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestRecordCheckpointAppends(t *testing.T) {
	reg := newTestRegistry(t)
	manifest, err := reg.CreateRun(testPayload())
	require.NoError(t, err)

	require.NoError(t, reg.RecordCheckpoint(manifest.ID, "explore_target.succeeded", map[string]any{"attempt": 1}))
	require.NoError(t, reg.RecordCheckpoint(manifest.ID, "crawl_site.attempt", map[string]any{"attempt": 1}))

	runDir, err := reg.GetRunDirectory(manifest.ID)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(runDir, "temporal", "checkpoints.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "explore_target.succeeded", record["checkpoint"])
	assert.Equal(t, manifest.ID, record["run_id"])
	assert.EqualValues(t, 1, record["attempt"])
	assert.NotEmpty(t, record["timestamp"])
}

func TestListRunsSortedByID(t *testing.T) {
	reg := newTestRegistry(t)
	for range 3 {
		_, err := reg.CreateRun(testPayload())
		require.NoError(t, err)
	}

	entries := reg.ListRuns()
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].ID, entries[i].ID)
	}
	for _, entry := range entries {
		assert.Equal(t, "acme-qa", entry.OrganizationSlug)
	}
}

func TestGetRunMetadataFallsBackToManifest(t *testing.T) {
	reg := newTestRegistry(t)
	manifest, err := reg.CreateRun(testPayload())
	require.NoError(t, err)

	// Drop the index; metadata should come from the manifest instead.
	require.NoError(t, os.Remove(filepath.Join(reg.Root(), IndexFileName)))

	meta, err := reg.GetRunMetadata(manifest.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme-qa", meta.OrganizationSlug)
	assert.Equal(t, "Acme QA", meta.Organization)
	assert.Equal(t, run.DefaultActorRole, meta.ActorRole)
}

func TestRebuildIndexMovesLegacyRuns(t *testing.T) {
	reg := newTestRegistry(t)

	// Simulate a legacy flat run at <root>/<run_id>.
	legacyDir := filepath.Join(reg.Root(), "RUN-LEGACY01")
	require.NoError(t, os.MkdirAll(legacyDir, 0o755))
	legacy := Manifest{
		ID:               "RUN-LEGACY01",
		Status:           run.StatusCompleted,
		TargetURL:        "https://old.example.test",
		OrganizationSlug: "tenant-a",
		Organization:     "Tenant A",
		ActorRole:        "qa_viewer",
		CreatedAt:        run.Now(),
	}
	require.NoError(t, writeJSONFile(filepath.Join(legacyDir, manifestFileName), legacy))

	index, err := reg.RebuildIndex(true)
	require.NoError(t, err)
	entry, ok := index["RUN-LEGACY01"]
	require.True(t, ok)
	assert.Equal(t, "tenant-a", entry.OrganizationSlug)
	assert.Equal(t, "qa_viewer", entry.ActorRole)

	_, err = os.Stat(filepath.Join(reg.Root(), "tenant-a", "RUN-LEGACY01", manifestFileName))
	assert.NoError(t, err)
	_, err = os.Stat(legacyDir)
	assert.True(t, os.IsNotExist(err))
}

func TestRebuildIndexIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	manifest, err := reg.CreateRun(testPayload())
	require.NoError(t, err)

	first, err := reg.RebuildIndex(true)
	require.NoError(t, err)
	second, err := reg.RebuildIndex(true)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Contains(t, second, manifest.ID)
}

func TestGetRunEventsMissingFile(t *testing.T) {
	reg := newTestRegistry(t)
	manifest, err := reg.CreateRun(testPayload())
	require.NoError(t, err)

	runDir, err := reg.GetRunDirectory(manifest.ID)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(runDir, eventsFileName)))

	events, err := reg.GetRunEvents(manifest.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestGetRunUnknownID(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.GetRun("RUN-NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
}
