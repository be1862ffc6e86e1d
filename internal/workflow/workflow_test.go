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

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damonous/gazeqa-artifacts/internal/crawl"
	"github.com/damonous/gazeqa-artifacts/internal/exploration"
	"github.com/damonous/gazeqa-artifacts/internal/registry"
	"github.com/damonous/gazeqa-artifacts/internal/run"
	"github.com/damonous/gazeqa-artifacts/internal/sitemap"
	"github.com/damonous/gazeqa-artifacts/internal/telemetry"
)

type workflowFixture struct {
	registry *registry.Registry
	root     string
}

func newFixture(t *testing.T) *workflowFixture {
	t.Helper()
	root := t.TempDir()
	reg, err := registry.New(root, nil)
	require.NoError(t, err)
	return &workflowFixture{registry: reg, root: root}
}

func (f *workflowFixture) workflow(auth Authenticator, sink telemetry.Sink) *Workflow {
	return New(Config{
		Registry:      f.registry,
		Authenticator: auth,
		Exploration:   exploration.New(exploration.DefaultConfig(f.root), sink),
		Crawler:       crawl.New(crawl.DefaultConfig(f.root), sink),
		Telemetry:     sink,
	})
}

func anonymousPayload() run.Payload {
	return run.Payload{
		TargetURL:        "https://app.example.test",
		Budgets:          run.BudgetSpec{TimeBudgetMinutes: 30, PageBudget: 200},
		StorageProfile:   run.DefaultStorageProfile,
		Organization:     "default",
		OrganizationSlug: "default",
		ActorRole:        run.DefaultActorRole,
	}
}

func credentialedPayload() run.Payload {
	p := anonymousPayload()
	p.Credentials = run.CredentialSpec{Username: "qa", SecretRef: "vault://qa"}
	return p
}

func statuses(t *testing.T, reg *registry.Registry, runID string) []run.Status {
	t.Helper()
	history, err := reg.GetStatusHistory(runID)
	require.NoError(t, err)
	out := make([]run.Status, 0, len(history))
	for _, entry := range history {
		out = append(out, entry.Status)
	}
	return out
}

func checkpoints(t *testing.T, reg *registry.Registry, runID string) []string {
	t.Helper()
	dir, err := reg.GetRunDirectory(runID)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "temporal", "checkpoints.jsonl"))
	require.NoError(t, err)
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		names = append(names, record["checkpoint"].(string))
	}
	return names
}

func TestWorkflowAnonymousRunCompletes(t *testing.T) {
	f := newFixture(t)
	wf := f.workflow(nil, nil)
	siteMap, adjacency := sitemap.BuildDefault("https://app.example.test")

	outcome, err := wf.Start(context.Background(), anonymousPayload(), siteMap, adjacency)
	require.NoError(t, err)
	assert.True(t, outcome.Auth.Success)
	assert.Equal(t, "skipped", outcome.Auth.Stage)
	assert.NotEmpty(t, outcome.Exploration.VisitedPages)
	assert.NotEmpty(t, outcome.Crawl.Visited)

	assert.Equal(t, []run.Status{
		run.StatusPending,
		run.StatusRunning,
		run.StatusAuthSkipped,
		run.StatusExplorationInProgress,
		run.StatusCrawlInProgress,
		run.StatusCompleted,
	}, statuses(t, f.registry, outcome.RunID))

	names := checkpoints(t, f.registry, outcome.RunID)
	assert.Contains(t, names, "workflow.started")
	assert.Contains(t, names, "auth.skipped")
	assert.Contains(t, names, "exploration.attempt")
	assert.Contains(t, names, "exploration.succeeded")
	assert.Contains(t, names, "crawl.succeeded")
	assert.Contains(t, names, "workflow.completed")
	assert.NotContains(t, names, "auth.attempt")
}

// checkpointRecords returns every checkpoint record with the given name,
// including its flattened detail fields.
func checkpointRecords(t *testing.T, reg *registry.Registry, runID, name string) []map[string]any {
	t.Helper()
	dir, err := reg.GetRunDirectory(runID)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "temporal", "checkpoints.jsonl"))
	require.NoError(t, err)
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		if record["checkpoint"] == name {
			out = append(out, record)
		}
	}
	return out
}

func TestWorkflowCredentialedRun(t *testing.T) {
	f := newFixture(t)
	auth := AuthenticatorFunc(func(_ context.Context, _ string, creds run.CredentialSpec) (AuthResult, error) {
		assert.Equal(t, "qa", creds.Username)
		return AuthResult{Success: true, Stage: "password"}, nil
	})
	wf := f.workflow(auth, nil)
	siteMap, adjacency := sitemap.BuildDefault("https://app.example.test")

	outcome, err := wf.Start(context.Background(), credentialedPayload(), siteMap, adjacency)
	require.NoError(t, err)
	assert.Equal(t, "password", outcome.Auth.Stage)

	assert.Equal(t, []run.Status{
		run.StatusPending,
		run.StatusRunning,
		run.StatusAuthInProgress,
		run.StatusExplorationInProgress,
		run.StatusCrawlInProgress,
		run.StatusCompleted,
	}, statuses(t, f.registry, outcome.RunID))
}

func TestWorkflowCredentialedRunWithoutAuthenticatorSkipsAuth(t *testing.T) {
	f := newFixture(t)
	wf := f.workflow(nil, nil)
	siteMap, adjacency := sitemap.BuildDefault("https://app.example.test")

	outcome, err := wf.Start(context.Background(), credentialedPayload(), siteMap, adjacency)
	require.NoError(t, err)
	assert.True(t, outcome.Auth.Success)
	assert.Equal(t, "skipped", outcome.Auth.Stage)

	assert.Equal(t, []run.Status{
		run.StatusPending,
		run.StatusRunning,
		run.StatusAuthSkipped,
		run.StatusExplorationInProgress,
		run.StatusCrawlInProgress,
		run.StatusCompleted,
	}, statuses(t, f.registry, outcome.RunID))

	skipped := checkpointRecords(t, f.registry, outcome.RunID, "auth.skipped")
	require.Len(t, skipped, 1)
	assert.Equal(t, "no_orchestrator", skipped[0]["reason"])
	assert.NotContains(t, checkpoints(t, f.registry, outcome.RunID), "auth.attempt")
}

func TestWorkflowAuthFailureMarksRunFailed(t *testing.T) {
	f := newFixture(t)
	auth := AuthenticatorFunc(func(context.Context, string, run.CredentialSpec) (AuthResult, error) {
		return AuthResult{Success: false, Error: "bad credentials"}, nil
	})
	wf := f.workflow(auth, nil)
	siteMap, adjacency := sitemap.BuildDefault("https://app.example.test")

	manifest, err := f.registry.CreateRun(credentialedPayload())
	require.NoError(t, err)
	_, err = wf.Execute(context.Background(), manifest.ID, siteMap, adjacency)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")

	history := statuses(t, f.registry, manifest.ID)
	assert.Equal(t, run.StatusFailed, history[len(history)-1])

	reloaded, err := f.registry.GetRun(manifest.ID)
	require.NoError(t, err)
	assert.Equal(t, "auth", reloaded.StatusMetadata["phase"])
	assert.Equal(t, "RetryableError", reloaded.StatusMetadata["exception"])

	names := checkpoints(t, f.registry, manifest.ID)
	// Denials are retryable, so the run only fails after the attempt budget.
	assert.Contains(t, names, "auth.retry")
	assert.Contains(t, names, "auth.failed")
	assert.Contains(t, names, "workflow.failed")

	failed := checkpointRecords(t, f.registry, manifest.ID, "auth.failed")
	require.Len(t, failed, 1)
	assert.Equal(t, "RetryableError", failed[0]["exception"])
}

func TestWorkflowAuthDenialRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	auth := AuthenticatorFunc(func(context.Context, string, run.CredentialSpec) (AuthResult, error) {
		attempts++
		if attempts == 1 {
			return AuthResult{Success: false, Error: "transient denial"}, nil
		}
		return AuthResult{Success: true, Stage: "password"}, nil
	})
	wf := f.workflow(auth, nil)
	siteMap, adjacency := sitemap.BuildDefault("https://app.example.test")

	outcome, err := wf.Start(context.Background(), credentialedPayload(), siteMap, adjacency)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.True(t, outcome.Auth.Success)
	assert.Equal(t, "password", outcome.Auth.Stage)

	retries := checkpointRecords(t, f.registry, outcome.RunID, "auth.retry")
	require.Len(t, retries, 1)
	assert.Equal(t, "transient denial", retries[0]["error"])
	assert.Equal(t, "RetryableError", retries[0]["exception"])
	assert.NotContains(t, checkpoints(t, f.registry, outcome.RunID), "auth.failed")
}

func TestWorkflowTerminalAuthErrorFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	auth := AuthenticatorFunc(func(context.Context, string, run.CredentialSpec) (AuthResult, error) {
		return AuthResult{}, errors.New("orchestrator crashed")
	})
	wf := f.workflow(auth, nil)
	siteMap, adjacency := sitemap.BuildDefault("https://app.example.test")

	manifest, err := f.registry.CreateRun(credentialedPayload())
	require.NoError(t, err)
	_, err = wf.Execute(context.Background(), manifest.ID, siteMap, adjacency)
	require.Error(t, err)

	reloaded, err := f.registry.GetRun(manifest.ID)
	require.NoError(t, err)
	assert.Equal(t, "WorkflowError", reloaded.StatusMetadata["exception"])
	assert.Equal(t, "orchestrator crashed", reloaded.StatusMetadata["error"])

	names := checkpoints(t, f.registry, manifest.ID)
	assert.NotContains(t, names, "auth.retry")
	assert.Contains(t, names, "auth.failed")
}

func TestWorkflowRetryableAuthRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	auth := AuthenticatorFunc(func(context.Context, string, run.CredentialSpec) (AuthResult, error) {
		attempts++
		if attempts < 3 {
			return AuthResult{}, Retryable(errors.New("transient login error"))
		}
		return AuthResult{Success: true, Stage: "password"}, nil
	})
	wf := f.workflow(auth, nil)
	siteMap, adjacency := sitemap.BuildDefault("https://app.example.test")

	outcome, err := wf.Start(context.Background(), credentialedPayload(), siteMap, adjacency)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, outcome.Auth.Success)

	names := checkpoints(t, f.registry, outcome.RunID)
	count := func(name string) int {
		n := 0
		for _, candidate := range names {
			if candidate == name {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 3, count("auth.attempt"))
	assert.Equal(t, 2, count("auth.retry"))
	assert.Equal(t, 1, count("auth.succeeded"))
	assert.Zero(t, count("auth.failed"))
}

func TestWorkflowRetriesExhaustedFails(t *testing.T) {
	f := newFixture(t)
	auth := AuthenticatorFunc(func(context.Context, string, run.CredentialSpec) (AuthResult, error) {
		return AuthResult{}, Retryable(errors.New("always transient"))
	})
	wf := f.workflow(auth, nil)
	siteMap, adjacency := sitemap.BuildDefault("https://app.example.test")

	manifest, err := f.registry.CreateRun(credentialedPayload())
	require.NoError(t, err)
	_, err = wf.Execute(context.Background(), manifest.ID, siteMap, adjacency)
	require.Error(t, err)

	names := checkpoints(t, f.registry, manifest.ID)
	retries := 0
	for _, name := range names {
		if name == "auth.retry" {
			retries++
		}
	}
	assert.Equal(t, 3, retries)
	assert.Contains(t, names, "auth.failed")
}

func TestWorkflowEmitsTelemetryIntoObservability(t *testing.T) {
	f := newFixture(t)
	obs := telemetry.NewObservability(f.root, nil)
	wf := f.workflow(nil, obs)
	siteMap, adjacency := sitemap.BuildDefault("https://app.example.test")

	outcome, err := wf.Start(context.Background(), anonymousPayload(), siteMap, adjacency)
	require.NoError(t, err)

	metrics, ok := obs.Metrics(outcome.RunID)
	require.True(t, ok)
	require.NotNil(t, metrics.Auth)
	assert.Equal(t, "skipped", metrics.Auth.Stage)
	require.NotNil(t, metrics.Exploration)
	assert.Equal(t, len(outcome.Exploration.VisitedPages), metrics.Exploration.VisitedCount)
	require.NotNil(t, metrics.Workflow)
	assert.Equal(t, "Completed", metrics.Workflow.Status)
}

func TestWorkflowUnknownRun(t *testing.T) {
	f := newFixture(t)
	wf := f.workflow(nil, nil)
	siteMap, adjacency := sitemap.BuildDefault("https://app.example.test")
	_, err := wf.Execute(context.Background(), "RUN-MISSING", siteMap, adjacency)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRetryPolicySleepFor(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, Backoff: []time.Duration{0, time.Millisecond, 2 * time.Millisecond}}
	assert.Equal(t, time.Duration(0), policy.SleepFor(1))
	assert.Equal(t, time.Millisecond, policy.SleepFor(2))
	assert.Equal(t, 2*time.Millisecond, policy.SleepFor(3))
	// Beyond the slice, the last delay repeats.
	assert.Equal(t, 2*time.Millisecond, policy.SleepFor(9))
	assert.Equal(t, time.Duration(0), RetryPolicy{}.SleepFor(2))
}
