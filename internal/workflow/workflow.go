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
	"errors"
	"fmt"
	"log/slog"

	"github.com/damonous/gazeqa-artifacts/internal/crawl"
	"github.com/damonous/gazeqa-artifacts/internal/exploration"
	"github.com/damonous/gazeqa-artifacts/internal/registry"
	"github.com/damonous/gazeqa-artifacts/internal/run"
	"github.com/damonous/gazeqa-artifacts/internal/telemetry"
)

// AuthResult reports the outcome of the authentication phase.
type AuthResult struct {
	Success bool   `json:"success"`
	Stage   string `json:"stage"`
	Error   string `json:"error,omitempty"`
}

// Authenticator performs credentialed login against the target application.
type Authenticator interface {
	Authenticate(ctx context.Context, runID string, credentials run.CredentialSpec) (AuthResult, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, runID string, credentials run.CredentialSpec) (AuthResult, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, runID string, credentials run.CredentialSpec) (AuthResult, error) {
	return f(ctx, runID, credentials)
}

// Outcome is the aggregate result of a completed workflow.
type Outcome struct {
	RunID       string             `json:"run_id"`
	Auth        AuthResult         `json:"auth"`
	Exploration exploration.Result `json:"exploration"`
	Crawl       crawl.Result       `json:"crawl"`
}

// Workflow drives a run through auth, exploration, and crawl, advancing the
// registry status machine and emitting telemetry at each phase boundary.
type Workflow struct {
	registry    *registry.Registry
	auth        Authenticator
	exploration *exploration.Engine
	crawler     *crawl.Crawler
	runner      *TaskRunner
	telemetry   telemetry.Sink
	logger      *slog.Logger
}

// Config wires a workflow's collaborators.
type Config struct {
	Registry      *registry.Registry
	Authenticator Authenticator
	Exploration   *exploration.Engine
	Crawler       *crawl.Crawler
	RetryPolicy   RetryPolicy
	Telemetry     telemetry.Sink
	Logger        *slog.Logger
}

// New creates a workflow. Telemetry and logger default to no-ops.
func New(cfg Config) *Workflow {
	sink := cfg.Telemetry
	if sink == nil {
		sink = telemetry.NoOp{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		registry:    cfg.Registry,
		auth:        cfg.Authenticator,
		exploration: cfg.Exploration,
		crawler:     cfg.Crawler,
		runner:      NewTaskRunner(cfg.Registry, cfg.RetryPolicy),
		telemetry:   sink,
		logger:      logger.With("component", "workflow"),
	}
}

// Start creates a run from the payload and executes the workflow for it.
func (w *Workflow) Start(ctx context.Context, payload run.Payload, siteMap []run.PageDescriptor, adjacency run.Adjacency) (Outcome, error) {
	manifest, err := w.registry.CreateRun(payload)
	if err != nil {
		return Outcome{}, err
	}
	return w.Execute(ctx, manifest.ID, siteMap, adjacency)
}

// Execute runs every phase for an existing run. Any phase error marks the
// run Failed with the phase recorded in status metadata, then propagates.
func (w *Workflow) Execute(ctx context.Context, runID string, siteMap []run.PageDescriptor, adjacency run.Adjacency) (Outcome, error) {
	manifest, err := w.registry.GetRun(runID)
	if err != nil {
		return Outcome{}, err
	}

	w.checkpoint(runID, "workflow.started", map[string]any{"target_url": manifest.TargetURL})
	w.emit("workflow.started", map[string]any{"run_id": runID, "target_url": manifest.TargetURL})
	w.logger.Info("workflow started", slog.String("run_id", runID), slog.String("target_url", manifest.TargetURL))

	phase := "initializing"
	fail := func(err error) (Outcome, error) {
		payload := map[string]any{"phase": phase, "error": err.Error(), "exception": ErrorKind(err)}
		w.checkpoint(runID, "workflow.failed", payload)
		if statusErr := w.registry.UpdateStatus(runID, run.StatusFailed, payload); statusErr != nil {
			w.logger.Error("failed to mark run failed", slog.String("run_id", runID), slog.Any("error", statusErr))
		}
		w.emit("workflow.failed", map[string]any{
			"run_id":    runID,
			"phase":     phase,
			"error":     err.Error(),
			"exception": ErrorKind(err),
		})
		w.logger.Error("workflow failed",
			slog.String("run_id", runID),
			slog.String("phase", phase),
			slog.Any("error", err))
		return Outcome{}, fmt.Errorf("workflow %s phase %s: %w", runID, phase, err)
	}

	phase = "auth"
	authResult, err := w.runAuth(ctx, runID, manifest)
	if err != nil {
		return fail(err)
	}

	phase = "exploration"
	if err := w.registry.UpdateStatus(runID, run.StatusExplorationInProgress, map[string]any{
		"phase":      phase,
		"auth_stage": authResult.Stage,
	}); err != nil {
		return fail(err)
	}
	explorationResult, err := RunActivity(ctx, w.runner, runID, "exploration",
		func(context.Context) (exploration.Result, error) {
			return w.exploration.Explore(runID, siteMap)
		},
		ActivityOptions{AttemptMetadata: map[string]any{"phase": phase}},
		func(result exploration.Result) map[string]any {
			return map[string]any{
				"coverage_percent": result.CoveragePercent,
				"visited_count":    len(result.VisitedPages),
			}
		})
	if err != nil {
		return fail(err)
	}
	w.emit("exploration.completed", map[string]any{
		"run_id":           runID,
		"coverage_percent": explorationResult.CoveragePercent,
		"visited_count":    len(explorationResult.VisitedPages),
		"skipped_count":    len(explorationResult.SkippedPages),
	})

	phase = "crawl"
	seeds := explorationResult.VisitedPages
	if err := w.registry.UpdateStatus(runID, run.StatusCrawlInProgress, map[string]any{
		"phase":            phase,
		"seed_count":       len(seeds),
		"coverage_percent": explorationResult.CoveragePercent,
	}); err != nil {
		return fail(err)
	}
	crawlResult, err := RunActivity(ctx, w.runner, runID, "crawl",
		func(context.Context) (crawl.Result, error) {
			return w.crawler.Crawl(runID, seeds, adjacency)
		},
		ActivityOptions{AttemptMetadata: map[string]any{"phase": phase}},
		func(result crawl.Result) map[string]any {
			return map[string]any{
				"visited_count": len(result.Visited),
				"skipped_count": len(result.Skipped),
			}
		})
	if err != nil {
		return fail(err)
	}
	w.emit("crawl.completed", map[string]any{
		"run_id":        runID,
		"visited_count": len(crawlResult.Visited),
		"skipped_count": len(crawlResult.Skipped),
	})

	phase = "completed"
	if err := w.registry.UpdateStatus(runID, run.StatusCompleted, map[string]any{
		"phase":   phase,
		"visited": len(crawlResult.Visited),
		"skipped": len(crawlResult.Skipped),
	}); err != nil {
		return fail(err)
	}
	w.checkpoint(runID, "workflow.completed", map[string]any{
		"visited":          len(crawlResult.Visited),
		"skipped":          len(crawlResult.Skipped),
		"coverage_percent": explorationResult.CoveragePercent,
	})
	w.emit("workflow.completed", map[string]any{
		"run_id":           runID,
		"coverage_percent": explorationResult.CoveragePercent,
		"crawl_visited":    len(crawlResult.Visited),
		"crawl_skipped":    len(crawlResult.Skipped),
	})
	w.logger.Info("workflow completed",
		slog.String("run_id", runID),
		slog.Int("visited", len(crawlResult.Visited)),
		slog.Int("skipped", len(crawlResult.Skipped)))

	return Outcome{
		RunID:       runID,
		Auth:        authResult,
		Exploration: explorationResult,
		Crawl:       crawlResult,
	}, nil
}

// runAuth decides between the skipped and credentialed auth paths. The
// workflow owns this decision; run creation never triggers auth. A run
// without credentials, or a workflow without an authenticator, skips the
// phase rather than failing.
func (w *Workflow) runAuth(ctx context.Context, runID string, manifest registry.Manifest) (AuthResult, error) {
	if manifest.Credentials.IsEmpty() || w.auth == nil {
		reason := "no_credentials"
		if !manifest.Credentials.IsEmpty() {
			reason = "no_orchestrator"
		}
		if err := w.registry.UpdateStatus(runID, run.StatusAuthSkipped, map[string]any{"phase": "auth"}); err != nil {
			return AuthResult{}, err
		}
		w.checkpoint(runID, "auth.skipped", map[string]any{"reason": reason})
		w.emit("auth.skipped", map[string]any{"run_id": runID, "reason": reason})
		return AuthResult{Success: true, Stage: "skipped"}, nil
	}

	if err := w.registry.UpdateStatus(runID, run.StatusAuthInProgress, map[string]any{"phase": "auth"}); err != nil {
		return AuthResult{}, err
	}
	result, err := RunActivity(ctx, w.runner, runID, "auth",
		func(ctx context.Context) (AuthResult, error) {
			return w.executeAuth(ctx, runID, manifest.Credentials)
		},
		ActivityOptions{AttemptMetadata: map[string]any{"phase": "auth"}},
		func(result AuthResult) map[string]any {
			return map[string]any{"stage": result.Stage, "success": result.Success}
		})
	if err != nil {
		return AuthResult{}, err
	}
	w.emit("auth.completed", map[string]any{
		"run_id":  runID,
		"stage":   result.Stage,
		"success": result.Success,
	})
	return result, nil
}

func (w *Workflow) executeAuth(ctx context.Context, runID string, credentials run.CredentialSpec) (AuthResult, error) {
	result, err := w.auth.Authenticate(ctx, runID, credentials)
	if err != nil {
		return AuthResult{}, err
	}
	if !result.Success {
		message := result.Error
		if message == "" {
			message = "authentication failed"
		}
		// A denied result retries under the policy; only the attempt budget
		// makes it terminal.
		return AuthResult{}, Retryable(errors.New(message))
	}
	return result, nil
}

func (w *Workflow) checkpoint(runID, name string, details map[string]any) {
	_ = w.registry.RecordCheckpoint(runID, name, details)
}

func (w *Workflow) emit(event string, payload map[string]any) {
	w.telemetry.Emit(event, payload)
}
