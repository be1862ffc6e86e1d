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
	"fmt"
	"math"
	"time"

	"github.com/damonous/gazeqa-artifacts/internal/registry"
	"github.com/damonous/gazeqa-artifacts/internal/tracing"
)

// RetryPolicy bounds activity retries. Backoff holds per-retry delays; an
// attempt beyond the slice reuses the last entry.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// DefaultRetryPolicy retries twice with no delay, matching the in-process
// execution model where retried activities are deterministic.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3}
}

// SleepFor returns the delay to apply before the given attempt (1-based).
func (p RetryPolicy) SleepFor(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(p.Backoff) {
		index = len(p.Backoff) - 1
	}
	return p.Backoff[index]
}

// TaskRunner executes activities with retry and checkpoint semantics:
// every attempt, retry, terminal failure, and success is recorded in the
// run's checkpoint journal.
type TaskRunner struct {
	registry *registry.Registry
	policy   RetryPolicy
}

// NewTaskRunner creates a runner with the given default policy. A zero
// MaxAttempts falls back to DefaultRetryPolicy.
func NewTaskRunner(reg *registry.Registry, policy RetryPolicy) *TaskRunner {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &TaskRunner{registry: reg, policy: policy}
}

// ActivityOptions customize one activity execution.
type ActivityOptions struct {
	// Policy overrides the runner default when MaxAttempts is positive.
	Policy RetryPolicy
	// AttemptMetadata is merged into every <name>.attempt checkpoint.
	AttemptMetadata map[string]any
}

// RunActivity executes fn under the retry policy, checkpointing each
// transition. successMetadata, when non-nil, contributes fields to the
// <name>.succeeded checkpoint. The context is honored between retries.
func RunActivity[T any](
	ctx context.Context,
	runner *TaskRunner,
	runID, name string,
	fn func(context.Context) (T, error),
	opts ActivityOptions,
	successMetadata func(T) map[string]any,
) (T, error) {
	var zero T
	policy := runner.policy
	if opts.Policy.MaxAttempts > 0 {
		policy = opts.Policy
	}

	// One span covers the activity including all retries.
	ctx, span := tracing.StartPhase(ctx, runID, name)
	var activityErr error
	defer func() { tracing.EndPhase(span, activityErr) }()

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attemptPayload := map[string]any{"attempt": attempt}
		for k, v := range opts.AttemptMetadata {
			attemptPayload[k] = v
		}
		runner.checkpoint(runID, name+".attempt", attemptPayload)

		start := time.Now()
		result, err := fn(ctx)
		if err == nil {
			durationMS := math.Round(float64(time.Since(start).Microseconds())/10) / 100
			successPayload := map[string]any{"attempt": attempt, "duration_ms": durationMS}
			if successMetadata != nil {
				for k, v := range successMetadata(result) {
					successPayload[k] = v
				}
			}
			runner.checkpoint(runID, name+".succeeded", successPayload)
			return result, nil
		}

		failurePayload := map[string]any{
			"attempt":   attempt,
			"error":     err.Error(),
			"exception": ErrorKind(err),
		}
		if !IsRetryable(err) {
			runner.checkpoint(runID, name+".failed", failurePayload)
			activityErr = err
			return zero, err
		}
		runner.checkpoint(runID, name+".retry", failurePayload)
		if attempt >= policy.MaxAttempts {
			runner.checkpoint(runID, name+".failed", failurePayload)
			activityErr = err
			return zero, err
		}
		if delay := policy.SleepFor(attempt + 1); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				activityErr = ctx.Err()
				return zero, activityErr
			}
		}
	}
	activityErr = fmt.Errorf("activity %s did not complete", name)
	return zero, activityErr
}

func (r *TaskRunner) checkpoint(runID, name string, details map[string]any) {
	// Checkpoint writes are best-effort; a failed journal append must not
	// mask the activity outcome.
	_ = r.registry.RecordCheckpoint(runID, name, details)
}
