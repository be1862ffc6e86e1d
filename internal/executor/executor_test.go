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

package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damonous/gazeqa-artifacts/internal/crawl"
	"github.com/damonous/gazeqa-artifacts/internal/exploration"
	"github.com/damonous/gazeqa-artifacts/internal/registry"
	"github.com/damonous/gazeqa-artifacts/internal/run"
	"github.com/damonous/gazeqa-artifacts/internal/workflow"
)

func testExecutor(t *testing.T, workers int) (*Executor, *registry.Registry) {
	t.Helper()
	root := t.TempDir()
	reg, err := registry.New(root, nil)
	require.NoError(t, err)
	wf := workflow.New(workflow.Config{
		Registry:    reg,
		Exploration: exploration.New(exploration.DefaultConfig(root), nil),
		Crawler:     crawl.New(crawl.DefaultConfig(root), nil),
	})
	return New(Config{Workflow: wf, Workers: workers}), reg
}

func createRun(t *testing.T, reg *registry.Registry) registry.Manifest {
	t.Helper()
	manifest, err := reg.CreateRun(run.Payload{
		TargetURL:        "https://app.example.test",
		Budgets:          run.BudgetSpec{TimeBudgetMinutes: 30, PageBudget: 200},
		StorageProfile:   run.DefaultStorageProfile,
		Organization:     "default",
		OrganizationSlug: "default",
		ActorRole:        run.DefaultActorRole,
	})
	require.NoError(t, err)
	return manifest
}

func waitForStatus(t *testing.T, reg *registry.Registry, runID string, want run.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		manifest, err := reg.GetRun(runID)
		require.NoError(t, err)
		if manifest.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
}

func TestExecutorRunsSubmittedTask(t *testing.T) {
	exec, reg := testExecutor(t, 1)
	manifest := createRun(t, reg)

	exec.Start(context.Background())
	exec.RegisterTarget(manifest.ID, manifest.TargetURL)
	require.NoError(t, exec.Submit(Task{RunID: manifest.ID}))

	waitForStatus(t, reg, manifest.ID, run.StatusCompleted)
	require.NoError(t, exec.Shutdown(context.Background()))
}

func TestExecutorShutdownAbortsQueuedRuns(t *testing.T) {
	exec, reg := testExecutor(t, 2)

	// Queue runs without starting the pool, so none of them is picked up.
	var ids []string
	for i := 0; i < 4; i++ {
		manifest := createRun(t, reg)
		exec.RegisterTarget(manifest.ID, manifest.TargetURL)
		require.NoError(t, exec.Submit(Task{RunID: manifest.ID}))
		ids = append(ids, manifest.ID)
	}
	assert.Equal(t, 4, exec.QueueDepth())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, exec.Shutdown(ctx))

	assert.Zero(t, exec.QueueDepth())
	for _, id := range ids {
		manifest, err := reg.GetRun(id)
		require.NoError(t, err)
		assert.Equal(t, run.StatusPending, manifest.Status)
	}
}

func TestExecutorRejectsAfterShutdown(t *testing.T) {
	exec, reg := testExecutor(t, 1)
	exec.Start(context.Background())
	require.NoError(t, exec.Shutdown(context.Background()))

	manifest := createRun(t, reg)
	err := exec.Submit(Task{RunID: manifest.ID})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Enqueue(&Task{RunID: "a"}))
	require.NoError(t, q.Enqueue(&Task{RunID: "b"}))
	require.NoError(t, q.Enqueue(&Task{RunID: "c"}))
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		task, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, task.RunID)
	}
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	done := make(chan string, 1)
	go func() {
		task, err := q.Dequeue(context.Background())
		if err == nil {
			done <- task.RunID
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(&Task{RunID: "late"}))

	select {
	case got := <-done:
		assert.Equal(t, "late", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue never returned")
	}
}

func TestQueueCloseDiscardsBacklog(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Enqueue(&Task{RunID: "queued"}))
	require.NoError(t, q.Enqueue(&Task{RunID: "also-queued"}))

	aborted := q.Close()
	require.Len(t, aborted, 2)
	assert.Equal(t, "queued", aborted[0].RunID)
	assert.Equal(t, "also-queued", aborted[1].RunID)
	assert.Zero(t, q.Len())

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, q.Enqueue(&Task{RunID: "late"}), ErrQueueClosed)

	// A second close is a no-op.
	assert.Nil(t, q.Close())
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
