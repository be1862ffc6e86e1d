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
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/damonous/gazeqa-artifacts/internal/metrics"
	"github.com/damonous/gazeqa-artifacts/internal/sitemap"
	"github.com/damonous/gazeqa-artifacts/internal/workflow"
)

// DefaultWorkers is the worker pool size when unconfigured.
const DefaultWorkers = 2

// Config wires an executor.
type Config struct {
	Workflow *workflow.Workflow
	Workers  int
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Executor drains the task queue with a fixed pool of workers, executing
// one workflow per task. Workflow failures are terminal for the run (the
// workflow marks it Failed) and never stop the pool.
type Executor struct {
	workflow *workflow.Workflow
	queue    *Queue
	workers  int
	logger   *slog.Logger
	metrics  *metrics.Collector

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	started  bool
	startMu  sync.Mutex
	targets  map[string]string
	targetMu sync.Mutex
}

// New creates an executor around a workflow.
func New(cfg Config) *Executor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		workflow: cfg.Workflow,
		queue:    NewQueue(),
		workers:  workers,
		logger:   logger.With("component", "executor"),
		metrics:  cfg.Metrics,
		targets:  make(map[string]string),
	}
}

// Submit queues a run for execution. The site map defaults to the
// deterministic graph for the run's target URL when none is supplied.
func (e *Executor) Submit(task Task) error {
	if task.SiteMap == nil {
		e.targetMu.Lock()
		target := e.targets[task.RunID]
		e.targetMu.Unlock()
		task.SiteMap, task.Adjacency = sitemap.BuildDefault(target)
	}
	if err := e.queue.Enqueue(&task); err != nil {
		return err
	}
	e.recordDepth()
	return nil
}

// RegisterTarget associates a run with its target URL before submission so
// a default site map can be derived.
func (e *Executor) RegisterTarget(runID, targetURL string) {
	e.targetMu.Lock()
	e.targets[runID] = targetURL
	e.targetMu.Unlock()
}

// QueueDepth returns the number of tasks waiting for a worker.
func (e *Executor) QueueDepth() int {
	return e.queue.Len()
}

// Start launches the worker pool. It is idempotent.
func (e *Executor) Start(ctx context.Context) {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return
	}
	e.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(workerCtx, i)
	}
	e.logger.Info("executor started", slog.Int("workers", e.workers))
}

// Shutdown stops intake, aborts queued runs that no worker has picked up,
// and waits for in-flight work up to the context deadline.
func (e *Executor) Shutdown(ctx context.Context) error {
	aborted := e.queue.Close()
	for _, task := range aborted {
		e.logger.Warn("aborting queued run", slog.String("run_id", task.RunID))
		e.targetMu.Lock()
		delete(e.targets, task.RunID)
		e.targetMu.Unlock()
	}
	e.recordDepth()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("executor stopped")
		return nil
	case <-ctx.Done():
		if e.cancel != nil {
			e.cancel()
		}
		<-done
		return ctx.Err()
	}
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	logger := e.logger.With(slog.Int("worker", id))
	for {
		task, err := e.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				logger.Error("dequeue failed", slog.Any("error", err))
			}
			return
		}
		e.recordDepth()
		e.execute(ctx, logger, task)
	}
}

func (e *Executor) execute(ctx context.Context, logger *slog.Logger, task *Task) {
	start := time.Now()
	logger.Info("executing run",
		slog.String("run_id", task.RunID),
		slog.Duration("queued_for", time.Since(task.EnqueuedAt)))

	_, err := e.workflow.Execute(ctx, task.RunID, task.SiteMap, task.Adjacency)
	status := "Completed"
	if err != nil {
		status = "Failed"
		logger.Error("run failed",
			slog.String("run_id", task.RunID),
			slog.Any("error", err))
	}
	if e.metrics != nil {
		e.metrics.RecordRunCompleted(status, time.Since(start))
	}

	e.targetMu.Lock()
	delete(e.targets, task.RunID)
	e.targetMu.Unlock()
}

func (e *Executor) recordDepth() {
	if e.metrics != nil {
		e.metrics.SetQueueDepth(e.queue.Len())
	}
}
