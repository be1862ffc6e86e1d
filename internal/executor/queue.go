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

// Package executor runs accepted workflows on a bounded worker pool fed by
// an in-memory FIFO queue.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/damonous/gazeqa-artifacts/internal/run"
)

// ErrQueueClosed is returned when operating on a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// Task is one queued workflow execution.
type Task struct {
	RunID      string
	SiteMap    []run.PageDescriptor
	Adjacency  run.Adjacency
	EnqueuedAt time.Time
}

// Queue is an in-memory FIFO task queue. Dequeue blocks on a signal
// channel rather than polling.
type Queue struct {
	mu     sync.Mutex
	tasks  []*Task
	signal chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Enqueue appends a task.
func (q *Queue) Enqueue(task *Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	q.tasks = append(q.tasks, task)
	// Signal under the lock so Close cannot slip in between.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return nil
}

// Dequeue pops the oldest task, blocking until one is available, the queue
// closes, or ctx is cancelled. Once the queue is closed it returns
// ErrQueueClosed even if tasks were still pending at close time.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return task, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops the queue. Pending tasks are discarded and returned so the
// caller can report the aborted runs. Further Enqueue and Dequeue calls
// fail with ErrQueueClosed.
func (q *Queue) Close() []*Task {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	aborted := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	close(q.signal)
	return aborted
}
