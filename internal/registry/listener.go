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
	"sync"

	"github.com/damonous/gazeqa-artifacts/internal/run"
)

// subscriptionBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind starts losing events rather than stalling the
// registry.
const subscriptionBuffer = 64

// Subscription is a per-subscriber event channel for a single run. Events
// are delivered in registry append order; delivery is best-effort.
type Subscription struct {
	// C receives events for the subscribed run until Close is called.
	C <-chan run.Event

	ch    chan run.Event
	once  sync.Once
	close func()
}

// Close unregisters the subscription and releases its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(s.close)
}

type listenerSet struct {
	mu   sync.Mutex
	byID map[string]map[*Subscription]struct{}
}

func newListenerSet() *listenerSet {
	return &listenerSet{byID: make(map[string]map[*Subscription]struct{})}
}

func (l *listenerSet) subscribe(runID string) *Subscription {
	sub := &Subscription{ch: make(chan run.Event, subscriptionBuffer)}
	sub.C = sub.ch
	sub.close = func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if subs, ok := l.byID[runID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(l.byID, runID)
			}
		}
		// Closing under the same lock used by notify keeps sends and close
		// serialized.
		close(sub.ch)
	}

	l.mu.Lock()
	subs, ok := l.byID[runID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		l.byID[runID] = subs
	}
	subs[sub] = struct{}{}
	l.mu.Unlock()
	return sub
}

// notify fans an event out to every subscriber of the run. Sends never
// block: a full subscriber channel drops the event.
func (l *listenerSet) notify(runID string, event run.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.byID[runID] {
		select {
		case sub.ch <- event:
		default:
		}
	}
}
