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

package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/damonous/gazeqa-artifacts/internal/daemon/httputil"
	"github.com/damonous/gazeqa-artifacts/internal/run"
)

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, ok := s.authorizeRunAccess(w, r, runID); !ok {
		return
	}
	events, err := s.registry.GetRunEvents(runID)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "not_found")
		return
	}
	history, err := s.registry.GetStatusHistory(runID)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "not_found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run_id":         runID,
		"events":         events,
		"status_history": history,
	})
}

// handleStreamEvents serves the SSE stream: recorded events first, then live
// events until the client disconnects.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, ok := s.authorizeRunAccess(w, r, runID); !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}

	// Subscribe before replay so events appended during the replay are not
	// lost. A replayed event may also arrive live; clients tolerate that.
	sub := s.registry.Subscribe(runID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if s.metrics != nil {
		s.metrics.SSEStreamOpened()
		defer s.metrics.SSEStreamClosed()
	}

	recorded, err := s.registry.GetRunEvents(runID)
	if err != nil {
		s.logger.Warn("event replay failed", slog.String("run_id", runID), slog.Any("error", err))
	}
	for _, event := range recorded {
		if writeSSEEvent(w, event) != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.C:
			if !open {
				return
			}
			if writeSSEEvent(w, event) != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event run.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}
