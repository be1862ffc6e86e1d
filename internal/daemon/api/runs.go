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
	"errors"
	"log/slog"
	"net/http"

	"github.com/damonous/gazeqa-artifacts/internal/daemon/auth"
	"github.com/damonous/gazeqa-artifacts/internal/daemon/httputil"
	"github.com/damonous/gazeqa-artifacts/internal/executor"
	"github.com/damonous/gazeqa-artifacts/internal/registry"
	"github.com/damonous/gazeqa-artifacts/internal/run"
)

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	payload, err := run.ParsePayload(raw)
	if err != nil {
		var vErr *run.ValidationError
		if errors.As(err, &vErr) {
			httputil.WriteJSON(w, http.StatusBadRequest, map[string]any{
				"error":        "validation_failed",
				"field_errors": vErr.Fields,
			})
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	// The principal's tenant always wins over whatever the client sent.
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && !principal.Anonymous {
		payload.Organization = principal.Organization
		payload.OrganizationSlug = principal.OrganizationSlug
		payload.ActorRole = principal.ActorRole
	}

	manifest, err := s.registry.CreateRun(payload)
	if err != nil {
		s.logger.Error("create run failed", slog.Any("error", err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordRunCreated()
	}
	s.recordAudit("api.run.create", map[string]any{
		"run_id":            manifest.ID,
		"organization_slug": manifest.OrganizationSlug,
	})

	if s.executor != nil {
		s.executor.RegisterTarget(manifest.ID, manifest.TargetURL)
		if err := s.executor.Submit(executor.Task{RunID: manifest.ID}); err != nil {
			s.logger.Error("enqueue failed",
				slog.String("run_id", manifest.ID),
				slog.Any("error", err))
		}
	}

	httputil.WriteJSON(w, http.StatusCreated, manifest)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	page, err := parsePagination(r.URL.Query(), defaultRunsLimit, maxRunsLimit)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_pagination")
		return
	}

	entries := s.registry.ListRuns()
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && !principal.Anonymous && !principal.CanReadAllTenants() {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.OrganizationSlug == principal.OrganizationSlug {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	start, end := page.window(len(entries))
	response := page.envelope(len(entries))
	response["runs"] = entries[start:end]
	httputil.WriteJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, ok := s.authorizeRunAccess(w, r, runID); !ok {
		return
	}
	manifest, err := s.registry.GetRun(runID)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "not_found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, ok := s.authorizeRunAccess(w, r, runID); !ok {
		return
	}

	var body struct {
		Status   string         `json:"status"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":        "validation_failed",
			"field_errors": map[string]string{"status": "status is required"},
		})
		return
	}

	if err := s.registry.UpdateStatus(runID, run.Status(body.Status), body.Metadata); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "not_found")
			return
		}
		s.logger.Error("status update failed", slog.String("run_id", runID), slog.Any("error", err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	s.recordAudit("api.run.status", map[string]any{
		"run_id": runID,
		"status": body.Status,
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"status": body.Status,
	})
}

func (s *Server) handleRecordCheckpoint(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, ok := s.authorizeRunAccess(w, r, runID); !ok {
		return
	}

	var body struct {
		Name    string         `json:"name"`
		Details map[string]any `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":        "validation_failed",
			"field_errors": map[string]string{"name": "name is required"},
		})
		return
	}

	if err := s.registry.RecordCheckpoint(runID, body.Name, body.Details); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "not_found")
			return
		}
		s.logger.Error("checkpoint failed", slog.String("run_id", runID), slog.Any("error", err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	s.recordAudit("api.run.checkpoint", map[string]any{
		"run_id":     runID,
		"checkpoint": body.Name,
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run_id":     runID,
		"checkpoint": body.Name,
	})
}
