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

// Package api implements the run orchestration HTTP surface.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/damonous/gazeqa-artifacts/internal/audit"
	"github.com/damonous/gazeqa-artifacts/internal/daemon/auth"
	"github.com/damonous/gazeqa-artifacts/internal/daemon/httputil"
	"github.com/damonous/gazeqa-artifacts/internal/executor"
	"github.com/damonous/gazeqa-artifacts/internal/metrics"
	"github.com/damonous/gazeqa-artifacts/internal/registry"
	"github.com/damonous/gazeqa-artifacts/internal/secrets"
	"github.com/damonous/gazeqa-artifacts/internal/signing"
)

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 30 * time.Second

// Config wires the API server.
type Config struct {
	Registry *registry.Registry
	Executor *executor.Executor
	Auth     *auth.Middleware
	Secrets  *secrets.Manager
	Metrics  *metrics.Collector
	Audit    *audit.Logger
	Logger   *slog.Logger

	// SigningTTL bounds download URL lifetime; zero means signing.DefaultTTL.
	SigningTTL time.Duration
	// AlertToken is the static bearer accepted by the alert webhook. Empty
	// disables the endpoint.
	AlertToken string
	// Heartbeat overrides the SSE keep-alive interval, mainly for tests.
	Heartbeat time.Duration
}

// Server serves the run API over a registry and executor.
type Server struct {
	registry   *registry.Registry
	executor   *executor.Executor
	auth       *auth.Middleware
	secrets    *secrets.Manager
	metrics    *metrics.Collector
	audit      *audit.Logger
	logger     *slog.Logger
	signingTTL time.Duration
	alertToken string
	heartbeat  time.Duration
}

// NewServer creates the API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Server{
		registry:   cfg.Registry,
		executor:   cfg.Executor,
		auth:       cfg.Auth,
		secrets:    cfg.Secrets,
		metrics:    cfg.Metrics,
		audit:      cfg.Audit,
		logger:     logger.With("component", "api"),
		signingTTL: cfg.SigningTTL,
		alertToken: cfg.AlertToken,
		heartbeat:  heartbeat,
	}
}

// Routes registers every endpoint on the mux. The public download path is
// literal, so it wins over the {id} wildcards.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", s.auth.RequireScope(secrets.ScopeRunsCreate, s.handleCreateRun))
	mux.HandleFunc("GET /runs", s.auth.RequireScope(secrets.ScopeRunsRead, s.handleListRuns))
	mux.HandleFunc("GET /runs/{id}", s.auth.RequireScope(secrets.ScopeRunsRead, s.handleGetRun))
	mux.HandleFunc("GET /runs/{id}/artifacts", s.auth.RequireScope(secrets.ScopeRunsRead, s.handleListArtifacts))
	mux.HandleFunc("GET /runs/{id}/events", s.auth.RequireScope(secrets.ScopeRunsRead, s.handleGetEvents))
	mux.HandleFunc("GET /runs/{id}/events/stream", s.auth.RequireScope(secrets.ScopeRunsEvents, s.handleStreamEvents))
	mux.HandleFunc("POST /runs/{id}/status", s.auth.RequireScope(secrets.ScopeRunsCreate, s.handleUpdateStatus))
	mux.HandleFunc("POST /runs/{id}/checkpoints", s.auth.RequireScope(secrets.ScopeRunsCreate, s.handleRecordCheckpoint))
	mux.HandleFunc("GET /runs/public/download", s.handlePublicDownload)
	mux.HandleFunc("POST /observability/alerts", s.handleAlertWebhook)
}

// Handler returns the routed and instrumented handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return s.Instrument(mux)
}

// authorizeRunAccess resolves a run's tenant metadata and enforces tenant
// isolation for the principal. It writes the error response itself and
// returns ok=false when access is denied.
func (s *Server) authorizeRunAccess(w http.ResponseWriter, r *http.Request, runID string) (registry.IndexEntry, bool) {
	meta, err := s.registry.GetRunMetadata(runID)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "not_found")
		return registry.IndexEntry{}, false
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	if principal == nil || principal.Anonymous || principal.CanReadAllTenants() {
		return meta, true
	}
	if meta.OrganizationSlug != principal.OrganizationSlug {
		s.recordAudit("api.denied", map[string]any{
			"reason":   "organization_mismatch",
			"run_id":   runID,
			"path":     r.URL.Path,
			"expected": meta.OrganizationSlug,
			"actual":   principal.OrganizationSlug,
		})
		httputil.WriteError(w, http.StatusForbidden, "organization_mismatch")
		return registry.IndexEntry{}, false
	}
	return meta, true
}

func (s *Server) recordAudit(action string, details map[string]any) {
	if s.audit != nil {
		s.audit.Record(action, details)
	}
}

// signer returns a signer for the primary key plus the full verification
// ring, or nil when no key is configured.
func (s *Server) signer() (*signing.Signer, []string) {
	if s.secrets == nil {
		return nil, nil
	}
	keys := s.secrets.SigningKeys()
	if keys.Primary == "" {
		return nil, nil
	}
	return signing.New([]byte(keys.Primary)), keys.All
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Instrument wraps a handler with request count and latency metrics.
func (s *Server) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, recorder.status, time.Since(start))
		}
	})
}
