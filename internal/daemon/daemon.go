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

// Package daemon assembles the service: registry, secrets, executor,
// workflow, and the HTTP boundary.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/damonous/gazeqa-artifacts/internal/audit"
	"github.com/damonous/gazeqa-artifacts/internal/config"
	"github.com/damonous/gazeqa-artifacts/internal/crawl"
	"github.com/damonous/gazeqa-artifacts/internal/daemon/api"
	"github.com/damonous/gazeqa-artifacts/internal/daemon/auth"
	"github.com/damonous/gazeqa-artifacts/internal/daemon/httputil"
	"github.com/damonous/gazeqa-artifacts/internal/executor"
	"github.com/damonous/gazeqa-artifacts/internal/exploration"
	internallog "github.com/damonous/gazeqa-artifacts/internal/log"
	"github.com/damonous/gazeqa-artifacts/internal/metrics"
	"github.com/damonous/gazeqa-artifacts/internal/registry"
	"github.com/damonous/gazeqa-artifacts/internal/run"
	"github.com/damonous/gazeqa-artifacts/internal/secrets"
	"github.com/damonous/gazeqa-artifacts/internal/telemetry"
	"github.com/damonous/gazeqa-artifacts/internal/tracing"
	"github.com/damonous/gazeqa-artifacts/internal/workflow"
)

// Options carries build-time identification.
type Options struct {
	Version string
}

// Daemon is the assembled service.
type Daemon struct {
	cfg    config.Config
	opts   Options
	logger *slog.Logger

	registry *registry.Registry
	secrets  *secrets.Manager
	executor *executor.Executor
	metrics  *metrics.Collector
	audit    *audit.Logger
	tracer   *tracing.Provider

	server *http.Server
	ln     net.Listener

	watchCancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New assembles a daemon from configuration.
func New(cfg config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	reg, err := registry.New(cfg.StorageRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("create run registry: %w", err)
	}

	secretsCfg := secrets.ManagerConfig{
		DefaultToken:       cfg.Auth.DefaultToken,
		RegistryJSON:       cfg.Auth.TokenRegistryJSON,
		RegistryFile:       cfg.Auth.TokenRegistryFile,
		TokenFile:          cfg.Auth.TokenFile,
		SigningKey:         cfg.Signing.Key,
		SigningKeyPrevious: cfg.Signing.PreviousKeys,
		SigningKeyFile:     cfg.Signing.KeyFile,
	}
	if cfg.Auth.TokenOrganization != "" || cfg.Auth.TokenOrgSlug != "" || cfg.Auth.TokenRole != "" {
		org := cfg.Auth.TokenOrganization
		slug := run.NormalizeSlug(cfg.Auth.TokenOrgSlug)
		if org == "" {
			org = slug
		}
		secretsCfg.TokenFileDefaults = &secrets.TokenEntry{
			Organization:     org,
			OrganizationSlug: slug,
			ActorRole:        cfg.Auth.TokenRole,
		}
	}
	secretsManager := secrets.NewManager(secretsCfg, logger)

	collector := metrics.NewCollector()
	auditLogger := audit.NewLogger(cfg.StorageRoot, logger)
	observability := telemetry.NewObservability(cfg.StorageRoot, logger)

	tracer, err := tracing.NewProvider(cfg.TraceStdout, opts.Version)
	if err != nil {
		return nil, fmt.Errorf("configure tracing: %w", err)
	}

	explorationCfg := exploration.DefaultConfig(cfg.StorageRoot)
	if cfg.Exploration.CoverageThreshold > 0 {
		explorationCfg.CoverageThreshold = cfg.Exploration.CoverageThreshold
	}
	if cfg.Exploration.MaxPagesPerRun > 0 {
		explorationCfg.MaxPagesPerRun = cfg.Exploration.MaxPagesPerRun
	}
	crawlCfg := crawl.DefaultConfig(cfg.StorageRoot)
	if cfg.Crawl.MaxDepth > 0 {
		crawlCfg.MaxDepth = cfg.Crawl.MaxDepth
	}
	if cfg.Crawl.MaxNodesPerRun > 0 {
		crawlCfg.MaxNodesPerRun = cfg.Crawl.MaxNodesPerRun
	}

	sink := telemetry.Multi{
		observability,
		metrics.TelemetrySink{Collector: collector},
	}
	wf := workflow.New(workflow.Config{
		Registry:    reg,
		Exploration: exploration.New(explorationCfg, sink),
		Crawler:     crawl.New(crawlCfg, sink),
		Telemetry:   sink,
		Logger:      logger,
	})

	exec := executor.New(executor.Config{
		Workflow: wf,
		Workers:  cfg.Workers,
		Logger:   logger,
		Metrics:  collector,
	})

	return &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		registry: reg,
		secrets:  secretsManager,
		executor: exec,
		metrics:  collector,
		audit:    auditLogger,
		tracer:   tracer,
	}, nil
}

// Registry exposes the run registry, mainly for tests and the CLI.
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Handler builds the full HTTP handler tree.
func (d *Daemon) Handler() http.Handler {
	authMw := auth.NewMiddleware(auth.Config{
		Secrets:   d.secrets,
		Audit:     d.audit,
		Logger:    d.logger,
		RateLimit: d.cfg.APIRateLimit,
	})

	server := api.NewServer(api.Config{
		Registry:   d.registry,
		Executor:   d.executor,
		Auth:       authMw,
		Secrets:    d.secrets,
		Metrics:    d.metrics,
		Audit:      d.audit,
		Logger:     d.logger,
		SigningTTL: d.cfg.Signing.TTL(),
		AlertToken: d.cfg.AlertWebhookToken,
	})

	mux := http.NewServeMux()
	server.Routes(mux)
	mux.HandleFunc("GET /healthz", d.handleHealth)
	mux.Handle("GET /metrics", d.metrics.Handler())
	if d.cfg.UIRoot != "" {
		mux.Handle("GET /ui/", http.StripPrefix("/ui/", http.FileServer(http.Dir(d.cfg.UIRoot))))
	}

	cors := auth.DefaultCORSConfig(d.cfg.CORS.AllowedOrigins)
	cors.AllowCredentials = d.cfg.CORS.AllowCredentials
	if len(d.cfg.CORS.AllowMethods) > 0 {
		cors.AllowMethods = d.cfg.CORS.AllowMethods
	}
	if len(d.cfg.CORS.AllowHeaders) > 0 {
		cors.AllowHeaders = d.cfg.CORS.AllowHeaders
	}
	if d.cfg.CORS.MaxAgeSeconds > 0 {
		cors.MaxAgeSeconds = d.cfg.CORS.MaxAgeSeconds
	}

	var handler http.Handler = server.Instrument(mux)
	handler = tracing.Middleware(handler)
	handler = auth.Headers(cors, handler)
	return handler
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": d.opts.Version,
		"queue":   d.executor.QueueDepth(),
	})
}

// Start binds the listener and serves until the context is cancelled or the
// server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	d.executor.Start(ctx)

	watchCtx, cancel := context.WithCancel(ctx)
	d.watchCancel = cancel
	go func() {
		if err := d.secrets.Watch(watchCtx); err != nil {
			d.logger.Warn("secrets watcher stopped", slog.Any("error", err))
		}
	}()

	ln, err := net.Listen("tcp", d.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Address(), err)
	}
	d.ln = ln

	d.server = &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.audit.Record("daemon.start", map[string]any{
		"address": ln.Addr().String(),
		"tls":     d.cfg.TLSEnabled(),
		"version": d.opts.Version,
	})
	d.logger.Info("daemon listening",
		slog.String("address", ln.Addr().String()),
		slog.Bool("tls", d.cfg.TLSEnabled()))

	errCh := make(chan error, 1)
	go func() {
		if d.cfg.TLSEnabled() {
			errCh <- d.server.ServeTLS(ln, d.cfg.TLSCertFile, d.cfg.TLSKeyFile)
			return
		}
		errCh <- d.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Addr returns the bound listen address, empty before Start.
func (d *Daemon) Addr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Shutdown stops the HTTP server, stops the executor (aborting unstarted
// queued runs), and flushes traces.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.watchCancel != nil {
		d.watchCancel()
	}

	var firstErr error
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := d.executor.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.tracer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	d.audit.Record("daemon.stop", nil)
	d.logger.Info("daemon stopped")
	return firstErr
}
