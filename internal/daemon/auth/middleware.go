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

package auth

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/damonous/gazeqa-artifacts/internal/audit"
	"github.com/damonous/gazeqa-artifacts/internal/daemon/httputil"
	"github.com/damonous/gazeqa-artifacts/internal/secrets"
)

// Config configures the auth middleware.
type Config struct {
	Secrets *secrets.Manager
	Audit   *audit.Logger
	Logger  *slog.Logger

	// RateLimit is requests/second allowed per principal; zero disables
	// limiting. Burst defaults to the ceiling of the rate.
	RateLimit float64
	RateBurst int
}

// Middleware authenticates bearer tokens against the secrets manager and
// enforces per-endpoint scopes.
type Middleware struct {
	secrets *secrets.Manager
	audit   *audit.Logger
	logger  *slog.Logger

	rateLimit float64
	rateBurst int
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewMiddleware creates the middleware.
func NewMiddleware(cfg Config) *Middleware {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = int(cfg.RateLimit) + 1
	}
	return &Middleware{
		secrets:   cfg.Secrets,
		audit:     cfg.Audit,
		logger:    logger.With("component", "auth"),
		rateLimit: cfg.RateLimit,
		rateBurst: burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// RequireScope wraps a handler with authentication and a scope check.
// Tokens come from the Authorization header or the token query parameter.
// With no registry configured, every request passes with open scopes.
func (m *Middleware) RequireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := m.authenticate(r)
		if !ok {
			m.record("api.denied", r, "", map[string]any{"reason": "unauthorized"})
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !m.allowRate(principal) {
			m.record("api.denied", r, principal.Token, map[string]any{"reason": "rate_limited"})
			httputil.WriteError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		if scope != "" && !principal.HasScope(scope) {
			m.record("api.denied", r, principal.Token, map[string]any{
				"reason": "insufficient_scope",
				"scope":  scope,
			})
			httputil.WriteError(w, http.StatusForbidden, "insufficient_scope")
			return
		}
		next(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	}
}

func (m *Middleware) authenticate(r *http.Request) (*Principal, bool) {
	if m.secrets == nil || m.secrets.Empty() {
		return &Principal{
			Organization:     "default",
			OrganizationSlug: "default",
			ActorRole:        "admin",
			Scopes:           secrets.DefaultOpenScopes,
			Anonymous:        true,
		}, true
	}

	token := bearerToken(r)
	if token == "" {
		return nil, false
	}
	entry, ok := m.secrets.Lookup(token)
	if !ok {
		return nil, false
	}
	return &Principal{
		Token:            token,
		Organization:     entry.Organization,
		OrganizationSlug: entry.OrganizationSlug,
		ActorRole:        entry.ActorRole,
		Scopes:           entry.Scopes,
	}, true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (m *Middleware) allowRate(principal *Principal) bool {
	if m.rateLimit <= 0 {
		return true
	}
	key := principal.Token
	if key == "" {
		key = "anonymous"
	}
	m.limiterMu.Lock()
	limiter, ok := m.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(m.rateLimit), m.rateBurst)
		m.limiters[key] = limiter
	}
	m.limiterMu.Unlock()
	return limiter.Allow()
}

func (m *Middleware) record(action string, r *http.Request, token string, details map[string]any) {
	if m.audit == nil {
		return
	}
	entry := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
	}
	if token != "" {
		entry["token"] = token
	}
	for k, v := range details {
		entry[k] = v
	}
	m.audit.Record(action, entry)
}
