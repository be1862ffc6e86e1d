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

// Package auth provides bearer authentication, scope checks, rate limiting,
// CORS, and security headers for the daemon API.
package auth

import (
	"context"
	"strings"

	"github.com/damonous/gazeqa-artifacts/internal/secrets"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Principal is the authenticated caller of a request.
type Principal struct {
	Token            string
	Organization     string
	OrganizationSlug string
	ActorRole        string
	Scopes           []string
	// Anonymous is set when no token registry is configured and the API
	// runs in single-tenant dev mode.
	Anonymous bool
}

// HasScope reports whether the principal carries the required scope,
// honoring the runs:* and * wildcards.
func (p *Principal) HasScope(required string) bool {
	for _, scope := range p.Scopes {
		if scope == required || scope == "*" {
			return true
		}
		if strings.HasSuffix(scope, ":*") && strings.HasPrefix(required, strings.TrimSuffix(scope, "*")) {
			return true
		}
	}
	return false
}

// CanReadAllTenants reports whether tenant isolation applies to this
// principal.
func (p *Principal) CanReadAllTenants() bool {
	return p.HasScope(secrets.ScopeRunsReadAll)
}

// PrincipalFromContext extracts the request principal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(principalContextKey).(*Principal)
	return principal, ok
}

// ContextWithPrincipal attaches a principal to a context. Exposed for
// handler tests.
func ContextWithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}
