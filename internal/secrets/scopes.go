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

// Package secrets manages API token registries and signed-URL keys, with
// hot reload from files.
package secrets

import "sort"

// API scopes understood by the service.
const (
	ScopeRunsCreate  = "runs:create"
	ScopeRunsRead    = "runs:read"
	ScopeRunsEvents  = "runs:events"
	ScopeRunsReadAll = "runs:read:all"
)

// roleDefaultScopes maps actor roles to the scopes they receive when a
// registry entry does not list scopes explicitly.
var roleDefaultScopes = map[string][]string{
	"qa_runner": {ScopeRunsCreate, ScopeRunsRead, ScopeRunsEvents},
	"qa_viewer": {ScopeRunsRead, ScopeRunsEvents},
	"admin":     {ScopeRunsCreate, ScopeRunsRead, ScopeRunsEvents, ScopeRunsReadAll},
}

// DefaultOpenScopes is the scope set granted when authentication is
// disabled entirely.
var DefaultOpenScopes = []string{ScopeRunsCreate, ScopeRunsRead, ScopeRunsEvents, ScopeRunsReadAll}

// ScopesForRole returns the sorted default scope list for a role. Unknown
// roles fall back to the viewer scopes.
func ScopesForRole(role string) []string {
	scopes, ok := roleDefaultScopes[role]
	if !ok {
		scopes = roleDefaultScopes["qa_viewer"]
	}
	out := make([]string, len(scopes))
	copy(out, scopes)
	sort.Strings(out)
	return out
}
