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

package secrets

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
)

// TokenEntry is the normalized metadata attached to one API token.
type TokenEntry struct {
	Organization     string   `json:"organization"`
	OrganizationSlug string   `json:"organization_slug"`
	ActorRole        string   `json:"actor_role"`
	Scopes           []string `json:"scopes"`
}

// HasScope reports whether the entry grants the required scope, honoring
// the runs:* and * wildcards.
func (e TokenEntry) HasScope(required string) bool {
	for _, scope := range e.Scopes {
		if scope == required || scope == "*" {
			return true
		}
		if strings.HasSuffix(scope, ":*") && strings.HasPrefix(required, strings.TrimSuffix(scope, "*")) {
			return true
		}
	}
	return false
}

// rawEntry accepts the loose shapes a registry entry may take on disk.
type rawEntry struct {
	Organization     string `json:"organization"`
	OrganizationName string `json:"organization_name"`
	OrganizationSlug string `json:"organization_slug"`
	ActorRole        string `json:"actor_role"`
	Scopes           []any  `json:"scopes"`
}

// normalizeEntry fills defaults and sorts scopes. Aliased organization
// fields collapse in precedence order: organization, organization_name,
// organization_slug.
func normalizeEntry(raw rawEntry) TokenEntry {
	organization := strings.TrimSpace(raw.Organization)
	if organization == "" {
		organization = strings.TrimSpace(raw.OrganizationName)
	}
	if organization == "" {
		organization = strings.TrimSpace(raw.OrganizationSlug)
	}
	if organization == "" {
		organization = "default"
	}
	slug := strings.TrimSpace(raw.OrganizationSlug)
	if slug == "" {
		slug = organization
	}
	role := strings.TrimSpace(raw.ActorRole)
	if role == "" {
		role = "qa_viewer"
	}

	var scopes []string
	if raw.Scopes != nil {
		seen := map[string]struct{}{}
		for _, item := range raw.Scopes {
			s, ok := item.(string)
			if !ok {
				continue
			}
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, dup := seen[s]; !dup {
				seen[s] = struct{}{}
				scopes = append(scopes, s)
			}
		}
		sort.Strings(scopes)
	}
	if scopes == nil {
		scopes = ScopesForRole(role)
	}
	return TokenEntry{
		Organization:     organization,
		OrganizationSlug: slug,
		ActorRole:        role,
		Scopes:           scopes,
	}
}

// parseRegistryJSON parses a token->metadata object. Malformed entries are
// skipped; malformed JSON yields an empty registry.
func parseRegistryJSON(raw string, logger *slog.Logger) map[string]TokenEntry {
	registry := map[string]TokenEntry{}
	if strings.TrimSpace(raw) == "" {
		return registry
	}
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		logger.Warn("failed to parse token registry JSON, ignoring", slog.Any("error", err))
		return registry
	}
	for token, value := range parsed {
		var entry rawEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			logger.Warn("token registry entry is not an object, skipping", slog.String("token", ""))
			continue
		}
		registry[token] = normalizeEntry(entry)
	}
	return registry
}

// LoadTokenRegistry builds a registry from the JSON payload and an optional
// standalone default token granted qa_runner scopes.
func LoadTokenRegistry(defaultToken, registryJSON string, logger *slog.Logger) map[string]TokenEntry {
	if logger == nil {
		logger = slog.Default()
	}
	registry := parseRegistryJSON(registryJSON, logger)
	if defaultToken != "" {
		if _, ok := registry[defaultToken]; !ok {
			registry[defaultToken] = TokenEntry{
				Organization:     "default",
				OrganizationSlug: "default",
				ActorRole:        "qa_runner",
				Scopes:           ScopesForRole("qa_runner"),
			}
		}
	}
	return registry
}
