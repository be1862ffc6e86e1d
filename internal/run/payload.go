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

package run

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Role and profile defaults applied during intake normalization.
const (
	DefaultStorageProfile    = "default"
	DefaultOrganizationSlug  = "default"
	DefaultActorRole         = "qa_runner"
	DefaultTimeBudgetMinutes = 30
	DefaultPageBudget        = 200
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidationError reports intake payload validation failures as a map of
// field name to message.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload validation failed: %d field error(s)", len(e.Fields))
}

// CredentialSpec holds the optional credentials attached to a run request.
// The secret itself is never stored; SecretRef is an opaque reference.
type CredentialSpec struct {
	Username  string `json:"username,omitempty"`
	SecretRef string `json:"secret_ref,omitempty"`
}

// IsEmpty reports whether no credential material was supplied.
func (c CredentialSpec) IsEmpty() bool {
	return c.Username == "" && c.SecretRef == ""
}

// BudgetSpec holds run execution budgets.
type BudgetSpec struct {
	TimeBudgetMinutes int `json:"time_budget_minutes"`
	PageBudget        int `json:"page_budget"`
}

// Payload is a normalized CreateRun request.
type Payload struct {
	TargetURL        string         `json:"target_url"`
	Credentials      CredentialSpec `json:"credentials"`
	Budgets          BudgetSpec     `json:"budgets"`
	StorageProfile   string         `json:"storage_profile"`
	Tags             []string       `json:"tags"`
	Organization     string         `json:"organization"`
	OrganizationSlug string         `json:"organization_slug"`
	ActorRole        string         `json:"actor_role"`
}

// ParsePayload normalizes and validates a raw intake payload. It returns a
// *ValidationError carrying the full field->message map when the payload is
// invalid; no partial payload is returned in that case.
func ParsePayload(raw map[string]any) (Payload, error) {
	errs := map[string]string{}

	targetURL := stringField(raw["target_url"])
	if targetURL == "" {
		errs["target_url"] = "target_url is required"
	} else if !validURL(targetURL) {
		errs["target_url"] = "target_url must include scheme and host"
	}

	var creds CredentialSpec
	credSupplied := false
	switch credRaw := raw["credentials"].(type) {
	case nil:
	case map[string]any:
		creds = CredentialSpec{
			Username:  stringField(credRaw["username"]),
			SecretRef: stringField(credRaw["secret_ref"]),
		}
		// An object whose fields are all blank counts as "no credentials".
		for _, v := range credRaw {
			if stringField(v) != "" {
				credSupplied = true
			}
		}
	default:
		errs["credentials"] = "credentials must be an object"
	}
	if credSupplied && creds.SecretRef == "" {
		errs["credentials.secret_ref"] = "secret_ref required when credentials supplied"
	}

	budgets := BudgetSpec{
		TimeBudgetMinutes: DefaultTimeBudgetMinutes,
		PageBudget:        DefaultPageBudget,
	}
	switch budgetsRaw := raw["budgets"].(type) {
	case nil:
	case map[string]any:
		budgets.TimeBudgetMinutes = intField(budgetsRaw["time_budget_minutes"], DefaultTimeBudgetMinutes)
		budgets.PageBudget = intField(budgetsRaw["page_budget"], DefaultPageBudget)
	default:
		errs["budgets"] = "budgets must be an object"
	}
	if budgets.TimeBudgetMinutes <= 0 {
		errs["budgets.time_budget_minutes"] = "must be > 0"
	}
	if budgets.PageBudget <= 0 {
		errs["budgets.page_budget"] = "must be > 0"
	}

	storageProfile := stringField(raw["storage_profile"])
	if storageProfile == "" {
		storageProfile = DefaultStorageProfile
	}

	var tags []string
	switch tagsRaw := raw["tags"].(type) {
	case nil:
		tags = []string{}
	case []any:
		tags = make([]string, 0, len(tagsRaw))
		for _, tag := range tagsRaw {
			tags = append(tags, fmt.Sprintf("%v", tag))
		}
	default:
		errs["tags"] = "tags must be an array"
		tags = []string{}
	}

	slug := NormalizeSlug(stringField(raw["organization_slug"]))
	if !slugPattern.MatchString(slug) {
		errs["organization_slug"] = "must be a kebab-case slug"
	}

	organization := strings.TrimSpace(stringField(raw["organization"]))
	if organization == "" {
		organization = slug
	}

	actorRole := strings.TrimSpace(stringField(raw["actor_role"]))
	if actorRole == "" {
		actorRole = DefaultActorRole
	}

	if len(errs) > 0 {
		return Payload{}, &ValidationError{Fields: errs}
	}

	return Payload{
		TargetURL:        targetURL,
		Credentials:      creds,
		Budgets:          budgets,
		StorageProfile:   storageProfile,
		Tags:             tags,
		Organization:     organization,
		OrganizationSlug: slug,
		ActorRole:        actorRole,
	}, nil
}

// NormalizeSlug converts an organization label into its canonical kebab-case
// form: lowercase, underscores and non-alphanumerics mapped to hyphens,
// hyphen runs collapsed, leading/trailing hyphens trimmed. An empty input
// normalizes to "default".
func NormalizeSlug(value string) string {
	lowered := strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	slug := b.String()
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return DefaultOrganizationSlug
	}
	return slug
}

func validURL(value string) bool {
	parsed, err := url.Parse(value)
	if err != nil {
		return false
	}
	return parsed.Scheme != "" && parsed.Host != ""
}

func stringField(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func intField(value any, fallback int) int {
	switch v := value.(type) {
	case nil:
		return fallback
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
		return fallback
	default:
		return fallback
	}
}
