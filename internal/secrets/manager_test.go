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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFileWithMtime(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestScopesForRole(t *testing.T) {
	assert.Equal(t, []string{"runs:create", "runs:events", "runs:read"}, ScopesForRole("qa_runner"))
	assert.Equal(t, []string{"runs:events", "runs:read"}, ScopesForRole("qa_viewer"))
	assert.Equal(t, []string{"runs:create", "runs:events", "runs:read", "runs:read:all"}, ScopesForRole("admin"))
	// Unknown roles fall back to viewer.
	assert.Equal(t, ScopesForRole("qa_viewer"), ScopesForRole("intern"))
}

func TestTokenEntryHasScope(t *testing.T) {
	entry := TokenEntry{Scopes: []string{"runs:read"}}
	assert.True(t, entry.HasScope("runs:read"))
	assert.False(t, entry.HasScope("runs:create"))

	wildcard := TokenEntry{Scopes: []string{"runs:*"}}
	assert.True(t, wildcard.HasScope("runs:create"))
	assert.True(t, wildcard.HasScope("runs:read:all"))
	assert.False(t, wildcard.HasScope("admin:tokens"))

	root := TokenEntry{Scopes: []string{"*"}}
	assert.True(t, root.HasScope("runs:read"))
	assert.True(t, root.HasScope("anything:else"))
}

func TestLoadTokenRegistryNormalization(t *testing.T) {
	registry := LoadTokenRegistry("", `{
		"tok-a": {"organization": "Acme", "organization_slug": "acme", "actor_role": "admin"},
		"tok-b": {"organization_name": "Beta Corp"},
		"tok-c": {"scopes": ["runs:read", "runs:read", "runs:create"]}
	}`, nil)

	require.Len(t, registry, 3)
	assert.Equal(t, "Acme", registry["tok-a"].Organization)
	assert.Equal(t, "acme", registry["tok-a"].OrganizationSlug)
	assert.Equal(t, ScopesForRole("admin"), registry["tok-a"].Scopes)

	assert.Equal(t, "Beta Corp", registry["tok-b"].Organization)
	assert.Equal(t, "Beta Corp", registry["tok-b"].OrganizationSlug)
	assert.Equal(t, "qa_viewer", registry["tok-b"].ActorRole)

	assert.Equal(t, []string{"runs:create", "runs:read"}, registry["tok-c"].Scopes)
}

func TestLoadTokenRegistryDefaultToken(t *testing.T) {
	registry := LoadTokenRegistry("static-token", "", nil)
	require.Contains(t, registry, "static-token")
	entry := registry["static-token"]
	assert.Equal(t, "qa_runner", entry.ActorRole)
	assert.Equal(t, "default", entry.OrganizationSlug)
	assert.Equal(t, ScopesForRole("qa_runner"), entry.Scopes)
}

func TestLoadTokenRegistryMalformedJSON(t *testing.T) {
	registry := LoadTokenRegistry("fallback", "{not json", nil)
	// Malformed JSON is ignored; the default token still registers.
	require.Len(t, registry, 1)
	assert.Contains(t, registry, "fallback")
}

func TestManagerComposePrecedence(t *testing.T) {
	dir := t.TempDir()
	registryFile := filepath.Join(dir, "registry.json")
	tokenFile := filepath.Join(dir, "token.txt")
	base := time.Now().Add(-time.Hour)
	writeFileWithMtime(t, registryFile, `{"shared": {"organization_slug": "from-registry-file", "actor_role": "admin"}}`, base)
	writeFileWithMtime(t, tokenFile, "shared\n", base)

	manager := NewManager(ManagerConfig{
		RegistryJSON: `{"shared": {"organization_slug": "from-env"}}`,
		RegistryFile: registryFile,
		TokenFile:    tokenFile,
	}, nil)

	entry, ok := manager.Lookup("shared")
	require.True(t, ok)
	// Registry file wins over token file, which wins over env JSON.
	assert.Equal(t, "from-registry-file", entry.OrganizationSlug)
	assert.Equal(t, "admin", entry.ActorRole)
}

func TestManagerReloadsRegistryFileOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	registryFile := filepath.Join(dir, "registry.json")
	writeFileWithMtime(t, registryFile, `{"tok-1": {"organization_slug": "alpha"}}`, time.Now().Add(-2*time.Hour))

	manager := NewManager(ManagerConfig{RegistryFile: registryFile}, nil)
	_, ok := manager.Lookup("tok-1")
	require.True(t, ok)
	_, ok = manager.Lookup("tok-2")
	require.False(t, ok)

	writeFileWithMtime(t, registryFile, `{"tok-2": {"organization_slug": "beta"}}`, time.Now().Add(-time.Hour))

	entry, ok := manager.Lookup("tok-2")
	require.True(t, ok)
	assert.Equal(t, "beta", entry.OrganizationSlug)
	_, ok = manager.Lookup("tok-1")
	assert.False(t, ok)
}

func TestManagerRegistryFileDisappears(t *testing.T) {
	dir := t.TempDir()
	registryFile := filepath.Join(dir, "registry.json")
	writeFileWithMtime(t, registryFile, `{"tok-1": {}}`, time.Now().Add(-time.Hour))

	manager := NewManager(ManagerConfig{RegistryFile: registryFile}, nil)
	_, ok := manager.Lookup("tok-1")
	require.True(t, ok)

	require.NoError(t, os.Remove(registryFile))
	assert.True(t, manager.Empty())
}

func TestManagerTokenFile(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token.txt")
	writeFileWithMtime(t, tokenFile, "  file-token  \n", time.Now().Add(-time.Hour))

	manager := NewManager(ManagerConfig{TokenFile: tokenFile}, nil)
	entry, ok := manager.Lookup("file-token")
	require.True(t, ok)
	assert.Equal(t, "qa_runner", entry.ActorRole)
	assert.Equal(t, ScopesForRole("qa_runner"), entry.Scopes)
}

func TestManagerEmptyWithNoSources(t *testing.T) {
	manager := NewManager(ManagerConfig{}, nil)
	assert.True(t, manager.Empty())
}

func TestSigningKeysFileSupersedesEnv(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "signing.key")
	writeFileWithMtime(t, keyFile, "file-primary\nfile-secondary\nfile-primary\n", time.Now().Add(-time.Hour))

	manager := NewManager(ManagerConfig{
		SigningKey:         "env-key",
		SigningKeyPrevious: []string{"old-key"},
		SigningKeyFile:     keyFile,
	}, nil)

	set := manager.SigningKeys()
	assert.Equal(t, "file-primary", set.Primary)
	assert.Equal(t, []string{"file-primary", "file-secondary", "old-key"}, set.All)
}

func TestSigningKeysEnvFallback(t *testing.T) {
	manager := NewManager(ManagerConfig{
		SigningKey:         "env-key",
		SigningKeyPrevious: []string{"old-key", "env-key"},
	}, nil)

	set := manager.SigningKeys()
	assert.Equal(t, "env-key", set.Primary)
	assert.Equal(t, []string{"env-key", "old-key"}, set.All)
}

func TestSigningKeysNone(t *testing.T) {
	set := NewManager(ManagerConfig{}, nil).SigningKeys()
	assert.Empty(t, set.Primary)
	assert.Empty(t, set.All)
}
