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
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SigningKeySet is the active signing key plus every key accepted for
// verification during rotation.
type SigningKeySet struct {
	Primary string
	All     []string
}

// ManagerConfig configures a Manager. File paths are optional; unset
// sources simply do not contribute.
type ManagerConfig struct {
	DefaultToken string
	RegistryJSON string
	RegistryFile string
	TokenFile    string
	// TokenFileDefaults overrides the tenant metadata attached to the token
	// loaded from TokenFile.
	TokenFileDefaults *TokenEntry

	SigningKey         string
	SigningKeyPrevious []string
	SigningKeyFile     string
}

// Manager composes API tokens and signing keys from env values and files.
// File sources are re-read when their mtime changes, so rotations land
// without a restart. Reads are cheap: a stat per configured file.
type Manager struct {
	mu     sync.Mutex
	logger *slog.Logger

	baseRegistry map[string]TokenEntry

	registryFile      string
	registryFileMtime time.Time
	registryOverride  map[string]TokenEntry

	tokenFile      string
	tokenFileMtime time.Time
	tokenFileEntry map[string]TokenEntry
	tokenDefaults  TokenEntry

	primarySigningKey   string
	previousSigningKeys []string
	signingKeyFile      string
	signingKeyFileMtime time.Time
	signingKeyFileKeys  []string
}

// NewManager creates a manager from the given configuration.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := TokenEntry{
		Organization:     "default",
		OrganizationSlug: "default",
		ActorRole:        "qa_runner",
	}
	if cfg.TokenFileDefaults != nil {
		defaults = *cfg.TokenFileDefaults
	}
	previous := make([]string, 0, len(cfg.SigningKeyPrevious))
	for _, key := range cfg.SigningKeyPrevious {
		key = strings.TrimSpace(key)
		if key != "" {
			previous = append(previous, key)
		}
	}
	return &Manager{
		logger:              logger.With("component", "secrets"),
		baseRegistry:        LoadTokenRegistry(cfg.DefaultToken, cfg.RegistryJSON, logger),
		registryFile:        cfg.RegistryFile,
		tokenFile:           cfg.TokenFile,
		tokenDefaults:       defaults,
		primarySigningKey:   strings.TrimSpace(cfg.SigningKey),
		previousSigningKeys: previous,
		signingKeyFile:      cfg.SigningKeyFile,
	}
}

// TokenRegistry returns the composed token registry. Precedence, lowest to
// highest: env registry, token file, registry file.
func (m *Manager) TokenRegistry() map[string]TokenEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshTokenSourcesLocked()

	registry := make(map[string]TokenEntry, len(m.baseRegistry)+len(m.tokenFileEntry)+len(m.registryOverride))
	for token, entry := range m.baseRegistry {
		registry[token] = entry
	}
	for token, entry := range m.tokenFileEntry {
		registry[token] = entry
	}
	for token, entry := range m.registryOverride {
		registry[token] = entry
	}
	return registry
}

// Lookup resolves a token to its registry entry.
func (m *Manager) Lookup(token string) (TokenEntry, bool) {
	entry, ok := m.TokenRegistry()[token]
	return entry, ok
}

// Empty reports whether no tokens are configured at all, which switches the
// API into unauthenticated mode.
func (m *Manager) Empty() bool {
	return len(m.TokenRegistry()) == 0
}

// SigningKeys returns the active signing key set. Keys from the key file
// supersede the configured primary; previous keys stay valid for
// verification only.
func (m *Manager) SigningKeys() SigningKeySet {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshSigningKeysLocked()

	var keys []string
	if len(m.signingKeyFileKeys) > 0 {
		keys = append(keys, m.signingKeyFileKeys...)
	} else if m.primarySigningKey != "" {
		keys = append(keys, m.primarySigningKey)
	}
	for _, key := range m.previousSigningKeys {
		if !containsString(keys, key) {
			keys = append(keys, key)
		}
	}
	set := SigningKeySet{All: keys}
	if len(keys) > 0 {
		set.Primary = keys[0]
	}
	return set
}

func (m *Manager) refreshTokenSourcesLocked() {
	if m.registryFile != "" {
		info, err := os.Stat(m.registryFile)
		switch {
		case err != nil:
			if len(m.registryOverride) > 0 {
				m.logger.Warn("token registry file disappeared", slog.String("path", m.registryFile))
				m.registryOverride = nil
			}
			m.registryFileMtime = time.Time{}
		case !info.ModTime().Equal(m.registryFileMtime):
			m.registryOverride = m.loadRegistryFile()
			m.registryFileMtime = info.ModTime()
		}
	}
	if m.tokenFile != "" {
		info, err := os.Stat(m.tokenFile)
		switch {
		case err != nil:
			if len(m.tokenFileEntry) > 0 {
				m.logger.Warn("token file disappeared", slog.String("path", m.tokenFile))
				m.tokenFileEntry = nil
			}
			m.tokenFileMtime = time.Time{}
		case !info.ModTime().Equal(m.tokenFileMtime):
			m.tokenFileEntry = m.loadTokenFile()
			m.tokenFileMtime = info.ModTime()
		}
	}
}

func (m *Manager) loadRegistryFile() map[string]TokenEntry {
	data, err := os.ReadFile(m.registryFile)
	if err != nil {
		m.logger.Error("failed to read token registry file", slog.String("path", m.registryFile), slog.Any("error", err))
		return nil
	}
	return parseRegistryJSON(string(data), m.logger)
}

func (m *Manager) loadTokenFile() map[string]TokenEntry {
	data, err := os.ReadFile(m.tokenFile)
	if err != nil {
		m.logger.Error("failed to read token file", slog.String("path", m.tokenFile), slog.Any("error", err))
		return nil
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil
	}
	entry := m.tokenDefaults
	if entry.ActorRole == "" {
		entry.ActorRole = "qa_runner"
	}
	entry.Scopes = ScopesForRole(entry.ActorRole)
	return map[string]TokenEntry{token: entry}
}

func (m *Manager) refreshSigningKeysLocked() {
	if m.signingKeyFile == "" {
		return
	}
	info, err := os.Stat(m.signingKeyFile)
	if err != nil {
		if len(m.signingKeyFileKeys) > 0 {
			m.logger.Warn("signing key file disappeared", slog.String("path", m.signingKeyFile))
			m.signingKeyFileKeys = nil
		}
		m.signingKeyFileMtime = time.Time{}
		return
	}
	if info.ModTime().Equal(m.signingKeyFileMtime) {
		return
	}
	m.signingKeyFileKeys = m.loadSigningKeyFile()
	m.signingKeyFileMtime = info.ModTime()
}

// loadSigningKeyFile reads one key per line, first line primary, blank
// lines and duplicates dropped.
func (m *Manager) loadSigningKeyFile() []string {
	data, err := os.ReadFile(m.signingKeyFile)
	if err != nil {
		m.logger.Error("failed to read signing key file", slog.String("path", m.signingKeyFile), slog.Any("error", err))
		return nil
	}
	var keys []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !containsString(keys, line) {
			keys = append(keys, line)
		}
	}
	return keys
}

// Watch reloads file-backed sources as soon as they change on disk instead
// of waiting for the next read. It blocks until ctx is cancelled; mtime
// checks remain the correctness backstop, so watcher errors only degrade
// latency.
func (m *Manager) Watch(ctx context.Context) error {
	var paths []string
	for _, p := range []string{m.registryFile, m.tokenFile, m.signingKeyFile} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch parent directories so atomic rename-into-place rotations are
	// observed.
	dirs := map[string]struct{}{}
	for _, p := range paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			m.logger.Warn("failed to watch secrets directory", slog.String("dir", dir), slog.Any("error", err))
		}
	}

	watched := map[string]struct{}{}
	for _, p := range paths {
		watched[filepath.Clean(p)] = struct{}{}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, relevant := watched[filepath.Clean(event.Name)]; !relevant {
				continue
			}
			m.logger.Info("secrets source changed, reloading",
				slog.String("path", event.Name),
				slog.String("op", event.Op.String()))
			m.mu.Lock()
			m.refreshTokenSourcesLocked()
			m.refreshSigningKeysLocked()
			m.mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("secrets watcher error", slog.Any("error", err))
		}
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
