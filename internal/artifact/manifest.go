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

// Package artifact builds the per-run artifact manifest at
// artifacts/index.json.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ManifestRelativePath is where the manifest lives inside a run directory.
const ManifestRelativePath = "artifacts/index.json"

// Entry describes one file in the run directory.
type Entry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest is the artifact index for a run.
type Manifest struct {
	RunID       string  `json:"run_id"`
	GeneratedAt string  `json:"generated_at"`
	Entries     []Entry `json:"entries"`
}

// Lookup returns the entry for a slash-separated relative path.
func (m Manifest) Lookup(path string) (Entry, bool) {
	for _, entry := range m.Entries {
		if entry.Path == path {
			return entry, true
		}
	}
	return Entry{}, false
}

// Build walks runDir, hashes every regular file, and writes the manifest.
// Paths are slash-separated and sorted; includePrefixes, when non-empty,
// restricts entries to paths starting with one of the prefixes. The
// manifest file itself is excluded so rebuilding is stable.
func Build(runDir, runID string, includePrefixes []string) (Manifest, error) {
	if info, err := os.Stat(runDir); err != nil || !info.IsDir() {
		return Manifest{}, fmt.Errorf("run directory not found: %s", runDir)
	}

	var entries []Entry
	err := filepath.WalkDir(runDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(runDir, path)
		if err != nil {
			return err
		}
		relSlash := filepath.ToSlash(rel)
		if relSlash == ManifestRelativePath {
			return nil
		}
		if len(includePrefixes) > 0 && !matchesPrefix(relSlash, includePrefixes) {
			return nil
		}
		entry, err := makeEntry(path, relSlash)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return Manifest{}, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	if entries == nil {
		entries = []Entry{}
	}
	manifest := Manifest{
		RunID:       runID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Entries:     entries,
	}
	if err := write(runDir, manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// Load reads an existing manifest from a run directory.
func Load(runDir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(runDir, filepath.FromSlash(ManifestRelativePath)))
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parse artifact manifest: %w", err)
	}
	return manifest, nil
}

func matchesPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func makeEntry(path, rel string) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Path:   rel,
		Size:   size,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func write(runDir string, manifest Manifest) error {
	dir := filepath.Join(runDir, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "index.json"), append(data, '\n'), 0o644)
}
