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

package registry

import (
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/damonous/gazeqa-artifacts/internal/run"
)

// IndexEntry is the per-run metadata kept in run_index.json.
type IndexEntry struct {
	Organization     string `json:"organization"`
	OrganizationSlug string `json:"organization_slug"`
	ActorRole        string `json:"actor_role"`
}

func (r *Registry) indexPath() string {
	return filepath.Join(r.root, IndexFileName)
}

func (r *Registry) readIndex() map[string]IndexEntry {
	data, err := os.ReadFile(r.indexPath())
	if err != nil {
		return map[string]IndexEntry{}
	}
	var index map[string]IndexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return map[string]IndexEntry{}
	}
	return index
}

func (r *Registry) writeIndexLocked(index map[string]IndexEntry) error {
	return writeJSONFile(r.indexPath(), index)
}

func (r *Registry) updateIndex(runID string, entry IndexEntry) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	index := r.readIndex()
	index[runID] = entry
	return r.writeIndexLocked(index)
}

// RebuildIndex walks every run manifest under the storage root and rewrites
// run_index.json from scratch. When moveLegacy is true, runs found at the
// legacy flat location <root>/<run_id> are migrated into
// <root>/<slug>/<run_id> first. Rebuilding is idempotent.
func (r *Registry) RebuildIndex(moveLegacy bool) (map[string]IndexEntry, error) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	index := map[string]IndexEntry{}
	var manifests []string
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == manifestFileName {
			manifests = append(manifests, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, manifestPath := range manifests {
		runDir := filepath.Dir(manifestPath)
		runID := filepath.Base(runDir)
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			continue
		}
		var manifest Manifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			r.logger.Warn("skipping unreadable manifest", slog.String("path", manifestPath))
			continue
		}
		slug := manifest.OrganizationSlug
		if slug == "" {
			slug = run.DefaultOrganizationSlug
		}
		organization := manifest.Organization
		if organization == "" {
			organization = slug
		}
		actorRole := manifest.ActorRole
		if actorRole == "" {
			actorRole = run.DefaultActorRole
		}
		if moveLegacy {
			expected := filepath.Join(r.root, slug, runID)
			if runDir != expected {
				if _, err := os.Stat(expected); os.IsNotExist(err) {
					if err := os.MkdirAll(filepath.Dir(expected), 0o755); err != nil {
						return nil, err
					}
					if err := os.Rename(runDir, expected); err != nil {
						return nil, err
					}
				}
			}
		}
		index[runID] = IndexEntry{
			Organization:     organization,
			OrganizationSlug: slug,
			ActorRole:        actorRole,
		}
	}

	if err := r.writeIndexLocked(index); err != nil {
		return nil, err
	}
	return index, nil
}
