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
	"os"
	"path/filepath"
)

// IndexFileName is the name of the run index at the storage root.
const IndexFileName = "run_index.json"

// ResolveRunPath returns the directory for a run, accounting for organization
// partitions. The index is consulted first; legacy flat layouts
// (<root>/<run_id>) and unindexed partitioned layouts are probed afterwards.
// The returned path is not guaranteed to exist.
func ResolveRunPath(storageRoot, runID string) string {
	indexPath := filepath.Join(storageRoot, IndexFileName)
	if data, err := os.ReadFile(indexPath); err == nil {
		var index map[string]IndexEntry
		if json.Unmarshal(data, &index) == nil {
			if entry, ok := index[runID]; ok && entry.OrganizationSlug != "" {
				return filepath.Join(storageRoot, entry.OrganizationSlug, runID)
			}
		}
	}

	direct := filepath.Join(storageRoot, runID)
	if info, err := os.Stat(direct); err == nil && info.IsDir() {
		return direct
	}

	matches, _ := filepath.Glob(filepath.Join(storageRoot, "*", runID))
	for _, match := range matches {
		if info, err := os.Stat(match); err == nil && info.IsDir() {
			return match
		}
	}
	return direct
}
