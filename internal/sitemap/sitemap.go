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

// Package sitemap builds the deterministic default site graph used when a
// run has no recorded crawl frontier.
package sitemap

import (
	"strings"

	"github.com/damonous/gazeqa-artifacts/internal/run"
)

// BuildDefault returns the demo site map and adjacency for a target URL:
// a mission section (home, about, team) linking into an admin section
// (admin, settings). The graph is identical for equal inputs.
func BuildDefault(targetURL string) ([]run.PageDescriptor, run.Adjacency) {
	base := strings.TrimRight(targetURL, "/")
	if base == "" {
		base = "https://example.test"
	}

	page := func(pageID, path, title, section string) run.PageDescriptor {
		url := base
		if path != "" {
			url = base + "/" + strings.TrimLeft(path, "/")
		} else {
			url = base + "/"
		}
		return run.PageDescriptor{
			PageID:  pageID,
			URL:     url,
			Title:   title,
			Section: section,
		}
	}

	home := page("home", "", "Mission Control", "mission")
	about := page("about", "about", "About", "mission")
	team := page("team", "team", "Team", "mission")
	admin := page("admin", "admin", "Admin", "admin")
	settings := page("settings", "admin/settings", "Admin Settings", "admin")

	siteMap := []run.PageDescriptor{home, about, team, admin, settings}
	adjacency := run.Adjacency{
		"home":     {about, team, admin},
		"about":    {team},
		"team":     {admin},
		"admin":    {settings},
		"settings": {},
	}
	return siteMap, adjacency
}
