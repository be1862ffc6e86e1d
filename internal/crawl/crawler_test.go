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

package crawl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damonous/gazeqa-artifacts/internal/run"
	"github.com/damonous/gazeqa-artifacts/internal/sitemap"
)

func page(id, url, title string) run.PageDescriptor {
	return run.PageDescriptor{PageID: id, URL: url, Title: title, Section: "mission"}
}

func visitedIDs(result Result) []string {
	out := make([]string, 0, len(result.Visited))
	for _, record := range result.Visited {
		out = append(out, record.PageID)
	}
	return out
}

func TestCrawlBreadthFirstOrder(t *testing.T) {
	crawler := New(DefaultConfig(t.TempDir()), nil)

	home := page("home", "https://app.test/", "Home")
	a := page("a", "https://app.test/a", "A")
	b := page("b", "https://app.test/b", "B")
	deep := page("deep", "https://app.test/deep", "Deep")
	adjacency := run.Adjacency{
		"home": {a, b},
		"a":    {deep},
		"b":    {},
	}

	result, err := crawler.Crawl("RUN-BFS01", []run.PageDescriptor{home}, adjacency)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "a", "b", "deep"}, visitedIDs(result))

	depths := map[string]int{}
	for _, record := range result.Visited {
		depths[record.PageID] = record.Depth
	}
	assert.Equal(t, 0, depths["home"])
	assert.Equal(t, 1, depths["a"])
	assert.Equal(t, 2, depths["deep"])
}

func TestCrawlDeduplicatesByLowercasedURL(t *testing.T) {
	crawler := New(DefaultConfig(t.TempDir()), nil)

	home := page("home", "https://app.test/", "Home")
	a := page("a", "https://app.test/shared", "A")
	b := page("b", "https://APP.TEST/shared", "B")
	adjacency := run.Adjacency{"home": {a, b}}

	result, err := crawler.Crawl("RUN-BFS02", []run.PageDescriptor{home}, adjacency)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "a"}, visitedIDs(result))
	assert.Empty(t, result.Skipped)
}

func TestCrawlMaxDepthStopsEnqueueing(t *testing.T) {
	config := DefaultConfig(t.TempDir())
	config.MaxDepth = 1
	crawler := New(config, nil)

	home := page("home", "https://app.test/", "Home")
	child := page("child", "https://app.test/child", "Child")
	grandchild := page("grandchild", "https://app.test/grandchild", "Grandchild")
	adjacency := run.Adjacency{
		"home":  {child},
		"child": {grandchild},
	}

	result, err := crawler.Crawl("RUN-BFS03", []run.PageDescriptor{home}, adjacency)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "child"}, visitedIDs(result))
}

func TestCrawlSkipKeyword(t *testing.T) {
	crawler := New(DefaultConfig(t.TempDir()), nil)

	home := page("home", "https://app.test/", "Home")
	logout := page("logout", "https://app.test/logout", "Logout")
	adjacency := run.Adjacency{"home": {logout}}

	result, err := crawler.Crawl("RUN-BFS04", []run.PageDescriptor{home}, adjacency)
	require.NoError(t, err)
	assert.Equal(t, []string{"home"}, visitedIDs(result))
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "skip_keyword_match", result.Skipped[0].Reason)
	require.NotNil(t, result.Skipped[0].SourcePageID)
	assert.Equal(t, "home", *result.Skipped[0].SourcePageID)
}

func TestCrawlBlocklistContinues(t *testing.T) {
	crawler := New(DefaultConfig(t.TempDir()), nil)

	home := page("home", "https://app.test/", "Home")
	destroy := page("destroy", "https://app.test/destroy-all", "Destroy")
	safe := page("safe", "https://app.test/safe", "Safe")
	adjacency := run.Adjacency{"home": {destroy, safe}}

	result, err := crawler.Crawl("RUN-BFS05", []run.PageDescriptor{home}, adjacency)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "safe"}, visitedIDs(result))
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "destructive_blocklist", result.Skipped[0].Reason)
}

func TestCrawlRateLimitStopsEverything(t *testing.T) {
	config := DefaultConfig(t.TempDir())
	config.MaxNodesPerRun = 2
	crawler := New(config, nil)

	home := page("home", "https://app.test/", "Home")
	a := page("a", "https://app.test/a", "A")
	b := page("b", "https://app.test/b", "B")
	c := page("c", "https://app.test/c", "C")
	adjacency := run.Adjacency{"home": {a, b, c}}

	result, err := crawler.Crawl("RUN-BFS06", []run.PageDescriptor{home}, adjacency)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "a"}, visitedIDs(result))
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "rate_limited", result.Skipped[0].Reason)
}

func TestCrawlPersistsByteStableArtifacts(t *testing.T) {
	seeds, adjacency := sitemap.BuildDefault("https://app.test")

	rootA := t.TempDir()
	_, err := New(DefaultConfig(rootA), nil).Crawl("RUN-BFS07", seeds, adjacency)
	require.NoError(t, err)

	rootB := t.TempDir()
	_, err = New(DefaultConfig(rootB), nil).Crawl("RUN-BFS07", seeds, adjacency)
	require.NoError(t, err)

	for _, name := range []string{"page_map.jsonl", "skipped_links.json"} {
		a, err := os.ReadFile(filepath.Join(rootA, "RUN-BFS07", "bfs", name))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(rootB, "RUN-BFS07", "bfs", name))
		require.NoError(t, err)
		assert.Equal(t, a, b, name)
	}
}

func TestCrawlDefaultSiteMap(t *testing.T) {
	seeds, adjacency := sitemap.BuildDefault("https://app.test")
	result, err := New(DefaultConfig(t.TempDir()), nil).Crawl("RUN-BFS08", seeds, adjacency)
	require.NoError(t, err)
	// All five demo pages are reachable as seeds.
	assert.Len(t, result.Visited, 5)
	assert.Empty(t, result.Skipped)
}
