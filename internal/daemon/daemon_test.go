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

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damonous/gazeqa-artifacts/internal/config"
	"github.com/damonous/gazeqa-artifacts/internal/run"
)

func startDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	cfg := config.Config{
		Host:        "127.0.0.1",
		Port:        0,
		StorageRoot: t.TempDir(),
		Workers:     1,
	}
	d, err := New(cfg, Options{Version: "test"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := d.Start(ctx); err != nil {
			t.Errorf("daemon start: %v", err)
		}
	}()
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = d.Shutdown(shutdownCtx)
	})

	deadline := time.Now().Add(5 * time.Second)
	for d.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, d.Addr())
	return d, "http://" + d.Addr()
}

func TestDaemonServesHealthAndMetrics(t *testing.T) {
	_, base := startDaemon(t)

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	metricsResp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

func TestDaemonRunLifecycleEndToEnd(t *testing.T) {
	d, base := startDaemon(t)

	resp, err := http.Post(base+"/runs", "application/json",
		strings.NewReader(`{"target_url":"https://app.example.test"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	runID := created["id"].(string)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		manifest, err := d.Registry().GetRun(runID)
		require.NoError(t, err)
		if manifest.Status == run.StatusCompleted {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}

	manifest, err := d.Registry().GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, manifest.Status)

	events, err := http.Get(fmt.Sprintf("%s/runs/%s/events", base, runID))
	require.NoError(t, err)
	defer events.Body.Close()
	assert.Equal(t, http.StatusOK, events.StatusCode)
}
