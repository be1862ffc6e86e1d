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

package api

import (
	"crypto/hmac"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/damonous/gazeqa-artifacts/internal/daemon/httputil"
)

// handleAlertWebhook ingests an external alert summary into the audit log.
// It is protected by a static bearer token rather than the scope system so
// monitoring stacks can post without a tenant identity.
func (s *Server) handleAlertWebhook(w http.ResponseWriter, r *http.Request) {
	if s.alertToken == "" {
		httputil.WriteError(w, http.StatusServiceUnavailable, "alerts_not_configured")
		return
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !hmac.Equal([]byte(presented), []byte(s.alertToken)) {
		s.recordAudit("alert.denied", map[string]any{"path": r.URL.Path})
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	s.recordAudit("alert.ingest", body)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
