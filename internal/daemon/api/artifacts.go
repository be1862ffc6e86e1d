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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/damonous/gazeqa-artifacts/internal/artifact"
	"github.com/damonous/gazeqa-artifacts/internal/daemon/httputil"
	"github.com/damonous/gazeqa-artifacts/internal/registry"
	"github.com/damonous/gazeqa-artifacts/internal/signing"
)

// artifactEntry is a manifest entry plus the optional signed download URL.
type artifactEntry struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	DownloadURL string `json:"download_url,omitempty"`
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	meta, ok := s.authorizeRunAccess(w, r, runID)
	if !ok {
		return
	}
	page, err := parsePagination(r.URL.Query(), defaultArtifactLimit, maxArtifactLimit)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_pagination")
		return
	}

	runDir, err := s.registry.GetRunDirectory(runID)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "not_found")
		return
	}
	manifest, err := artifact.Load(runDir)
	if err != nil {
		// No index yet; build one from whatever the run has produced.
		manifest, err = artifact.Build(runDir, runID, nil)
		if err != nil {
			httputil.WriteError(w, http.StatusNotFound, "not_found")
			return
		}
	}

	signer, _ := s.signer()
	start, end := page.window(len(manifest.Entries))
	entries := make([]artifactEntry, 0, end-start)
	for _, entry := range manifest.Entries[start:end] {
		item := artifactEntry{Path: entry.Path, Size: entry.Size, SHA256: entry.SHA256}
		if signer != nil {
			grant := signer.Sign(runID, meta.OrganizationSlug, entry.Path, s.signingTTL)
			item.DownloadURL = downloadURL(grant)
		}
		entries = append(entries, item)
	}

	response := page.envelope(len(manifest.Entries))
	response["run_id"] = runID
	response["generated_at"] = manifest.GeneratedAt
	response["entries"] = entries
	httputil.WriteJSON(w, http.StatusOK, response)
}

func downloadURL(grant signing.Grant) string {
	query := url.Values{}
	query.Set("run_id", grant.RunID)
	query.Set("path", grant.Path)
	query.Set("expires", strconv.FormatInt(grant.ExpiresAt, 10))
	query.Set("signature", grant.Signature)
	return "/runs/public/download?" + query.Encode()
}

// handlePublicDownload serves an artifact body for a signed URL. There is no
// bearer auth; the signature, tenant slug, expiry, and path containment are
// each checked independently.
func (s *Server) handlePublicDownload(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	runID := query.Get("run_id")
	path := query.Get("path")
	signature := query.Get("signature")
	expires, err := strconv.ParseInt(query.Get("expires"), 10, 64)
	if runID == "" || path == "" || signature == "" || err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	meta, err := s.registry.GetRunMetadata(runID)
	if err != nil {
		s.auditDownload(runID, path, "denied", "not_found")
		httputil.WriteError(w, http.StatusNotFound, "not_found")
		return
	}

	if err := s.verifySignature(runID, meta.OrganizationSlug, path, expires, signature); err != nil {
		if errors.Is(err, signing.ErrExpired) {
			s.auditDownload(runID, path, "denied", "expired")
			httputil.WriteError(w, http.StatusForbidden, "signature_expired")
			return
		}
		s.auditDownload(runID, path, "denied", "invalid_signature")
		httputil.WriteError(w, http.StatusUnauthorized, "invalid_signature")
		return
	}

	absolute, err := s.registry.GetArtifactPath(runID, path)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidPath) {
			s.auditDownload(runID, path, "denied", "invalid_path")
			httputil.WriteError(w, http.StatusBadRequest, "invalid_path")
			return
		}
		s.auditDownload(runID, path, "denied", "not_found")
		httputil.WriteError(w, http.StatusNotFound, "not_found")
		return
	}
	if _, err := os.Stat(absolute); err != nil {
		s.auditDownload(runID, path, "denied", "not_found")
		httputil.WriteError(w, http.StatusNotFound, "not_found")
		return
	}

	s.auditDownload(runID, path, "allowed", "")
	http.ServeFile(w, r, absolute)
}

// verifySignature accepts a signature valid under any key in the ring.
// Expiry wins over signature mismatch so rotated-but-stale links report the
// right failure.
func (s *Server) verifySignature(runID, orgSlug, path string, expires int64, signature string) error {
	_, keys := s.signer()
	if len(keys) == 0 {
		return fmt.Errorf("no signing keys configured: %w", signing.ErrInvalidSignature)
	}
	var lastErr error
	for _, key := range keys {
		err := signing.New([]byte(key)).Verify(runID, orgSlug, path, expires, signature)
		if err == nil {
			return nil
		}
		if errors.Is(err, signing.ErrExpired) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (s *Server) auditDownload(runID, path, status, reason string) {
	details := map[string]any{
		"run_id": runID,
		"path":   path,
		"status": status,
	}
	if reason != "" {
		details["reason"] = reason
	}
	s.recordAudit("artifact.download", details)
}
