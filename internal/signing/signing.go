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

// Package signing issues and verifies expiring signatures for artifact
// download URLs.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is the signed URL lifetime applied when the caller does not
// specify one.
const DefaultTTL = 15 * time.Minute

var (
	// ErrExpired is returned when a signature's expiry is in the past.
	ErrExpired = errors.New("signature expired")
	// ErrInvalidSignature is returned when a signature does not match.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signer signs artifact download grants with a shared HMAC key.
type Signer struct {
	key []byte
	now func() time.Time
}

// New creates a signer over the given key.
func New(key []byte) *Signer {
	return &Signer{key: key, now: time.Now}
}

// Grant describes one signed artifact download.
type Grant struct {
	RunID     string
	OrgSlug   string
	Path      string
	ExpiresAt int64
	Signature string
}

// Sign issues a grant for an artifact path that expires ttl from now.
// A non-positive ttl falls back to DefaultTTL.
func (s *Signer) Sign(runID, orgSlug, path string, ttl time.Duration) Grant {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expires := s.now().Add(ttl).Unix()
	return Grant{
		RunID:     runID,
		OrgSlug:   orgSlug,
		Path:      path,
		ExpiresAt: expires,
		Signature: s.signature(runID, orgSlug, path, expires),
	}
}

// Verify checks a presented signature against the expected one and the
// expiry. The signature comparison is constant time.
func (s *Signer) Verify(runID, orgSlug, path string, expires int64, signature string) error {
	expected := s.signature(runID, orgSlug, path, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	if s.now().Unix() > expires {
		return ErrExpired
	}
	return nil
}

func (s *Signer) signature(runID, orgSlug, path string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s:%s:%s:%d", runID, orgSlug, path, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
