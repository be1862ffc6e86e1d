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

// Package audit provides the process-wide security audit trail. Every API
// authorization decision and administrative action lands in a single
// append-only JSONL file under the storage root.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultRelativePath is where the process audit log lives under the
// storage root.
const DefaultRelativePath = "_audit/audit.log.jsonl"

// Logger appends audit entries to a JSONL file. Safe for concurrent use.
type Logger struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewLogger creates an audit logger writing beneath storageRoot.
func NewLogger(storageRoot string, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		path:   filepath.Join(storageRoot, filepath.FromSlash(DefaultRelativePath)),
		logger: logger.With("component", "audit"),
	}
}

// Path returns the audit log file path.
func (l *Logger) Path() string {
	return l.path
}

// Record appends one audit entry. Key order in the emitted JSON is sorted so
// the log diffs cleanly. Failures are reported to the process logger and
// swallowed: auditing must never fail a request.
func (l *Logger) Record(action string, details map[string]any) {
	entry := make(map[string]any, len(details)+2)
	for k, v := range details {
		entry[k] = sanitizeValue(k, v)
	}
	entry["action"] = action
	entry["timestamp"] = time.Now().UTC().Format("2006-01-02T15:04:05.000000Z07:00")

	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("failed to encode audit entry", slog.Any("error", err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.logger.Error("failed to create audit directory", slog.Any("error", err))
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		l.logger.Error("failed to open audit log", slog.Any("error", err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		l.logger.Error("failed to append audit entry", slog.Any("error", err))
	}
}

// HashToken returns a short stable fingerprint of a bearer token for audit
// entries. Raw tokens never reach the log.
func HashToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

// sanitizeValue keeps entries JSON-safe and keeps secrets out of the trail.
func sanitizeValue(key string, value any) any {
	switch key {
	case "token", "secret", "authorization":
		if s, ok := value.(string); ok {
			return HashToken(s)
		}
	}
	switch value.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, []string, map[string]any:
		return value
	default:
		return fmt.Sprintf("%v", value)
	}
}
