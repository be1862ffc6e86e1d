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

// Package run defines the data model shared by the registry, workflow, and
// HTTP boundary: intake payloads, run status, events, and page descriptors.
package run

import "time"

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusPending               Status = "Pending"
	StatusRunning               Status = "Running"
	StatusAuthInProgress        Status = "AuthInProgress"
	StatusAuthSkipped           Status = "AuthSkipped"
	StatusExplorationInProgress Status = "ExplorationInProgress"
	StatusCrawlInProgress       Status = "CrawlInProgress"
	StatusCompleted             Status = "Completed"
	StatusFailed                Status = "Failed"
)

// StatusEntry is a single entry in a run's status history.
type StatusEntry struct {
	Status    Status `json:"status"`
	Timestamp string `json:"timestamp"`
}

// TimestampLayout is the wire format for run timestamps: RFC 3339 with
// microsecond precision, always UTC.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Now returns the current UTC time formatted for persistence.
func Now() string {
	return time.Now().UTC().Format(TimestampLayout)
}
