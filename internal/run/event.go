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

package run

import "encoding/json"

// Event is a structured run event as appended to events.jsonl and fanned out
// to listeners. Fields beyond the well-known three are preserved verbatim
// across unmarshal/marshal round trips for forward compatibility.
type Event struct {
	Name      string
	RunID     string
	Timestamp string
	Fields    map[string]any
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(name, runID string, fields map[string]any) Event {
	return Event{Name: name, RunID: runID, Timestamp: Now(), Fields: fields}
}

// MarshalJSON flattens the event into a single JSON object. The well-known
// keys win over any colliding entry in Fields.
func (e Event) MarshalJSON() ([]byte, error) {
	payload := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		payload[k] = v
	}
	payload["event"] = e.Name
	payload["run_id"] = e.RunID
	payload["timestamp"] = e.Timestamp
	return json.Marshal(payload)
}

// UnmarshalJSON splits the well-known keys out of the object and keeps the
// remainder in Fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if v, ok := payload["event"].(string); ok {
		e.Name = v
	}
	if v, ok := payload["run_id"].(string); ok {
		e.RunID = v
	}
	if v, ok := payload["timestamp"].(string); ok {
		e.Timestamp = v
	}
	delete(payload, "event")
	delete(payload, "run_id")
	delete(payload, "timestamp")
	if len(payload) > 0 {
		e.Fields = payload
	} else {
		e.Fields = nil
	}
	return nil
}
