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

// Package telemetry defines the workflow telemetry sink and fan-out
// helpers. Sinks are fire-and-forget: emission never fails the workflow.
package telemetry

// Sink receives workflow telemetry events.
type Sink interface {
	Emit(event string, payload map[string]any)
}

// NoOp discards every event.
type NoOp struct{}

func (NoOp) Emit(string, map[string]any) {}

// Multi fans events out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(event string, payload map[string]any) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(event, payload)
		}
	}
}

// Func adapts a function to the Sink interface.
type Func func(event string, payload map[string]any)

func (f Func) Emit(event string, payload map[string]any) {
	f(event, payload)
}
