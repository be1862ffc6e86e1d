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

// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles every metric the daemon records.
type Collector struct {
	registry *prometheus.Registry

	runsCreated   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram
	queueDepth    prometheus.Gauge

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	sseStreams      prometheus.Gauge
	guardrailEvents *prometheus.CounterVec
}

// NewCollector creates and registers all metrics on a fresh registry,
// including the standard Go and process collectors.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: registry,
		runsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gazeqa_runs_created_total",
			Help: "Total number of runs created.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gazeqa_runs_completed_total",
			Help: "Total number of runs reaching a terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gazeqa_run_duration_seconds",
			Help:    "Wall-clock duration of workflow execution.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gazeqa_executor_queue_depth",
			Help: "Number of runs waiting for a worker.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gazeqa_http_requests_total",
			Help: "HTTP requests served, by method and status code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gazeqa_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		sseStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gazeqa_sse_active_streams",
			Help: "Open SSE event streams.",
		}),
		guardrailEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gazeqa_guardrail_events_total",
			Help: "Guardrail activations, by phase and kind.",
		}, []string{"phase", "kind"}),
	}
	registry.MustRegister(
		c.runsCreated,
		c.runsCompleted,
		c.runDuration,
		c.queueDepth,
		c.httpRequests,
		c.httpDuration,
		c.sseStreams,
		c.guardrailEvents,
	)
	return c
}

// Handler serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordRunCreated() {
	c.runsCreated.Inc()
}

func (c *Collector) RecordRunCompleted(status string, duration time.Duration) {
	c.runsCompleted.WithLabelValues(status).Inc()
	c.runDuration.Observe(duration.Seconds())
}

func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

func (c *Collector) RecordHTTPRequest(method string, code int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (c *Collector) SSEStreamOpened() {
	c.sseStreams.Inc()
}

func (c *Collector) SSEStreamClosed() {
	c.sseStreams.Dec()
}

func (c *Collector) RecordGuardrail(phase, kind string) {
	c.guardrailEvents.WithLabelValues(phase, kind).Inc()
}

// TelemetrySink adapts the collector to the workflow telemetry interface,
// counting guardrail activations.
type TelemetrySink struct {
	Collector *Collector
}

func (s TelemetrySink) Emit(event string, payload map[string]any) {
	const prefix = "guardrail."
	if len(event) <= len(prefix) || event[:len(prefix)] != prefix {
		return
	}
	phase, _ := payload["phase"].(string)
	if phase == "" {
		phase = "unknown"
	}
	s.Collector.RecordGuardrail(phase, event[len(prefix):])
}
