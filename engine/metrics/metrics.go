// Copyright 2025 AxonFlow
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

// Package metrics defines the runner's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	invocations    *prometheus.CounterVec
	invocationTime *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	authRefresh    *prometheus.CounterVec
	throttle       *prometheus.CounterVec
	bulkItems      *prometheus.CounterVec
	stashedBytes   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actionkit_invocations_total",
				Help: "Total number of action invocations by outcome",
			},
			[]string{"app", "method", "outcome"},
		),
		invocationTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "actionkit_invocation_duration_seconds",
				Help:    "Action invocation duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"app", "method"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actionkit_http_requests_total",
				Help: "Total outbound HTTP requests by status class",
			},
			[]string{"app", "status_class"},
		),
		authRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actionkit_auth_refresh_total",
				Help: "Total credential refresh cycles by outcome",
			},
			[]string{"app", "outcome"},
		),
		throttle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actionkit_throttle_decisions_total",
				Help: "Total throttle decisions",
			},
			[]string{"app", "action", "decision"},
		),
		bulkItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actionkit_bulk_items_total",
				Help: "Total buffered items reconciled by outcome",
			},
			[]string{"app", "action", "outcome"},
		),
		stashedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "actionkit_stashed_bytes_total",
				Help: "Total bytes uploaded to file storage",
			},
			[]string{"backend"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.invocations,
			m.invocationTime,
			m.httpRequests,
			m.authRefresh,
			m.throttle,
			m.bulkItems,
			m.stashedBytes,
		)
	}
	return m
}

// Invocation records one finished invocation.
func (m *Metrics) Invocation(app, method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(app, method, outcome).Inc()
	m.invocationTime.WithLabelValues(app, method).Observe(elapsed.Seconds())
}

// HTTPRequest records one outbound call. status 0 means a transport error.
func (m *Metrics) HTTPRequest(app string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(app, StatusClass(status)).Inc()
}

// StatusClass maps 404 to "4xx" and transport failures to "error".
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

func (m *Metrics) AuthRefresh(app, outcome string) {
	if m == nil {
		return
	}
	m.authRefresh.WithLabelValues(app, outcome).Inc()
}

func (m *Metrics) ThrottleDecision(app, action, decision string) {
	if m == nil {
		return
	}
	m.throttle.WithLabelValues(app, action, decision).Inc()
}

func (m *Metrics) BulkItem(app, action, outcome string) {
	if m == nil {
		return
	}
	m.bulkItems.WithLabelValues(app, action, outcome).Inc()
}

func (m *Metrics) StashedBytes(backend string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.stashedBytes.WithLabelValues(backend).Add(float64(n))
}
