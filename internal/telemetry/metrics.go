// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package telemetry provides opt-in Prometheus instrumentation for the
// proxy: per-status attempt counters, per-outcome transition counters, and
// a pool-state gauge, with an optional standalone /metrics listener. It is
// a no-op when disabled.
package telemetry

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether telemetry is recorded and whether a standalone
// metrics endpoint is exposed.
type Config struct {
	// Enabled gates all recording; when false, every Observe* call is a no-op.
	Enabled bool
	// MetricsAddr, when non-empty and Enabled is true, starts a dedicated
	// HTTP server serving /metrics (mirrors churn.Config.MetricsAddr).
	MetricsAddr string
}

var (
	registerOnce sync.Once

	attemptsTotal *prometheus.CounterVec
	outcomesTotal *prometheus.CounterVec
	poolState     *prometheus.GaugeVec
	traceEvents   prometheus.Counter

	enabled atomic.Bool

	serverMu sync.Mutex
	server   *http.Server
)

func registerMetrics() {
	attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rrproxy_attempts_total",
		Help: "Forwarded upstream attempts, labeled by response status class.",
	}, []string{"status_class"})
	outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rrproxy_outcomes_total",
		Help: "Rotation pool outcome transitions, labeled by outcome kind.",
	}, []string{"outcome"})
	poolState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rrproxy_pool_state",
		Help: "Current count of tokens per health label.",
	}, []string{"label"})
	traceEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rrproxy_trace_events_total",
		Help: "Trace events appended to the ring buffer.",
	})
	prometheus.MustRegister(attemptsTotal, outcomesTotal, poolState, traceEvents)
}

// Enable applies cfg: it gates recording and starts or stops the standalone
// metrics listener as needed. Safe to call repeatedly (e.g. on settings
// reload).
func Enable(cfg Config) {
	registerOnce.Do(registerMetrics)
	enabled.Store(cfg.Enabled)

	serverMu.Lock()
	defer serverMu.Unlock()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = server.Shutdown(ctx)
		cancel()
		server = nil
	}
	if !cfg.Enabled || cfg.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	server = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("telemetry: metrics listener stopped: %v", err)
		}
	}()
}

// ObserveAttempt records one forwarded attempt's final status class.
func ObserveAttempt(status int) {
	if !enabled.Load() {
		return
	}
	attemptsTotal.WithLabelValues(statusClass(status)).Inc()
}

// ObserveOutcome records one rotation-pool transition (success, blacklist,
// rate_limited, transient).
func ObserveOutcome(outcome string) {
	if !enabled.Load() {
		return
	}
	outcomesTotal.WithLabelValues(outcome).Inc()
}

// ObservePoolStats sets the pool-state gauges from a stats snapshot (as
// returned by authpool.Pool.Stats, minus "total").
func ObservePoolStats(stats map[string]int) {
	if !enabled.Load() {
		return
	}
	for label, count := range stats {
		if label == "total" {
			continue
		}
		poolState.WithLabelValues(label).Set(float64(count))
	}
}

// ObserveTraceEvent increments the trace-event counter.
func ObserveTraceEvent() {
	if !enabled.Load() {
		return
	}
	traceEvents.Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}
