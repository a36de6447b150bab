/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds Prometheus metrics for the share service: the
// SessionCoordinator's publish/broadcast pipeline and the viewer fan-out.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ShareMetrics holds Prometheus metrics for coordinator and fan-out
// operations. These track publishes, broadcasts, viewer churn, and
// per-key coalescing drops.
type ShareMetrics struct {
	// Coordinator operation metrics
	// OperationsTotal is the total number of coordinator operations.
	OperationsTotal *prometheus.CounterVec
	// OperationDuration is the histogram of coordinator operation durations.
	OperationDuration *prometheus.HistogramVec

	// Publish metrics
	// PublishesTotal is the total number of accepted publishes.
	PublishesTotal *prometheus.CounterVec
	// PublishCoalescedTotal is the number of publisher-pipeline sends dropped
	// in favor of a newer pending value for the same key.
	PublishCoalescedTotal *prometheus.CounterVec

	// Broadcast / viewer metrics
	// BroadcastFanoutTotal is the total number of per-viewer send attempts.
	BroadcastFanoutTotal *prometheus.CounterVec
	// ViewersActive is the number of currently attached viewers.
	ViewersActive *prometheus.GaugeVec
	// ViewerEvictionsTotal is the number of viewers evicted for consecutive
	// send timeouts.
	ViewerEvictionsTotal *prometheus.CounterVec

	// SessionsActive is the number of sessions currently held Shared.
	SessionsActive prometheus.Gauge
}

// Config configures the share metrics.
type Config struct {
	Namespace string
	// OperationDurationBuckets for coordinator operation duration histogram.
	// If nil, defaults to DefaultOperationDurationBuckets.
	OperationDurationBuckets []float64
}

// DefaultOperationDurationBuckets are the default histogram buckets for
// coordinator operation durations. Operations are in-memory map work plus
// one durable write, so they are expected to be fast.
var DefaultOperationDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5}

// NewShareMetrics creates and registers all Prometheus metrics for the
// share service.
func NewShareMetrics(cfg Config) *ShareMetrics {
	labels := prometheus.Labels{
		"namespace": cfg.Namespace,
	}

	opBuckets := cfg.OperationDurationBuckets
	if opBuckets == nil {
		opBuckets = DefaultOperationDurationBuckets
	}

	return &ShareMetrics{
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "share_coordinator_operations_total",
			Help:        "Total number of coordinator operations (share, publish, clear, dump, attach)",
			ConstLabels: labels,
		}, []string{"op", "status"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "share_coordinator_operation_duration_seconds",
			Help:        "Coordinator operation duration in seconds",
			ConstLabels: labels,
			Buckets:     opBuckets,
		}, []string{"op"}),

		PublishesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "share_publishes_total",
			Help:        "Total number of accepted publish envelopes",
			ConstLabels: labels,
		}, []string{"status"}),

		PublishCoalescedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "share_publish_coalesced_total",
			Help:        "Total number of pending publisher sends superseded by a newer value for the same key",
			ConstLabels: labels,
		}, []string{}),

		BroadcastFanoutTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "share_broadcast_fanout_total",
			Help:        "Total number of per-viewer broadcast send attempts",
			ConstLabels: labels,
		}, []string{"status"}),

		ViewersActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "share_viewers_active",
			Help:        "Number of currently attached viewer connections",
			ConstLabels: labels,
		}, []string{}),

		ViewerEvictionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "share_viewer_evictions_total",
			Help:        "Total number of viewers evicted for consecutive send timeouts",
			ConstLabels: labels,
		}, []string{}),

		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "share_sessions_active",
			Help:        "Number of sessions currently in the Shared state",
			ConstLabels: labels,
		}),
	}
}

// OperationStatus values used as the "status" label on coordinator metrics.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// OperationMetrics contains the metrics for a single coordinator operation.
type OperationMetrics struct {
	Op              string
	DurationSeconds float64
	Success         bool
}

// RecordOperation records metrics for a coordinator operation (share,
// publish, clear, dump, attach).
func (m *ShareMetrics) RecordOperation(om OperationMetrics) {
	status := StatusOK
	if !om.Success {
		status = StatusError
	}
	m.OperationsTotal.WithLabelValues(om.Op, status).Inc()
	m.OperationDuration.WithLabelValues(om.Op).Observe(om.DurationSeconds)
}

// RecordPublish records an accepted or rejected publish.
func (m *ShareMetrics) RecordPublish(success bool) {
	status := StatusOK
	if !success {
		status = StatusError
	}
	m.PublishesTotal.WithLabelValues(status).Inc()
}

// RecordPublishCoalesced records a publisher-pipeline send superseded by a
// newer pending value for the same key.
func (m *ShareMetrics) RecordPublishCoalesced() {
	m.PublishCoalescedTotal.WithLabelValues().Inc()
}

// RecordBroadcast records a single per-viewer send attempt.
func (m *ShareMetrics) RecordBroadcast(success bool) {
	status := StatusOK
	if !success {
		status = StatusError
	}
	m.BroadcastFanoutTotal.WithLabelValues(status).Inc()
}

// SetViewersActive sets the current attached-viewer gauge.
func (m *ShareMetrics) SetViewersActive(n float64) {
	m.ViewersActive.WithLabelValues().Set(n)
}

// RecordViewerEviction records a viewer evicted for consecutive send
// timeouts.
func (m *ShareMetrics) RecordViewerEviction() {
	m.ViewerEvictionsTotal.WithLabelValues().Inc()
}

// IncSessionsActive increments the active-sessions gauge when a session
// transitions into the Shared state.
func (m *ShareMetrics) IncSessionsActive() {
	m.SessionsActive.Inc()
}

// DecSessionsActive decrements the active-sessions gauge when a session
// leaves the Shared state (a successful clear).
func (m *ShareMetrics) DecSessionsActive() {
	m.SessionsActive.Dec()
}

// Recorder is the interface for recording share metrics. It allows for a
// no-op implementation when metrics are disabled.
type Recorder interface {
	RecordOperation(om OperationMetrics)
	RecordPublish(success bool)
	RecordPublishCoalesced()
	RecordBroadcast(success bool)
	SetViewersActive(n float64)
	RecordViewerEviction()
	IncSessionsActive()
	DecSessionsActive()
}

var _ Recorder = (*ShareMetrics)(nil)

// NoOp is a no-op Recorder for when metrics are disabled.
type NoOp struct{}

func (NoOp) RecordOperation(_ OperationMetrics) {}
func (NoOp) RecordPublish(_ bool)               {}
func (NoOp) RecordPublishCoalesced()            {}
func (NoOp) RecordBroadcast(_ bool)             {}
func (NoOp) SetViewersActive(_ float64)         {}
func (NoOp) RecordViewerEviction()              {}
func (NoOp) IncSessionsActive()                 {}
func (NoOp) DecSessionsActive()                 {}

var _ Recorder = NoOp{}
