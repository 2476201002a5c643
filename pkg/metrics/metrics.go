// Package metrics provides the metrics registry facade for the sink.
//
// Metrics are opt-in: call InitRegistry during startup to enable them.
// Constructors return nil when metrics are disabled, and every consumer
// treats a nil metrics handle as a no-op, so disabled metrics cost nothing
// on the write path.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection. Idempotent.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the active registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// ============================================================================
// Writer Metrics
// ============================================================================

// WriterMetrics records per-level writer activity. A nil WriterMetrics is
// valid and records nothing.
type WriterMetrics interface {
	// IncFramesAccepted counts frames accepted into chunk buffers.
	IncFramesAccepted(n int)

	// IncFramesRejected counts frames rejected by shape validation.
	IncFramesRejected()

	// ObserveFlush records one completed flush: bytes written and duration.
	ObserveFlush(bytes int64, duration time.Duration)
}

// NewWriterMetrics creates a Prometheus-backed WriterMetrics for one
// multiscale level.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewWriterMetrics(level int) WriterMetrics {
	if !IsEnabled() {
		return nil
	}
	return newPrometheusWriterMetrics(level)
}

// newPrometheusWriterMetrics is implemented in pkg/metrics/prometheus.
// The indirection avoids an import cycle while keeping the API in one place.
var newPrometheusWriterMetrics func(level int) WriterMetrics

// RegisterWriterMetricsConstructor registers the Prometheus writer metrics
// constructor. Called by pkg/metrics/prometheus during package
// initialization.
func RegisterWriterMetricsConstructor(constructor func(level int) WriterMetrics) {
	newPrometheusWriterMetrics = constructor
}

// ============================================================================
// Nil-safe helpers
// ============================================================================

// FramesAccepted records accepted frames on a possibly-nil handle.
func FramesAccepted(m WriterMetrics, n int) {
	if m != nil {
		m.IncFramesAccepted(n)
	}
}

// FrameRejected records one rejected frame on a possibly-nil handle.
func FrameRejected(m WriterMetrics) {
	if m != nil {
		m.IncFramesRejected()
	}
}

// FlushObserved records one flush on a possibly-nil handle.
func FlushObserved(m WriterMetrics, bytes int64, duration time.Duration) {
	if m != nil {
		m.ObserveFlush(bytes, duration)
	}
}
