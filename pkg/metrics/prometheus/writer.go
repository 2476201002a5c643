// Package prometheus provides the Prometheus implementations behind the
// metrics facade. Import for side effects:
//
//	import _ "github.com/marmos91/zarrstream/pkg/metrics/prometheus"
package prometheus

import (
	"strconv"
	"sync"
	"time"

	"github.com/marmos91/zarrstream/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterWriterMetricsConstructor(newWriterMetrics)
}

// collectors are shared across levels; each writer binds its level label.
type writerCollectors struct {
	framesAccepted *prometheus.CounterVec
	framesRejected *prometheus.CounterVec
	flushBytes     *prometheus.CounterVec
	flushDuration  *prometheus.HistogramVec
}

var (
	collectorsOnce sync.Once
	collectors     *writerCollectors
)

func getCollectors() *writerCollectors {
	collectorsOnce.Do(func() {
		reg := metrics.GetRegistry()

		collectors = &writerCollectors{
			framesAccepted: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "zarrstream_frames_accepted_total",
					Help: "Frames accepted into chunk buffers by multiscale level",
				},
				[]string{"level"},
			),
			framesRejected: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "zarrstream_frames_rejected_total",
					Help: "Frames rejected by shape validation by multiscale level",
				},
				[]string{"level"},
			),
			flushBytes: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "zarrstream_flush_bytes_total",
					Help: "Bytes written to data sinks by multiscale level",
				},
				[]string{"level"},
			),
			flushDuration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "zarrstream_flush_duration_seconds",
					Help:    "Chunk flush latency by multiscale level",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
				},
				[]string{"level"},
			),
		}
	})
	return collectors
}

// writerMetrics binds the shared collectors to one level label.
type writerMetrics struct {
	level string
}

func newWriterMetrics(level int) metrics.WriterMetrics {
	getCollectors()
	return &writerMetrics{level: strconv.Itoa(level)}
}

func (m *writerMetrics) IncFramesAccepted(n int) {
	getCollectors().framesAccepted.WithLabelValues(m.level).Add(float64(n))
}

func (m *writerMetrics) IncFramesRejected() {
	getCollectors().framesRejected.WithLabelValues(m.level).Inc()
}

func (m *writerMetrics) ObserveFlush(bytes int64, duration time.Duration) {
	c := getCollectors()
	c.flushBytes.WithLabelValues(m.level).Add(float64(bytes))
	c.flushDuration.WithLabelValues(m.level).Observe(duration.Seconds())
}
