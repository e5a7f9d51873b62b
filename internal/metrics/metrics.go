// Package metrics defines the Prometheus collectors for the chat pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "echo"

// Chat paths and outcomes used as label values.
const (
	PathStateless = "stateless"
	PathSession   = "session"

	OutcomeAnswered = "answered"
	OutcomeEmpty    = "nothing_found"
	OutcomeRejected = "quota_exceeded"
	OutcomeFailed   = "failed"
)

type Metrics struct {
	ChatTurns        *prometheus.CounterVec
	QuotaRejections  prometheus.Counter
	IngestedChunks   *prometheus.CounterVec
	StreamDuration   *prometheus.HistogramVec
	EnhanceFallbacks prometheus.Counter
	ActiveStreams    prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChatTurns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Chat turns by path and outcome.",
		}, []string{"path", "outcome"}),
		QuotaRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "quota_rejections_total",
			Help:      "Chat requests rejected because the user's quota is used up.",
		}),
		IngestedChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Chunks upserted into the vector store by source type.",
		}, []string{"source"}),
		StreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "completion_duration_seconds",
			Help:      "Completion duration by path.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"path"}),
		EnhanceFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enhance",
			Name:      "fallbacks_total",
			Help:      "Query enhancements that fell back to the raw query.",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "active_streams",
			Help:      "SSE chat streams currently open.",
		}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// NewNop returns metrics registered on a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
