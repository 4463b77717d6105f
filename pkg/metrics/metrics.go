// Package metrics exposes Prometheus instrumentation for the queue-pair
// state machines. It is ambient instrumentation only: nothing in pkg/sq,
// pkg/rq, pkg/cq, or pkg/qp depends on a QP having metrics wired in: each of
// them checks for a nil *Metrics and skips recording when none is attached.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters and gauges a queue pair reports against.
type Metrics struct {
	CQEsPushed  prometheus.Counter
	CQDepth     prometheus.Gauge
	NAKs        *prometheus.CounterVec
	RNRRetries  prometheus.Counter
	SeqRetries  prometheus.Counter
	Duplicates  prometheus.Counter
	FlushErrors prometheus.Counter
}

// New registers and returns a Metrics bound to reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// registry across parallel test binaries.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CQEsPushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roce",
			Name:      "cqes_pushed_total",
			Help:      "Completion queue entries pushed, across all queue pairs sharing this registry.",
		}),
		CQDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "roce",
			Name:      "cq_depth",
			Help:      "Entries currently queued on the completion queue.",
		}),
		NAKs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roce",
			Name:      "naks_received_total",
			Help:      "AETH NAKs received by the requester, labeled by NAK value.",
		}, []string{"value"}),
		RNRRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roce",
			Name:      "rnr_retries_total",
			Help:      "Requests retried after an RNR NAK.",
		}),
		SeqRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roce",
			Name:      "seq_retries_total",
			Help:      "Requests retried after a PSN sequence-error NAK.",
		}),
		Duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roce",
			Name:      "duplicate_requests_total",
			Help:      "Inbound requests served from the responder's duplicate-request replay cache.",
		}),
		FlushErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "roce",
			Name:      "flush_errors_total",
			Help:      "Work requests completed with WR_FLUSH_ERR after a QP entered ERR.",
		}),
	}
}
