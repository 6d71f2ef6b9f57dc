// Package metrics exposes Prometheus collectors for every pipeline stage.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "earshot"

// Metrics contains all collectors for the pipeline.
type Metrics struct {
	// Capture / segmentation
	ChunksPublished *prometheus.CounterVec
	ChunksDropped   *prometheus.CounterVec
	SilenceSkipped  *prometheus.CounterVec
	InputLevel      prometheus.Gauge

	// Utterance assembly
	UtterancesEmitted   prometheus.Counter
	UtterancesDiscarded prometheus.Counter
	UtteranceSeconds    prometheus.Histogram

	// Dispatch
	Requests        *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	Backoff         prometheus.Gauge

	// Processing
	Outcomes     *prometheus.CounterVec
	ErrorStreak  prometheus.Gauge
	CacheSize    prometheus.Gauge
	GraphNodes   *prometheus.GaugeVec
	SessionSaves *prometheus.CounterVec
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChunksPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "micro_chunks_published_total",
			Help:      "Micro-chunks handed to the assembler, by source",
		}, []string{"source"}),
		ChunksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "micro_chunks_dropped_total",
			Help:      "Micro-chunks dropped because the channel was full, by source",
		}, []string{"source"}),
		SilenceSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silence_chunks_skipped_total",
			Help:      "Capture callbacks suppressed by the silence gate, by source",
		}, []string{"source"}),
		InputLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "input_level_rms",
			Help:      "RMS of the most recent capture callback",
		}),

		UtterancesEmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_emitted_total",
			Help:      "Utterances handed to the dispatcher",
		}),
		UtterancesDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_discarded_total",
			Help:      "Utterances discarded for being shorter than the minimum speech duration",
		}),
		UtteranceSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Duration of emitted utterances",
			Buckets:   prometheus.LinearBuckets(3, 1.5, 9), // 3s to 15s
		}),

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_requests_total",
			Help:      "Requests to the audio-understanding service, by result",
		}, []string{"result"}),
		RequestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_request_duration_seconds",
			Help:      "Latency of generateContent calls",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),
		Backoff: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_backoff_seconds",
			Help:      "Current rate-limit backoff",
		}),

		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_outcomes_total",
			Help:      "Processed responses, by outcome kind",
		}, []string{"kind"}),
		ErrorStreak: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processor_error_streak",
			Help:      "Consecutive schema failures",
		}),
		CacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "record_cache_size",
			Help:      "Records held in the response cache",
		}),
		GraphNodes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_nodes",
			Help:      "Knowledge graph nodes, by confirmation state",
		}, []string{"state"}),
		SessionSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_saves_total",
			Help:      "Session document writes, by result",
		}, []string{"result"}),
	}
}

// NewNop returns collectors registered on a private registry, for tests and
// components constructed without a shared registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the exposition format for gatherer g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
