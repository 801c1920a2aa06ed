package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	activePeers    prometheus.Gauge
	pooledContexts prometheus.Gauge

	// Counters
	offersSentTotal  prometheus.Counter
	answersSentTotal prometheus.Counter
	peersFailedTotal prometheus.Counter
	recoveriesByTier *prometheus.CounterVec

	// Histograms
	negotiationDuration prometheus.Histogram
	sampledRTT          prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		activePeers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meetmesh_active_peers",
			Help: "Number of peers currently tracked by the orchestrator",
		}),

		pooledContexts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meetmesh_pooled_audio_contexts",
			Help: "Number of audio contexts currently held by the pool",
		}),

		offersSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetmesh_offers_sent_total",
			Help: "Total number of SDP offers sent",
		}),

		answersSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetmesh_answers_sent_total",
			Help: "Total number of SDP answers sent",
		}),

		peersFailedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meetmesh_peers_failed_total",
			Help: "Total number of peers declared failed after recovery exhaustion",
		}),

		recoveriesByTier: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meetmesh_recoveries_total",
			Help: "Total number of recovery attempts by tier",
		}, []string{"tier"}),

		negotiationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetmesh_negotiation_duration_seconds",
			Help:    "Duration of offer/answer exchanges",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		sampledRTT: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetmesh_sampled_rtt_seconds",
			Help:    "Round-trip times observed by the quality monitor",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.35, 0.5, 1},
		}),
	}
}

func (p *PrometheusCollector) RecordOfferSent() {
	p.offersSentTotal.Inc()
}

func (p *PrometheusCollector) RecordAnswerSent() {
	p.answersSentTotal.Inc()
}

func (p *PrometheusCollector) RecordRecovery(tier string) {
	p.recoveriesByTier.WithLabelValues(tier).Inc()
}

func (p *PrometheusCollector) RecordPeerFailed() {
	p.peersFailedTotal.Inc()
}

func (p *PrometheusCollector) RecordNegotiationDuration(d time.Duration) {
	p.negotiationDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) SetActivePeers(n int) {
	p.activePeers.Set(float64(n))
}

func (p *PrometheusCollector) RecordSampledRTT(rtt time.Duration) {
	p.sampledRTT.Observe(rtt.Seconds())
}

func (p *PrometheusCollector) SetPooledContexts(n int) {
	p.pooledContexts.Set(float64(n))
}

// NopCollector satisfies the metrics sink with no-ops. Used in tests and
// when monitoring is disabled.
type NopCollector struct{}

func (NopCollector) RecordOfferSent()                        {}
func (NopCollector) RecordAnswerSent()                       {}
func (NopCollector) RecordRecovery(string)                   {}
func (NopCollector) RecordPeerFailed()                       {}
func (NopCollector) RecordNegotiationDuration(time.Duration) {}
func (NopCollector) SetActivePeers(int)                      {}
func (NopCollector) SetPooledContexts(int)                   {}
func (NopCollector) RecordSampledRTT(time.Duration)          {}
