package monitoring

import (
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var callStatuses = []domain.CallStatus{
	domain.StatusIdle,
	domain.StatusDialing,
	domain.StatusRinging,
	domain.StatusActive,
	domain.StatusReconnecting,
	domain.StatusEnded,
}

// PrometheusCollector records call metrics. It implements ports.CallMetrics.
type PrometheusCollector struct {
	callsTotal    *prometheus.CounterVec
	sessionStatus *prometheus.GaugeVec
	qualityTier   prometheus.Gauge

	rtt          prometheus.Histogram
	callDuration prometheus.Histogram

	iceRestarts    prometheus.Counter
	relayFallbacks prometheus.Counter

	signalingMessages     *prometheus.CounterVec
	bitrateProfileChanges *prometheus.CounterVec
}

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the call metrics with reg. A nil reg
// means the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &PrometheusCollector{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_calls_total",
			Help: "Calls ended, by outcome",
		}, []string{"outcome"}),

		sessionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callcore_session_status",
			Help: "1 for the current call session status, 0 otherwise",
		}, []string{"status"}),

		qualityTier: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_quality_tier",
			Help: "Applied network quality tier (0 disconnected .. 3 good)",
		}),

		rtt: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callcore_quality_rtt_seconds",
			Help:    "Round trip time of the nominated candidate pair",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.3, 0.5, 1, 2},
		}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callcore_call_duration_seconds",
			Help:    "Duration of connected calls",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}),

		iceRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "callcore_ice_restarts_total",
			Help: "ICE restarts attempted",
		}),

		relayFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "callcore_relay_fallbacks_total",
			Help: "Switches from the direct link to the relay",
		}),

		signalingMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_signaling_messages_total",
			Help: "Signaling messages by direction and event type",
		}, []string{"direction", "type"}),

		bitrateProfileChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_bitrate_profile_changes_total",
			Help: "Bitrate profile applications by tier",
		}, []string{"tier"}),
	}
	c.SetSessionStatus(domain.StatusIdle)
	return c
}

func (c *PrometheusCollector) RecordCallEnded(outcome domain.Outcome, duration time.Duration) {
	c.callsTotal.WithLabelValues(string(outcome)).Inc()
	if duration > 0 {
		c.callDuration.Observe(duration.Seconds())
	}
}

func (c *PrometheusCollector) SetSessionStatus(status domain.CallStatus) {
	for _, s := range callStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		c.sessionStatus.WithLabelValues(string(s)).Set(value)
	}
}

func (c *PrometheusCollector) SetQualityTier(tier domain.Tier) {
	c.qualityTier.Set(float64(tier))
}

func (c *PrometheusCollector) ObserveRTT(rtt time.Duration) {
	c.rtt.Observe(rtt.Seconds())
}

func (c *PrometheusCollector) IncICERestarts() {
	c.iceRestarts.Inc()
}

func (c *PrometheusCollector) IncRelayFallbacks() {
	c.relayFallbacks.Inc()
}

func (c *PrometheusCollector) IncSignalingMessage(direction string, event domain.EventType) {
	c.signalingMessages.WithLabelValues(direction, string(event)).Inc()
}

func (c *PrometheusCollector) IncBitrateProfileChange(tier domain.Tier) {
	c.bitrateProfileChanges.WithLabelValues(tier.String()).Inc()
}
