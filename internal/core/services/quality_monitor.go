package services

import (
	"context"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/eventloop"
	"callcore/pkg/timers"

	"go.uber.org/zap"
)

const qualityHistorySize = 30

// StatsSource is the part of a transport the monitor polls.
type StatsSource interface {
	Stats(ctx context.Context) (domain.TransportStats, error)
	ConnectivityState() domain.ConnectivityState
}

type QualityMonitorConfig struct {
	PollInterval time.Duration
	StaleAfter   time.Duration
}

// QualityMonitor polls the active transport and emits a tier whenever the
// classification changes. All state is owned by the executor.
type QualityMonitor struct {
	classifier *QualityService
	exec       eventloop.Executor
	timers     *timers.Registry
	cfg        QualityMonitorConfig
	logger     *zap.SugaredLogger
	metrics    ports.CallMetrics

	listeners []func(domain.Tier)

	gen         uint64
	source      StatsSource
	prev        *domain.TransportStats
	last        *domain.QualitySample
	lastValidAt time.Time
	tier        domain.Tier
	emitted     bool
	history     []domain.QualitySample
}

func NewQualityMonitor(
	classifier *QualityService,
	exec eventloop.Executor,
	clock timers.Clock,
	cfg QualityMonitorConfig,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *QualityMonitor {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &QualityMonitor{
		classifier: classifier,
		exec:       exec,
		timers:     timers.NewRegistry(clock, func(fn func()) { exec.Post(fn) }),
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		tier:       domain.TierGood,
	}
}

// OnTierChange registers a listener. Listeners run on the executor.
func (m *QualityMonitor) OnTierChange(fn func(domain.Tier)) {
	m.listeners = append(m.listeners, fn)
}

// Start begins polling source. A previous source is dropped.
func (m *QualityMonitor) Start(source StatsSource) {
	m.Stop()
	m.source = source
	m.lastValidAt = m.timers.Clock().Now()
	m.timers.Every("poll", m.cfg.PollInterval, m.poll)
}

// Stop cancels polling. Stats calls still in flight are discarded. The last
// emitted tier is kept so a later Start only emits on an actual change.
func (m *QualityMonitor) Stop() {
	m.timers.CancelAll()
	m.gen++
	m.source = nil
	m.prev = nil
}

// Reset forgets the emitted tier and history, for a new session.
func (m *QualityMonitor) Reset() {
	m.Stop()
	m.tier = domain.TierGood
	m.emitted = false
	m.last = nil
	m.history = nil
}

// Report feeds a tier computed elsewhere (the relay provider's quality
// signal) through the same emit-on-change path.
func (m *QualityMonitor) Report(tier domain.Tier) {
	m.emit(tier)
}

// Tier returns the most recently emitted tier.
func (m *QualityMonitor) Tier() domain.Tier {
	return m.tier
}

func (m *QualityMonitor) LastSample() (domain.QualitySample, bool) {
	if m.last == nil {
		return domain.QualitySample{}, false
	}
	return *m.last, true
}

// History returns up to the last 30 valid samples, oldest first.
func (m *QualityMonitor) History() []domain.QualitySample {
	return append([]domain.QualitySample(nil), m.history...)
}

func (m *QualityMonitor) poll() {
	src := m.source
	if src == nil {
		return
	}
	if !src.ConnectivityState().Connected() {
		m.prev = nil
		m.emit(domain.TierDisconnected)
		return
	}

	gen := m.gen
	timeout := m.cfg.PollInterval
	m.exec.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		stats, err := src.Stats(ctx)
		cancel()
		m.exec.Post(func() {
			if gen != m.gen {
				return
			}
			m.handleStats(stats, err)
		})
	})
}

func (m *QualityMonitor) handleStats(stats domain.TransportStats, err error) {
	now := m.timers.Clock().Now()
	if err != nil {
		m.logger.Debugw("stats poll failed", "error", err)
		m.checkStale(now)
		return
	}

	sample, ok := m.buildSample(stats, now)
	if !ok {
		m.checkStale(now)
		return
	}

	m.lastValidAt = now
	m.last = &sample
	m.history = append(m.history, sample)
	if len(m.history) > qualityHistorySize {
		m.history = m.history[len(m.history)-qualityHistorySize:]
	}
	m.metrics.ObserveRTT(sample.RTT)
	m.emit(sample.Tier)
}

func (m *QualityMonitor) checkStale(now time.Time) {
	if now.Sub(m.lastValidAt) >= m.cfg.StaleAfter {
		m.emit(domain.TierDisconnected)
	}
}

// buildSample turns cumulative counters into a sample using the previous
// report for deltas. A report without an active candidate pair is invalid.
func (m *QualityMonitor) buildSample(stats domain.TransportStats, now time.Time) (domain.QualitySample, bool) {
	if stats.TakenAt.IsZero() {
		stats.TakenAt = now
	}
	prev := m.prev
	current := stats
	m.prev = &current

	if len(stats.PairRTTs) == 0 {
		return domain.QualitySample{}, false
	}

	received := stats.AudioPacketsReceived
	lost := stats.AudioPacketsLost
	frames := stats.VideoFramesDecoded
	bytes := stats.BytesReceived
	var elapsed time.Duration
	if prev != nil && stats.AudioPacketsReceived >= prev.AudioPacketsReceived && stats.AudioPacketsLost >= prev.AudioPacketsLost {
		received -= prev.AudioPacketsReceived
		lost -= prev.AudioPacketsLost
	}
	if prev != nil && stats.VideoFramesDecoded >= prev.VideoFramesDecoded && stats.BytesReceived >= prev.BytesReceived {
		frames -= prev.VideoFramesDecoded
		bytes -= prev.BytesReceived
		elapsed = stats.TakenAt.Sub(prev.TakenAt)
	}

	var lossRate float64
	if total := float64(received) + float64(lost); total > 0 && lost > 0 {
		lossRate = float64(lost) / total
	}
	var fps float64
	if elapsed > 0 {
		fps = float64(frames) / elapsed.Seconds()
	}

	rtt := averageDuration(stats.PairRTTs)
	jitter := averageDuration(stats.Jitters)

	return domain.QualitySample{
		RTT:             rtt,
		LossRate:        lossRate,
		Jitter:          jitter,
		FramesPerSecond: fps,
		BytesDelta:      bytes,
		Tier:            m.classifier.Classify(rtt, lossRate, jitter),
		TakenAt:         stats.TakenAt,
	}, true
}

func (m *QualityMonitor) emit(tier domain.Tier) {
	if m.emitted && tier == m.tier {
		return
	}
	from := m.tier
	m.tier = tier
	m.emitted = true

	m.metrics.SetQualityTier(tier)
	m.logger.Infow("quality tier changed", "from", from, "to", tier)
	for _, fn := range m.listeners {
		fn(tier)
	}
}

func averageDuration(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range values {
		sum += v
	}
	return sum / time.Duration(len(values))
}
