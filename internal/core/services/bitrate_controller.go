package services

import (
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/eventloop"
	"callcore/pkg/timers"

	"go.uber.org/zap"
)

const profileHistorySize = 100

// TierSource exposes the currently monitored tier.
type TierSource interface {
	Tier() domain.Tier
}

type BitrateControllerConfig struct {
	StabilizationWindow time.Duration
	AudioFloorBitrate   int
	Profiles            map[domain.Tier]domain.BitrateProfile
}

// DefaultBitrateProfiles returns the reference encoding ladder.
func DefaultBitrateProfiles() map[domain.Tier]domain.BitrateProfile {
	return map[domain.Tier]domain.BitrateProfile{
		domain.TierGood:         {Tier: domain.TierGood, MaxBitrate: 1_500_000, ResolutionScale: 1, MaxFramerate: 30},
		domain.TierMedium:       {Tier: domain.TierMedium, MaxBitrate: 600_000, ResolutionScale: 1.5, MaxFramerate: 24},
		domain.TierPoor:         {Tier: domain.TierPoor, MaxBitrate: 250_000, ResolutionScale: 2, MaxFramerate: 15},
		domain.TierDisconnected: {Tier: domain.TierDisconnected, VideoDisabled: true},
	}
}

type ProfileChange struct {
	From    domain.Tier
	To      domain.Tier
	Applied time.Time
}

// BitrateController keeps the outgoing video encoding matched to the
// monitored tier. Downgrades apply at once; upgrades wait for a full
// stabilization window and then move a single step.
type BitrateController struct {
	cfg     BitrateControllerConfig
	monitor TierSource
	timers  *timers.Registry
	logger  *zap.SugaredLogger
	metrics ports.CallMetrics

	current      domain.Tier
	target       domain.Tier
	video        ports.MediaSender
	audio        ports.MediaSender
	videoEnabled func() bool
	audioFloored bool
	history      []ProfileChange
}

func NewBitrateController(
	cfg BitrateControllerConfig,
	monitor TierSource,
	exec eventloop.Executor,
	clock timers.Clock,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *BitrateController {
	if cfg.Profiles == nil {
		cfg.Profiles = DefaultBitrateProfiles()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &BitrateController{
		cfg:     cfg,
		monitor: monitor,
		timers:  timers.NewRegistry(clock, func(fn func()) { exec.Post(fn) }),
		logger:  logger,
		metrics: metrics,
		current: domain.TierGood,
	}
}

// Attach binds the senders of a newly connected transport. videoEnabled
// reports the user's camera choice; it is never overridden.
func (c *BitrateController) Attach(video, audio ports.MediaSender, videoEnabled func() bool) {
	c.Detach()
	c.video = video
	c.audio = audio
	c.videoEnabled = videoEnabled
	if c.videoEnabled == nil {
		c.videoEnabled = func() bool { return true }
	}
}

// Detach drops the senders and any pending upgrade.
func (c *BitrateController) Detach() {
	c.timers.CancelAll()
	c.video = nil
	c.audio = nil
	c.audioFloored = false
	c.current = domain.TierGood
}

// CurrentTier returns the tier whose profile is applied.
func (c *BitrateController) CurrentTier() domain.Tier {
	return c.current
}

func (c *BitrateController) UpgradePending() bool {
	return c.timers.Active("upgrade")
}

// History returns the applied profile changes, oldest first.
func (c *BitrateController) History() []ProfileChange {
	return append([]ProfileChange(nil), c.history...)
}

// OnTierChange consumes a tier emitted by the monitor.
func (c *BitrateController) OnTierChange(tier domain.Tier) {
	switch {
	case tier < c.current:
		c.timers.Cancel("upgrade")
		c.apply(tier)
	case tier > c.current:
		if c.timers.Active("upgrade") {
			if tier < c.target {
				c.target = tier
			}
			return
		}
		c.target = tier
		c.timers.Schedule("upgrade", c.cfg.StabilizationWindow, c.stabilized)
	default:
		c.timers.Cancel("upgrade")
	}
}

func (c *BitrateController) stabilized() {
	observed := c.monitor.Tier()
	if observed < c.target {
		c.logger.Debugw("upgrade abandoned, tier regressed",
			"current", c.current,
			"target", c.target,
			"observed", observed,
		)
		return
	}

	c.apply(c.current.StepUp())

	if observed > c.current {
		c.target = observed
		c.timers.Schedule("upgrade", c.cfg.StabilizationWindow, c.stabilized)
	}
}

// Reapply re-applies the current profile, for example after the user turns
// the camera back on.
func (c *BitrateController) Reapply() {
	c.configure(c.current)
}

func (c *BitrateController) apply(tier domain.Tier) {
	from := c.current
	c.current = tier
	if !c.configure(tier) {
		return
	}

	c.history = append(c.history, ProfileChange{From: from, To: tier, Applied: c.timers.Clock().Now()})
	if len(c.history) > profileHistorySize {
		c.history = c.history[len(c.history)-profileHistorySize:]
	}
	c.metrics.IncBitrateProfileChange(tier)
	c.logger.Infow("bitrate profile applied", "from", from, "to", tier)
}

// configure pushes the profile for tier to the senders and reports whether
// anything was reconfigured.
func (c *BitrateController) configure(tier domain.Tier) bool {
	if c.video == nil {
		return false
	}
	profile, ok := c.cfg.Profiles[tier]
	if !ok {
		return false
	}

	if profile.VideoDisabled {
		if c.videoEnabled() {
			c.setEncoding(c.video, domain.EncodingParams{Active: false})
		}
		if c.audio != nil {
			c.setEncoding(c.audio, domain.EncodingParams{Active: true, MaxBitrate: c.cfg.AudioFloorBitrate})
			c.audioFloored = true
		}
		return true
	}

	if c.audioFloored && c.audio != nil {
		c.setEncoding(c.audio, domain.EncodingParams{Active: true})
		c.audioFloored = false
	}
	if !c.videoEnabled() {
		return true
	}
	scale := profile.ResolutionScale
	if scale < 1 {
		scale = 1
	}
	c.setEncoding(c.video, domain.EncodingParams{
		Active:                true,
		MaxBitrate:            profile.MaxBitrate,
		ScaleResolutionDownBy: scale,
		MaxFramerate:          profile.MaxFramerate,
	})
	return true
}

func (c *BitrateController) setEncoding(sender ports.MediaSender, params domain.EncodingParams) {
	if err := sender.SetEncoding(params); err != nil {
		c.logger.Warnw("failed to reconfigure encoding",
			"kind", sender.Kind(),
			"error", err,
		)
	}
}
