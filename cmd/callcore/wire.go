package main

import (
	"context"

	"callcore/internal/core/domain"
	"callcore/internal/core/services"
	"callcore/internal/infrastructure/signal"
	webrtcinfra "callcore/internal/infrastructure/webrtc"
	"callcore/pkg/backup"
	"callcore/pkg/circuitbreaker"
	"callcore/pkg/config"

	"github.com/samber/lo"
)

func clientConfig(cfg *config.Config) signal.ClientConfig {
	c := signal.DefaultClientConfig(cfg.Signaling.URL)
	c.Token = cfg.Identity.Token
	c.PingInterval = cfg.Signaling.PingInterval
	c.PongTimeout = cfg.Signaling.PongTimeout
	c.WriteTimeout = cfg.Signaling.WriteTimeout
	c.AckTimeout = cfg.Signaling.AckTimeout
	c.MessagesPerSecond = cfg.Signaling.MessagesPerSecond
	c.Burst = cfg.Signaling.Burst
	c.Dial.MaxAttempts = cfg.Signaling.DialAttempts
	return c
}

func transportConfig(cfg *config.Config) webrtcinfra.TransportConfig {
	var t webrtcinfra.TransportConfig
	t.ICEServers = lo.Map(cfg.WebRTC.ICEServers, func(s config.ICEServer, _ int) domain.ICEServer {
		return domain.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential}
	})
	t.PortRange.Min = cfg.WebRTC.PortRange.Min
	t.PortRange.Max = cfg.WebRTC.PortRange.Max
	t.DisconnectedTimeout = cfg.WebRTC.DisconnectedTimeout
	t.FailedTimeout = cfg.WebRTC.FailedTimeout
	t.KeepAliveInterval = cfg.WebRTC.KeepAliveInterval
	return t
}

func sourceConfig(cfg *config.Config) webrtcinfra.SourceConfig {
	return webrtcinfra.SourceConfig{
		Audio:        cfg.Media.Audio,
		Video:        cfg.Media.Video,
		MaxWidth:     cfg.Media.MaxWidth,
		MaxHeight:    cfg.Media.MaxHeight,
		MaxFrameRate: cfg.Media.MaxFrameRate,
	}
}

func threshold(t config.Threshold) domain.QualityThreshold {
	return domain.QualityThreshold{MaxRTT: t.MaxRTT, MaxLoss: t.MaxLoss, MaxJitter: t.MaxJitter}
}

func bitrateConfig(cfg *config.Config) services.BitrateControllerConfig {
	profile := func(tier domain.Tier, p config.Profile) domain.BitrateProfile {
		return domain.BitrateProfile{
			Tier:            tier,
			MaxBitrate:      p.MaxBitrate,
			ResolutionScale: p.ResolutionScale,
			MaxFramerate:    p.MaxFramerate,
			VideoDisabled:   p.VideoDisabled,
		}
	}
	return services.BitrateControllerConfig{
		StabilizationWindow: cfg.Bitrate.StabilizationWindow,
		AudioFloorBitrate:   cfg.Bitrate.AudioFloorBitrate,
		Profiles: map[domain.Tier]domain.BitrateProfile{
			domain.TierGood:         profile(domain.TierGood, cfg.Bitrate.Good),
			domain.TierMedium:       profile(domain.TierMedium, cfg.Bitrate.Medium),
			domain.TierPoor:         profile(domain.TierPoor, cfg.Bitrate.Poor),
			domain.TierDisconnected: profile(domain.TierDisconnected, cfg.Bitrate.Disconnected),
		},
	}
}

func relayBreaker(cfg *config.Config) *circuitbreaker.CircuitBreaker {
	c := circuitbreaker.DefaultConfig()
	c.FailureThreshold = cfg.Relay.FailureThreshold
	c.Timeout = cfg.Relay.OpenTimeout
	return circuitbreaker.New(c)
}

func archiveStorage(ctx context.Context, cfg *config.Config) (backup.Storage, error) {
	a := cfg.History.Archive
	if a.S3.Bucket != "" {
		return backup.NewS3Storage(ctx, backup.S3Config{
			Region:    a.S3.Region,
			Bucket:    a.S3.Bucket,
			Prefix:    a.S3.Prefix,
			Endpoint:  a.S3.Endpoint,
			AccessKey: a.S3.AccessKey,
			SecretKey: a.S3.SecretKey,
		})
	}
	return backup.NewFileStorage(a.Dir)
}
