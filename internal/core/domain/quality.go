package domain

import (
	"fmt"
	"strings"
	"time"
)

// Tier is an ordered network quality classification. Higher is better.
type Tier int

const (
	TierDisconnected Tier = iota
	TierPoor
	TierMedium
	TierGood
)

var tierNames = map[Tier]string{
	TierDisconnected: "disconnected",
	TierPoor:         "poor",
	TierMedium:       "medium",
	TierGood:         "good",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

func ParseTier(s string) (Tier, error) {
	for t, name := range tierNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return TierDisconnected, fmt.Errorf("unknown quality tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Tier) Better(other Tier) bool {
	return t > other
}

// StepUp returns the next better tier, capped at GOOD.
func (t Tier) StepUp() Tier {
	if t >= TierGood {
		return TierGood
	}
	return t + 1
}

// TransportStats is a raw statistics report aggregated by the transport.
// Counters are cumulative for the lifetime of the transport.
type TransportStats struct {
	PairRTTs             []time.Duration
	AudioPacketsReceived uint64
	AudioPacketsLost     int64
	Jitters              []time.Duration
	VideoFramesDecoded   uint64
	BytesReceived        uint64
	TakenAt              time.Time
}

// QualitySample is a classified poll result.
type QualitySample struct {
	RTT             time.Duration `json:"rtt"`
	LossRate        float64       `json:"loss_rate"`
	Jitter          time.Duration `json:"jitter"`
	FramesPerSecond float64       `json:"frames_per_second"`
	BytesDelta      uint64        `json:"bytes_delta"`
	Tier            Tier          `json:"tier"`
	TakenAt         time.Time     `json:"taken_at"`
}

type QualityThreshold struct {
	MaxRTT    time.Duration
	MaxLoss   float64
	MaxJitter time.Duration
}

type BitrateProfile struct {
	Tier            Tier
	MaxBitrate      int
	ResolutionScale float64
	MaxFramerate    float64
	VideoDisabled   bool
}

// EncodingParams are applied to a single outgoing encoding.
type EncodingParams struct {
	Active                bool
	MaxBitrate            int
	ScaleResolutionDownBy float64
	MaxFramerate          float64
}

// ProviderQuality is the connection quality label published by a relay.
type ProviderQuality string

const (
	ProviderQualityExcellent ProviderQuality = "excellent"
	ProviderQualityGood      ProviderQuality = "good"
	ProviderQualityPoor      ProviderQuality = "poor"
	ProviderQualityLost      ProviderQuality = "lost"
)
