package services

import (
	"time"

	"callcore/internal/core/domain"
)

// QualityService classifies transport measurements into tiers.
type QualityService struct {
	thresholds map[domain.Tier]domain.QualityThreshold
}

// DefaultQualityThresholds returns the reference GOOD and MEDIUM cutoffs.
func DefaultQualityThresholds() (good, medium domain.QualityThreshold) {
	good = domain.QualityThreshold{MaxRTT: 150 * time.Millisecond, MaxLoss: 0.02, MaxJitter: 30 * time.Millisecond}
	medium = domain.QualityThreshold{MaxRTT: 300 * time.Millisecond, MaxLoss: 0.05, MaxJitter: 50 * time.Millisecond}
	return good, medium
}

func NewQualityService(good, medium domain.QualityThreshold) *QualityService {
	return &QualityService{
		thresholds: map[domain.Tier]domain.QualityThreshold{
			domain.TierGood:   good,
			domain.TierMedium: medium,
		},
	}
}

// Thresholds returns the configured cutoffs keyed by tier.
func (qs *QualityService) Thresholds() map[domain.Tier]domain.QualityThreshold {
	out := make(map[domain.Tier]domain.QualityThreshold, len(qs.thresholds))
	for tier, threshold := range qs.thresholds {
		out[tier] = threshold
	}
	return out
}

// Classify evaluates GOOD, then MEDIUM; anything else is POOR. DISCONNECTED
// is never produced here, it depends on transport state rather than numbers.
func (qs *QualityService) Classify(rtt time.Duration, lossRate float64, jitter time.Duration) domain.Tier {
	switch {
	case qs.meetsQualityRequirements(rtt, lossRate, jitter, qs.thresholds[domain.TierGood]):
		return domain.TierGood
	case qs.meetsQualityRequirements(rtt, lossRate, jitter, qs.thresholds[domain.TierMedium]):
		return domain.TierMedium
	default:
		return domain.TierPoor
	}
}

func (qs *QualityService) meetsQualityRequirements(rtt time.Duration, lossRate float64, jitter time.Duration, threshold domain.QualityThreshold) bool {
	return rtt <= threshold.MaxRTT &&
		lossRate <= threshold.MaxLoss &&
		jitter <= threshold.MaxJitter
}

// ClassifyProvider maps a relay provider's quality label onto a tier.
// Unknown labels report false.
func (qs *QualityService) ClassifyProvider(q domain.ProviderQuality) (domain.Tier, bool) {
	switch q {
	case domain.ProviderQualityExcellent:
		return domain.TierGood, true
	case domain.ProviderQualityGood:
		return domain.TierMedium, true
	case domain.ProviderQualityPoor:
		return domain.TierPoor, true
	case domain.ProviderQualityLost:
		return domain.TierDisconnected, true
	}
	return domain.TierDisconnected, false
}
