package ports

import (
	"context"
	"encoding/json"
	"time"

	"callcore/internal/core/domain"
)

type Unsubscribe func()

type SignalHandler func(payload json.RawMessage)

// SignalingChannel is the request/acknowledge and server push transport for
// call control. Delivery is at most once.
type SignalingChannel interface {
	// Send waits for the acknowledgement. An acknowledgement that carries an
	// error is returned as an error.
	Send(ctx context.Context, event domain.EventType, payload any) (json.RawMessage, error)
	Emit(ctx context.Context, event domain.EventType, payload any) error
	On(event domain.EventType, handler SignalHandler) Unsubscribe
	Connected() bool
}

type MediaTrack interface {
	ID() string
	Kind() domain.MediaKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

type MediaStream interface {
	Tracks() []MediaTrack
	Stop()
}

// MediaAcquirer opens local capture devices. Failures wrap one of the domain
// media sentinels.
type MediaAcquirer interface {
	Acquire(ctx context.Context, constraints domain.MediaConstraints) (MediaStream, error)
}

// MediaSender is one outgoing track on a transport.
type MediaSender interface {
	Kind() domain.MediaKind
	Encoding() domain.EncodingParams
	SetEncoding(params domain.EncodingParams) error
}

type PeerTransport interface {
	AddTrack(track MediaTrack) (MediaSender, error)
	// CreateOffer creates an offer, applies it locally and returns its SDP.
	CreateOffer(ctx context.Context, iceRestart bool) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(ctx context.Context, kind domain.SDPType, sdp string) error
	HasRemoteDescription() bool
	AddICECandidate(candidate domain.ICECandidate) error
	// RestartICE swaps in fresh ICE servers before a restart offer.
	RestartICE(servers []domain.ICEServer) error
	Stats(ctx context.Context) (domain.TransportStats, error)
	ConnectivityState() domain.ConnectivityState
	OnICECandidate(fn func(domain.ICECandidate))
	OnConnectivityChange(fn func(domain.ConnectivityState))
	Close() error
}

type TransportFactory interface {
	NewTransport(ctx context.Context) (PeerTransport, error)
}

type RelayRoom interface {
	// Participants returns the full current roster.
	Participants() []domain.RelayParticipant
	OnRosterChange(fn func(change domain.RosterChange))
	OnQuality(fn func(quality domain.ProviderQuality))
	OnDisconnected(fn func(err error))
	Leave(ctx context.Context) error
}

type RelayProvider interface {
	Join(ctx context.Context, creds domain.RelayCredentials, local MediaStream) (RelayRoom, error)
}

type CallMetrics interface {
	RecordCallEnded(outcome domain.Outcome, duration time.Duration)
	SetSessionStatus(status domain.CallStatus)
	SetQualityTier(tier domain.Tier)
	ObserveRTT(rtt time.Duration)
	IncICERestarts()
	IncRelayFallbacks()
	IncSignalingMessage(direction string, event domain.EventType)
	IncBitrateProfileChange(tier domain.Tier)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RecordCallEnded(domain.Outcome, time.Duration) {}
func (NopMetrics) SetSessionStatus(domain.CallStatus) {}
func (NopMetrics) SetQualityTier(domain.Tier) {}
func (NopMetrics) ObserveRTT(time.Duration) {}
func (NopMetrics) IncICERestarts() {}
func (NopMetrics) IncRelayFallbacks() {}
func (NopMetrics) IncSignalingMessage(string, domain.EventType) {}
func (NopMetrics) IncBitrateProfileChange(domain.Tier) {}
