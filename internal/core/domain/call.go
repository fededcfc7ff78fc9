package domain

import (
	"fmt"
	"time"

	"github.com/samber/lo"
)

type CallID string
type PeerID string

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

type TransportKind string

const (
	TransportDirect  TransportKind = "direct"
	TransportRelayed TransportKind = "relayed"
)

type CallStatus string

const (
	StatusIdle         CallStatus = "idle"
	StatusDialing      CallStatus = "dialing"
	StatusRinging      CallStatus = "ringing"
	StatusActive       CallStatus = "active"
	StatusReconnecting CallStatus = "reconnecting"
	StatusEnded        CallStatus = "ended"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeMissed    Outcome = "missed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeNoAnswer  Outcome = "no-answer"
	OutcomeFailed    Outcome = "failed"
)

var transitions = map[CallStatus][]CallStatus{
	StatusIdle:         {StatusDialing, StatusRinging},
	StatusDialing:      {StatusActive, StatusEnded},
	StatusRinging:      {StatusActive, StatusEnded},
	StatusActive:       {StatusReconnecting, StatusEnded},
	StatusReconnecting: {StatusActive, StatusEnded},
}

// CanTransition reports whether the session state machine allows from -> to.
func CanTransition(from, to CallStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CallSession is a single call attempt from creation to ENDED.
type CallSession struct {
	ID             CallID
	Role           Role
	MediaKind      MediaKind
	LocalPeer      PeerID
	RemotePeer     PeerID
	ConversationID string
	Participants   []PeerID
	Group          bool
	Transport      TransportKind
	Status         CallStatus

	// Accepted is set once the local (callee) or remote (caller) side agreed
	// to the call; the session stays RINGING/DIALING until media connects.
	Accepted bool

	StartedAt          time.Time
	ConnectedAt        time.Time
	EndedAt            time.Time
	ReconnectStartedAt time.Time
	DurationSeconds    int

	Outcome    Outcome
	LastError  string
	RemoteTier Tier
}

func NewCallSession(role Role, kind MediaKind, local, remote PeerID, now time.Time) *CallSession {
	return &CallSession{
		Role:         role,
		MediaKind:    kind,
		LocalPeer:    local,
		RemotePeer:   remote,
		Participants: []PeerID{local, remote},
		Transport:    TransportDirect,
		Status:       StatusIdle,
		StartedAt:    now,
		RemoteTier:   TierGood,
	}
}

// Transition moves the session to the given status.
func (s *CallSession) Transition(to CallStatus) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	return nil
}

// IsGroup reports whether the call was flagged as a group call or has more
// than two participants. Group calls use the relay from the start.
func (s *CallSession) IsGroup() bool {
	return s.Group || len(s.Participants) > 2
}

// PromoteToRelay switches the session to the relayed transport. There is no
// way back to direct.
func (s *CallSession) PromoteToRelay() {
	s.Transport = TransportRelayed
}

func (s *CallSession) EverConnected() bool {
	return !s.ConnectedAt.IsZero()
}

func (s *CallSession) Reconnecting() bool {
	return !s.ReconnectStartedAt.IsZero()
}

// OtherParticipants returns every participant except the local peer.
func (s *CallSession) OtherParticipants() []PeerID {
	return lo.Without(s.Participants, s.LocalPeer)
}

func (s *CallSession) AddParticipants(ids ...PeerID) {
	merged := append(s.Participants, ids...)
	s.Participants = lo.Uniq(lo.Without(merged, ""))
}

// SessionSnapshot is the read-only view handed to UI consumers.
type SessionSnapshot struct {
	CallID             CallID             `json:"call_id,omitempty"`
	Status             CallStatus         `json:"status"`
	Role               Role               `json:"role,omitempty"`
	MediaKind          MediaKind          `json:"media_kind,omitempty"`
	Transport          TransportKind      `json:"transport,omitempty"`
	RemotePeer         PeerID             `json:"remote_peer,omitempty"`
	Participants       []PeerID           `json:"participants,omitempty"`
	DurationSeconds    int                `json:"duration_seconds"`
	Tier               Tier               `json:"tier"`
	RemoteTier         Tier               `json:"remote_tier"`
	LinkState          LinkState          `json:"link_state,omitempty"`
	Roster             []RelayParticipant `json:"roster,omitempty"`
	AudioEnabled       bool               `json:"audio_enabled"`
	VideoEnabled       bool               `json:"video_enabled"`
	ReconnectStartedAt *time.Time         `json:"reconnect_started_at,omitempty"`
	Outcome            Outcome            `json:"outcome,omitempty"`
	LastError          string             `json:"last_error,omitempty"`
}

// SessionEvent is published to observers on every status change.
type SessionEvent struct {
	Previous CallStatus
	Snapshot SessionSnapshot
	Session  CallSession
	At       time.Time
}

// CallRecord is the persisted summary of an ended session.
type CallRecord struct {
	CallID          CallID        `json:"call_id"`
	LocalPeer       PeerID        `json:"local_peer"`
	RemotePeer      PeerID        `json:"remote_peer"`
	Participants    []PeerID      `json:"participants,omitempty"`
	ConversationID  string        `json:"conversation_id,omitempty"`
	Role            Role          `json:"role"`
	MediaKind       MediaKind     `json:"media_kind"`
	Transport       TransportKind `json:"transport"`
	Outcome         Outcome       `json:"outcome"`
	StartedAt       time.Time     `json:"started_at"`
	ConnectedAt     *time.Time    `json:"connected_at,omitempty"`
	EndedAt         time.Time     `json:"ended_at"`
	DurationSeconds int           `json:"duration_seconds"`
	Error           string        `json:"error,omitempty"`
}

func NewCallRecord(s *CallSession) *CallRecord {
	rec := &CallRecord{
		CallID:          s.ID,
		LocalPeer:       s.LocalPeer,
		RemotePeer:      s.RemotePeer,
		Participants:    append([]PeerID(nil), s.Participants...),
		ConversationID:  s.ConversationID,
		Role:            s.Role,
		MediaKind:       s.MediaKind,
		Transport:       s.Transport,
		Outcome:         s.Outcome,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		DurationSeconds: s.DurationSeconds,
		Error:           s.LastError,
	}
	if s.EverConnected() {
		connected := s.ConnectedAt
		rec.ConnectedAt = &connected
	}
	return rec
}
