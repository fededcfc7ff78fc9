package ports

import (
	"context"

	"callcore/internal/core/domain"
)

type StartCallRequest struct {
	CalleeID         domain.PeerID    `json:"callee_id" binding:"required"`
	MediaKind        domain.MediaKind `json:"media_kind" binding:"required"`
	ConversationID   string           `json:"conversation_id"`
	ExtraReceiverIDs []domain.PeerID  `json:"extra_receiver_ids"`
}

// CallController is the intent surface exposed to UI and control API
// consumers.
type CallController interface {
	StartCall(ctx context.Context, req StartCallRequest) (domain.CallID, error)
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	Hangup(ctx context.Context) error
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	Snapshot() domain.SessionSnapshot
}

// SessionObserver receives every session status change. ENDED is delivered
// exactly once per session.
type SessionObserver interface {
	OnSessionEvent(event domain.SessionEvent)
}

type SessionObserverFunc func(event domain.SessionEvent)

func (f SessionObserverFunc) OnSessionEvent(event domain.SessionEvent) {
	f(event)
}
