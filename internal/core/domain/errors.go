package domain

import "errors"

var (
	ErrSessionActive      = errors.New("a call session is already active")
	ErrNoSession          = errors.New("no active call session")
	ErrInvalidTransition  = errors.New("invalid call status transition")
	ErrCallMismatch       = errors.New("event does not belong to the active call")
	ErrSignalingOffline   = errors.New("signaling channel not connected")
	ErrNegotiationPending = errors.New("sdp negotiation already in progress")
	ErrNoTransport        = errors.New("no peer transport")
	ErrRelayUnavailable   = errors.New("relay fallback unavailable")
	ErrRelayTokenMissing  = errors.New("no relay token for local participant")
	ErrAlreadyLeft        = errors.New("relay room already left")
	ErrPermissionDenied   = errors.New("media permission denied")
	ErrDeviceNotFound     = errors.New("media device not found")
	ErrDeviceBusy         = errors.New("media device busy")
	ErrOverconstrained    = errors.New("media constraints cannot be satisfied")
	ErrCallNotFound       = errors.New("call not found")
	ErrPeerNotFound       = errors.New("peer not found")
)
