package domain

type EventType string

// Outbound
const (
	EventInitiateCall         EventType = "initiate-call"
	EventAcceptCall           EventType = "accept-call"
	EventRejectCall           EventType = "reject-call"
	EventHangup               EventType = "hangup"
	EventRinging              EventType = "ringing"
	EventSwitchToRelayRequest EventType = "switch-to-relay-request"
)

// Inbound
const (
	EventIncomingCall       EventType = "incoming-call"
	EventCallAccepted       EventType = "call-accepted"
	EventCallRejected       EventType = "call-rejected"
	EventCallEnded          EventType = "call-ended"
	EventCallBusy           EventType = "call-busy"
	EventRelayRoom          EventType = "relay-room"
	EventCallerDisconnected EventType = "caller-disconnected"
	EventQualityChange      EventType = "quality-change"
)

// Both directions
const (
	EventOffer             EventType = "offer"
	EventAnswer            EventType = "answer"
	EventICECandidate      EventType = "ice-candidate"
	EventICERestartRequest EventType = "ice-restart-request"
)

type InitiateCallPayload struct {
	CalleeID         PeerID    `json:"callee_id"`
	MediaKind        MediaKind `json:"media_kind"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	ExtraReceiverIDs []PeerID  `json:"extra_receiver_ids,omitempty"`
}

type InitiateCallAck struct {
	CallID CallID `json:"call_id"`
}

// CallRef is the payload of every event that only names a call.
type CallRef struct {
	CallID CallID `json:"call_id"`
}

type CallerInfo struct {
	ID          PeerID `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

type IncomingCallPayload struct {
	CallID       CallID          `json:"call_id"`
	Caller       CallerInfo      `json:"caller"`
	MediaKind    MediaKind       `json:"media_kind"`
	IsGroup      bool            `json:"is_group,omitempty"`
	Participants []PeerID        `json:"participants,omitempty"`
	RelayRoom    *RelayRoomOffer `json:"relay_room,omitempty"`
}

type CallAcceptedPayload struct {
	CallID    CallID          `json:"call_id"`
	By        PeerID          `json:"by,omitempty"`
	RelayRoom *RelayRoomOffer `json:"relay_room,omitempty"`
}

type SessionDescriptionPayload struct {
	CallID  CallID `json:"call_id"`
	SDP     string `json:"sdp"`
	Restart bool   `json:"restart,omitempty"`
}

type ICECandidatePayload struct {
	CallID    CallID       `json:"call_id"`
	Candidate ICECandidate `json:"candidate"`
}

type ICERestartAck struct {
	ICEServers []ICEServer `json:"ice_servers,omitempty"`
}

type RelayRoomPayload struct {
	CallID CallID `json:"call_id"`
	RelayRoomOffer
}

type QualityChangePayload struct {
	CallID CallID `json:"call_id"`
	Tier   Tier   `json:"tier"`
}
