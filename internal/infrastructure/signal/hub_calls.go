package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"callcore/internal/core/domain"
	"callcore/pkg/validation"

	"github.com/google/uuid"
	"github.com/pion/turn/v2"
	"github.com/samber/lo"
)

var (
	errNotParticipant = errors.New("not a participant of this call")
	errPeerOffline    = errors.New("peer is not connected")
	errGroupDirect    = errors.New("group calls do not negotiate direct media")
	errCalleeBusy     = errors.New("callee is in another call")
)

type hubCall struct {
	ID           domain.CallID
	Caller       domain.PeerID
	Participants []domain.PeerID
	MediaKind    domain.MediaKind
	Accepted     map[domain.PeerID]bool
	Group        bool
	Relay        *domain.RelayRoomOffer
	CreatedAt    time.Time
}

func (c *hubCall) others(p domain.PeerID) []domain.PeerID {
	return lo.Without(c.Participants, p)
}

// ackFirst is a handler result whose pushes to other peers run only after
// the sender's acknowledgement is queued.
type ackFirst struct {
	result any
	then   func()
}

func (h *Hub) handle(from domain.PeerID, env *Envelope) (any, error) {
	switch env.Type {
	case domain.EventInitiateCall:
		return h.initiate(from, env)
	case domain.EventAcceptCall:
		return nil, h.accept(from, env)
	case domain.EventRejectCall:
		return nil, h.leave(from, env, domain.EventCallRejected)
	case domain.EventHangup:
		return nil, h.leave(from, env, domain.EventCallEnded)
	case domain.EventRinging:
		return nil, h.ringing(from, env)
	case domain.EventOffer, domain.EventAnswer:
		return nil, h.description(from, env)
	case domain.EventICECandidate:
		return nil, h.candidate(from, env)
	case domain.EventICERestartRequest:
		return h.restartRequest(from, env)
	case domain.EventSwitchToRelayRequest:
		return h.switchToRelay(from, env)
	case domain.EventQualityChange:
		return nil, h.qualityChange(from, env)
	case "":
		return nil, fmt.Errorf("message type is required")
	default:
		return nil, fmt.Errorf("unknown message type: %s", env.Type)
	}
}

func decodePayload(env *Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s payload is required", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return nil
}

// callFor resolves a call the sender takes part in.
func (h *Hub) callFor(from domain.PeerID, id domain.CallID) (*hubCall, error) {
	if err := validation.ValidateCallID(string(id)); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	call, ok := h.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	if !lo.Contains(call.Participants, from) {
		return nil, errNotParticipant
	}
	return call, nil
}

// busyLocked reports whether peer takes part in any call. h.mu must be held.
func (h *Hub) busyLocked(peer domain.PeerID) bool {
	for _, call := range h.calls {
		if lo.Contains(call.Participants, peer) {
			return true
		}
	}
	return false
}

func (h *Hub) initiate(from domain.PeerID, env *Envelope) (any, error) {
	var p domain.InitiateCallPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	if err := validation.ValidatePeerID(string(p.CalleeID)); err != nil {
		return nil, err
	}
	if err := validation.ValidateMediaKind(p.MediaKind); err != nil {
		return nil, err
	}
	if p.CalleeID == from {
		return nil, fmt.Errorf("cannot call yourself")
	}
	if !h.IsPeerConnected(p.CalleeID) {
		return nil, fmt.Errorf("%w: %s", errPeerOffline, p.CalleeID)
	}

	participants := lo.Uniq(lo.Without(append([]domain.PeerID{from, p.CalleeID}, p.ExtraReceiverIDs...), ""))
	call := &hubCall{
		ID:           domain.CallID(uuid.NewString()),
		Caller:       from,
		Participants: participants,
		MediaKind:    p.MediaKind,
		Accepted:     map[domain.PeerID]bool{from: true},
		Group:        len(participants) > 2,
		CreatedAt:    time.Now(),
	}
	if call.Group {
		offer, err := h.relayOffer(call)
		if err != nil {
			return nil, err
		}
		call.Relay = offer
	}

	h.mu.Lock()
	if h.busyLocked(p.CalleeID) {
		h.mu.Unlock()
		return nil, errCalleeBusy
	}
	h.calls[call.ID] = call
	h.mu.Unlock()

	invite := func() {
		for _, to := range call.others(from) {
			delivered := h.push(to, from, domain.EventIncomingCall, domain.IncomingCallPayload{
				CallID:       call.ID,
				Caller:       domain.CallerInfo{ID: from},
				MediaKind:    call.MediaKind,
				IsGroup:      call.Group,
				Participants: call.Participants,
				RelayRoom:    call.Relay,
			})
			if !delivered {
				h.logger.Infow("invitee offline", "call_id", call.ID, "peer_id", to)
			}
		}
	}

	h.logger.Infow("call initiated",
		"call_id", call.ID,
		"peer_id", from,
		"callee_id", p.CalleeID,
		"participants", len(call.Participants),
		"media_kind", call.MediaKind,
	)
	return ackFirst{result: domain.InitiateCallAck{CallID: call.ID}, then: invite}, nil
}

func (h *Hub) accept(from domain.PeerID, env *Envelope) error {
	var p domain.CallRef
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	call, err := h.callFor(from, p.CallID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	already := call.Accepted[from]
	call.Accepted[from] = true
	h.mu.Unlock()
	if already {
		return nil
	}

	for _, to := range call.others(from) {
		h.push(to, from, domain.EventCallAccepted, domain.CallAcceptedPayload{
			CallID:    call.ID,
			By:        from,
			RelayRoom: call.Relay,
		})
	}
	h.logger.Infow("call accepted", "call_id", call.ID, "peer_id", from)
	return nil
}

// leave removes the sender from a call. A two-party call ends for both
// sides; a group call ends once fewer than two participants remain.
func (h *Hub) leave(from domain.PeerID, env *Envelope, notify domain.EventType) error {
	var p domain.CallRef
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	call, err := h.callFor(from, p.CallID)
	if err != nil {
		return err
	}

	recipients := h.removeParticipant(call, from)
	for _, to := range recipients {
		h.push(to, from, notify, domain.CallRef{CallID: call.ID})
	}
	h.logger.Infow("participant left call", "call_id", call.ID, "peer_id", from, "event", notify)
	return nil
}

// removeParticipant returns the peers to notify about the departure.
func (h *Hub) removeParticipant(call *hubCall, peer domain.PeerID) []domain.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !call.Group {
		delete(h.calls, call.ID)
		return call.others(peer)
	}

	call.Participants = lo.Without(call.Participants, peer)
	delete(call.Accepted, peer)
	if len(call.Participants) < 2 {
		delete(h.calls, call.ID)
		return call.Participants
	}
	// The rest of the group stays in the relay room.
	return nil
}

// dropCallsOf ends every call a disconnected peer took part in. A caller
// that vanishes before anyone answered is reported as caller-disconnected.
func (h *Hub) dropCallsOf(peer domain.PeerID) {
	h.mu.RLock()
	var affected []*hubCall
	for _, call := range h.calls {
		if lo.Contains(call.Participants, peer) {
			affected = append(affected, call)
		}
	}
	h.mu.RUnlock()

	for _, call := range affected {
		event := domain.EventCallEnded
		h.mu.RLock()
		answered := len(call.Accepted) > 1
		h.mu.RUnlock()
		if call.Caller == peer && !answered {
			event = domain.EventCallerDisconnected
		}
		for _, to := range h.removeParticipant(call, peer) {
			h.push(to, peer, event, domain.CallRef{CallID: call.ID})
		}
	}
}

func (h *Hub) ringing(from domain.PeerID, env *Envelope) error {
	var p domain.CallRef
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	call, err := h.callFor(from, p.CallID)
	if err != nil {
		return err
	}
	if from != call.Caller {
		h.push(call.Caller, from, domain.EventRinging, p)
	}
	return nil
}

// peerOf returns the other side of a two-party call.
func (h *Hub) peerOf(call *hubCall, from domain.PeerID) (domain.PeerID, error) {
	if call.Group {
		return "", errGroupDirect
	}
	others := call.others(from)
	if len(others) != 1 {
		return "", errNotParticipant
	}
	return others[0], nil
}

func (h *Hub) forward(from domain.PeerID, call *hubCall, event domain.EventType, payload any) error {
	to, err := h.peerOf(call, from)
	if err != nil {
		return err
	}
	if !h.push(to, from, event, payload) {
		return fmt.Errorf("%w: %s", errPeerOffline, to)
	}
	return nil
}

func (h *Hub) description(from domain.PeerID, env *Envelope) error {
	var p domain.SessionDescriptionPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if err := validation.ValidateSDP(p.SDP); err != nil {
		return err
	}
	call, err := h.callFor(from, p.CallID)
	if err != nil {
		return err
	}

	h.logger.Infow("routing session description",
		"call_id", call.ID,
		"type", env.Type,
		"from_peer", from,
		"restart", p.Restart,
		"sdp_length", len(p.SDP),
	)
	return h.forward(from, call, env.Type, p)
}

func (h *Hub) candidate(from domain.PeerID, env *Envelope) error {
	var p domain.ICECandidatePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if err := validation.ValidateICECandidate(p.Candidate); err != nil {
		return err
	}
	call, err := h.callFor(from, p.CallID)
	if err != nil {
		return err
	}

	h.logger.Debugw("routing ICE candidate", "call_id", call.ID, "from_peer", from)
	return h.forward(from, call, domain.EventICECandidate, p)
}

// restartRequest answers with fresh TURN credentials. A request from the
// callee is also forwarded so the caller creates the restart offer.
func (h *Hub) restartRequest(from domain.PeerID, env *Envelope) (any, error) {
	var p domain.CallRef
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	call, err := h.callFor(from, p.CallID)
	if err != nil {
		return nil, err
	}
	if from != call.Caller {
		if err := h.forward(from, call, domain.EventICERestartRequest, p); err != nil {
			h.logger.Infow("restart request not forwarded", "call_id", call.ID, "error", err)
		}
	}

	servers, err := h.iceServers()
	if err != nil {
		return nil, err
	}
	return domain.ICERestartAck{ICEServers: servers}, nil
}

func (h *Hub) switchToRelay(from domain.PeerID, env *Envelope) (any, error) {
	var p domain.CallRef
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	call, err := h.callFor(from, p.CallID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	offer := call.Relay
	h.mu.Unlock()
	if offer == nil {
		if offer, err = h.relayOffer(call); err != nil {
			return nil, err
		}
		h.mu.Lock()
		if call.Relay == nil {
			call.Relay = offer
		} else {
			offer = call.Relay
		}
		h.mu.Unlock()
	}

	room := domain.RelayRoomPayload{CallID: call.ID, RelayRoomOffer: *offer}
	for _, to := range call.others(from) {
		h.push(to, from, domain.EventRelayRoom, room)
	}
	h.logger.Infow("relay room provisioned", "call_id", call.ID, "peer_id", from, "room_url", offer.RoomURL)
	return room, nil
}

func (h *Hub) qualityChange(from domain.PeerID, env *Envelope) error {
	var p domain.QualityChangePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	call, err := h.callFor(from, p.CallID)
	if err != nil {
		return err
	}
	for _, to := range call.others(from) {
		h.push(to, from, domain.EventQualityChange, p)
	}
	return nil
}

// relayOffer mints one room-bound token per participant.
func (h *Hub) relayOffer(call *hubCall) (*domain.RelayRoomOffer, error) {
	if h.cfg.RelayURL == "" {
		return nil, domain.ErrRelayUnavailable
	}
	roomURL := strings.TrimRight(h.cfg.RelayURL, "/") + "/rooms/" + string(call.ID)

	tokens := make(map[domain.PeerID]string, len(call.Participants))
	for _, peer := range call.Participants {
		token, err := h.auth.GenerateRelayToken(call.ID, peer, roomURL)
		if err != nil {
			return nil, fmt.Errorf("failed to mint relay token: %w", err)
		}
		tokens[peer] = token
	}
	return &domain.RelayRoomOffer{RoomURL: roomURL, TokensByParticipant: tokens}, nil
}

// iceServers returns time-limited TURN credentials for the configured
// servers, or nothing when TURN is not configured.
func (h *Hub) iceServers() ([]domain.ICEServer, error) {
	if len(h.cfg.TURNURLs) == 0 {
		return nil, nil
	}
	username, password, err := turn.GenerateLongTermCredentials(h.cfg.TURNSecret, h.cfg.CredentialTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to generate turn credentials: %w", err)
	}
	return []domain.ICEServer{{
		URLs:       h.cfg.TURNURLs,
		Username:   username,
		Credential: password,
	}}, nil
}
