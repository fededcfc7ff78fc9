package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	apperrors "callcore/pkg/errors"
	"callcore/pkg/eventloop"
	"callcore/pkg/logger"
	"callcore/pkg/timers"
	"callcore/pkg/tracing"
	"callcore/pkg/validation"

	"go.uber.org/zap"
)

var errExecutorClosed = apperrors.NewServiceUnavailableError("call orchestrator is shut down")

// maxEarlyReplies caps the replies held for a call whose id is not known yet.
const maxEarlyReplies = 8

type OrchestratorConfig struct {
	LocalPeer      domain.PeerID
	RingingTimeout time.Duration
	DurationTick   time.Duration
	// ConnectTimeout bounds how long an accepted call may take to connect
	// before the relay is tried.
	ConnectTimeout time.Duration
	RelayEnabled   bool
	RelayWait      time.Duration
}

type OrchestratorDeps struct {
	Signaling ports.SignalingChannel
	Media     *MediaService
	Links     *PeerLinkManager
	Relay     *RelayManager
	Monitor   *QualityMonitor
	Bitrate   *BitrateController
	Executor  eventloop.Executor
	Clock     timers.Clock
	Metrics   ports.CallMetrics
	Logger    *zap.SugaredLogger
}

// Orchestrator drives the call session state machine. Intents arrive from
// the CallController methods, remote events from the signaling channel and
// health events from the transport managers; all of them are serialized on
// the executor.
type Orchestrator struct {
	cfg       OrchestratorConfig
	exec      eventloop.Executor
	signaling ports.SignalingChannel
	sessions  *SessionContext
	media     *MediaService
	links     *PeerLinkManager
	relay     *RelayManager
	monitor   *QualityMonitor
	bitrate   *BitrateController
	timers    *timers.Registry
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger

	observers   []ports.SessionObserver
	unsubscribe []ports.Unsubscribe

	relayOffer    *domain.RelayRoomOffer
	awaitingRelay bool
	pendingOffer  *domain.SessionDescriptionPayload
	// earlyReplies holds call-accepted/rejected/busy events that overtook
	// the initiate-call acknowledgement, keyed by call id.
	earlyReplies  map[domain.CallID]func()
}

func NewOrchestrator(cfg OrchestratorConfig, deps OrchestratorDeps) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if cfg.RelayWait <= 0 {
		cfg.RelayWait = 15 * time.Second
	}
	o := &Orchestrator{
		cfg:       cfg,
		exec:      deps.Executor,
		signaling: deps.Signaling,
		sessions:  NewSessionContext(),
		media:     deps.Media,
		links:     deps.Links,
		relay:     deps.Relay,
		monitor:   deps.Monitor,
		bitrate:   deps.Bitrate,
		timers:    timers.NewRegistry(deps.Clock, func(fn func()) { deps.Executor.Post(fn) }),
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}

	o.links.SetEvents(LinkEvents{
		OnConnected:     o.onLinkConnected,
		OnReconnecting:  o.onLinkReconnecting,
		OnRecovered:     o.onLinkRecovered,
		OnUnrecoverable: o.onLinkUnrecoverable,
		OnError:         o.fail,
	})
	if o.relay != nil {
		o.relay.SetEvents(RelayEvents{
			OnJoined: o.onRelayJoined,
			OnTier:   o.monitor.Report,
			OnDisconnected: func(err error) {
				o.fail(apperrors.NewRelayError(err, "relay connection lost"))
			},
			OnError: o.fail,
		})
	}
	o.monitor.OnTierChange(o.bitrate.OnTierChange)
	o.monitor.OnTierChange(o.onLocalTier)
	return o
}

// Subscribe registers an observer. Observers run on the executor and must
// not block or call back into the orchestrator synchronously.
func (o *Orchestrator) Subscribe(observer ports.SessionObserver) {
	o.exec.Do(func() {
		o.observers = append(o.observers, observer)
	})
}

// Start registers the signaling handlers. Each handler hops onto the
// executor and resolves the live session there.
func (o *Orchestrator) Start() {
	handlers := map[domain.EventType]func(json.RawMessage){
		domain.EventIncomingCall:       o.onIncomingCall,
		domain.EventCallAccepted:       o.onCallAccepted,
		domain.EventCallRejected:       o.onCallRejected,
		domain.EventCallBusy:           o.onCallRejected,
		domain.EventCallEnded:          o.onCallEnded,
		domain.EventCallerDisconnected: o.onCallerDisconnected,
		domain.EventQualityChange:      o.onQualityChange,
		domain.EventRelayRoom:          o.onRelayRoom,
		domain.EventOffer:              o.onOffer,
		domain.EventAnswer:             o.onAnswer,
		domain.EventICECandidate:       o.onICECandidate,
		domain.EventICERestartRequest:  o.onICERestartRequest,
	}
	for event, handler := range handlers {
		event, handler := event, handler
		unsub := o.signaling.On(event, func(raw json.RawMessage) {
			o.metrics.IncSignalingMessage("inbound", event)
			o.exec.Post(func() { handler(raw) })
		})
		o.unsubscribe = append(o.unsubscribe, unsub)
	}
}

// Stop hangs up any live call and detaches from signaling.
func (o *Orchestrator) Stop() {
	for _, unsub := range o.unsubscribe {
		unsub()
	}
	o.unsubscribe = nil
	o.exec.Do(func() {
		if s := o.sessions.Current(); s != nil {
			o.hangup(s)
		}
	})
}

func (o *Orchestrator) StartCall(ctx context.Context, req ports.StartCallRequest) (domain.CallID, error) {
	if err := validation.ValidatePeerID(string(req.CalleeID)); err != nil {
		return "", apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateMediaKind(req.MediaKind); err != nil {
		return "", apperrors.NewInvalidInputError(err.Error())
	}

	var (
		s   *domain.CallSession
		gen uint64
		err error
	)
	if !o.exec.Do(func() {
		if o.sessions.Current() != nil {
			err = apperrors.NewSessionActiveError()
			return
		}
		s = domain.NewCallSession(domain.RoleCaller, req.MediaKind, o.cfg.LocalPeer, req.CalleeID, o.now())
		s.ConversationID = req.ConversationID
		s.AddParticipants(req.ExtraReceiverIDs...)
		gen, _ = o.sessions.Create(s)

		o.timers.Schedule("ringing", o.cfg.RingingTimeout, func() {
			if o.sessions.Alive(gen) && s.Status == domain.StatusDialing && !s.Accepted {
				o.logger.Infow("call not answered", "call_id", s.ID, "peer_id", s.RemotePeer)
				o.end(domain.OutcomeNoAnswer, domain.EventHangup)
			}
		})
		o.transition(s, domain.StatusDialing)
	}) {
		return "", errExecutorClosed
	}
	if err != nil {
		return "", err
	}

	ctx = logger.WithPeerID(ctx, req.CalleeID)
	ctx, span := tracing.TraceSignaling(ctx, "outbound", string(domain.EventInitiateCall), "")
	defer span.End()

	raw, sendErr := o.signaling.Send(ctx, domain.EventInitiateCall, domain.InitiateCallPayload{
		CalleeID:         req.CalleeID,
		MediaKind:        req.MediaKind,
		ConversationID:   req.ConversationID,
		ExtraReceiverIDs: req.ExtraReceiverIDs,
	})
	o.metrics.IncSignalingMessage("outbound", domain.EventInitiateCall)

	var ack domain.InitiateCallAck
	if sendErr == nil {
		if jsonErr := json.Unmarshal(raw, &ack); jsonErr != nil || ack.CallID == "" {
			sendErr = apperrors.NewSignalingError(jsonErr, "initiate-call acknowledgement carried no call id")
		}
	}
	if sendErr != nil {
		tracing.RecordError(ctx, sendErr)
	}

	var callID domain.CallID
	if !o.exec.Do(func() {
		if !o.sessions.Alive(gen) {
			// Hung up while the acknowledgement was pending; the callee is
			// already ringing and must be told.
			if sendErr == nil {
				o.emit(domain.EventHangup, domain.CallRef{CallID: ack.CallID})
			}
			err = apperrors.NewInvalidStateError("call ended before it was placed")
			return
		}
		if sendErr != nil {
			err = signalingError(sendErr, "could not place call")
			o.fail(err)
			return
		}
		s.ID = ack.CallID
		callID = s.ID
		o.logger.Infow("call placed",
			"call_id", s.ID,
			"peer_id", s.RemotePeer,
			"media_kind", s.MediaKind,
			"group", s.IsGroup(),
		)
		replay := o.earlyReplies[s.ID]
		o.earlyReplies = nil
		if replay != nil {
			replay()
		}
	}) {
		return "", errExecutorClosed
	}
	return callID, err
}

func (o *Orchestrator) Accept(ctx context.Context) error {
	return o.intent(func(s *domain.CallSession) error {
		if s.Role != domain.RoleCallee || s.Status != domain.StatusRinging {
			return apperrors.NewInvalidStateError("no incoming call to accept")
		}
		if s.Accepted {
			return nil
		}
		s.Accepted = true
		o.timers.Cancel("ringing")
		o.emit(domain.EventAcceptCall, domain.CallRef{CallID: s.ID})
		o.logger.Infow("call accepted", "call_id", s.ID)

		if s.IsGroup() {
			o.startRelay(s)
			return nil
		}

		gen := o.sessions.Generation()
		o.timers.Schedule("connect", o.cfg.ConnectTimeout, func() {
			if o.sessions.Alive(gen) && !s.EverConnected() && s.Transport == domain.TransportDirect && !o.links.Active() {
				o.logger.Warnw("no offer received after accepting", "call_id", s.ID)
				o.fallbackToRelay(s)
			}
		})
		if offer := o.pendingOffer; offer != nil {
			o.pendingOffer = nil
			o.links.HandleOffer(s.ID, s.MediaKind, offer.SDP, offer.Restart)
		}
		return nil
	})
}

func (o *Orchestrator) Reject(ctx context.Context) error {
	return o.intent(func(s *domain.CallSession) error {
		if s.Role != domain.RoleCallee || s.Status != domain.StatusRinging || s.Accepted {
			return apperrors.NewInvalidStateError("no incoming call to reject")
		}
		o.end(domain.OutcomeRejected, domain.EventRejectCall)
		return nil
	})
}

func (o *Orchestrator) Hangup(ctx context.Context) error {
	return o.intent(func(s *domain.CallSession) error {
		o.hangup(s)
		return nil
	})
}

func (o *Orchestrator) hangup(s *domain.CallSession) {
	switch {
	case s.EverConnected():
		o.end(domain.OutcomeCompleted, domain.EventHangup)
	case s.Role == domain.RoleCallee && s.Status == domain.StatusRinging && !s.Accepted:
		o.end(domain.OutcomeRejected, domain.EventRejectCall)
	default:
		o.end(domain.OutcomeCancelled, domain.EventHangup)
	}
}

func (o *Orchestrator) SetAudioEnabled(enabled bool) error {
	return o.intent(func(s *domain.CallSession) error {
		o.media.SetEnabled(domain.MediaAudio, enabled)
		return nil
	})
}

func (o *Orchestrator) SetVideoEnabled(enabled bool) error {
	return o.intent(func(s *domain.CallSession) error {
		if s.MediaKind != domain.MediaVideo {
			return apperrors.NewInvalidStateError("call has no video")
		}
		o.media.SetEnabled(domain.MediaVideo, enabled)
		if enabled {
			o.bitrate.Reapply()
		}
		return nil
	})
}

// Snapshot returns the current session view. It must not be called from an
// observer.
func (o *Orchestrator) Snapshot() domain.SessionSnapshot {
	snap := domain.SessionSnapshot{Status: domain.StatusIdle}
	o.exec.Do(func() {
		snap = o.snapshot(o.sessions.Current())
	})
	return snap
}

func (o *Orchestrator) intent(fn func(s *domain.CallSession) error) error {
	var err error
	if !o.exec.Do(func() {
		s := o.sessions.Current()
		if s == nil {
			err = apperrors.NewNoSessionError()
			return
		}
		err = fn(s)
	}) {
		return errExecutorClosed
	}
	return err
}

// live returns the session an inbound event refers to. Events for other
// calls are dropped.
func (o *Orchestrator) live(callID domain.CallID) *domain.CallSession {
	s := o.sessions.Current()
	if s == nil || s.ID == "" || s.ID != callID || s.Status == domain.StatusEnded {
		return nil
	}
	return s
}

// holdEarly parks a reply to the outgoing call while its id is still
// unknown. It reports whether the reply was taken.
func (o *Orchestrator) holdEarly(callID domain.CallID, replay func()) bool {
	s := o.sessions.Current()
	if callID == "" || s == nil || s.Role != domain.RoleCaller || s.ID != "" || s.Status != domain.StatusDialing {
		return false
	}
	if o.earlyReplies == nil {
		o.earlyReplies = make(map[domain.CallID]func())
	}
	if _, held := o.earlyReplies[callID]; !held && len(o.earlyReplies) < maxEarlyReplies {
		o.earlyReplies[callID] = replay
		o.logger.Debugw("reply arrived before initiate-call ack", "call_id", callID)
	}
	return true
}

func (o *Orchestrator) onIncomingCall(raw json.RawMessage) {
	var p domain.IncomingCallPayload
	if !o.decode(domain.EventIncomingCall, raw, &p) {
		return
	}
	if p.CallID == "" || p.Caller.ID == "" || !p.MediaKind.Valid() {
		o.logger.Warnw("malformed incoming call dropped", "call_id", p.CallID)
		return
	}
	if current := o.sessions.Current(); current != nil {
		o.logger.Infow("busy, incoming call dropped",
			"call_id", p.CallID,
			"peer_id", p.Caller.ID,
			"active_call_id", current.ID,
		)
		return
	}

	s := domain.NewCallSession(domain.RoleCallee, p.MediaKind, o.cfg.LocalPeer, p.Caller.ID, o.now())
	s.ID = p.CallID
	s.Group = p.IsGroup
	s.AddParticipants(p.Participants...)
	gen, err := o.sessions.Create(s)
	if err != nil {
		return
	}
	o.relayOffer = p.RelayRoom

	o.timers.Schedule("ringing", o.cfg.RingingTimeout, func() {
		if o.sessions.Alive(gen) && s.Status == domain.StatusRinging && !s.Accepted {
			o.logger.Infow("incoming call not answered", "call_id", s.ID)
			o.end(domain.OutcomeNoAnswer, domain.EventRejectCall)
		}
	})

	o.emit(domain.EventRinging, domain.CallRef{CallID: s.ID})
	o.logger.Infow("incoming call",
		"call_id", s.ID,
		"peer_id", s.RemotePeer,
		"media_kind", s.MediaKind,
		"group", s.IsGroup(),
	)
	o.transition(s, domain.StatusRinging)
}

func (o *Orchestrator) onCallAccepted(raw json.RawMessage) {
	var p domain.CallAcceptedPayload
	if !o.decode(domain.EventCallAccepted, raw, &p) {
		return
	}
	if o.holdEarly(p.CallID, func() { o.onCallAccepted(raw) }) {
		return
	}
	s := o.live(p.CallID)
	if s == nil || s.Role != domain.RoleCaller || s.Accepted {
		return
	}
	s.Accepted = true
	o.timers.Cancel("ringing")
	if p.RelayRoom != nil {
		o.relayOffer = p.RelayRoom
	}
	if p.By != "" {
		s.AddParticipants(p.By)
	}
	o.logger.Infow("call accepted by remote", "call_id", s.ID, "peer_id", p.By)

	if s.IsGroup() {
		o.startRelay(s)
		return
	}
	o.links.StartCaller(s.ID, s.MediaKind)
}

func (o *Orchestrator) onCallRejected(raw json.RawMessage) {
	var p domain.CallRef
	if !o.decode(domain.EventCallRejected, raw, &p) {
		return
	}
	if o.holdEarly(p.CallID, func() { o.onCallRejected(raw) }) {
		return
	}
	if s := o.live(p.CallID); s != nil {
		o.end(domain.OutcomeRejected, "")
	}
}

func (o *Orchestrator) onCallEnded(raw json.RawMessage) {
	var p domain.CallRef
	if !o.decode(domain.EventCallEnded, raw, &p) {
		return
	}
	s := o.live(p.CallID)
	if s == nil {
		return
	}
	switch {
	case s.EverConnected():
		o.end(domain.OutcomeCompleted, "")
	case s.Role == domain.RoleCallee:
		o.end(domain.OutcomeMissed, "")
	default:
		o.end(domain.OutcomeRejected, "")
	}
}

func (o *Orchestrator) onCallerDisconnected(raw json.RawMessage) {
	var p domain.CallRef
	if !o.decode(domain.EventCallerDisconnected, raw, &p) {
		return
	}
	s := o.live(p.CallID)
	if s == nil || s.Role != domain.RoleCallee || s.Status != domain.StatusRinging {
		return
	}
	o.end(domain.OutcomeMissed, "")
}

func (o *Orchestrator) onQualityChange(raw json.RawMessage) {
	var p domain.QualityChangePayload
	if !o.decode(domain.EventQualityChange, raw, &p) {
		return
	}
	if s := o.live(p.CallID); s != nil {
		s.RemoteTier = p.Tier
	}
}

func (o *Orchestrator) onRelayRoom(raw json.RawMessage) {
	var p domain.RelayRoomPayload
	if !o.decode(domain.EventRelayRoom, raw, &p) {
		return
	}
	s := o.live(p.CallID)
	if s == nil {
		return
	}
	offer := p.RelayRoomOffer
	o.relayOffer = &offer
	if o.awaitingRelay {
		o.awaitingRelay = false
		o.timers.Cancel("relay-wait")
		o.joinRelay(s, offer)
	}
}

func (o *Orchestrator) onOffer(raw json.RawMessage) {
	var p domain.SessionDescriptionPayload
	if !o.decode(domain.EventOffer, raw, &p) {
		return
	}
	s := o.live(p.CallID)
	if s == nil || s.Role != domain.RoleCallee || s.Transport != domain.TransportDirect {
		return
	}
	if !s.Accepted {
		o.pendingOffer = &p
		return
	}
	o.links.HandleOffer(s.ID, s.MediaKind, p.SDP, p.Restart)
}

func (o *Orchestrator) onAnswer(raw json.RawMessage) {
	var p domain.SessionDescriptionPayload
	if !o.decode(domain.EventAnswer, raw, &p) {
		return
	}
	s := o.live(p.CallID)
	if s == nil || s.Transport != domain.TransportDirect {
		return
	}
	o.links.HandleAnswer(s.ID, p.SDP)
}

func (o *Orchestrator) onICECandidate(raw json.RawMessage) {
	var p domain.ICECandidatePayload
	if !o.decode(domain.EventICECandidate, raw, &p) {
		return
	}
	s := o.live(p.CallID)
	if s == nil || s.Transport != domain.TransportDirect {
		return
	}
	o.links.HandleRemoteCandidate(s.ID, p.Candidate)
}

func (o *Orchestrator) onICERestartRequest(raw json.RawMessage) {
	var p domain.CallRef
	if !o.decode(domain.EventICERestartRequest, raw, &p) {
		return
	}
	s := o.live(p.CallID)
	if s == nil || s.Transport != domain.TransportDirect {
		return
	}
	o.links.HandleRestartRequest(s.ID)
}

func (o *Orchestrator) onLinkConnected() {
	s := o.sessions.Current()
	if s == nil || s.Status == domain.StatusEnded {
		return
	}
	o.timers.Cancel("ringing")
	o.timers.Cancel("connect")
	o.connected(s)

	o.monitor.Start(o.links.Transport())
	video, audio := o.links.Senders()
	o.bitrate.Attach(video, audio, func() bool { return o.media.Enabled(domain.MediaVideo) })
}

// connected moves a dialing or ringing session to ACTIVE and starts the
// duration counter.
func (o *Orchestrator) connected(s *domain.CallSession) {
	if s.Status == domain.StatusDialing || s.Status == domain.StatusRinging || s.Status == domain.StatusReconnecting {
		s.ReconnectStartedAt = time.Time{}
		o.transition(s, domain.StatusActive)
	}
	if s.EverConnected() {
		return
	}
	s.ConnectedAt = o.now()
	o.timers.Every("duration", o.cfg.DurationTick, func() {
		s.DurationSeconds = int(o.now().Sub(s.ConnectedAt) / time.Second)
	})
	o.logger.Infow("call connected", "call_id", s.ID, "transport", s.Transport)
}

func (o *Orchestrator) onLinkReconnecting() {
	s := o.sessions.Current()
	if s == nil || s.Status != domain.StatusActive {
		return
	}
	s.ReconnectStartedAt = o.now()
	o.transition(s, domain.StatusReconnecting)
	o.logger.Warnw("call reconnecting", "call_id", s.ID)
}

func (o *Orchestrator) onLinkRecovered() {
	s := o.sessions.Current()
	if s == nil || s.Status != domain.StatusReconnecting {
		return
	}
	o.logger.Infow("call recovered",
		"call_id", s.ID,
		"after", o.now().Sub(s.ReconnectStartedAt),
	)
	s.ReconnectStartedAt = time.Time{}
	o.transition(s, domain.StatusActive)
}

func (o *Orchestrator) onLinkUnrecoverable() {
	if s := o.sessions.Current(); s != nil && s.Status != domain.StatusEnded {
		o.fallbackToRelay(s)
	}
}

// fallbackToRelay abandons the direct transport for good and moves the call
// onto the relay.
func (o *Orchestrator) fallbackToRelay(s *domain.CallSession) {
	if s.Transport == domain.TransportRelayed {
		return
	}
	if o.relay == nil || !o.cfg.RelayEnabled {
		o.fail(apperrors.NewTransportError(domain.ErrRelayUnavailable, "connection lost and could not be restored"))
		return
	}

	o.logger.Warnw("falling back to relay", "call_id", s.ID, "status", s.Status)
	o.metrics.IncRelayFallbacks()
	o.timers.Cancel("connect")
	o.startRelay(s)
}

// startRelay tears down direct media and joins the relay room, asking the
// server for one if none was offered yet.
func (o *Orchestrator) startRelay(s *domain.CallSession) {
	if o.relay == nil || !o.cfg.RelayEnabled {
		o.fail(apperrors.NewRelayError(domain.ErrRelayUnavailable, "group calls need the relay"))
		return
	}
	o.links.Cleanup()
	o.monitor.Stop()
	o.bitrate.Detach()
	s.PromoteToRelay()

	if o.relayOffer != nil {
		o.joinRelay(s, *o.relayOffer)
		return
	}

	o.awaitingRelay = true
	gen := o.sessions.Generation()
	callID := s.ID
	o.timers.Schedule("relay-wait", o.cfg.RelayWait, func() {
		if o.sessions.Alive(gen) && o.awaitingRelay {
			o.fail(apperrors.NewRelayError(domain.ErrRelayUnavailable, "no relay room was provided"))
		}
	})

	o.exec.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RelayWait)
		defer cancel()
		ctx, span := tracing.TraceSignaling(ctx, "outbound", string(domain.EventSwitchToRelayRequest), string(callID))
		defer span.End()

		raw, err := o.signaling.Send(ctx, domain.EventSwitchToRelayRequest, domain.CallRef{CallID: callID})
		o.metrics.IncSignalingMessage("outbound", domain.EventSwitchToRelayRequest)

		o.exec.Post(func() {
			if !o.sessions.Alive(gen) || !o.awaitingRelay {
				return
			}
			if err != nil {
				o.fail(signalingError(err, "relay request failed"))
				return
			}
			var room domain.RelayRoomPayload
			if json.Unmarshal(raw, &room) == nil && room.RoomURL != "" {
				o.awaitingRelay = false
				o.timers.Cancel("relay-wait")
				offer := room.RelayRoomOffer
				o.relayOffer = &offer
				o.joinRelay(s, offer)
			}
		})
	})
}

func (o *Orchestrator) joinRelay(s *domain.CallSession, offer domain.RelayRoomOffer) {
	if o.relay == nil {
		o.fail(apperrors.NewRelayError(domain.ErrRelayUnavailable, "relay is disabled"))
		return
	}
	if err := o.relay.JoinOffer(s.ID, s.MediaKind, offer, s.LocalPeer, s.OtherParticipants()); err != nil {
		o.fail(err)
	}
}

func (o *Orchestrator) onRelayJoined() {
	s := o.sessions.Current()
	if s == nil || s.Status == domain.StatusEnded {
		return
	}
	o.timers.Cancel("ringing")
	o.connected(s)
}

func (o *Orchestrator) onLocalTier(tier domain.Tier) {
	s := o.sessions.Current()
	if s == nil || s.ID == "" || s.Status == domain.StatusEnded {
		return
	}
	o.emit(domain.EventQualityChange, domain.QualityChangePayload{CallID: s.ID, Tier: tier})
}

// fail records err on the session and ends it with the failed outcome.
func (o *Orchestrator) fail(err error) {
	s := o.sessions.Current()
	if s == nil || s.Status == domain.StatusEnded {
		return
	}
	s.LastError = userMessage(err)
	o.logger.Errorw("call failed", "call_id", s.ID, "status", s.Status, "error", err)

	notify := domain.EventHangup
	if s.Role == domain.RoleCallee && s.Status == domain.StatusRinging && !s.Accepted {
		notify = domain.EventRejectCall
	}
	o.end(domain.OutcomeFailed, notify)
}

// end is the single teardown path. Remote notification is best effort; all
// resources are released before ENDED is published, then the session is
// dropped so a new one may start.
func (o *Orchestrator) end(outcome domain.Outcome, notify domain.EventType) {
	s := o.sessions.Current()
	if s == nil || s.Status == domain.StatusEnded {
		return
	}

	if notify != "" && s.ID != "" {
		o.emit(notify, domain.CallRef{CallID: s.ID})
	}

	o.timers.CancelAll()
	o.links.Cleanup()
	if o.relay != nil {
		o.relay.Leave()
	}
	o.monitor.Stop()
	o.bitrate.Detach()
	o.relayOffer = nil
	o.awaitingRelay = false
	o.pendingOffer = nil
	o.earlyReplies = nil

	now := o.now()
	s.EndedAt = now
	s.Outcome = outcome
	var duration time.Duration
	if s.EverConnected() {
		duration = now.Sub(s.ConnectedAt)
		s.DurationSeconds = int(duration / time.Second)
	}
	o.transition(s, domain.StatusEnded)
	o.metrics.RecordCallEnded(outcome, duration)
	o.logger.Infow("call ended",
		"call_id", s.ID,
		"outcome", outcome,
		"duration_seconds", s.DurationSeconds,
		"transport", s.Transport,
	)

	o.sessions.Destroy()
	o.media.Reset()
	o.monitor.Reset()
	o.metrics.SetSessionStatus(domain.StatusIdle)
}

func (o *Orchestrator) transition(s *domain.CallSession, to domain.CallStatus) {
	prev := s.Status
	if err := s.Transition(to); err != nil {
		o.logger.Warnw("rejected status change", "call_id", s.ID, "error", err)
		return
	}
	o.metrics.SetSessionStatus(to)

	event := domain.SessionEvent{
		Previous: prev,
		Snapshot: o.snapshot(s),
		Session:  *s,
		At:       o.now(),
	}
	event.Session.Participants = append([]domain.PeerID(nil), s.Participants...)
	for _, observer := range o.observers {
		observer.OnSessionEvent(event)
	}
}

func (o *Orchestrator) snapshot(s *domain.CallSession) domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		Status:       domain.StatusIdle,
		Tier:         o.monitor.Tier(),
		RemoteTier:   domain.TierGood,
		LinkState:    o.links.State(),
		AudioEnabled: o.media.Enabled(domain.MediaAudio),
		VideoEnabled: o.media.Enabled(domain.MediaVideo),
	}
	if s == nil {
		return snap
	}

	snap.CallID = s.ID
	snap.Status = s.Status
	snap.Role = s.Role
	snap.MediaKind = s.MediaKind
	snap.Transport = s.Transport
	snap.RemotePeer = s.RemotePeer
	snap.Participants = append([]domain.PeerID(nil), s.Participants...)
	snap.DurationSeconds = s.DurationSeconds
	snap.RemoteTier = s.RemoteTier
	snap.Outcome = s.Outcome
	snap.LastError = s.LastError
	if s.Reconnecting() {
		started := s.ReconnectStartedAt
		snap.ReconnectStartedAt = &started
	}
	if o.relay != nil {
		snap.Roster = o.relay.Roster()
	}
	if s.MediaKind != domain.MediaVideo {
		snap.VideoEnabled = false
	}
	return snap
}

// emit sends a fire-and-forget event. Failures are logged; delivery is at
// most once.
func (o *Orchestrator) emit(event domain.EventType, payload any) {
	o.metrics.IncSignalingMessage("outbound", event)
	if err := o.signaling.Emit(context.Background(), event, payload); err != nil {
		o.logger.Warnw("failed to send signaling event", "event", event, "error", err)
	}
}

func (o *Orchestrator) decode(event domain.EventType, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		o.logger.Warnw("malformed signaling payload", "event", event, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) now() time.Time {
	return o.timers.Clock().Now()
}

func signalingError(err error, message string) error {
	if apperrors.IsAppError(err) {
		return err
	}
	return apperrors.NewSignalingError(err, message)
}

func userMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
