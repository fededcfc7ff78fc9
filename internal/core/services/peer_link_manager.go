package services

import (
	"context"
	"encoding/json"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	apperrors "callcore/pkg/errors"
	"callcore/pkg/eventloop"
	"callcore/pkg/timers"
	"callcore/pkg/tracing"

	"go.uber.org/zap"
)

const maxBufferedCandidates = 128

type PeerLinkConfig struct {
	GracePeriod time.Duration
	RetryOffset time.Duration
	Ceiling     time.Duration
}

// LinkEvents are invoked on the executor.
type LinkEvents struct {
	// OnConnected fires the first time media connectivity is established.
	OnConnected func()
	// OnReconnecting fires when the grace period expires, or immediately on
	// a failed transport, before the first ICE restart.
	OnReconnecting func()
	OnRecovered    func()
	// OnUnrecoverable fires once direct connectivity is given up.
	OnUnrecoverable func()
	OnError         func(err error)
}

type peerLink struct {
	callID domain.CallID
	role   domain.Role
	kind   domain.MediaKind

	ctx    context.Context
	cancel context.CancelFunc

	transport ports.PeerTransport
	stream    ports.MediaStream
	senders   map[domain.MediaKind]ports.MediaSender

	state         domain.LinkState
	connectivity  domain.ConnectivityState
	negotiating   bool
	remoteApplied bool
	localSent     bool
	everConnected bool

	pendingRemote   []domain.ICECandidate
	pendingLocal    []domain.ICECandidate
	restartAttempts int
	disconnectedAt  time.Time
}

type bufferedCandidate struct {
	callID    domain.CallID
	candidate domain.ICECandidate
}

// PeerLinkManager owns the direct peer transport of the live session: offer
// and answer exchange, trickle ICE and the reconnection state machine. All
// methods must be called on the executor.
type PeerLinkManager struct {
	factory   ports.TransportFactory
	media     *MediaService
	signaling ports.SignalingChannel
	exec      eventloop.Executor
	timers    *timers.Registry
	cfg       PeerLinkConfig
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger

	events LinkEvents
	link   *peerLink
	early  []bufferedCandidate
}

func NewPeerLinkManager(
	factory ports.TransportFactory,
	media *MediaService,
	signaling ports.SignalingChannel,
	exec eventloop.Executor,
	clock timers.Clock,
	cfg PeerLinkConfig,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *PeerLinkManager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &PeerLinkManager{
		factory:   factory,
		media:     media,
		signaling: signaling,
		exec:      exec,
		timers:    timers.NewRegistry(clock, func(fn func()) { exec.Post(fn) }),
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

func (m *PeerLinkManager) SetEvents(events LinkEvents) {
	m.events = events
}

// State returns the link state, IDLE when there is no link.
func (m *PeerLinkManager) State() domain.LinkState {
	if m.link == nil {
		return domain.LinkIdle
	}
	return m.link.state
}

func (m *PeerLinkManager) Active() bool {
	return m.link != nil
}

// Transport returns the live transport, or nil while it is being created.
func (m *PeerLinkManager) Transport() ports.PeerTransport {
	if m.link == nil {
		return nil
	}
	return m.link.transport
}

// Senders returns the outgoing video and audio senders. Either may be nil.
func (m *PeerLinkManager) Senders() (video, audio ports.MediaSender) {
	if m.link == nil {
		return nil, nil
	}
	return m.link.senders[domain.MediaVideo], m.link.senders[domain.MediaAudio]
}

func (m *PeerLinkManager) RestartAttempts() int {
	if m.link == nil {
		return 0
	}
	return m.link.restartAttempts
}

// StartCaller creates the link for an accepted outgoing call and sends the
// initial offer. A previous link is torn down first.
func (m *PeerLinkManager) StartCaller(callID domain.CallID, kind domain.MediaKind) {
	link := m.newLink(callID, domain.RoleCaller, kind)

	m.exec.Go(func() {
		ctx, span := tracing.TraceNegotiation(link.ctx, "offer", string(callID), false)
		defer span.End()

		prepared, err := m.prepare(ctx, link)
		var offer string
		if err == nil {
			offer, err = prepared.transport.CreateOffer(ctx, false)
			if err != nil {
				err = apperrors.NewNegotiationError(err, "create offer")
			}
		}
		if err != nil {
			tracing.RecordError(ctx, err)
		}

		m.exec.Post(func() {
			if m.link != link {
				release(prepared.stream, prepared.transport)
				return
			}
			m.attach(link, prepared)
			if err != nil {
				m.fail(link, err)
				return
			}
			m.sendDescription(link, domain.EventOffer, offer, false)
		})
	})
}

// HandleOffer answers an offer. On the callee the first offer creates the
// link; a restart offer renegotiates the existing one. Duplicate offers are
// ignored.
func (m *PeerLinkManager) HandleOffer(callID domain.CallID, kind domain.MediaKind, sdp string, restart bool) {
	link := m.link
	if link != nil && link.callID != callID {
		return
	}

	if link == nil {
		link = m.newLink(callID, domain.RoleCallee, kind)
		m.exec.Go(func() {
			ctx, span := tracing.TraceNegotiation(link.ctx, "answer", string(callID), false)
			defer span.End()

			prepared, err := m.prepare(ctx, link)
			var answer string
			if err == nil {
				answer, err = m.answer(ctx, prepared.transport, sdp)
			}
			if err != nil {
				tracing.RecordError(ctx, err)
			}

			m.exec.Post(func() {
				if m.link != link {
					release(prepared.stream, prepared.transport)
					return
				}
				m.attach(link, prepared)
				if err != nil {
					m.fail(link, err)
					return
				}
				m.remoteDescriptionApplied(link)
				m.sendDescription(link, domain.EventAnswer, answer, false)
			})
		})
		return
	}

	if link.role != domain.RoleCallee || link.transport == nil {
		return
	}
	if !restart && (link.negotiating || link.remoteApplied) {
		m.logger.Debugw("duplicate offer ignored", "call_id", callID)
		return
	}

	link.negotiating = true
	transport := link.transport
	m.exec.Go(func() {
		ctx, span := tracing.TraceNegotiation(link.ctx, "answer", string(callID), restart)
		defer span.End()

		answer, err := m.answer(ctx, transport, sdp)
		m.exec.Post(func() {
			if m.link != link {
				return
			}
			if err != nil {
				// A failed restart answer is retried by the caller's next
				// restart offer or ends at the ceiling.
				link.negotiating = false
				m.logger.Warnw("restart answer failed", "call_id", callID, "error", err)
				return
			}
			m.remoteDescriptionApplied(link)
			m.sendDescription(link, domain.EventAnswer, answer, restart)
		})
	})
}

// HandleAnswer applies the callee's answer to the caller's pending offer.
func (m *PeerLinkManager) HandleAnswer(callID domain.CallID, sdp string) {
	link := m.link
	if link == nil || link.callID != callID || link.role != domain.RoleCaller || link.transport == nil {
		return
	}
	if !link.negotiating {
		m.logger.Debugw("unexpected answer ignored", "call_id", callID)
		return
	}

	transport := link.transport
	restart := link.everConnected
	m.exec.Go(func() {
		ctx, span := tracing.TraceNegotiation(link.ctx, "apply-answer", string(callID), restart)
		defer span.End()

		err := transport.SetRemoteDescription(ctx, domain.SDPAnswer, sdp)
		m.exec.Post(func() {
			if m.link != link {
				return
			}
			if err != nil {
				if restart {
					link.negotiating = false
					m.logger.Warnw("restart answer rejected", "call_id", callID, "error", err)
					return
				}
				m.fail(link, apperrors.NewNegotiationError(err, "apply answer"))
				return
			}
			m.remoteDescriptionApplied(link)
		})
	})
}

// HandleRemoteCandidate applies a trickled candidate, queueing it until the
// remote description is in place. Apply failures are swallowed.
func (m *PeerLinkManager) HandleRemoteCandidate(callID domain.CallID, candidate domain.ICECandidate) {
	link := m.link
	if link == nil {
		if len(m.early) < maxBufferedCandidates {
			m.early = append(m.early, bufferedCandidate{callID: callID, candidate: candidate})
		}
		return
	}
	if link.callID != callID {
		return
	}
	if link.transport == nil || !link.remoteApplied {
		if len(link.pendingRemote) < maxBufferedCandidates {
			link.pendingRemote = append(link.pendingRemote, candidate)
		}
		return
	}
	m.applyCandidate(link, candidate)
}

// HandleRestartRequest makes the caller restart ICE on behalf of a callee
// whose side of the link degraded.
func (m *PeerLinkManager) HandleRestartRequest(callID domain.CallID) {
	link := m.link
	if link == nil || link.callID != callID || link.role != domain.RoleCaller || link.transport == nil {
		return
	}
	if link.state == domain.LinkRestarting || link.state == domain.LinkFailedOver {
		return
	}
	m.metrics.IncICERestarts()
	m.offerRestart(link, nil)
}

// Cleanup tears the link down. It is idempotent.
func (m *PeerLinkManager) Cleanup() {
	m.timers.CancelAll()
	m.early = nil

	link := m.link
	if link == nil {
		return
	}
	m.link = nil
	link.cancel()

	if link.transport != nil {
		link.transport.OnICECandidate(func(domain.ICECandidate) {})
		link.transport.OnConnectivityChange(func(domain.ConnectivityState) {})
	}
	release(link.stream, link.transport)
	m.logger.Debugw("peer link closed", "call_id", link.callID)
}

func (m *PeerLinkManager) newLink(callID domain.CallID, role domain.Role, kind domain.MediaKind) *peerLink {
	early := m.early
	m.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	link := &peerLink{
		callID:       callID,
		role:         role,
		kind:         kind,
		ctx:          ctx,
		cancel:       cancel,
		senders:      make(map[domain.MediaKind]ports.MediaSender),
		state:        domain.LinkNegotiating,
		connectivity: domain.ConnectivityNew,
		negotiating:  true,
	}
	m.link = link

	for _, c := range early {
		if c.callID == callID {
			link.pendingRemote = append(link.pendingRemote, c.candidate)
		}
	}

	m.timers.Schedule("connect", m.cfg.Ceiling, func() {
		if m.link != link || link.everConnected {
			return
		}
		m.logger.Warnw("direct connection not established in time", "call_id", callID)
		m.giveUp(link)
	})
	return link
}

type preparedLink struct {
	stream    ports.MediaStream
	transport ports.PeerTransport
	senders   map[domain.MediaKind]ports.MediaSender
}

// prepare acquires media, creates the transport and adds the local tracks.
// It runs off the executor; transport callbacks re-enter through Post.
func (m *PeerLinkManager) prepare(ctx context.Context, link *peerLink) (preparedLink, error) {
	stream, err := m.media.Acquire(ctx, link.kind)
	if err != nil {
		return preparedLink{}, err
	}

	transport, err := m.factory.NewTransport(ctx)
	if err != nil {
		stream.Stop()
		return preparedLink{}, apperrors.NewNegotiationError(err, "create transport")
	}

	transport.OnICECandidate(func(c domain.ICECandidate) {
		m.exec.Post(func() { m.onLocalCandidate(link, c) })
	})
	transport.OnConnectivityChange(func(s domain.ConnectivityState) {
		m.exec.Post(func() { m.onConnectivity(link, s) })
	})

	prepared := preparedLink{
		stream:    stream,
		transport: transport,
		senders:   make(map[domain.MediaKind]ports.MediaSender),
	}
	for _, track := range stream.Tracks() {
		sender, err := transport.AddTrack(track)
		if err != nil {
			release(stream, transport)
			return preparedLink{}, apperrors.NewNegotiationError(err, "add track")
		}
		prepared.senders[track.Kind()] = sender
	}
	return prepared, nil
}

func (m *PeerLinkManager) answer(ctx context.Context, transport ports.PeerTransport, offer string) (string, error) {
	if err := transport.SetRemoteDescription(ctx, domain.SDPOffer, offer); err != nil {
		return "", apperrors.NewNegotiationError(err, "apply offer")
	}
	answer, err := transport.CreateAnswer(ctx)
	if err != nil {
		return "", apperrors.NewNegotiationError(err, "create answer")
	}
	return answer, nil
}

func (m *PeerLinkManager) attach(link *peerLink, prepared preparedLink) {
	link.stream = prepared.stream
	link.transport = prepared.transport
	if prepared.senders != nil {
		link.senders = prepared.senders
	}
}

func (m *PeerLinkManager) sendDescription(link *peerLink, event domain.EventType, sdp string, restart bool) {
	payload := domain.SessionDescriptionPayload{CallID: link.callID, SDP: sdp, Restart: restart}
	if err := m.signaling.Emit(link.ctx, event, payload); err != nil {
		m.logger.Warnw("failed to send session description",
			"call_id", link.callID,
			"event", event,
			"error", err,
		)
	}

	link.localSent = true
	for _, c := range link.pendingLocal {
		m.emitCandidate(link, c)
	}
	link.pendingLocal = nil
}

func (m *PeerLinkManager) remoteDescriptionApplied(link *peerLink) {
	link.remoteApplied = true
	link.negotiating = false
	for _, c := range link.pendingRemote {
		m.applyCandidate(link, c)
	}
	link.pendingRemote = nil
}

func (m *PeerLinkManager) applyCandidate(link *peerLink, candidate domain.ICECandidate) {
	if err := link.transport.AddICECandidate(candidate); err != nil {
		m.logger.Debugw("remote candidate rejected", "call_id", link.callID, "error", err)
	}
}

func (m *PeerLinkManager) onLocalCandidate(link *peerLink, candidate domain.ICECandidate) {
	if m.link != link {
		return
	}
	if !link.localSent {
		link.pendingLocal = append(link.pendingLocal, candidate)
		return
	}
	m.emitCandidate(link, candidate)
}

func (m *PeerLinkManager) emitCandidate(link *peerLink, candidate domain.ICECandidate) {
	payload := domain.ICECandidatePayload{CallID: link.callID, Candidate: candidate}
	if err := m.signaling.Emit(link.ctx, domain.EventICECandidate, payload); err != nil {
		m.logger.Debugw("failed to send candidate", "call_id", link.callID, "error", err)
	}
}

func (m *PeerLinkManager) onConnectivity(link *peerLink, state domain.ConnectivityState) {
	if m.link != link || link.state == domain.LinkFailedOver {
		return
	}
	link.connectivity = state
	m.logger.Debugw("connectivity changed",
		"call_id", link.callID,
		"state", state,
		"link_state", link.state,
	)

	switch {
	case state.Connected():
		m.recovered(link)
	case state == domain.ConnectivityDisconnected:
		if link.state != domain.LinkConnected {
			return
		}
		link.state = domain.LinkDegraded
		link.disconnectedAt = m.timers.Clock().Now()
		m.timers.Schedule("grace", m.cfg.GracePeriod, func() {
			if m.link == link && link.state == domain.LinkDegraded {
				m.beginRestart(link)
			}
		})
		m.scheduleCeiling(link)
	case state == domain.ConnectivityFailed:
		if link.state == domain.LinkRestarting {
			return
		}
		if !link.everConnected {
			m.logger.Warnw("direct connection failed before connecting", "call_id", link.callID)
			m.giveUp(link)
			return
		}
		if link.state != domain.LinkDegraded {
			link.disconnectedAt = m.timers.Clock().Now()
			m.scheduleCeiling(link)
		}
		m.timers.Cancel("grace")
		m.beginRestart(link)
	}
}

func (m *PeerLinkManager) recovered(link *peerLink) {
	m.timers.Cancel("connect")
	m.timers.Cancel("grace")
	m.timers.Cancel("retry")
	m.timers.Cancel("ceiling")

	wasRecovering := link.state == domain.LinkDegraded || link.state == domain.LinkRestarting
	link.state = domain.LinkConnected
	link.restartAttempts = 0
	link.disconnectedAt = time.Time{}

	if !link.everConnected {
		link.everConnected = true
		m.logger.Infow("direct connection established", "call_id", link.callID)
		if m.events.OnConnected != nil {
			m.events.OnConnected()
		}
		return
	}
	if wasRecovering {
		m.logger.Infow("direct connection recovered", "call_id", link.callID)
		if m.events.OnRecovered != nil {
			m.events.OnRecovered()
		}
	}
}

func (m *PeerLinkManager) scheduleCeiling(link *peerLink) {
	remaining := m.cfg.Ceiling - m.timers.Clock().Now().Sub(link.disconnectedAt)
	m.timers.Schedule("ceiling", remaining, func() {
		if m.link != link || link.state == domain.LinkConnected {
			return
		}
		m.logger.Warnw("direct connection unrecoverable",
			"call_id", link.callID,
			"restart_attempts", link.restartAttempts,
		)
		m.giveUp(link)
	})
}

func (m *PeerLinkManager) beginRestart(link *peerLink) {
	link.state = domain.LinkRestarting
	if m.events.OnReconnecting != nil {
		m.events.OnReconnecting()
	}
	if m.link != link {
		return
	}
	m.restart(link, 1)
	m.timers.Schedule("retry", m.cfg.RetryOffset, func() {
		if m.link == link && link.state == domain.LinkRestarting {
			m.restart(link, 2)
		}
	})
}

// restart requests fresh ICE servers over signaling. The caller then sends a
// restart offer; the callee's request is forwarded so the caller restarts.
func (m *PeerLinkManager) restart(link *peerLink, attempt int) {
	link.restartAttempts = attempt
	m.metrics.IncICERestarts()
	m.logger.Infow("ice restart", "call_id", link.callID, "attempt", attempt, "role", link.role)

	transport := link.transport
	if transport == nil {
		return
	}
	m.exec.Go(func() {
		ctx, cancel := context.WithTimeout(link.ctx, m.cfg.RetryOffset)
		defer cancel()

		var servers []domain.ICEServer
		raw, err := m.signaling.Send(ctx, domain.EventICERestartRequest, domain.CallRef{CallID: link.callID})
		if err != nil {
			m.logger.Warnw("ice restart request failed", "call_id", link.callID, "error", err)
		} else {
			var ack domain.ICERestartAck
			if err := json.Unmarshal(raw, &ack); err == nil {
				servers = ack.ICEServers
			}
		}

		m.exec.Post(func() {
			if m.link != link || link.state != domain.LinkRestarting {
				return
			}
			if link.role == domain.RoleCaller {
				m.offerRestart(link, servers)
				return
			}
			if len(servers) > 0 {
				if err := transport.RestartICE(servers); err != nil {
					m.logger.Warnw("failed to apply ice servers", "call_id", link.callID, "error", err)
				}
			}
		})
	})
}

func (m *PeerLinkManager) offerRestart(link *peerLink, servers []domain.ICEServer) {
	transport := link.transport
	link.negotiating = true
	m.exec.Go(func() {
		ctx, span := tracing.TraceNegotiation(link.ctx, "offer", string(link.callID), true)
		defer span.End()

		if len(servers) > 0 {
			if err := transport.RestartICE(servers); err != nil {
				m.logger.Warnw("failed to apply ice servers", "call_id", link.callID, "error", err)
			}
		}
		offer, err := transport.CreateOffer(ctx, true)

		m.exec.Post(func() {
			if m.link != link {
				return
			}
			if err != nil {
				link.negotiating = false
				m.logger.Warnw("restart offer failed", "call_id", link.callID, "error", err)
				return
			}
			m.sendDescription(link, domain.EventOffer, offer, true)
		})
	})
}

func (m *PeerLinkManager) giveUp(link *peerLink) {
	m.timers.CancelAll()
	link.state = domain.LinkFailedOver
	if m.events.OnUnrecoverable != nil {
		m.events.OnUnrecoverable()
	}
}

func (m *PeerLinkManager) fail(link *peerLink, err error) {
	m.logger.Errorw("peer link failed", "call_id", link.callID, "error", err)
	if m.events.OnError != nil {
		m.events.OnError(err)
	}
}

func release(stream ports.MediaStream, transport ports.PeerTransport) {
	if stream != nil {
		stream.Stop()
	}
	if transport != nil {
		_ = transport.Close()
	}
}
