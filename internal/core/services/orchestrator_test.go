package services

import (
	"context"
	"testing"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	apperrors "callcore/pkg/errors"
	"callcore/pkg/eventloop"
	"callcore/pkg/timers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orchestratorFixture struct {
	orch      *Orchestrator
	clock     *timers.FakeClock
	signaling *fakeSignaling
	factory   *fakeTransportFactory
	acquirer  *fakeAcquirer
	provider  *fakeRelayProvider
	media     *MediaService
	metrics   *recordingMetrics
	events    []domain.SessionEvent
}

func newOrchestratorFixture(t *testing.T, relayEnabled bool) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		clock:     newTestClock(),
		signaling: newFakeSignaling(),
		factory:   &fakeTransportFactory{},
		acquirer:  &fakeAcquirer{},
		provider:  &fakeRelayProvider{},
		metrics:   &recordingMetrics{},
	}
	exec := eventloop.NewInline()
	log := testLogger()
	f.media = NewMediaService(f.acquirer, log)
	classifier := NewQualityService(DefaultQualityThresholds())

	monitor := NewQualityMonitor(classifier, exec, f.clock,
		QualityMonitorConfig{PollInterval: 2 * time.Second, StaleAfter: 3 * time.Second}, f.metrics, log)
	bitrate := NewBitrateController(
		BitrateControllerConfig{StabilizationWindow: 5 * time.Second, AudioFloorBitrate: 16000},
		monitor, exec, f.clock, f.metrics, log)
	links := NewPeerLinkManager(f.factory, f.media, f.signaling, exec, f.clock,
		PeerLinkConfig{GracePeriod: 3 * time.Second, RetryOffset: 3 * time.Second, Ceiling: 30 * time.Second},
		f.metrics, log)
	relay := NewRelayManager(f.provider, f.media, nil, classifier, exec, 15*time.Second, log)

	f.orch = NewOrchestrator(OrchestratorConfig{
		LocalPeer:      "alice",
		RingingTimeout: 30 * time.Second,
		DurationTick:   time.Second,
		ConnectTimeout: 30 * time.Second,
		RelayEnabled:   relayEnabled,
		RelayWait:      15 * time.Second,
	}, OrchestratorDeps{
		Signaling: f.signaling,
		Media:     f.media,
		Links:     links,
		Relay:     relay,
		Monitor:   monitor,
		Bitrate:   bitrate,
		Executor:  exec,
		Clock:     f.clock,
		Metrics:   f.metrics,
		Logger:    log,
	})
	f.orch.Subscribe(ports.SessionObserverFunc(func(ev domain.SessionEvent) {
		f.events = append(f.events, ev)
	}))
	f.orch.Start()
	return f
}

func (f *orchestratorFixture) statuses() []domain.CallStatus {
	out := make([]domain.CallStatus, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Snapshot.Status)
	}
	return out
}

func (f *orchestratorFixture) ended() []domain.SessionEvent {
	var out []domain.SessionEvent
	for _, ev := range f.events {
		if ev.Snapshot.Status == domain.StatusEnded {
			out = append(out, ev)
		}
	}
	return out
}

// dial places an outgoing call that the server acknowledges as call-1.
func (f *orchestratorFixture) dial(t *testing.T, kind domain.MediaKind) {
	t.Helper()
	f.signaling.acks[domain.EventInitiateCall] = domain.InitiateCallAck{CallID: "call-1"}
	id, err := f.orch.StartCall(context.Background(), ports.StartCallRequest{CalleeID: "bob", MediaKind: kind})
	require.NoError(t, err)
	require.Equal(t, domain.CallID("call-1"), id)
}

// connectOutgoing dials, has the callee accept and brings media up.
func (f *orchestratorFixture) connectOutgoing(t *testing.T, kind domain.MediaKind) *fakeTransport {
	t.Helper()
	f.dial(t, kind)
	f.signaling.deliver(domain.EventCallAccepted, domain.CallAcceptedPayload{CallID: "call-1", By: "bob"})
	tr := f.factory.latest()
	require.NotNil(t, tr)
	f.signaling.deliver(domain.EventAnswer, domain.SessionDescriptionPayload{CallID: "call-1", SDP: "v=0 answer"})
	tr.setState(domain.ConnectivityConnected)
	require.Equal(t, domain.StatusActive, f.orch.Snapshot().Status)
	return tr
}

func (f *orchestratorFixture) ring(t *testing.T, p domain.IncomingCallPayload) {
	t.Helper()
	if p.CallID == "" {
		p.CallID = "call-9"
	}
	if p.Caller.ID == "" {
		p.Caller.ID = "bob"
	}
	if p.MediaKind == "" {
		p.MediaKind = domain.MediaAudio
	}
	f.signaling.deliver(domain.EventIncomingCall, p)
}

func TestOrchestrator_VideoCallReachesActiveAndTicks(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.connectOutgoing(t, domain.MediaVideo)

	snap := f.orch.Snapshot()
	assert.Equal(t, domain.CallID("call-1"), snap.CallID)
	assert.Equal(t, domain.TransportDirect, snap.Transport)
	assert.Equal(t, 0, snap.DurationSeconds)
	assert.True(t, snap.VideoEnabled)

	f.clock.Advance(time.Second)
	assert.Equal(t, 1, f.orch.Snapshot().DurationSeconds)
	f.clock.Advance(time.Second)
	assert.Equal(t, 2, f.orch.Snapshot().DurationSeconds)

	assert.Equal(t, []domain.CallStatus{domain.StatusDialing, domain.StatusActive}, f.statuses())
	msg, ok := f.signaling.last(domain.EventInitiateCall)
	require.True(t, ok)
	assert.Equal(t, domain.PeerID("bob"), msg.Payload.(domain.InitiateCallPayload).CalleeID)
}

func TestOrchestrator_UnansweredCallEndsWithNoAnswer(t *testing.T) {
	f := newOrchestratorFixture(t, true)
	f.dial(t, domain.MediaAudio)

	f.clock.Advance(30 * time.Second)

	ended := f.ended()
	require.Len(t, ended, 1)
	assert.Equal(t, domain.OutcomeNoAnswer, ended[0].Snapshot.Outcome)
	assert.Equal(t, domain.StatusIdle, f.orch.Snapshot().Status)
	assert.Equal(t, 1, f.signaling.count(domain.EventHangup))
	assert.Empty(t, f.factory.created)
	assert.Zero(t, f.clock.Pending())
	assert.Equal(t, []domain.Outcome{domain.OutcomeNoAnswer}, f.metrics.ended)
}

func TestOrchestrator_SecondCallRejectedWhileActive(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.dial(t, domain.MediaAudio)

	_, err := f.orch.StartCall(context.Background(), ports.StartCallRequest{CalleeID: "carol", MediaKind: domain.MediaAudio})

	assert.ErrorIs(t, err, domain.ErrSessionActive)
	assert.Equal(t, 1, f.signaling.count(domain.EventInitiateCall))
}

func TestOrchestrator_StartCallValidatesInput(t *testing.T) {
	f := newOrchestratorFixture(t, false)

	_, err := f.orch.StartCall(context.Background(), ports.StartCallRequest{CalleeID: "", MediaKind: domain.MediaAudio})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = f.orch.StartCall(context.Background(), ports.StartCallRequest{CalleeID: "bob", MediaKind: "hologram"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	assert.Empty(t, f.events)
}

func TestOrchestrator_InitiateAckErrorFailsCall(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.signaling.ackErrs[domain.EventInitiateCall] = apperrors.NewAckError(domain.EventInitiateCall, "callee offline")

	_, err := f.orch.StartCall(context.Background(), ports.StartCallRequest{CalleeID: "bob", MediaKind: domain.MediaAudio})
	require.Error(t, err)

	ended := f.ended()
	require.Len(t, ended, 1)
	assert.Equal(t, domain.OutcomeFailed, ended[0].Snapshot.Outcome)
	assert.Equal(t, "callee offline", ended[0].Snapshot.LastError)
	assert.Zero(t, f.signaling.count(domain.EventHangup))
	assert.Equal(t, domain.StatusIdle, f.orch.Snapshot().Status)
}

func TestOrchestrator_DuplicateAcceptIsNoop(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.connectOutgoing(t, domain.MediaAudio)

	f.signaling.deliver(domain.EventCallAccepted, domain.CallAcceptedPayload{CallID: "call-1"})

	assert.Len(t, f.factory.created, 1)
	assert.Equal(t, domain.StatusActive, f.orch.Snapshot().Status)
}

func TestOrchestrator_EventsForOtherCallsIgnored(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.dial(t, domain.MediaAudio)

	f.signaling.deliver(domain.EventCallAccepted, domain.CallAcceptedPayload{CallID: "call-2"})
	f.signaling.deliver(domain.EventCallRejected, domain.CallRef{CallID: "call-2"})

	assert.Empty(t, f.factory.created)
	assert.Equal(t, domain.StatusDialing, f.orch.Snapshot().Status)
}

func TestOrchestrator_RemoteRejectAndBusy(t *testing.T) {
	for _, event := range []domain.EventType{domain.EventCallRejected, domain.EventCallBusy} {
		t.Run(string(event), func(t *testing.T) {
			f := newOrchestratorFixture(t, false)
			f.dial(t, domain.MediaAudio)

			f.signaling.deliver(event, domain.CallRef{CallID: "call-1"})

			ended := f.ended()
			require.Len(t, ended, 1)
			assert.Equal(t, domain.OutcomeRejected, ended[0].Snapshot.Outcome)
			assert.Zero(t, f.clock.Pending())
		})
	}
}

func TestOrchestrator_AcceptOvertakesInitiateAck(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.signaling.beforeAck[domain.EventInitiateCall] = func() {
		f.signaling.deliver(domain.EventCallAccepted, domain.CallAcceptedPayload{CallID: "call-1", By: "bob"})
		f.signaling.deliver(domain.EventCallRejected, domain.CallRef{CallID: "call-5"})
	}
	f.dial(t, domain.MediaVideo)

	tr := f.factory.latest()
	require.NotNil(t, tr)
	require.Len(t, f.factory.created, 1)
	f.signaling.deliver(domain.EventAnswer, domain.SessionDescriptionPayload{CallID: "call-1", SDP: "v=0 answer"})
	tr.setState(domain.ConnectivityConnected)
	assert.Equal(t, domain.StatusActive, f.orch.Snapshot().Status)

	f.clock.Advance(30 * time.Second)
	for _, ev := range f.ended() {
		assert.NotEqual(t, domain.OutcomeNoAnswer, ev.Snapshot.Outcome)
	}
}

func TestOrchestrator_BusyOvertakesInitiateAck(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.signaling.beforeAck[domain.EventInitiateCall] = func() {
		f.signaling.deliver(domain.EventCallBusy, domain.CallRef{CallID: "call-1"})
	}
	f.dial(t, domain.MediaAudio)

	ended := f.ended()
	require.Len(t, ended, 1)
	assert.Equal(t, domain.OutcomeRejected, ended[0].Snapshot.Outcome)
	assert.Equal(t, domain.CallID("call-1"), ended[0].Snapshot.CallID)
	assert.Zero(t, f.clock.Pending())
}

func TestOrchestrator_CallerHangupBeforeAnswerIsCancelled(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.dial(t, domain.MediaAudio)

	require.NoError(t, f.orch.Hangup(context.Background()))

	ended := f.ended()
	require.Len(t, ended, 1)
	assert.Equal(t, domain.OutcomeCancelled, ended[0].Snapshot.Outcome)
	assert.Equal(t, 1, f.signaling.count(domain.EventHangup))

	assert.ErrorIs(t, f.orch.Hangup(context.Background()), domain.ErrNoSession)
}

func TestOrchestrator_IncomingCallRingsAndDropsWhenBusy(t *testing.T) {
	f := newOrchestratorFixture(t, false)

	f.ring(t, domain.IncomingCallPayload{})
	f.ring(t, domain.IncomingCallPayload{CallID: "call-10", Caller: domain.CallerInfo{ID: "carol"}})

	snap := f.orch.Snapshot()
	assert.Equal(t, domain.StatusRinging, snap.Status)
	assert.Equal(t, domain.CallID("call-9"), snap.CallID)
	assert.Equal(t, domain.RoleCallee, snap.Role)
	assert.Equal(t, 1, f.signaling.count(domain.EventRinging))
	assert.Zero(t, f.signaling.count(domain.EventRejectCall))
}

func TestOrchestrator_CalleeAcceptNegotiatesAndCompletes(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.ring(t, domain.IncomingCallPayload{MediaKind: domain.MediaVideo})

	require.NoError(t, f.orch.Accept(context.Background()))
	require.NoError(t, f.orch.Accept(context.Background()))
	assert.Equal(t, 1, f.signaling.count(domain.EventAcceptCall))

	f.signaling.deliver(domain.EventOffer, domain.SessionDescriptionPayload{CallID: "call-9", SDP: "v=0 offer"})
	tr := f.factory.latest()
	require.NotNil(t, tr)
	assert.Equal(t, 1, f.signaling.count(domain.EventAnswer))

	tr.setState(domain.ConnectivityConnected)
	assert.Equal(t, domain.StatusActive, f.orch.Snapshot().Status)

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.orch.Hangup(context.Background()))

	ended := f.ended()
	require.Len(t, ended, 1)
	assert.Equal(t, domain.OutcomeCompleted, ended[0].Snapshot.Outcome)
	assert.Equal(t, 5, ended[0].Session.DurationSeconds)
	assert.True(t, tr.closed)
	assert.Zero(t, f.clock.Pending())
}

func TestOrchestrator_OfferBeforeAcceptIsHeld(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.ring(t, domain.IncomingCallPayload{})

	f.signaling.deliver(domain.EventOffer, domain.SessionDescriptionPayload{CallID: "call-9", SDP: "v=0 offer"})
	assert.Empty(t, f.factory.created)

	require.NoError(t, f.orch.Accept(context.Background()))
	assert.Len(t, f.factory.created, 1)
}

func TestOrchestrator_CalleeReject(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.ring(t, domain.IncomingCallPayload{})

	require.NoError(t, f.orch.Reject(context.Background()))

	ended := f.ended()
	require.Len(t, ended, 1)
	assert.Equal(t, domain.OutcomeRejected, ended[0].Snapshot.Outcome)
	assert.Equal(t, 1, f.signaling.count(domain.EventRejectCall))
	assert.Equal(t, domain.StatusIdle, f.orch.Snapshot().Status)
}

func TestOrchestrator_RingingTimeoutAutoRejects(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.ring(t, domain.IncomingCallPayload{})

	f.clock.Advance(30 * time.Second)

	ended := f.ended()
	require.Len(t, ended, 1)
	assert.Equal(t, domain.OutcomeNoAnswer, ended[0].Snapshot.Outcome)
	assert.Equal(t, 1, f.signaling.count(domain.EventRejectCall))
}

func TestOrchestrator_RemoteCancelWhileRingingIsMissed(t *testing.T) {
	for _, event := range []domain.EventType{domain.EventCallEnded, domain.EventCallerDisconnected} {
		t.Run(string(event), func(t *testing.T) {
			f := newOrchestratorFixture(t, false)
			f.ring(t, domain.IncomingCallPayload{})

			f.signaling.deliver(event, domain.CallRef{CallID: "call-9"})

			ended := f.ended()
			require.Len(t, ended, 1)
			assert.Equal(t, domain.OutcomeMissed, ended[0].Snapshot.Outcome)
			assert.Zero(t, f.signaling.count(domain.EventRejectCall))
		})
	}
}

func TestOrchestrator_ReconnectWithinCeilingReturnsActive(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	tr := f.connectOutgoing(t, domain.MediaAudio)

	tr.setState(domain.ConnectivityDisconnected)
	f.clock.Advance(3 * time.Second)

	snap := f.orch.Snapshot()
	require.Equal(t, domain.StatusReconnecting, snap.Status)
	require.NotNil(t, snap.ReconnectStartedAt)

	f.clock.Advance(10 * time.Second)
	f.signaling.deliver(domain.EventAnswer, domain.SessionDescriptionPayload{CallID: "call-1", SDP: "v=0 answer"})
	tr.setState(domain.ConnectivityConnected)

	snap = f.orch.Snapshot()
	assert.Equal(t, domain.StatusActive, snap.Status)
	assert.Nil(t, snap.ReconnectStartedAt)
	assert.Equal(t, domain.TransportDirect, snap.Transport)

	f.clock.Advance(time.Minute)
	assert.Empty(t, f.ended())
}

func TestOrchestrator_CeilingWithoutRelayEndsOnce(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	tr := f.connectOutgoing(t, domain.MediaAudio)

	tr.setState(domain.ConnectivityDisconnected)
	f.clock.Advance(30 * time.Second)

	ended := f.ended()
	require.Len(t, ended, 1)
	assert.Equal(t, domain.OutcomeFailed, ended[0].Snapshot.Outcome)
	assert.NotEmpty(t, ended[0].Snapshot.LastError)
	assert.True(t, tr.closed)

	f.clock.Advance(time.Minute)
	tr.setState(domain.ConnectivityConnected)
	assert.Len(t, f.ended(), 1)
	assert.Equal(t, domain.StatusIdle, f.orch.Snapshot().Status)
	assert.Zero(t, f.clock.Pending())
}

func TestOrchestrator_CeilingFallsBackToRelay(t *testing.T) {
	f := newOrchestratorFixture(t, true)
	f.signaling.acks[domain.EventSwitchToRelayRequest] = domain.RelayRoomPayload{
		CallID: "call-1",
		RelayRoomOffer: domain.RelayRoomOffer{
			RoomURL:             "wss://relay.example.com",
			TokensByParticipant: map[domain.PeerID]string{"alice": "tok-a", "bob": "tok-b"},
		},
	}
	tr := f.connectOutgoing(t, domain.MediaAudio)

	tr.setState(domain.ConnectivityDisconnected)
	f.clock.Advance(30 * time.Second)

	snap := f.orch.Snapshot()
	assert.Equal(t, domain.StatusActive, snap.Status)
	assert.Equal(t, domain.TransportRelayed, snap.Transport)
	assert.Nil(t, snap.ReconnectStartedAt)
	assert.True(t, tr.closed)
	require.Len(t, f.provider.joins, 1)
	assert.Equal(t, "tok-a", f.provider.joins[0].Token)
	assert.Equal(t, 1, f.metrics.relayFallbacks)

	// Direct signaling no longer has any effect.
	f.signaling.deliver(domain.EventOffer, domain.SessionDescriptionPayload{CallID: "call-1", SDP: "v=0 offer", Restart: true})
	f.signaling.deliver(domain.EventICERestartRequest, domain.CallRef{CallID: "call-1"})
	assert.Len(t, f.factory.created, 1)
	assert.Equal(t, domain.TransportRelayed, f.orch.Snapshot().Transport)

	f.provider.latest().onQuality(domain.ProviderQualityPoor)
	assert.Equal(t, domain.TierPoor, f.orch.Snapshot().Tier)

	require.NoError(t, f.orch.Hangup(context.Background()))
	assert.Equal(t, 1, f.provider.latest().leaves)
	assert.Equal(t, domain.OutcomeCompleted, f.ended()[0].Snapshot.Outcome)
}

func TestOrchestrator_RelayRoomPushedLater(t *testing.T) {
	f := newOrchestratorFixture(t, true)
	tr := f.connectOutgoing(t, domain.MediaAudio)

	tr.setState(domain.ConnectivityFailed)
	f.clock.Advance(30 * time.Second)
	assert.Empty(t, f.provider.joins)

	f.signaling.deliver(domain.EventRelayRoom, domain.RelayRoomPayload{
		CallID: "call-1",
		RelayRoomOffer: domain.RelayRoomOffer{
			RoomURL:             "wss://relay",
			TokensByParticipant: map[domain.PeerID]string{"alice": "tok-a"},
		},
	})

	require.Len(t, f.provider.joins, 1)
	assert.Equal(t, domain.StatusActive, f.orch.Snapshot().Status)
}

func TestOrchestrator_RelayWaitExpires(t *testing.T) {
	f := newOrchestratorFixture(t, true)
	tr := f.connectOutgoing(t, domain.MediaAudio)

	tr.setState(domain.ConnectivityDisconnected)
	f.clock.Advance(30 * time.Second)
	f.clock.Advance(15 * time.Second)

	ended := f.ended()
	require.Len(t, ended, 1)
	assert.Equal(t, domain.OutcomeFailed, ended[0].Snapshot.Outcome)
}

func TestOrchestrator_GroupCallJoinsRelayFromStart(t *testing.T) {
	f := newOrchestratorFixture(t, true)
	f.provider.roster = []domain.RelayParticipant{{ID: "bob"}, {ID: "carol"}}
	f.ring(t, domain.IncomingCallPayload{
		IsGroup:      true,
		Participants: []domain.PeerID{"bob", "carol"},
		RelayRoom: &domain.RelayRoomOffer{
			RoomURL:             "wss://relay",
			TokensByParticipant: map[domain.PeerID]string{"alice": "tok-a", "bob": "tok-b", "carol": "tok-c"},
		},
	})

	require.NoError(t, f.orch.Accept(context.Background()))

	assert.Empty(t, f.factory.created)
	require.Len(t, f.provider.joins, 1)
	assert.Equal(t, "tok-a", f.provider.joins[0].Token)

	snap := f.orch.Snapshot()
	assert.Equal(t, domain.StatusActive, snap.Status)
	assert.Equal(t, domain.TransportRelayed, snap.Transport)
	assert.Len(t, snap.Roster, 2)
}

func TestOrchestrator_PoorNetworkDowngradesImmediately(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	tr := f.connectOutgoing(t, domain.MediaVideo)

	for i := 0; i < 3; i++ {
		tr.stats.PairRTTs = []time.Duration{500 * time.Millisecond}
		tr.stats.AudioPacketsReceived += 92
		tr.stats.AudioPacketsLost += 8
		f.clock.Advance(2 * time.Second)
	}

	assert.Equal(t, domain.TierPoor, f.orch.Snapshot().Tier)
	video := tr.senders[1]
	require.Equal(t, domain.MediaVideo, video.kind)
	assert.Equal(t, 250_000, video.current.MaxBitrate)
	assert.Equal(t, 1, f.signaling.count(domain.EventQualityChange))
}

func TestOrchestrator_MuteControls(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	assert.ErrorIs(t, f.orch.SetAudioEnabled(false), domain.ErrNoSession)

	f.connectOutgoing(t, domain.MediaVideo)
	require.NoError(t, f.orch.SetVideoEnabled(false))
	require.NoError(t, f.orch.SetAudioEnabled(false))

	snap := f.orch.Snapshot()
	assert.False(t, snap.VideoEnabled)
	assert.False(t, snap.AudioEnabled)

	require.NoError(t, f.orch.Hangup(context.Background()))
	assert.True(t, f.orch.Snapshot().AudioEnabled)
}

func TestOrchestrator_HangupDuringPendingAckNotifiesLater(t *testing.T) {
	f := newOrchestratorFixture(t, false)
	f.signaling.acks[domain.EventInitiateCall] = domain.InitiateCallAck{CallID: "call-1"}
	// The user hangs up between session creation and the acknowledgement.
	f.orch.Subscribe(ports.SessionObserverFunc(func(ev domain.SessionEvent) {
		if ev.Snapshot.Status == domain.StatusDialing {
			f.orch.hangup(f.orch.sessions.Current())
		}
	}))

	_, err := f.orch.StartCall(context.Background(), ports.StartCallRequest{CalleeID: "bob", MediaKind: domain.MediaAudio})

	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidState))
	msg, ok := f.signaling.last(domain.EventHangup)
	require.True(t, ok)
	assert.Equal(t, domain.CallID("call-1"), msg.Payload.(domain.CallRef).CallID)
	assert.Equal(t, domain.OutcomeCancelled, f.ended()[0].Snapshot.Outcome)
	assert.Zero(t, f.clock.Pending())
}
