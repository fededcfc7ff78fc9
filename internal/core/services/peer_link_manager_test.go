package services

import (
	"testing"
	"time"

	"callcore/internal/core/domain"
	"callcore/pkg/eventloop"
	"callcore/pkg/timers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type linkFixture struct {
	mgr       *PeerLinkManager
	clock     *timers.FakeClock
	factory   *fakeTransportFactory
	acquirer  *fakeAcquirer
	signaling *fakeSignaling
	metrics   *recordingMetrics
	events    []string
	errs      []error
}

func newLinkFixture(t *testing.T) *linkFixture {
	t.Helper()
	f := &linkFixture{
		clock:     newTestClock(),
		factory:   &fakeTransportFactory{},
		acquirer:  &fakeAcquirer{},
		signaling: newFakeSignaling(),
		metrics:   &recordingMetrics{},
	}
	f.mgr = NewPeerLinkManager(
		f.factory,
		NewMediaService(f.acquirer, testLogger()),
		f.signaling,
		eventloop.NewInline(),
		f.clock,
		PeerLinkConfig{GracePeriod: 3 * time.Second, RetryOffset: 3 * time.Second, Ceiling: 30 * time.Second},
		f.metrics,
		testLogger(),
	)
	f.mgr.SetEvents(LinkEvents{
		OnConnected:     func() { f.events = append(f.events, "connected") },
		OnReconnecting:  func() { f.events = append(f.events, "reconnecting") },
		OnRecovered:     func() { f.events = append(f.events, "recovered") },
		OnUnrecoverable: func() { f.events = append(f.events, "unrecoverable") },
		OnError:         func(err error) { f.errs = append(f.errs, err) },
	})
	return f
}

func (f *linkFixture) connectCaller(t *testing.T) *fakeTransport {
	t.Helper()
	f.mgr.StartCaller("call-1", domain.MediaVideo)
	tr := f.factory.latest()
	require.NotNil(t, tr)
	f.mgr.HandleAnswer("call-1", "v=0 answer")
	tr.setState(domain.ConnectivityConnected)
	require.Equal(t, domain.LinkConnected, f.mgr.State())
	return tr
}

func strPtr(s string) *string { return &s }

func candidate(n string) domain.ICECandidate {
	return domain.ICECandidate{Candidate: "candidate:" + n, SDPMid: strPtr("0")}
}

func TestPeerLinkManager_CallerSendsOfferWithTracks(t *testing.T) {
	f := newLinkFixture(t)

	f.mgr.StartCaller("call-1", domain.MediaVideo)

	tr := f.factory.latest()
	require.NotNil(t, tr)
	assert.Len(t, tr.senders, 2)
	assert.Equal(t, domain.LinkNegotiating, f.mgr.State())

	msg, ok := f.signaling.last(domain.EventOffer)
	require.True(t, ok)
	payload := msg.Payload.(domain.SessionDescriptionPayload)
	assert.Equal(t, domain.CallID("call-1"), payload.CallID)
	assert.False(t, payload.Restart)

	video, audio := f.mgr.Senders()
	assert.NotNil(t, video)
	assert.NotNil(t, audio)
}

func TestPeerLinkManager_CandidatesQueuedUntilRemoteDescription(t *testing.T) {
	f := newLinkFixture(t)
	f.mgr.StartCaller("call-1", domain.MediaAudio)
	tr := f.factory.latest()

	f.mgr.HandleRemoteCandidate("call-1", candidate("1"))
	f.mgr.HandleRemoteCandidate("call-1", candidate("2"))
	assert.Empty(t, tr.candidates)

	f.mgr.HandleAnswer("call-1", "v=0 answer")
	assert.Len(t, tr.candidates, 2)

	f.mgr.HandleRemoteCandidate("call-1", candidate("3"))
	assert.Len(t, tr.candidates, 3)

	f.mgr.HandleRemoteCandidate("other-call", candidate("4"))
	assert.Len(t, tr.candidates, 3)
}

func TestPeerLinkManager_CandidateApplyFailureIsSwallowed(t *testing.T) {
	f := newLinkFixture(t)
	f.mgr.StartCaller("call-1", domain.MediaAudio)
	tr := f.factory.latest()
	f.mgr.HandleAnswer("call-1", "v=0 answer")

	tr.addCandidateErr = errBoom
	f.mgr.HandleRemoteCandidate("call-1", candidate("1"))

	assert.Empty(t, f.errs)
	assert.Equal(t, domain.LinkNegotiating, f.mgr.State())
}

func TestPeerLinkManager_LocalCandidatesFollowDescription(t *testing.T) {
	f := newLinkFixture(t)
	f.mgr.StartCaller("call-1", domain.MediaAudio)
	tr := f.factory.latest()

	tr.gather(candidate("local"))

	events := f.signaling.events()
	require.Equal(t, []domain.EventType{domain.EventOffer, domain.EventICECandidate}, events)
}

func TestPeerLinkManager_CalleeAnswersFirstOfferOnly(t *testing.T) {
	f := newLinkFixture(t)

	f.mgr.HandleRemoteCandidate("call-1", candidate("early"))
	f.mgr.HandleOffer("call-1", domain.MediaVideo, "v=0 offer", false)

	require.Len(t, f.factory.created, 1)
	tr := f.factory.latest()
	assert.Equal(t, 1, tr.answers)
	assert.Len(t, tr.candidates, 1)
	assert.Equal(t, 1, f.signaling.count(domain.EventAnswer))

	f.mgr.HandleOffer("call-1", domain.MediaVideo, "v=0 offer", false)
	assert.Len(t, f.factory.created, 1)
	assert.Equal(t, 1, f.signaling.count(domain.EventAnswer))
}

func TestPeerLinkManager_MediaFailureReportsError(t *testing.T) {
	f := newLinkFixture(t)
	f.acquirer.errs = []error{domain.ErrPermissionDenied}

	f.mgr.StartCaller("call-1", domain.MediaAudio)

	require.Len(t, f.errs, 1)
	assert.ErrorIs(t, f.errs[0], domain.ErrPermissionDenied)
	assert.Empty(t, f.factory.created)
	assert.Zero(t, f.signaling.count(domain.EventOffer))
}

func TestPeerLinkManager_FirstConnectionFiresConnected(t *testing.T) {
	f := newLinkFixture(t)
	tr := f.connectCaller(t)

	tr.setState(domain.ConnectivityCompleted)

	assert.Equal(t, []string{"connected"}, f.events)
}

func TestPeerLinkManager_SelfRecoveryWithinGrace(t *testing.T) {
	f := newLinkFixture(t)
	tr := f.connectCaller(t)

	tr.setState(domain.ConnectivityDisconnected)
	assert.Equal(t, domain.LinkDegraded, f.mgr.State())

	f.clock.Advance(2 * time.Second)
	tr.setState(domain.ConnectivityConnected)
	f.clock.Advance(30 * time.Second)

	assert.Equal(t, []string{"connected", "recovered"}, f.events)
	assert.Zero(t, f.metrics.iceRestarts)
	assert.Zero(t, tr.restartOffers)
}

func TestPeerLinkManager_GraceExpiryRestartsICE(t *testing.T) {
	f := newLinkFixture(t)
	tr := f.connectCaller(t)
	servers := []domain.ICEServer{{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"}}
	f.signaling.acks[domain.EventICERestartRequest] = domain.ICERestartAck{ICEServers: servers}

	tr.setState(domain.ConnectivityDisconnected)
	f.clock.Advance(3 * time.Second)

	assert.Equal(t, domain.LinkRestarting, f.mgr.State())
	assert.Equal(t, []string{"connected", "reconnecting"}, f.events)
	assert.Equal(t, 1, f.metrics.iceRestarts)
	assert.Equal(t, servers, tr.servers)
	assert.Equal(t, 1, tr.restartOffers)

	msg, ok := f.signaling.last(domain.EventOffer)
	require.True(t, ok)
	assert.True(t, msg.Payload.(domain.SessionDescriptionPayload).Restart)

	f.clock.Advance(3 * time.Second)
	assert.Equal(t, 2, f.metrics.iceRestarts)
	assert.Equal(t, 2, tr.restartOffers)
	assert.Equal(t, 2, f.mgr.RestartAttempts())

	f.mgr.HandleAnswer("call-1", "v=0 answer")
	tr.setState(domain.ConnectivityConnected)

	assert.Equal(t, []string{"connected", "reconnecting", "recovered"}, f.events)
	assert.Equal(t, domain.LinkConnected, f.mgr.State())
	assert.Zero(t, f.mgr.RestartAttempts())

	f.clock.Advance(time.Minute)
	assert.Equal(t, 2, f.metrics.iceRestarts)
}

func TestPeerLinkManager_FailedSkipsGrace(t *testing.T) {
	f := newLinkFixture(t)
	tr := f.connectCaller(t)

	tr.setState(domain.ConnectivityFailed)

	assert.Equal(t, domain.LinkRestarting, f.mgr.State())
	assert.Equal(t, 1, f.metrics.iceRestarts)
	assert.Equal(t, 1, tr.restartOffers)
}

func TestPeerLinkManager_CeilingGivesUpOnce(t *testing.T) {
	f := newLinkFixture(t)
	tr := f.connectCaller(t)

	tr.setState(domain.ConnectivityDisconnected)
	f.clock.Advance(29 * time.Second)
	assert.NotContains(t, f.events, "unrecoverable")

	f.clock.Advance(time.Second)
	assert.Equal(t, []string{"connected", "reconnecting", "unrecoverable"}, f.events)
	assert.Equal(t, domain.LinkFailedOver, f.mgr.State())

	tr.setState(domain.ConnectivityConnected)
	f.clock.Advance(time.Minute)
	assert.Equal(t, []string{"connected", "reconnecting", "unrecoverable"}, f.events)
}

func TestPeerLinkManager_CalleeRequestsRestart(t *testing.T) {
	f := newLinkFixture(t)
	f.mgr.HandleOffer("call-1", domain.MediaAudio, "v=0 offer", false)
	tr := f.factory.latest()
	tr.setState(domain.ConnectivityConnected)

	tr.setState(domain.ConnectivityDisconnected)
	f.clock.Advance(3 * time.Second)

	assert.Equal(t, 1, f.signaling.count(domain.EventICERestartRequest))
	assert.Zero(t, tr.restartOffers)

	f.mgr.HandleOffer("call-1", domain.MediaAudio, "v=0 restart-offer", true)
	assert.Equal(t, 2, tr.answers)
	msg, ok := f.signaling.last(domain.EventAnswer)
	require.True(t, ok)
	assert.True(t, msg.Payload.(domain.SessionDescriptionPayload).Restart)
}

func TestPeerLinkManager_CallerHonoursRemoteRestartRequest(t *testing.T) {
	f := newLinkFixture(t)
	tr := f.connectCaller(t)

	f.mgr.HandleRestartRequest("call-1")

	assert.Equal(t, 1, tr.restartOffers)
	assert.Equal(t, 1, f.metrics.iceRestarts)
}

func TestPeerLinkManager_NeverConnectingGivesUpAtCeiling(t *testing.T) {
	f := newLinkFixture(t)
	f.mgr.StartCaller("call-1", domain.MediaAudio)

	f.clock.Advance(30 * time.Second)

	assert.Equal(t, []string{"unrecoverable"}, f.events)
}

func TestPeerLinkManager_CleanupIsIdempotentAndSingleLink(t *testing.T) {
	f := newLinkFixture(t)
	first := f.connectCaller(t)

	f.mgr.StartCaller("call-2", domain.MediaAudio)
	assert.True(t, first.closed)
	assert.True(t, f.acquirer.streams[0].stopped)
	require.Len(t, f.factory.created, 2)

	f.mgr.Cleanup()
	f.mgr.Cleanup()

	second := f.factory.latest()
	assert.True(t, second.closed)
	assert.False(t, f.mgr.Active())
	assert.Equal(t, domain.LinkIdle, f.mgr.State())

	second.setState(domain.ConnectivityConnected)
	assert.Equal(t, []string{"connected"}, f.events)
	assert.Zero(t, f.clock.Pending())
}
