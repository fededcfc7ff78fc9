package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/timers"

	"go.uber.org/zap"
)

var testEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestClock() *timers.FakeClock {
	return timers.NewFakeClock(testEpoch)
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// fakeStatsSource returns scripted stats reports.
type fakeStatsSource struct {
	state domain.ConnectivityState
	stats domain.TransportStats
	err   error
	calls int
}

func (f *fakeStatsSource) Stats(ctx context.Context) (domain.TransportStats, error) {
	f.calls++
	return f.stats, f.err
}

func (f *fakeStatsSource) ConnectivityState() domain.ConnectivityState {
	return f.state
}

// advance adds one poll worth of traffic to the cumulative counters.
func (f *fakeStatsSource) advance(rtt time.Duration, received uint64, lost int64, jitter time.Duration) {
	f.stats.PairRTTs = []time.Duration{rtt}
	f.stats.Jitters = []time.Duration{jitter}
	f.stats.AudioPacketsReceived += received
	f.stats.AudioPacketsLost += lost
	f.stats.TakenAt = time.Time{}
}

type fakeSender struct {
	kind    domain.MediaKind
	current domain.EncodingParams
	applied []domain.EncodingParams
	err     error
}

func newFakeSender(kind domain.MediaKind) *fakeSender {
	return &fakeSender{kind: kind, current: domain.EncodingParams{Active: true}}
}

func (s *fakeSender) Kind() domain.MediaKind { return s.kind }
func (s *fakeSender) Encoding() domain.EncodingParams { return s.current }

func (s *fakeSender) SetEncoding(params domain.EncodingParams) error {
	if s.err != nil {
		return s.err
	}
	s.current = params
	s.applied = append(s.applied, params)
	return nil
}

type fixedTier domain.Tier

func (t *fixedTier) Tier() domain.Tier { return domain.Tier(*t) }

type fakeTrack struct {
	id      string
	kind    domain.MediaKind
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() domain.MediaKind { return t.kind }
func (t *fakeTrack) Enabled() bool { return t.enabled }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled = enabled }
func (t *fakeTrack) Stop() { t.stopped = true }

type fakeStream struct {
	tracks  []*fakeTrack
	stopped bool
}

func newFakeStream(c domain.MediaConstraints) *fakeStream {
	s := &fakeStream{}
	if c.Audio {
		s.tracks = append(s.tracks, &fakeTrack{id: "mic", kind: domain.MediaAudio, enabled: true})
	}
	if c.Video {
		s.tracks = append(s.tracks, &fakeTrack{id: "cam", kind: domain.MediaVideo, enabled: true})
	}
	return s
}

func (s *fakeStream) Tracks() []ports.MediaTrack {
	out := make([]ports.MediaTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *fakeStream) Stop() {
	s.stopped = true
	for _, t := range s.tracks {
		t.Stop()
	}
}

// fakeAcquirer fails with the queued errors first, then hands out streams.
type fakeAcquirer struct {
	errs     []error
	requests []domain.MediaConstraints
	streams  []*fakeStream
}

func (a *fakeAcquirer) Acquire(ctx context.Context, c domain.MediaConstraints) (ports.MediaStream, error) {
	a.requests = append(a.requests, c)
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := newFakeStream(c)
	a.streams = append(a.streams, s)
	return s, nil
}

type sentMessage struct {
	Event   domain.EventType
	Payload any
	Acked   bool
}

// fakeSignaling records outbound messages and lets tests deliver inbound
// events synchronously.
type fakeSignaling struct {
	mu        sync.Mutex
	sent      []sentMessage
	handlers  map[domain.EventType][]ports.SignalHandler
	acks      map[domain.EventType]any
	ackErrs   map[domain.EventType]error
	// beforeAck runs inside Send, after the request went out and before
	// its acknowledgement is returned.
	beforeAck map[domain.EventType]func()
	offline   bool
	emitErr   error
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		handlers:  make(map[domain.EventType][]ports.SignalHandler),
		acks:      make(map[domain.EventType]any),
		ackErrs:   make(map[domain.EventType]error),
		beforeAck: make(map[domain.EventType]func()),
	}
}

func (f *fakeSignaling) Send(ctx context.Context, event domain.EventType, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{Event: event, Payload: payload, Acked: true})
	ack, hasAck := f.acks[event]
	err := f.ackErrs[event]
	hook := f.beforeAck[event]
	offline := f.offline
	f.mu.Unlock()

	if hook != nil && !offline {
		hook()
	}

	if offline {
		return nil, domain.ErrSignalingOffline
	}
	if err != nil {
		return nil, err
	}
	if !hasAck {
		return json.RawMessage(`{}`), nil
	}
	raw, _ := json.Marshal(ack)
	return raw, nil
}

func (f *fakeSignaling) Emit(ctx context.Context, event domain.EventType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return domain.ErrSignalingOffline
	}
	if f.emitErr != nil {
		return f.emitErr
	}
	f.sent = append(f.sent, sentMessage{Event: event, Payload: payload})
	return nil
}

func (f *fakeSignaling) On(event domain.EventType, handler ports.SignalHandler) ports.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
	idx := len(f.handlers[event]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[event][idx] = nil
	}
}

func (f *fakeSignaling) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline
}

// deliver pushes a server event to every registered handler.
func (f *fakeSignaling) deliver(event domain.EventType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	handlers := append([]ports.SignalHandler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(raw)
		}
	}
}

func (f *fakeSignaling) events() []domain.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EventType, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Event)
	}
	return out
}

func (f *fakeSignaling) last(event domain.EventType) (sentMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Event == event {
			return f.sent[i], true
		}
	}
	return sentMessage{}, false
}

func (f *fakeSignaling) count(event domain.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeSignaling) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// fakeTransport is a scripted PeerTransport.
type fakeTransport struct {
	closed          bool
	remoteSet       bool
	remote          []string
	candidates      []domain.ICECandidate
	offers          int
	restartOffers   int
	answers         int
	servers         []domain.ICEServer
	state           domain.ConnectivityState
	stats           domain.TransportStats
	senders         []*fakeSender
	onCandidate     func(domain.ICECandidate)
	onConnectivity  func(domain.ConnectivityState)
	addCandidateErr error
	offerErr        error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: domain.ConnectivityNew}
}

func (t *fakeTransport) AddTrack(track ports.MediaTrack) (ports.MediaSender, error) {
	s := newFakeSender(track.Kind())
	t.senders = append(t.senders, s)
	return s, nil
}

func (t *fakeTransport) CreateOffer(ctx context.Context, iceRestart bool) (string, error) {
	if t.offerErr != nil {
		return "", t.offerErr
	}
	t.offers++
	if iceRestart {
		t.restartOffers++
		return "v=0 restart-offer", nil
	}
	return "v=0 offer", nil
}

func (t *fakeTransport) CreateAnswer(ctx context.Context) (string, error) {
	t.answers++
	return "v=0 answer", nil
}

func (t *fakeTransport) SetRemoteDescription(ctx context.Context, kind domain.SDPType, sdp string) error {
	t.remoteSet = true
	t.remote = append(t.remote, string(kind)+":"+sdp)
	return nil
}

func (t *fakeTransport) HasRemoteDescription() bool { return t.remoteSet }

func (t *fakeTransport) AddICECandidate(c domain.ICECandidate) error {
	if t.addCandidateErr != nil {
		return t.addCandidateErr
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) RestartICE(servers []domain.ICEServer) error {
	t.servers = servers
	return nil
}

func (t *fakeTransport) Stats(ctx context.Context) (domain.TransportStats, error) {
	return t.stats, nil
}

func (t *fakeTransport) ConnectivityState() domain.ConnectivityState { return t.state }

func (t *fakeTransport) OnICECandidate(fn func(domain.ICECandidate)) { t.onCandidate = fn }

func (t *fakeTransport) OnConnectivityChange(fn func(domain.ConnectivityState)) {
	t.onConnectivity = fn
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

// setState simulates a connectivity change reported by the transport.
func (t *fakeTransport) setState(s domain.ConnectivityState) {
	t.state = s
	if t.onConnectivity != nil {
		t.onConnectivity(s)
	}
}

func (t *fakeTransport) gather(c domain.ICECandidate) {
	if t.onCandidate != nil {
		t.onCandidate(c)
	}
}

type fakeTransportFactory struct {
	created []*fakeTransport
	err     error
}

func (f *fakeTransportFactory) NewTransport(ctx context.Context) (ports.PeerTransport, error) {
	if f.err != nil {
		return nil, f.err
	}
	t := newFakeTransport()
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeTransportFactory) latest() *fakeTransport {
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeRoom struct {
	participants []domain.RelayParticipant
	onRoster     func(domain.RosterChange)
	onQuality    func(domain.ProviderQuality)
	onDisconnect func(error)
	leaves       int
	leaveErr     error
}

func (r *fakeRoom) Participants() []domain.RelayParticipant {
	return append([]domain.RelayParticipant(nil), r.participants...)
}
func (r *fakeRoom) OnRosterChange(fn func(domain.RosterChange)) { r.onRoster = fn }
func (r *fakeRoom) OnQuality(fn func(domain.ProviderQuality)) { r.onQuality = fn }
func (r *fakeRoom) OnDisconnected(fn func(error)) { r.onDisconnect = fn }

func (r *fakeRoom) Leave(ctx context.Context) error {
	r.leaves++
	return r.leaveErr
}

type fakeRelayProvider struct {
	rooms  []*fakeRoom
	joins  []domain.RelayCredentials
	errs   []error
	roster []domain.RelayParticipant
}

func (p *fakeRelayProvider) Join(ctx context.Context, creds domain.RelayCredentials, local ports.MediaStream) (ports.RelayRoom, error) {
	p.joins = append(p.joins, creds)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	r := &fakeRoom{participants: p.roster}
	p.rooms = append(p.rooms, r)
	return r, nil
}

func (p *fakeRelayProvider) latest() *fakeRoom {
	if len(p.rooms) == 0 {
		return nil
	}
	return p.rooms[len(p.rooms)-1]
}

// recordingMetrics counts the observations tests care about.
type recordingMetrics struct {
	ports.NopMetrics
	ended          []domain.Outcome
	iceRestarts    int
	relayFallbacks int
	profileChanges []domain.Tier
	tiers          []domain.Tier
}

func (m *recordingMetrics) RecordCallEnded(o domain.Outcome, _ time.Duration) {
	m.ended = append(m.ended, o)
}
func (m *recordingMetrics) IncICERestarts() { m.iceRestarts++ }
func (m *recordingMetrics) IncRelayFallbacks() { m.relayFallbacks++ }
func (m *recordingMetrics) SetQualityTier(t domain.Tier) { m.tiers = append(m.tiers, t) }
func (m *recordingMetrics) IncBitrateProfileChange(t domain.Tier) {
	m.profileChanges = append(m.profileChanges, t)
}

var errBoom = errors.New("boom")
