package webrtc

import (
	"context"
	"testing"

	"callcore/internal/core/domain"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeTrack struct{}

func (fakeTrack) ID() string             { return "fake" }
func (fakeTrack) Kind() domain.MediaKind { return domain.MediaAudio }
func (fakeTrack) Enabled() bool          { return true }
func (fakeTrack) SetEnabled(bool)        {}
func (fakeTrack) Stop()                  {}

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	var cfg TransportConfig
	cfg.ICEServers = []domain.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	factory, err := NewFactory(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return factory
}

func TestTransport_OfferAnswer(t *testing.T) {
	factory := newTestFactory(t)
	ctx := context.Background()

	caller, err := factory.NewTransport(ctx)
	require.NoError(t, err)
	defer caller.Close()
	callee, err := factory.NewTransport(ctx)
	require.NoError(t, err)
	defer callee.Close()

	for _, transport := range []*Transport{caller.(*Transport), callee.(*Transport)} {
		stream := &LocalStream{id: "s"}
		for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
			track, err := NewLocalTrack(kind, stream.id)
			require.NoError(t, err)
			sender, err := transport.AddTrack(track)
			require.NoError(t, err)
			assert.Equal(t, kind, sender.Kind())
		}
	}

	assert.Equal(t, domain.ConnectivityNew, caller.ConnectivityState())
	assert.False(t, callee.HasRemoteDescription())

	offer, err := caller.CreateOffer(ctx, false)
	require.NoError(t, err)
	assert.Contains(t, offer, "m=audio")
	assert.Contains(t, offer, "m=video")

	require.NoError(t, callee.SetRemoteDescription(ctx, domain.SDPOffer, offer))
	assert.True(t, callee.HasRemoteDescription())

	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, caller.SetRemoteDescription(ctx, domain.SDPAnswer, answer))

	require.NoError(t, caller.RestartICE([]domain.ICEServer{{
		URLs:       []string{"turn:turn.example.com:3478"},
		Username:   "1700000000:alice",
		Credential: "secret",
	}}))
	restart, err := caller.CreateOffer(ctx, true)
	require.NoError(t, err)
	assert.NotEqual(t, offer, restart)

	stats, err := caller.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.TakenAt.IsZero())
}

func TestTransport_RejectsForeignTrackAndBadDescription(t *testing.T) {
	factory := newTestFactory(t)
	ctx := context.Background()

	transport, err := factory.NewTransport(ctx)
	require.NoError(t, err)

	_, err = transport.AddTrack(fakeTrack{})
	assert.ErrorIs(t, err, errForeignTrack)

	assert.Error(t, transport.SetRemoteDescription(ctx, "pranswer", "v=0"))
	assert.Error(t, transport.SetRemoteDescription(ctx, domain.SDPOffer, "garbage"))

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())
	_, err = transport.Stats(ctx)
	assert.ErrorIs(t, err, domain.ErrNoTransport)
}

func TestConnectivityOf(t *testing.T) {
	cases := map[webrtc.ICEConnectionState]domain.ConnectivityState{
		webrtc.ICEConnectionStateNew:          domain.ConnectivityNew,
		webrtc.ICEConnectionStateChecking:     domain.ConnectivityChecking,
		webrtc.ICEConnectionStateConnected:    domain.ConnectivityConnected,
		webrtc.ICEConnectionStateCompleted:    domain.ConnectivityCompleted,
		webrtc.ICEConnectionStateDisconnected: domain.ConnectivityDisconnected,
		webrtc.ICEConnectionStateFailed:       domain.ConnectivityFailed,
		webrtc.ICEConnectionStateClosed:       domain.ConnectivityClosed,
	}
	for in, want := range cases {
		assert.Equal(t, want, connectivityOf(in), in.String())
	}
}
