package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var errForeignTrack = errors.New("track was not created by this package")

// TransportConfig configures every peer connection created by a Factory.
type TransportConfig struct {
	ICEServers []domain.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// Factory builds pion peer connections that share one API instance.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

var _ ports.TransportFactory = (*Factory)(nil)

func NewFactory(cfg TransportConfig, logger *zap.SugaredLogger) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// Default interceptors provide NACK, RTCP reports and the stats used by
	// quality polling.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAliveInterval > 0 {
		settingEngine.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   toPionServers(cfg.ICEServers),
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

func (f *Factory) NewTransport(ctx context.Context) (ports.PeerTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newTransport(pc, f.config.ICEServers, f.logger), nil
}

func toPionServers(servers []domain.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// Transport adapts a pion PeerConnection to ports.PeerTransport. Callbacks
// fire on pion goroutines; consumers are expected to re-post them.
type Transport struct {
	pc          *webrtc.PeerConnection
	baseServers []webrtc.ICEServer
	logger      *zap.SugaredLogger

	mu          sync.Mutex
	state       domain.ConnectivityState
	onCandidate func(domain.ICECandidate)
	onState     func(domain.ConnectivityState)
	closed      bool
}

var _ ports.PeerTransport = (*Transport)(nil)

func newTransport(pc *webrtc.PeerConnection, base []webrtc.ICEServer, logger *zap.SugaredLogger) *Transport {
	t := &Transport{
		pc:          pc,
		baseServers: base,
		logger:      logger,
		state:       domain.ConnectivityNew,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(domain.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		state := connectivityOf(s)
		t.mu.Lock()
		t.state = state
		fn := t.onState
		t.mu.Unlock()

		t.logger.Debugw("ice connection state changed", "state", state)
		if fn != nil {
			fn(state)
		}
	})
	return t
}

func connectivityOf(s webrtc.ICEConnectionState) domain.ConnectivityState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return domain.ConnectivityChecking
	case webrtc.ICEConnectionStateConnected:
		return domain.ConnectivityConnected
	case webrtc.ICEConnectionStateCompleted:
		return domain.ConnectivityCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return domain.ConnectivityDisconnected
	case webrtc.ICEConnectionStateFailed:
		return domain.ConnectivityFailed
	case webrtc.ICEConnectionStateClosed:
		return domain.ConnectivityClosed
	default:
		return domain.ConnectivityNew
	}
}

func (t *Transport) AddTrack(track ports.MediaTrack) (ports.MediaSender, error) {
	local, ok := track.(*LocalTrack)
	if !ok {
		return nil, errForeignTrack
	}
	rtpSender, err := t.pc.AddTrack(local.rtp)
	if err != nil {
		return nil, err
	}

	go readSenderRTCP(rtpSender, local, t.logger)
	return &Sender{track: local}, nil
}

func (t *Transport) CreateOffer(ctx context.Context, iceRestart bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (t *Transport) SetRemoteDescription(ctx context.Context, kind domain.SDPType, sdp string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	desc := webrtc.SessionDescription{SDP: sdp}
	switch kind {
	case domain.SDPOffer:
		desc.Type = webrtc.SDPTypeOffer
	case domain.SDPAnswer:
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unsupported description type %q", kind)
	}
	return t.pc.SetRemoteDescription(desc)
}

func (t *Transport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *Transport) AddICECandidate(candidate domain.ICECandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

// RestartICE replaces the ICE servers with the configured ones plus servers.
func (t *Transport) RestartICE(servers []domain.ICEServer) error {
	cfg := t.pc.GetConfiguration()
	cfg.ICEServers = append(append([]webrtc.ICEServer(nil), t.baseServers...), toPionServers(servers)...)
	if err := t.pc.SetConfiguration(cfg); err != nil {
		return fmt.Errorf("failed to update ice servers: %w", err)
	}
	return nil
}

// Stats aggregates the nominated pair RTT and inbound stream counters.
func (t *Transport) Stats(ctx context.Context) (domain.TransportStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.TransportStats{}, err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return domain.TransportStats{}, domain.ErrNoTransport
	}

	stats := domain.TransportStats{TakenAt: time.Now()}
	for _, s := range t.pc.GetStats() {
		switch s := s.(type) {
		case webrtc.ICECandidatePairStats:
			if s.Nominated && s.State == webrtc.StatsICECandidatePairStateSucceeded && s.CurrentRoundTripTime > 0 {
				stats.PairRTTs = append(stats.PairRTTs, seconds(s.CurrentRoundTripTime))
			}
		case webrtc.InboundRTPStreamStats:
			stats.BytesReceived += s.BytesReceived
			if s.Jitter > 0 {
				stats.Jitters = append(stats.Jitters, seconds(s.Jitter))
			}
			switch s.Kind {
			case string(domain.MediaAudio):
				stats.AudioPacketsReceived += uint64(s.PacketsReceived)
				stats.AudioPacketsLost += int64(s.PacketsLost)
			case string(domain.MediaVideo):
				stats.VideoFramesDecoded += uint64(s.FramesDecoded)
			}
		}
	}
	return stats, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (t *Transport) ConnectivityState() domain.ConnectivityState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) OnICECandidate(fn func(domain.ICECandidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) OnConnectivityChange(fn func(domain.ConnectivityState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.onCandidate = nil
	t.onState = nil
	t.mu.Unlock()
	return t.pc.Close()
}
