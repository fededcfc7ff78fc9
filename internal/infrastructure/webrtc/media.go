package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// SourceConfig describes the media the local encoder can produce.
type SourceConfig struct {
	Audio        bool
	Video        bool
	MaxWidth     int
	MaxHeight    int
	MaxFrameRate float64
}

// TrackAcquirer hands out RTP-fed local tracks in place of capture devices.
type TrackAcquirer struct {
	cfg    SourceConfig
	logger *zap.SugaredLogger

	mu      sync.Mutex
	current *LocalStream
}

var _ ports.MediaAcquirer = (*TrackAcquirer)(nil)

func NewTrackAcquirer(cfg SourceConfig, logger *zap.SugaredLogger) *TrackAcquirer {
	return &TrackAcquirer{cfg: cfg, logger: logger}
}

func (a *TrackAcquirer) Acquire(ctx context.Context, c domain.MediaConstraints) (ports.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Audio && !a.cfg.Audio {
		return nil, fmt.Errorf("%w: no audio source configured", domain.ErrDeviceNotFound)
	}
	if c.Video && !a.cfg.Video {
		return nil, fmt.Errorf("%w: no video source configured", domain.ErrDeviceNotFound)
	}
	if c.Video && a.exceeds(c) {
		return nil, fmt.Errorf("%w: %dx%d@%.0f", domain.ErrOverconstrained, c.Width, c.Height, c.FrameRate)
	}

	stream := &LocalStream{id: uuid.NewString()}
	kinds := []domain.MediaKind{}
	if c.Audio {
		kinds = append(kinds, domain.MediaAudio)
	}
	if c.Video {
		kinds = append(kinds, domain.MediaVideo)
	}
	for _, kind := range kinds {
		track, err := NewLocalTrack(kind, stream.id)
		if err != nil {
			return nil, err
		}
		stream.tracks = append(stream.tracks, track)
	}

	a.mu.Lock()
	a.current = stream
	a.mu.Unlock()

	a.logger.Debugw("local stream acquired", "stream_id", stream.id, "tracks", len(stream.tracks))
	return stream, nil
}

func (a *TrackAcquirer) exceeds(c domain.MediaConstraints) bool {
	return (a.cfg.MaxWidth > 0 && c.Width > a.cfg.MaxWidth) ||
		(a.cfg.MaxHeight > 0 && c.Height > a.cfg.MaxHeight) ||
		(a.cfg.MaxFrameRate > 0 && c.FrameRate > a.cfg.MaxFrameRate)
}

// Current returns the live track of kind from the latest stream.
func (a *TrackAcquirer) Current(kind domain.MediaKind) (*LocalTrack, bool) {
	a.mu.Lock()
	stream := a.current
	a.mu.Unlock()
	if stream == nil {
		return nil, false
	}
	return stream.Track(kind)
}

// maxDatagramSize is the largest UDP payload, so no packet is truncated.
const maxDatagramSize = 65535

// RTPFeeder reads RTP from a UDP socket and writes it into the current local
// track of one kind. Keyframe requests are sent back to the source as PLI and
// encoding changes as REMB plus an encoding hint APP packet.
type RTPFeeder struct {
	conn     net.PacketConn
	kind     domain.MediaKind
	acquirer *TrackAcquirer
	logger   *zap.SugaredLogger
	buf      []byte
}

func ListenRTP(address string, kind domain.MediaKind, acquirer *TrackAcquirer, logger *zap.SugaredLogger) (*RTPFeeder, error) {
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for %s rtp: %w", kind, err)
	}
	return &RTPFeeder{
		conn:     conn,
		kind:     kind,
		acquirer: acquirer,
		logger:   logger,
		buf:      make([]byte, maxDatagramSize),
	}, nil
}

func (f *RTPFeeder) Addr() net.Addr {
	return f.conn.LocalAddr()
}

// Run blocks until ctx is done or the socket is closed.
func (f *RTPFeeder) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		f.conn.Close()
	}()

	for {
		packet, source, err := f.next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if packet == nil {
			continue
		}

		track, ok := f.acquirer.Current(f.kind)
		if !ok {
			continue
		}
		if err := track.WriteRTP(packet); err != nil && !errors.Is(err, ErrTrackStopped) {
			f.logger.Debugw("rtp write failed", "kind", f.kind, "error", err)
		}

		select {
		case params := <-track.EncodingChanges():
			f.feedback(source, encodingFeedback(packet.SSRC, params))
		default:
		}
		select {
		case <-track.KeyframeRequests():
			f.feedback(source, []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: packet.SSRC}})
		default:
		}
	}
}

// next reads and parses one datagram. A malformed packet is logged and
// returned as nil without an error.
func (f *RTPFeeder) next() (*rtp.Packet, net.Addr, error) {
	n, source, err := f.conn.ReadFrom(f.buf)
	if err != nil {
		return nil, nil, err
	}
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(f.buf[:n]); err != nil {
		f.logger.Debugw("dropping malformed rtp packet", "kind", f.kind, "error", err)
		return nil, source, nil
	}
	return packet, source, nil
}

func (f *RTPFeeder) feedback(source net.Addr, packets []rtcp.Packet) {
	data, err := rtcp.Marshal(packets)
	if err != nil {
		f.logger.Debugw("rtcp feedback not encodable", "kind", f.kind, "error", err)
		return
	}
	if _, err := f.conn.WriteTo(data, source); err != nil {
		f.logger.Debugw("rtcp feedback failed", "kind", f.kind, "error", err)
	}
}

func (f *RTPFeeder) Close() error {
	return f.conn.Close()
}
