package webrtc

import (
	"errors"
	"sync"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"
)

var ErrTrackStopped = errors.New("track stopped")

const videoClockRate = 90000

// LocalTrack is an outgoing RTP track fed by an external encoder through
// WriteRTP. Mute, the active encoding, the bitrate cap and the frame rate cap
// are enforced here by dropping packets. Frames are dropped whole; once a
// reference frame is lost, video resumes on the next keyframe.
type LocalTrack struct {
	id   string
	kind domain.MediaKind
	rtp  *webrtc.TrackLocalStaticRTP

	mu            sync.Mutex
	enabled       bool
	stopped       bool
	encoding      domain.EncodingParams
	budget        *rate.Limiter
	awaitKeyframe bool

	// Frame gate state, in RTP timestamp units.
	frameStarted bool
	frameTS      uint32
	frameDropped bool
	sentAny      bool
	lastSentTS   uint32

	keyframes chan struct{}
	encodings chan domain.EncodingParams
}

var _ ports.MediaTrack = (*LocalTrack)(nil)

func NewLocalTrack(kind domain.MediaKind, streamID string) (*LocalTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == domain.MediaVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	id := string(kind) + "-" + uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{
		id:        id,
		kind:      kind,
		rtp:       track,
		enabled:   true,
		encoding:  domain.EncodingParams{Active: true},
		keyframes: make(chan struct{}, 1),
		encodings: make(chan domain.EncodingParams, 1),
	}, nil
}

func (t *LocalTrack) ID() string             { return t.id }
func (t *LocalTrack) Kind() domain.MediaKind { return t.kind }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	resumed := enabled && !t.enabled
	t.enabled = enabled
	if resumed && t.kind == domain.MediaVideo {
		t.awaitKeyframe = true
	}
	t.mu.Unlock()
	if resumed {
		t.RequestKeyframe()
	}
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// KeyframeRequests signals the encoder to emit a keyframe. Requests coalesce.
func (t *LocalTrack) KeyframeRequests() <-chan struct{} {
	return t.keyframes
}

func (t *LocalTrack) RequestKeyframe() {
	select {
	case t.keyframes <- struct{}{}:
	default:
	}
}

// EncodingChanges delivers the latest encoding whenever it changes, so the
// encoder can scale resolution and frame rate itself. Only the newest value
// is kept.
func (t *LocalTrack) EncodingChanges() <-chan domain.EncodingParams {
	return t.encodings
}

func (t *LocalTrack) publishEncoding(params domain.EncodingParams) {
	for {
		select {
		case t.encodings <- params:
			return
		default:
		}
		select {
		case <-t.encodings:
		default:
		}
	}
}

// WriteRTP forwards a packet unless the track is muted, inactive, above its
// frame rate cap or over its bitrate budget. Dropped packets are not an error.
func (t *LocalTrack) WriteRTP(packet *rtp.Packet) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrTrackStopped
	}
	if !t.enabled || !t.encoding.Active {
		t.mu.Unlock()
		return nil
	}

	if t.kind == domain.MediaVideo {
		if !t.frameStarted || packet.Timestamp != t.frameTS {
			t.frameStarted = true
			t.frameTS = packet.Timestamp
			t.frameDropped = !isKeyframe(packet.Payload) && t.aboveFramerateLocked(packet.Timestamp)
			if t.frameDropped {
				if !t.awaitKeyframe && !isDiscardable(packet.Payload) {
					t.awaitKeyframe = true
					t.mu.Unlock()
					t.RequestKeyframe()
					return nil
				}
			} else {
				t.sentAny = true
				t.lastSentTS = packet.Timestamp
			}
		}
		if t.frameDropped {
			t.mu.Unlock()
			return nil
		}
		if t.awaitKeyframe {
			if !isKeyframe(packet.Payload) {
				t.mu.Unlock()
				return nil
			}
			t.awaitKeyframe = false
		}
		if t.budget != nil && !t.budget.AllowN(time.Now(), len(packet.Payload)) {
			t.awaitKeyframe = true
			t.mu.Unlock()
			t.RequestKeyframe()
			return nil
		}
	}
	t.mu.Unlock()

	return t.rtp.WriteRTP(packet)
}

// aboveFramerateLocked reports whether a frame starting at ts comes sooner
// after the last admitted frame than the frame rate cap allows. A tenth of
// the interval is tolerated for timestamp jitter.
func (t *LocalTrack) aboveFramerateLocked(ts uint32) bool {
	if t.encoding.MaxFramerate <= 0 || !t.sentAny {
		return false
	}
	elapsed := ts - t.lastSentTS
	if elapsed > 10*videoClockRate {
		// Timestamp jump: the source restarted.
		return false
	}
	interval := videoClockRate / t.encoding.MaxFramerate
	return float64(elapsed) < interval*0.9
}

func (t *LocalTrack) applyEncoding(params domain.EncodingParams) {
	t.mu.Lock()
	changed := params != t.encoding
	resumed := params.Active && !t.encoding.Active
	t.encoding = params
	if params.MaxBitrate > 0 {
		bytesPerSecond := params.MaxBitrate / 8
		// One second of burst lets whole frames through.
		t.budget = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
	} else {
		t.budget = nil
	}
	if resumed && t.kind == domain.MediaVideo {
		t.awaitKeyframe = true
	}
	t.mu.Unlock()

	if changed {
		t.publishEncoding(params)
	}
	if changed && t.kind == domain.MediaVideo {
		t.RequestKeyframe()
	}
}

func (t *LocalTrack) currentEncoding() domain.EncodingParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.encoding
}

// isKeyframe reports whether a VP8 RTP payload starts a key frame.
func isKeyframe(payload []byte) bool {
	var vp8 codecs.VP8Packet
	frame, err := vp8.Unmarshal(payload)
	if err != nil || len(frame) == 0 {
		return false
	}
	if vp8.S != 1 || vp8.PID != 0 {
		return false
	}
	// The inverse key frame flag is the lowest bit of the frame tag.
	return frame[0]&0x01 == 0
}

// isDiscardable reports whether a VP8 payload belongs to a frame no other
// frame references.
func isDiscardable(payload []byte) bool {
	var vp8 codecs.VP8Packet
	if _, err := vp8.Unmarshal(payload); err != nil {
		return false
	}
	return vp8.N == 1
}

// Sender is the ports.MediaSender for one LocalTrack on a transport.
type Sender struct {
	track *LocalTrack
}

func (s *Sender) Kind() domain.MediaKind {
	return s.track.kind
}

func (s *Sender) Encoding() domain.EncodingParams {
	return s.track.currentEncoding()
}

func (s *Sender) SetEncoding(params domain.EncodingParams) error {
	if params.ScaleResolutionDownBy != 0 && params.ScaleResolutionDownBy < 1 {
		return errors.New("resolution scale must be >= 1")
	}
	s.track.applyEncoding(params)
	return nil
}

// LocalStream groups the tracks returned by one acquisition.
type LocalStream struct {
	id     string
	tracks []*LocalTrack
}

var _ ports.MediaStream = (*LocalStream)(nil)

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []ports.MediaTrack {
	out := make([]ports.MediaTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// Track returns the track of the given kind, if any.
func (s *LocalStream) Track(kind domain.MediaKind) (*LocalTrack, bool) {
	for _, t := range s.tracks {
		if t.kind == kind {
			return t, true
		}
	}
	return nil, false
}

func (s *LocalStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
