package webrtc

import (
	"encoding/binary"
	"errors"
	"math"

	"callcore/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// EncodingHintName is the RTCP APP name carrying resolution and frame rate
// limits back to the encoder.
const EncodingHintName = "CCEH"

var errNotEncodingHint = errors.New("not an encoding hint")

// readSenderRTCP drains RTCP for one outgoing track until the sender stops.
// Reading is required for the interceptors to run.
func readSenderRTCP(sender *webrtc.RTPSender, track *LocalTrack, logger *zap.SugaredLogger) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			logger.Debugw("rtcp reader stopped", "track_id", track.ID(), "error", err)
			return
		}
		handleRTCP(track, packets)
	}
}

func handleRTCP(track *LocalTrack, packets []rtcp.Packet) {
	for _, packet := range packets {
		switch packet.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			track.RequestKeyframe()
		}
	}
}

// encodingFeedback builds the RTCP sent to the encoder after an encoding
// change: REMB for the bitrate cap and an APP packet for the rest.
//
// APP data layout: active flag (1 byte), reserved (1 byte), resolution
// scale in hundredths (uint16), frame rate cap in hundredths (uint32).
func encodingFeedback(ssrc uint32, params domain.EncodingParams) []rtcp.Packet {
	data := make([]byte, 8)
	if params.Active {
		data[0] = 1
	}
	binary.BigEndian.PutUint16(data[2:4], uint16(math.Min(math.Round(params.ScaleResolutionDownBy*100), math.MaxUint16)))
	binary.BigEndian.PutUint32(data[4:8], uint32(math.Round(params.MaxFramerate*100)))

	packets := []rtcp.Packet{&rtcp.ApplicationDefined{SSRC: ssrc, Name: EncodingHintName, Data: data}}
	if params.MaxBitrate > 0 {
		packets = append(packets, &rtcp.ReceiverEstimatedMaximumBitrate{
			Bitrate: float32(params.MaxBitrate),
			SSRCs:   []uint32{ssrc},
		})
	}
	return packets
}

// ParseEncodingHint decodes the APP packet written by encodingFeedback. The
// bitrate is not part of it; read the accompanying REMB.
func ParseEncodingHint(packet rtcp.Packet) (domain.EncodingParams, error) {
	app, ok := packet.(*rtcp.ApplicationDefined)
	if !ok || app.Name != EncodingHintName || len(app.Data) < 8 {
		return domain.EncodingParams{}, errNotEncodingHint
	}
	return domain.EncodingParams{
		Active:                app.Data[0] == 1,
		ScaleResolutionDownBy: float64(binary.BigEndian.Uint16(app.Data[2:4])) / 100,
		MaxFramerate:          float64(binary.BigEndian.Uint32(app.Data[4:8])) / 100,
	}, nil
}
