package domain

type MediaConstraints struct {
	Audio     bool
	Video     bool
	Width     int
	Height    int
	FrameRate float64
}

func ConstraintsFor(kind MediaKind) MediaConstraints {
	c := MediaConstraints{Audio: true}
	if kind == MediaVideo {
		c.Video = true
		c.Width = 1280
		c.Height = 720
		c.FrameRate = 30
	}
	return c
}

// Unconstrained keeps the requested kinds and drops every other constraint.
func (c MediaConstraints) Unconstrained() MediaConstraints {
	return MediaConstraints{Audio: c.Audio, Video: c.Video}
}

func (c MediaConstraints) Constrained() bool {
	return c.Width > 0 || c.Height > 0 || c.FrameRate > 0
}

type MediaFailureReason string

const (
	MediaPermissionDenied MediaFailureReason = "permission-denied"
	MediaDeviceNotFound   MediaFailureReason = "device-not-found"
	MediaDeviceBusy       MediaFailureReason = "device-busy"
	MediaOverconstrained  MediaFailureReason = "overconstrained"
)
