package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Constraints select which kinds of local media to capture.
type Constraints struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

// Capturer acquires local media.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) (MediaSource, error)
}

// MediaSource is a set of captured local tracks.
type MediaSource interface {
	Tracks() []MediaTrack
	// Stop stops every track and releases the capture device.
	Stop()
}

// MediaTrack is a local track the engine can mute or stop without knowing
// its codec.
type MediaTrack interface {
	webrtc.TrackLocal
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}
