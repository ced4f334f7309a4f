package core

import (
	"context"

	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Transport is one peer connection. It is owned by exactly one engine.
type Transport interface {
	// AddTracks attaches local media. Must be called before CreateOffer.
	AddTracks(tracks []MediaTrack) error
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	// The remote offer must already be set.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote candidate. Fails before the remote
	// description is set.
	AddICECandidate(webrtc.ICECandidateInit) error
	// RestartICE asks the transport to recover connectivity. Transports that
	// cannot renegotiate treat it as a wait on the existing pairs.
	RestartICE() error

	// OnICECandidate is called for each gathered local candidate; end of
	// gathering is not reported.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack is called once per inbound remote track.
	OnTrack(func(TrackInfo))
	// OnStateChange reports ICE connection state changes.
	OnStateChange(func(webrtc.ICEConnectionState))

	Close() error
}

// TransportFactory creates transports. sink may be nil.
type TransportFactory interface {
	NewTransport(role domain.Origin, sid domain.SessionID, sink TrackSink) (Transport, error)
}

// TrackInfo describes an inbound track.
type TrackInfo struct {
	ID       string `json:"id"`
	StreamID string `json:"streamId"`
	Kind     string `json:"kind"`
}

// TrackSink receives inbound RTP for consumption (rendering, recording).
type TrackSink interface {
	WriteRTP(track TrackInfo, pkt *rtp.Packet) error
}
