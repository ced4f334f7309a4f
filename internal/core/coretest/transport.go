// Package coretest provides in-process fakes for the transport and capture
// collaborators.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNoRemote  = errors.New("fake transport: remote description not set")
	ErrClosed    = errors.New("fake transport: closed")
	ErrMalformed = errors.New("fake transport: malformed sdp")
)

// MalformedSDP is rejected by SetRemoteDescription.
const MalformedSDP = "malformed"

// Transport records every call and lets tests emit transport events.
type Transport struct {
	Role domain.Origin
	SID  domain.SessionID

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	remoteCalls int
	added       []webrtc.ICECandidateInit
	tracks      []core.MediaTrack
	restarts    int
	closed      bool

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.TrackInfo)
	onState func(webrtc.ICEConnectionState)
}

func (t *Transport) AddTracks(tracks []core.MediaTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.tracks = append(t.tracks, tracks...)
	return nil
}

func (t *Transport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer %s tracks=%d", t.SID, len(t.tracks))}
	t.local = &sd
	return sd, nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if t.remote == nil {
		return webrtc.SessionDescription{}, ErrNoRemote
	}
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer " + string(t.SID)}
	t.local = &sd
	return sd, nil
}

func (t *Transport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteCalls++
	if t.closed {
		return ErrClosed
	}
	if strings.Contains(sd.SDP, MalformedSDP) {
		return ErrMalformed
	}
	t.remote = &sd
	return nil
}

func (t *Transport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.remote == nil {
		return ErrNoRemote
	}
	t.added = append(t.added, ci)
	return nil
}

func (t *Transport) RestartICE() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.restarts++
	return nil
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *Transport) OnTrack(fn func(core.TrackInfo)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *Transport) OnStateChange(fn func(webrtc.ICEConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// EmitCandidate simulates a gathered local candidate.
func (t *Transport) EmitCandidate(candidate string) {
	t.mu.Lock()
	fn := t.onICE
	t.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// EmitState simulates an ICE connection state change.
func (t *Transport) EmitState(s webrtc.ICEConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitTrack simulates an inbound track.
func (t *Transport) EmitTrack(kind string) {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	if fn != nil {
		fn(core.TrackInfo{ID: kind + "-track", StreamID: "stream", Kind: kind})
	}
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// RemoteCalls counts SetRemoteDescription invocations.
func (t *Transport) RemoteCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteCalls
}

func (t *Transport) Remote() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *Transport) Local() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// Added returns the applied remote candidates in application order.
func (t *Transport) Added() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.added))
	for _, ci := range t.added {
		out = append(out, ci.Candidate)
	}
	return out
}

func (t *Transport) Restarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

func (t *Transport) Tracks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

// Factory hands out fake transports and remembers them in creation order.
type Factory struct {
	mu      sync.Mutex
	created []*Transport
	// Err makes NewTransport fail.
	Err error
}

func (f *Factory) NewTransport(role domain.Origin, sid domain.SessionID, _ core.TrackSink) (core.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	t := &Transport{Role: role, SID: sid}
	f.created = append(f.created, t)
	return t, nil
}

// All returns transports created so far.
func (f *Factory) All() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.created...)
}

// Last returns the most recent transport or nil.
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}
