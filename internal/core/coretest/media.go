package coretest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/livecam/internal/core"
	"github.com/pion/webrtc/v4"
)

var ErrNoDevice = errors.New("fake capture: no device")

// Track wraps a static RTP track with enable and stop flags.
type Track struct {
	*webrtc.TrackLocalStaticRTP
	enabled atomic.Bool
	stopped atomic.Bool
}

func NewTrack(kind string) *Track {
	mime := webrtc.MimeTypeVP8
	if kind == "audio" {
		mime = webrtc.MimeTypeOpus
	}
	tr, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, kind, "fake")
	if err != nil {
		panic(err)
	}
	t := &Track{TrackLocalStaticRTP: tr}
	t.enabled.Store(true)
	return t
}

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *Track) Enabled() bool           { return t.enabled.Load() }
func (t *Track) Stop()                   { t.stopped.Store(true) }
func (t *Track) Stopped() bool           { return t.stopped.Load() }

// Source is a fake MediaSource.
type Source struct {
	tracks  []*Track
	stopped atomic.Bool
}

func (s *Source) Tracks() []core.MediaTrack {
	out := make([]core.MediaTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *Source) Stop() {
	s.stopped.Store(true)
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *Source) Stopped() bool { return s.stopped.Load() }

// Capturer returns fake sources, or Err when set. Block, when non-nil, is
// waited on before capturing so tests can stop an engine mid-capture.
type Capturer struct {
	Err   error
	Block chan struct{}

	mu      sync.Mutex
	sources []*Source
}

func (c *Capturer) Capture(ctx context.Context, cons core.Constraints) (core.MediaSource, error) {
	if c.Block != nil {
		select {
		case <-c.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.Err != nil {
		return nil, c.Err
	}
	src := &Source{}
	if cons.Video {
		src.tracks = append(src.tracks, NewTrack("video"))
	}
	if cons.Audio {
		src.tracks = append(src.tracks, NewTrack("audio"))
	}
	c.mu.Lock()
	c.sources = append(c.sources, src)
	c.mu.Unlock()
	return src, nil
}

func (c *Capturer) Last() *Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sources) == 0 {
		return nil
	}
	return c.sources[len(c.sources)-1]
}
