package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Connection is a core.Transport over a pion PeerConnection.
type Connection struct {
	pc   *webrtc.PeerConnection
	role domain.Origin
	sid  domain.SessionID
	sink core.TrackSink
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.TrackInfo)
	onState func(webrtc.ICEConnectionState)
}

func newConnection(pc *webrtc.PeerConnection, role domain.Origin, sid domain.SessionID, sink core.TrackSink) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:     pc,
		role:   role,
		sid:    sid,
		sink:   sink,
		log:    log.With().Str("module", "rtc").Str("sid", string(sid)).Str("role", string(role)).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Info().Str("ice_state", s.String()).Msg("ICE state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debug().Str("peer_connection_state", s.String()).Msg("peer state")
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		info := core.TrackInfo{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind().String()}
		c.log.Info().
			Str("kind", info.Kind).
			Str("track_id", info.ID).
			Str("stream_id", info.StreamID).
			Msg("OnTrack received")
		if c.ctx.Err() != nil {
			return
		}
		c.wg.Add(1)
		go c.drain(track, info)

		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(info)
		}
	})

	return c
}

// drain reads inbound RTP until the track ends and hands packets to the
// sink. Reading keeps the interceptors (NACK, reports) running even without
// a sink.
func (c *Connection) drain(track *webrtc.TrackRemote, info core.TrackInfo) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			c.log.Debug().Err(err).Str("track_id", info.ID).Msg("track read stopped")
			return
		}
		if c.sink == nil {
			continue
		}
		if err := c.sink.WriteRTP(info, pkt); err != nil {
			c.log.Warn().Err(err).Str("track_id", info.ID).Msg("sink write failed, dropping track")
			return
		}
	}
}

// AddTracks adds each local track and starts reading its RTCP, which pion
// needs for its interceptors to process receiver feedback.
func (c *Connection) AddTracks(tracks []core.MediaTrack) error {
	for _, t := range tracks {
		sender, err := c.pc.AddTrack(t)
		if err != nil {
			return err
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	if c.pc.RemoteDescription() == nil {
		return errors.New("rtc: remote description not set")
	}
	return c.pc.AddICECandidate(ci)
}

// RestartICE does not renegotiate: a session carries one offer and one
// answer, so new credentials could never reach the peer. The ICE agent
// keeps probing the existing pairs during the restart window.
func (c *Connection) RestartICE() error {
	if c.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return webrtc.ErrConnectionClosed
	}
	c.log.Info().Msg("waiting for ICE to recover on existing pairs")
	return nil
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(core.TrackInfo)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close closes the peer connection and waits for the read loops.
func (c *Connection) Close() error {
	c.cancel()
	c.mu.Lock()
	c.onICE, c.onTrack, c.onState = nil, nil, nil
	c.mu.Unlock()
	err := c.pc.Close()
	c.wg.Wait()
	if err != nil {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Info().Msg("closed")
	return nil
}
