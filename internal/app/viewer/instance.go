package viewer

import (
	"context"
	"errors"

	"github.com/dkeye/livecam/internal/app"
	"github.com/dkeye/livecam/internal/app/monitor"
	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const inboxSize = 64

type answerCmd struct{ reply chan error }

type sessionDoc struct {
	doc    domain.Doc
	exists bool
}

type (
	remoteCandidates struct{ recs []core.Record }
	localCandidate   struct{ ci webrtc.ICECandidateInit }
	transportState   struct{ s webrtc.ICEConnectionState }
	trackArrived     struct{ info core.TrackInfo }
	timerFired       struct{ gen uint64 }
)

// instance is one connection attempt to one session. Like the broadcaster
// engine it owns its negotiation state on a single loop goroutine.
type instance struct {
	v    *Viewer
	deps Deps
	sess domain.Session
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan any
	done   chan struct{}

	state     domain.ViewerState
	tr        core.Transport
	outbox    *app.CandidateOutbox
	remote    *app.CandidateQueue
	mon       *monitor.Monitor
	unsubs    []core.Unsubscribe
	connected bool
	gotTrack  bool
}

func newInstance(v *Viewer, sess domain.Session) *instance {
	ctx, cancel := context.WithCancel(context.Background())
	return &instance{
		v:      v,
		deps:   v.deps,
		sess:   sess,
		log:    v.log.With().Str("sid", string(sess.ID)).Logger(),
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan any, inboxSize),
		done:   make(chan struct{}),
		state:  domain.ViewerAnswering,
	}
}

// answer asks the loop to answer the offer and waits for the outcome.
func (in *instance) answer(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case in.inbox <- answerCmd{reply: reply}:
	case <-in.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-in.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *instance) post(msg any) {
	select {
	case in.inbox <- msg:
	case <-in.ctx.Done():
	}
}

func (in *instance) setState(s domain.ViewerState) {
	in.state = s
	in.v.setStateFrom(in, s)
}

func (in *instance) run() {
	defer close(in.done)
	for {
		select {
		case <-in.ctx.Done():
			in.teardown()
			return
		case msg := <-in.inbox:
			if in.ctx.Err() != nil {
				in.teardown()
				return
			}
			if err := in.handle(msg); err != nil {
				in.cancel()
				in.teardown()
				in.v.ended(in, err)
				return
			}
		}
	}
}

func (in *instance) handle(msg any) error {
	switch m := msg.(type) {
	case answerCmd:
		err := in.negotiate()
		m.reply <- err
		return err
	case sessionDoc:
		if !m.exists {
			return domain.NewNotFoundError("watch session", domain.ReasonSessionRemoved)
		}
		return nil
	case remoteCandidates:
		if in.remote != nil {
			in.remote.Add(m.recs)
		}
		return nil
	case localCandidate:
		if in.outbox == nil {
			return nil
		}
		return in.outbox.Push(in.ctx, m.ci)
	case trackArrived:
		in.v.addTrack(in, m.info)
		in.log.Info().Str("kind", m.info.Kind).Str("track", m.info.ID).Msg("track arrived")
		in.gotTrack = true
		if in.state == domain.ViewerNegotiating || (in.state == domain.ViewerDisconnected && in.connected) {
			in.setState(domain.ViewerLive)
		}
		return nil
	case transportState:
		if in.mon == nil {
			return nil
		}
		in.log.Debug().Str("ice_state", m.s.String()).Msg("transport state")
		return in.apply(in.mon.Observe(m.s))
	case timerFired:
		if in.mon == nil {
			return nil
		}
		return in.apply(in.mon.Expired(m.gen))
	}
	return nil
}

// negotiate answers the session offer and publishes the answer exactly once.
func (in *instance) negotiate() error {
	sid := in.sess.ID
	tr, err := in.deps.Transports.NewTransport(domain.OriginAnswerer, sid, in.deps.Sink)
	if err != nil {
		return domain.NewTransportError("new transport", "setup", err)
	}
	in.tr = tr
	in.outbox = app.NewCandidateOutbox(in.deps.Store, domain.OriginAnswerer, in.deps.Retry)
	in.remote = app.NewCandidateQueue(tr.AddICECandidate, in.log)
	in.mon = monitor.New(in.deps.Monitor, func(gen uint64) { in.post(timerFired{gen: gen}) })

	tr.OnICECandidate(func(ci webrtc.ICECandidateInit) { in.post(localCandidate{ci: ci}) })
	tr.OnStateChange(func(s webrtc.ICEConnectionState) { in.post(transportState{s: s}) })
	tr.OnTrack(func(t core.TrackInfo) { in.post(trackArrived{info: t}) })

	if err := in.watch(); err != nil {
		return err
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: in.sess.OfferSDP}
	if err := tr.SetRemoteDescription(offer); err != nil {
		return domain.NewNegotiationError("apply offer", err)
	}
	in.remote.Ready()

	answer, err := tr.CreateAnswer(in.ctx)
	if err != nil {
		return domain.NewNegotiationError("create answer", err)
	}
	if err := in.publishAnswer(answer.SDP); err != nil {
		return err
	}
	if err := in.outbox.Open(in.ctx, sid); err != nil {
		return err
	}
	in.setState(domain.ViewerNegotiating)
	return nil
}

func (in *instance) publishAnswer(sdp string) error {
	path := domain.SessionPath(in.sess.ID)
	err := in.deps.Retry.Do(in.ctx, "write answer", func(ctx context.Context) error {
		return in.deps.Store.UpdateRecord(ctx, path, domain.Doc{domain.FieldAnswerSDP: sdp}, func(cur domain.Doc) error {
			if s, _ := cur[domain.FieldAnswerSDP].(string); s != "" {
				return domain.NewNotFoundError("write answer", domain.ReasonSessionBusy)
			}
			return nil
		})
	})
	switch {
	case err == nil:
		in.log.Info().Msg("answer published")
		return nil
	case domain.KindOf(err) == domain.KindNotFound:
		return err
	case errors.Is(err, core.ErrNotFound):
		return domain.NewNotFoundError("write answer", domain.ReasonSessionMissing)
	default:
		return domain.NewSignalingWriteError("write answer", "", err)
	}
}

func (in *instance) watch() error {
	sid := in.sess.ID
	unsub, err := in.deps.Store.SubscribeCollection(domain.CandidatesPath(sid, domain.OriginOfferer), func(recs []core.Record) {
		in.post(remoteCandidates{recs: recs})
	})
	if err != nil {
		return domain.NewSignalingWriteError("subscribe candidates", "", err)
	}
	in.unsubs = append(in.unsubs, unsub)

	unsub, err = in.deps.Store.SubscribeRecord(domain.SessionPath(sid), func(doc domain.Doc, exists bool) {
		in.post(sessionDoc{doc: doc, exists: exists})
	})
	if err != nil {
		return domain.NewSignalingWriteError("subscribe session", "", err)
	}
	in.unsubs = append(in.unsubs, unsub)
	return nil
}

func (in *instance) apply(d monitor.Decision) error {
	switch d.Action {
	case monitor.Connected:
		in.connected = true
		if in.state == domain.ViewerDisconnected {
			if in.gotTrack {
				in.setState(domain.ViewerLive)
			} else {
				in.setState(domain.ViewerNegotiating)
			}
		}
	case monitor.Degraded:
		in.connected = false
	case monitor.Restart:
		in.connected = false
		in.setState(domain.ViewerDisconnected)
		in.log.Warn().Int("attempt", d.Attempt).Msg("waiting for ICE restart")
		if err := in.tr.RestartICE(); err != nil {
			in.log.Debug().Err(err).Msg("ICE restart")
		}
	case monitor.Failed:
		return d.Err
	}
	return nil
}

// teardown stops inbound media with the transport, then drops the
// subscriptions. The session record belongs to the broadcaster.
func (in *instance) teardown() {
	if in.mon != nil {
		in.mon.Stop()
	}
	if in.outbox != nil {
		if n := in.outbox.Close(); n > 0 {
			in.log.Debug().Int("dropped", n).Msg("unpublished candidates dropped")
		}
	}
	if in.tr != nil {
		if err := in.tr.Close(); err != nil {
			in.log.Warn().Err(err).Msg("close transport")
		}
	}
	for _, unsub := range in.unsubs {
		unsub()
	}
	in.unsubs = nil
	in.log.Debug().Msg("connection closed")
}
