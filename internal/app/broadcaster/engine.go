// Package broadcaster runs the offerer side: it captures media, publishes a
// session with an offer, trickles candidates and keeps the session alive
// until stopped.
package broadcaster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/livecam/internal/app"
	"github.com/dkeye/livecam/internal/app/monitor"
	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	maxIDAttempts = 5
	deleteTimeout = 5 * time.Second
	inboxSize     = 64
)

var (
	ErrAlreadyStarted = errors.New("broadcaster: already started")
	ErrNoTrack        = errors.New("broadcaster: no track of that kind")
)

type Config struct {
	// SessionID defaults to DeviceLabel, then to a generated device id.
	SessionID   domain.SessionID
	OwnerID     domain.OwnerID
	DeviceLabel string
	Constraints core.Constraints
}

type Deps struct {
	Store      core.Store
	Transports core.TransportFactory
	Capturer   core.Capturer
	Events     app.Publisher
	Heartbeat  time.Duration
	Monitor    monitor.Config
	Retry      app.RetryPolicy
}

func (d *Deps) withDefaults() {
	if d.Events == nil {
		d.Events = app.Discard{}
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 5 * time.Second
	}
	if d.Monitor == (monitor.Config{}) {
		d.Monitor = monitor.DefaultConfig()
	}
	if d.Retry == (app.RetryPolicy{}) {
		d.Retry = app.DefaultRetryPolicy()
	}
}

type startCmd struct{ reply chan error }

type trackCmd struct {
	kind    string
	enabled bool
	reply   chan error
}

type sessionDoc struct {
	doc    domain.Doc
	exists bool
}

type (
	remoteCandidates struct{ recs []core.Record }
	localCandidate   struct{ ci webrtc.ICECandidateInit }
	transportState   struct{ s webrtc.ICEConnectionState }
	timerFired       struct{ gen uint64 }
)

// Engine is one broadcast. All negotiation state is owned by a single loop
// goroutine; callbacks and commands reach it through the inbox.
type Engine struct {
	deps Deps
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan any
	done   chan struct{}

	mu    sync.RWMutex
	state domain.BroadcasterState
	sid   domain.SessionID
	err   error

	log       zerolog.Logger
	label     string
	generated bool
	media     core.MediaSource
	tr        core.Transport
	outbox    *app.CandidateOutbox
	remote    *app.CandidateQueue
	mon       *monitor.Monitor
	unsubs    []core.Unsubscribe
	published bool
	answered  bool
	connected bool
	heartbeat *time.Ticker
}

// New validates cfg and returns an engine in IDLE. The engine must be
// stopped with Stop to release its goroutine.
func New(deps Deps, cfg Config) (*Engine, error) {
	deps.withDefaults()
	sid, label, generated, err := domain.ResolveIdentity(cfg.SessionID, cfg.DeviceLabel)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		deps:      deps,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan any, inboxSize),
		done:      make(chan struct{}),
		sid:       sid,
		label:     label,
		generated: generated,
	}
	e.log = log.With().Str("module", "app.broadcaster").Str("sid", string(sid)).Logger()
	go e.run()
	return e, nil
}

// Start captures media and publishes the session. It returns once the
// engine is NEGOTIATING or has terminated. Cancelling ctx abandons the wait
// only; use Stop to end the broadcast.
func (e *Engine) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case e.inbox <- startCmd{reply: reply}:
	case <-e.done:
		return e.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return e.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop tears the broadcast down from any state and waits for it.
func (e *Engine) Stop(ctx context.Context) error {
	e.cancel()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTrackEnabled mutes or unmutes local tracks of kind ("audio"/"video").
func (e *Engine) SetTrackEnabled(ctx context.Context, kind string, enabled bool) error {
	reply := make(chan error, 1)
	select {
	case e.inbox <- trackCmd{kind: kind, enabled: enabled, reply: reply}:
	case <-e.done:
		return e.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return e.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) State() domain.BroadcasterState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) SessionID() domain.SessionID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sid
}

func (e *Engine) OwnerID() domain.OwnerID { return e.cfg.OwnerID }

// Err is the fatal error that terminated the engine, if any.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Done is closed once the engine is TERMINATED.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) terminalErr() error {
	if err := e.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// post hands a callback result to the loop. Dropped once the engine is
// stopping.
func (e *Engine) post(msg any) {
	select {
	case e.inbox <- msg:
	case <-e.ctx.Done():
	}
}

func (e *Engine) setState(s domain.BroadcasterState) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	sid := e.sid
	e.mu.Unlock()
	if prev == s {
		return
	}
	e.log.Info().Str("from", prev.String()).Str("to", s.String()).Msg("state")
	e.emit(app.StateEvent(app.RoleBroadcaster, sid, s.String()))
}

func (e *Engine) emit(ev app.Event) {
	ev.Owner = e.cfg.OwnerID
	e.deps.Events.Publish(ev)
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		var tick <-chan time.Time
		if e.heartbeat != nil {
			tick = e.heartbeat.C
		}
		select {
		case <-e.ctx.Done():
			e.teardown(nil)
			return
		case msg := <-e.inbox:
			if e.ctx.Err() != nil {
				e.teardown(nil)
				return
			}
			if err := e.handle(msg); err != nil {
				if e.ctx.Err() != nil {
					e.teardown(nil)
					return
				}
				e.fail(err)
				return
			}
		case <-tick:
			e.beat()
		}
	}
}

func (e *Engine) handle(msg any) error {
	switch m := msg.(type) {
	case startCmd:
		if e.State() != domain.BroadcasterIdle {
			m.reply <- ErrAlreadyStarted
			return nil
		}
		err := e.start()
		m.reply <- err
		return err
	case trackCmd:
		m.reply <- e.setTrackEnabled(m.kind, m.enabled)
		return nil
	case sessionDoc:
		return e.onSessionDoc(m.doc, m.exists)
	case remoteCandidates:
		if e.remote != nil {
			e.remote.Add(m.recs)
		}
		return nil
	case localCandidate:
		if e.outbox == nil {
			return nil
		}
		return e.outbox.Push(e.ctx, m.ci)
	case transportState:
		if e.mon == nil {
			return nil
		}
		e.log.Debug().Str("ice_state", m.s.String()).Msg("transport state")
		return e.apply(e.mon.Observe(m.s))
	case timerFired:
		if e.mon == nil {
			return nil
		}
		return e.apply(e.mon.Expired(m.gen))
	}
	return nil
}

func (e *Engine) start() error {
	e.setState(domain.BroadcasterCapturing)
	media, err := e.deps.Capturer.Capture(e.ctx, e.cfg.Constraints)
	if err != nil {
		return domain.NewCaptureError("capture", err)
	}
	e.media = media

	e.setState(domain.BroadcasterOffering)
	tr, err := e.deps.Transports.NewTransport(domain.OriginOfferer, e.sid, nil)
	if err != nil {
		return domain.NewTransportError("new transport", "setup", err)
	}
	e.tr = tr
	e.outbox = app.NewCandidateOutbox(e.deps.Store, domain.OriginOfferer, e.deps.Retry)
	e.remote = app.NewCandidateQueue(tr.AddICECandidate, e.log)
	e.mon = monitor.New(e.deps.Monitor, func(gen uint64) { e.post(timerFired{gen: gen}) })

	tr.OnICECandidate(func(ci webrtc.ICECandidateInit) { e.post(localCandidate{ci: ci}) })
	tr.OnStateChange(func(s webrtc.ICEConnectionState) { e.post(transportState{s: s}) })

	if err := tr.AddTracks(media.Tracks()); err != nil {
		return domain.NewTransportError("add tracks", "setup", err)
	}
	offer, err := tr.CreateOffer(e.ctx)
	if err != nil {
		return domain.NewNegotiationError("create offer", err)
	}

	if err := e.publish(offer.SDP); err != nil {
		return err
	}
	if err := e.watch(); err != nil {
		return err
	}
	if err := e.outbox.Open(e.ctx, e.sid); err != nil {
		return err
	}

	e.heartbeat = time.NewTicker(e.deps.Heartbeat)
	e.setState(domain.BroadcasterNegotiating)
	return nil
}

// publish creates the session record. Generated ids are re-rolled on
// collision; chosen ids are not.
func (e *Engine) publish(offer string) error {
	for attempt := 1; ; attempt++ {
		now := time.Now()
		s := domain.Session{
			ID:          e.sid,
			OwnerID:     e.cfg.OwnerID,
			DeviceLabel: e.label,
			OfferSDP:    offer,
			Online:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err := e.deps.Retry.Do(e.ctx, "create session", func(ctx context.Context) error {
			_, err := e.deps.Store.CreateRecord(ctx, domain.SessionPath(s.ID), s.Fields())
			return err
		})
		if err == nil {
			e.published = true
			e.log.Info().Str("label", e.label).Msg("session published")
			return nil
		}
		if errors.Is(err, core.ErrAlreadyExists) {
			if e.generated && attempt < maxIDAttempts {
				e.renameTo(domain.NewDeviceID())
				continue
			}
			return domain.NewSignalingWriteError("create session", "session-exists", err)
		}
		return domain.NewSignalingWriteError("create session", "", err)
	}
}

func (e *Engine) renameTo(sid domain.SessionID) {
	e.mu.Lock()
	old := e.sid
	e.sid = sid
	e.mu.Unlock()
	if e.label == string(old) {
		e.label = string(sid)
	}
	e.log = log.With().Str("module", "app.broadcaster").Str("sid", string(sid)).Logger()
	e.log.Info().Str("taken", string(old)).Msg("device id taken, re-rolled")
}

func (e *Engine) watch() error {
	unsub, err := e.deps.Store.SubscribeRecord(domain.SessionPath(e.sid), func(doc domain.Doc, exists bool) {
		e.post(sessionDoc{doc: doc, exists: exists})
	})
	if err != nil {
		return domain.NewSignalingWriteError("subscribe session", "", err)
	}
	e.unsubs = append(e.unsubs, unsub)

	unsub, err = e.deps.Store.SubscribeCollection(domain.CandidatesPath(e.sid, domain.OriginAnswerer), func(recs []core.Record) {
		e.post(remoteCandidates{recs: recs})
	})
	if err != nil {
		return domain.NewSignalingWriteError("subscribe candidates", "", err)
	}
	e.unsubs = append(e.unsubs, unsub)
	return nil
}

func (e *Engine) onSessionDoc(doc domain.Doc, exists bool) error {
	if !exists {
		return domain.NewSignalingWriteError("watch session", domain.ReasonSessionRemoved, nil)
	}
	if e.answered {
		return nil
	}
	answer, _ := doc[domain.FieldAnswerSDP].(string)
	if answer == "" {
		return nil
	}
	e.answered = true
	if err := e.tr.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return domain.NewNegotiationError("apply answer", err)
	}
	e.log.Info().Int("held_candidates", e.remote.Pending()).Msg("answer applied")
	e.remote.Ready()
	e.maybeLive()
	return nil
}

func (e *Engine) apply(d monitor.Decision) error {
	switch d.Action {
	case monitor.Connected:
		e.connected = true
		e.maybeLive()
	case monitor.Degraded:
		e.connected = false
		if e.State() == domain.BroadcasterLive {
			e.setState(domain.BroadcasterNegotiating)
		}
	case monitor.Restart:
		e.connected = false
		if e.State() == domain.BroadcasterLive {
			e.setState(domain.BroadcasterNegotiating)
		}
		e.log.Warn().Int("attempt", d.Attempt).Msg("restarting ICE")
		if err := e.tr.RestartICE(); err != nil {
			e.log.Warn().Err(err).Msg("ICE restart")
		}
	case monitor.Failed:
		return d.Err
	}
	return nil
}

func (e *Engine) maybeLive() {
	if e.answered && e.connected && e.State() == domain.BroadcasterNegotiating {
		e.setState(domain.BroadcasterLive)
	}
}

func (e *Engine) setTrackEnabled(kind string, enabled bool) error {
	if e.media == nil {
		return ErrNoTrack
	}
	found := false
	for _, t := range e.media.Tracks() {
		if t.Kind().String() == kind {
			t.SetEnabled(enabled)
			found = true
		}
	}
	if !found {
		return ErrNoTrack
	}
	e.log.Info().Str("kind", kind).Bool("enabled", enabled).Msg("track toggled")
	return nil
}

// beat refreshes updatedAt. Update-only, so a reaped session is never
// recreated; a missed beat is only logged.
func (e *Engine) beat() {
	if !e.State().Running() {
		return
	}
	err := e.deps.Store.UpdateRecord(e.ctx, domain.SessionPath(e.sid), domain.Doc{
		domain.FieldUpdatedAt: time.Now(),
		domain.FieldOnline:    true,
	}, nil)
	if err != nil && e.ctx.Err() == nil {
		e.log.Warn().Err(err).Msg("heartbeat missed")
	}
}

func (e *Engine) fail(err error) {
	e.cancel()
	e.mu.Lock()
	e.err = err
	sid := e.sid
	e.mu.Unlock()
	e.log.Error().Err(err).Msg("broadcast failed")
	e.emit(app.ErrorEvent(app.RoleBroadcaster, sid, err))
	e.teardown(err)
}

// teardown releases everything in a fixed order: media, transport,
// subscriptions, then the session record.
func (e *Engine) teardown(cause error) {
	e.setState(domain.BroadcasterStopping)
	if e.heartbeat != nil {
		e.heartbeat.Stop()
		e.heartbeat = nil
	}
	if e.mon != nil {
		e.mon.Stop()
	}
	if e.outbox != nil {
		if n := e.outbox.Close(); n > 0 {
			e.log.Debug().Int("dropped", n).Msg("unpublished candidates dropped")
		}
	}

	if e.media != nil {
		e.media.Stop()
	}
	if e.tr != nil {
		if err := e.tr.Close(); err != nil {
			e.log.Warn().Err(err).Msg("close transport")
		}
	}
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil

	if e.published {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), deleteTimeout)
		if err := e.deps.Store.DeleteRecord(ctx, domain.SessionPath(e.sid)); err != nil {
			e.log.Warn().Err(err).Msg("delete session record")
		}
		cancel()
	}

	e.setState(domain.BroadcasterTerminated)
	if cause == nil {
		e.log.Info().Msg("broadcast stopped")
	}
}
