// Package viewer runs the answerer side: it looks a session up, answers its
// offer and consumes the broadcaster's stream. A Viewer holds at most one
// connection instance at a time.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/livecam/internal/app"
	"github.com/dkeye/livecam/internal/app/monitor"
	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Store      core.Store
	Transports core.TransportFactory
	Events     app.Publisher
	// TTL is the heartbeat age after which a session is not joinable.
	TTL     time.Duration
	Monitor monitor.Config
	Retry   app.RetryPolicy
	// Sink receives inbound media; may be nil.
	Sink core.TrackSink
	// Client tags events with the owner of this viewer.
	Client string
}

func (d *Deps) withDefaults() {
	if d.Events == nil {
		d.Events = app.Discard{}
	}
	if d.TTL <= 0 {
		d.TTL = 15 * time.Second
	}
	if d.Monitor == (monitor.Config{}) {
		d.Monitor = monitor.DefaultConfig()
	}
	if d.Retry == (app.RetryPolicy{}) {
		d.Retry = app.DefaultRetryPolicy()
	}
}

// Viewer is the caller-facing handle. Connect and Disconnect are serialized;
// Disconnect interrupts a Connect in progress.
type Viewer struct {
	deps Deps
	log  zerolog.Logger

	cmd sync.Mutex

	mu           sync.RWMutex
	state        domain.ViewerState
	sid          domain.SessionID
	err          error
	cur          *instance
	tracks       []core.TrackInfo
	abortConnect context.CancelFunc
}

func New(deps Deps) *Viewer {
	deps.withDefaults()
	return &Viewer{
		deps: deps,
		log:  log.With().Str("module", "app.viewer").Str("client", deps.Client).Logger(),
	}
}

// Connect tears down any current connection, then joins sid. It returns
// once the new connection is NEGOTIATING. A NotFoundError leaves the viewer
// IDLE and may be retried.
func (v *Viewer) Connect(ctx context.Context, sid domain.SessionID) error {
	v.cmd.Lock()
	defer v.cmd.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	v.mu.Lock()
	v.abortConnect = cancel
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.abortConnect = nil
		v.mu.Unlock()
	}()

	v.closeCurrent()

	v.mu.Lock()
	v.sid = sid
	v.err = nil
	v.tracks = nil
	v.mu.Unlock()
	v.setState(domain.ViewerLookup)

	sess, err := v.lookup(ctx, sid)
	if err != nil {
		if domain.KindOf(err) == domain.KindNegotiation {
			v.failed(err, domain.ViewerTerminated)
		} else {
			v.failed(err, domain.ViewerIdle)
		}
		return err
	}

	in := newInstance(v, sess)
	v.mu.Lock()
	v.cur = in
	v.mu.Unlock()
	v.setState(domain.ViewerAnswering)
	go in.run()

	if err := in.answer(ctx); err != nil {
		in.cancel()
		<-in.done
		v.mu.Lock()
		abandoned := v.cur == in
		if abandoned {
			v.cur = nil
		}
		v.mu.Unlock()
		if abandoned {
			v.setState(domain.ViewerIdle)
		}
		return err
	}
	return nil
}

// Disconnect ends the current connection and leaves the viewer TERMINATED.
func (v *Viewer) Disconnect(ctx context.Context) error {
	v.mu.RLock()
	if v.abortConnect != nil {
		v.abortConnect()
	}
	if v.cur != nil {
		v.cur.cancel()
	}
	v.mu.RUnlock()

	locked := make(chan struct{})
	go func() {
		v.cmd.Lock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-ctx.Done():
		go func() {
			<-locked
			v.cmd.Unlock()
		}()
		return ctx.Err()
	}
	defer v.cmd.Unlock()

	v.closeCurrent()
	v.setState(domain.ViewerTerminated)
	return nil
}

// Stop is Disconnect; it lets a Viewer sit in an app.Registry.
func (v *Viewer) Stop(ctx context.Context) error { return v.Disconnect(ctx) }

func (v *Viewer) State() domain.ViewerState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// SessionID is the session of the current or last connection.
func (v *Viewer) SessionID() domain.SessionID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sid
}

// Err is the error that ended the last connection attempt, if any.
func (v *Viewer) Err() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.err
}

// Tracks lists inbound tracks of the current connection.
func (v *Viewer) Tracks() []core.TrackInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]core.TrackInfo(nil), v.tracks...)
}

func (v *Viewer) lookup(ctx context.Context, sid domain.SessionID) (domain.Session, error) {
	doc, ok, err := v.deps.Store.GetRecord(ctx, domain.SessionPath(sid))
	if err != nil {
		return domain.Session{}, fmt.Errorf("lookup %s: %w", sid, err)
	}
	if !ok {
		return domain.Session{}, domain.NewNotFoundError("lookup", domain.ReasonSessionMissing)
	}
	sess, err := domain.SessionFromDoc(sid, doc)
	if err != nil {
		return domain.Session{}, domain.NewNegotiationError("lookup", err)
	}
	if !sess.Live(time.Now(), v.deps.TTL) {
		return domain.Session{}, domain.NewNotFoundError("lookup", domain.ReasonSessionStale)
	}
	if sess.Answered() {
		return domain.Session{}, domain.NewNotFoundError("lookup", domain.ReasonSessionBusy)
	}
	if sess.OfferSDP == "" {
		return domain.Session{}, domain.NewNegotiationError("lookup", errors.New("session has no offer"))
	}
	return sess, nil
}

// closeCurrent cancels the current instance and waits for its teardown.
// Caller holds v.cmd.
func (v *Viewer) closeCurrent() {
	v.mu.Lock()
	in := v.cur
	v.cur = nil
	v.mu.Unlock()
	if in == nil {
		return
	}
	in.cancel()
	<-in.done
}

func (v *Viewer) setState(s domain.ViewerState) {
	v.mu.Lock()
	prev := v.state
	v.state = s
	sid := v.sid
	v.mu.Unlock()
	if prev == s {
		return
	}
	v.log.Info().Str("sid", string(sid)).Str("from", prev.String()).Str("to", s.String()).Msg("state")
	v.publish(app.StateEvent(app.RoleViewer, sid, s.String()))
}

// setStateFrom applies a state reported by in, unless in was replaced.
func (v *Viewer) setStateFrom(in *instance, s domain.ViewerState) {
	v.mu.RLock()
	current := v.cur == in
	v.mu.RUnlock()
	if current {
		v.setState(s)
	}
}

func (v *Viewer) addTrack(in *instance, t core.TrackInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cur == in {
		v.tracks = append(v.tracks, t)
	}
}

// ended is called by an instance that stopped on its own because of err.
func (v *Viewer) ended(in *instance, err error) {
	v.mu.Lock()
	if v.cur != in {
		v.mu.Unlock()
		return
	}
	v.cur = nil
	v.mu.Unlock()

	next := domain.ViewerTerminated
	if domain.KindOf(err) == domain.KindNotFound {
		next = domain.ViewerIdle
	}
	v.failed(err, next)
}

func (v *Viewer) failed(err error, next domain.ViewerState) {
	v.mu.Lock()
	v.err = err
	sid := v.sid
	v.mu.Unlock()
	v.log.Warn().Err(err).Str("sid", string(sid)).Msg("connection ended")
	v.publish(app.ErrorEvent(app.RoleViewer, sid, err))
	v.setState(next)
}

func (v *Viewer) publish(ev app.Event) {
	ev.Client = v.deps.Client
	v.deps.Events.Publish(ev)
}
