package broadcaster

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/livecam/internal/adapters/store"
	"github.com/dkeye/livecam/internal/app"
	"github.com/dkeye/livecam/internal/app/monitor"
	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/core/coretest"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/transport/v3/test"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var bg = context.Background()

// recordingStore logs successful candidate appends and deletes in order and
// can hold appends until their context ends.
type recordingStore struct {
	*store.MemoryStore

	mu      sync.Mutex
	ops     []string
	block   atomic.Bool
	started chan struct{}
	once    sync.Once
}

func (s *recordingStore) AppendRecord(ctx context.Context, coll string, doc domain.Doc) (string, error) {
	if s.block.Load() {
		s.once.Do(func() { close(s.started) })
		<-ctx.Done()
		return "", ctx.Err()
	}
	id, err := s.MemoryStore.AppendRecord(ctx, coll, doc)
	if err == nil {
		s.record("append " + coll)
	}
	return id, err
}

func (s *recordingStore) DeleteRecord(ctx context.Context, path string) error {
	err := s.MemoryStore.DeleteRecord(ctx, path)
	s.record("delete " + path)
	return err
}

func (s *recordingStore) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
}

func (s *recordingStore) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

type harness struct {
	store      *store.MemoryStore
	transports *coretest.Factory
	capturer   *coretest.Capturer
	hub        *app.Hub
	deps       Deps
}

func newHarness(opts ...store.Option) *harness {
	h := &harness{
		store:      store.NewMemoryStore(opts...),
		transports: &coretest.Factory{},
		capturer:   &coretest.Capturer{},
		hub:        app.NewHub(nil),
	}
	h.deps = Deps{
		Store:      h.store,
		Transports: h.transports,
		Capturer:   h.capturer,
		Events:     h.hub,
		Heartbeat:  time.Hour,
		Monitor:    monitor.Config{Grace: 20 * time.Millisecond, MaxRestarts: 2, RestartTimeout: 20 * time.Millisecond},
		Retry:      app.RetryPolicy{Retries: 2, Initial: time.Millisecond, Max: 5 * time.Millisecond},
	}
	return h
}

func camConfig() Config {
	return Config{
		OwnerID:     "owner-1",
		DeviceLabel: "CAM-7731",
		Constraints: core.Constraints{Video: true, Audio: true},
	}
}

func startEngine(t *testing.T, deps Deps, cfg Config) *Engine {
	t.Helper()
	e, err := New(deps, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(bg))
	require.Equal(t, domain.BroadcasterNegotiating, e.State())
	return e
}

func waitState(t *testing.T, e *Engine, want domain.BroadcasterState) {
	t.Helper()
	require.Eventually(t, func() bool { return e.State() == want }, waitFor, tick, "want %s, have %s", want, e.State())
}

func answer(t *testing.T, s core.Store, sid domain.SessionID, sdp string) {
	t.Helper()
	require.NoError(t, s.UpdateRecord(bg, domain.SessionPath(sid), domain.Doc{domain.FieldAnswerSDP: sdp}, nil))
}

func appendAnswerer(t *testing.T, s core.Store, sid domain.SessionID, seq uint64, cand string) {
	t.Helper()
	rec := domain.NewCandidateRecord(sid, domain.OriginAnswerer, seq, webrtc.ICECandidateInit{Candidate: cand})
	_, err := s.AppendRecord(bg, domain.CandidatesPath(sid, domain.OriginAnswerer), rec.Fields())
	require.NoError(t, err)
}

func TestStartPublishesSession(t *testing.T) {
	h := newHarness()
	e := startEngine(t, h.deps, camConfig())
	defer e.Stop(bg)

	assert.Equal(t, domain.SessionID("CAM-7731"), e.SessionID())
	doc, ok, err := h.store.GetRecord(bg, "sessions/CAM-7731")
	require.NoError(t, err)
	require.True(t, ok)

	s, err := domain.SessionFromDoc("CAM-7731", doc)
	require.NoError(t, err)
	assert.True(t, s.Online)
	assert.NotEmpty(t, s.OfferSDP)
	assert.False(t, s.Answered())
	assert.Equal(t, domain.OwnerID("owner-1"), s.OwnerID)
	assert.Equal(t, 2, h.transports.Last().Tracks())
}

func TestAnswerAppliedOnce(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	h := newHarness(store.WithDuplicateDelivery())
	e := startEngine(t, h.deps, camConfig())
	defer e.Stop(bg)
	tr := h.transports.Last()

	answer(t, h.store, e.SessionID(), "v=0 answer")
	require.NoError(t, h.store.SetFields(bg, domain.SessionPath(e.SessionID()), domain.Doc{domain.FieldAnswerSDP: "v=0 answer"}, true))
	require.Eventually(t, func() bool { return tr.Remote() != nil }, waitFor, tick)

	tr.EmitState(webrtc.ICEConnectionStateConnected)
	waitState(t, e, domain.BroadcasterLive)
	assert.Equal(t, 1, tr.RemoteCalls())
}

func TestRemoteCandidatesHeldUntilAnswer(t *testing.T) {
	h := newHarness(store.WithDuplicateDelivery())
	e := startEngine(t, h.deps, camConfig())
	defer e.Stop(bg)
	tr := h.transports.Last()

	for i, c := range []string{"c1", "c2", "c3"} {
		appendAnswerer(t, h.store, e.SessionID(), uint64(i+1), c)
	}
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, tr.Added(), "candidates must wait for the answer")

	answer(t, h.store, e.SessionID(), "v=0 answer")
	require.Eventually(t, func() bool { return len(tr.Added()) == 3 }, waitFor, tick)

	appendAnswerer(t, h.store, e.SessionID(), 4, "c4")
	require.Eventually(t, func() bool { return len(tr.Added()) == 4 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, tr.Added())
}

func TestLocalCandidatesPublishedInOrder(t *testing.T) {
	h := newHarness()
	e := startEngine(t, h.deps, camConfig())
	defer e.Stop(bg)
	tr := h.transports.Last()

	for _, c := range []string{"l1", "l2", "l3"} {
		tr.EmitCandidate(c)
	}
	coll := domain.CandidatesPath(e.SessionID(), domain.OriginOfferer)
	var recs []core.Record
	require.Eventually(t, func() bool {
		recs, _ = h.store.Query(bg, coll)
		return len(recs) == 3
	}, waitFor, tick)

	for i, want := range []string{"l1", "l2", "l3"} {
		rec, err := domain.CandidateFromDoc(recs[i].Data)
		require.NoError(t, err)
		assert.Equal(t, want, rec.Candidate)
		assert.Equal(t, domain.OriginOfferer, rec.Origin)
		assert.Equal(t, uint64(i+1), rec.Sequence)
	}
}

func TestStopFromEveryState(t *testing.T) {
	cases := []struct {
		name  string
		reach func(t *testing.T, h *harness, e *Engine)
	}{
		{"idle", func(*testing.T, *harness, *Engine) {}},
		{"capturing", func(t *testing.T, h *harness, e *Engine) {
			go func() { _ = e.Start(bg) }()
			waitState(t, e, domain.BroadcasterCapturing)
		}},
		{"negotiating", func(t *testing.T, h *harness, e *Engine) {
			close(h.capturer.Block)
			require.NoError(t, e.Start(bg))
		}},
		{"live", func(t *testing.T, h *harness, e *Engine) {
			close(h.capturer.Block)
			require.NoError(t, e.Start(bg))
			answer(t, h.store, e.SessionID(), "v=0 answer")
			h.transports.Last().EmitState(webrtc.ICEConnectionStateConnected)
			waitState(t, e, domain.BroadcasterLive)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			h.capturer.Block = make(chan struct{})
			e, err := New(h.deps, camConfig())
			require.NoError(t, err)

			tc.reach(t, h, e)
			require.NoError(t, e.Stop(bg))

			assert.Equal(t, domain.BroadcasterTerminated, e.State())
			assert.Equal(t, 0, h.store.ActiveSubscriptions())
			for _, tr := range h.transports.All() {
				assert.True(t, tr.Closed())
			}
			if src := h.capturer.Last(); src != nil {
				assert.True(t, src.Stopped())
			}
			_, ok, _ := h.store.GetRecord(bg, domain.SessionPath(e.SessionID()))
			assert.False(t, ok)
			assert.NoError(t, e.Err())
		})
	}
}

func TestStopWithQueuedCandidatesLeavesNoOrphanWrites(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	h := newHarness()
	rs := &recordingStore{MemoryStore: h.store, started: make(chan struct{})}
	h.deps.Store = rs
	e := startEngine(t, h.deps, camConfig())
	tr := h.transports.Last()

	rs.block.Store(true)
	for _, c := range []string{"q1", "q2", "q3"} {
		tr.EmitCandidate(c)
	}
	<-rs.started

	require.NoError(t, e.Stop(bg))

	ops := rs.Ops()
	require.NotEmpty(t, ops)
	assert.Equal(t, "delete sessions/CAM-7731", ops[len(ops)-1])
	for _, op := range ops {
		assert.False(t, strings.HasPrefix(op, "append"), "unexpected candidate write %q", op)
	}
	assert.Equal(t, 0, h.store.Len())
}

func TestCaptureFailureTerminates(t *testing.T) {
	h := newHarness()
	h.capturer.Err = coretest.ErrNoDevice
	events, cancel := h.hub.Subscribe(32)
	defer cancel()

	e, err := New(h.deps, camConfig())
	require.NoError(t, err)
	err = e.Start(bg)
	require.ErrorIs(t, err, domain.ErrCapture)
	require.ErrorIs(t, err, coretest.ErrNoDevice)

	<-e.Done()
	assert.Equal(t, domain.BroadcasterTerminated, e.State())
	assert.ErrorIs(t, e.Err(), domain.ErrCapture)
	assert.Empty(t, h.transports.All())
	assert.Equal(t, 0, h.store.Len())

	var sawError bool
	for len(events) > 0 {
		ev := <-events
		if ev.Type == app.EventError {
			sawError = true
			assert.Equal(t, "CaptureError", ev.Kind)
			assert.True(t, ev.Fatal)
		}
	}
	assert.True(t, sawError)
}

func TestTransportFailureExhaustsRestarts(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	h := newHarness()
	e := startEngine(t, h.deps, camConfig())
	tr := h.transports.Last()
	answer(t, h.store, e.SessionID(), "v=0 answer")
	tr.EmitState(webrtc.ICEConnectionStateConnected)
	waitState(t, e, domain.BroadcasterLive)

	tr.EmitState(webrtc.ICEConnectionStateFailed)

	select {
	case <-e.Done():
	case <-time.After(waitFor):
		t.Fatal("engine did not terminate")
	}
	assert.ErrorIs(t, e.Err(), domain.ErrTransport)
	assert.Equal(t, 2, tr.Restarts())
	assert.True(t, tr.Closed())
	_, ok, _ := h.store.GetRecord(bg, domain.SessionPath(e.SessionID()))
	assert.False(t, ok)
}

func TestTransientDisconnectReturnsToLive(t *testing.T) {
	h := newHarness()
	h.deps.Monitor.Grace = time.Second
	e := startEngine(t, h.deps, camConfig())
	defer e.Stop(bg)
	tr := h.transports.Last()
	answer(t, h.store, e.SessionID(), "v=0 answer")
	tr.EmitState(webrtc.ICEConnectionStateConnected)
	waitState(t, e, domain.BroadcasterLive)

	tr.EmitState(webrtc.ICEConnectionStateDisconnected)
	waitState(t, e, domain.BroadcasterNegotiating)
	tr.EmitState(webrtc.ICEConnectionStateConnected)
	waitState(t, e, domain.BroadcasterLive)
	assert.Equal(t, 0, tr.Restarts())
}

func TestHeartbeatRefreshesUpdatedAt(t *testing.T) {
	h := newHarness()
	h.deps.Heartbeat = 10 * time.Millisecond
	e := startEngine(t, h.deps, camConfig())
	defer e.Stop(bg)

	first := readSession(t, h.store, e.SessionID()).UpdatedAt
	require.Eventually(t, func() bool {
		return readSession(t, h.store, e.SessionID()).UpdatedAt.After(first)
	}, waitFor, tick)
}

func readSession(t *testing.T, s core.Store, sid domain.SessionID) domain.Session {
	t.Helper()
	doc, ok, err := s.GetRecord(bg, domain.SessionPath(sid))
	require.NoError(t, err)
	require.True(t, ok)
	sess, err := domain.SessionFromDoc(sid, doc)
	require.NoError(t, err)
	return sess
}

func TestRemovedSessionTerminates(t *testing.T) {
	h := newHarness()
	h.deps.Heartbeat = 5 * time.Millisecond
	e := startEngine(t, h.deps, camConfig())

	require.NoError(t, h.store.DeleteRecord(bg, domain.SessionPath(e.SessionID())))
	<-e.Done()

	assert.ErrorIs(t, e.Err(), domain.ErrSignalingWrite)
	assert.Contains(t, e.Err().Error(), domain.ReasonSessionRemoved)
	assert.Equal(t, 0, h.store.Len(), "heartbeat must not recreate the session")
}

func TestChosenIDCollision(t *testing.T) {
	h := newHarness()
	_, err := h.store.CreateRecord(bg, "sessions/CAM-7731", domain.Doc{"ownerId": "someone-else"})
	require.NoError(t, err)

	e, err := New(h.deps, camConfig())
	require.NoError(t, err)
	err = e.Start(bg)
	require.ErrorIs(t, err, domain.ErrSignalingWrite)
	<-e.Done()

	doc, ok, _ := h.store.GetRecord(bg, "sessions/CAM-7731")
	require.True(t, ok, "a record we did not create must survive")
	assert.Equal(t, "someone-else", doc["ownerId"])
}

func TestSetTrackEnabled(t *testing.T) {
	h := newHarness()
	e := startEngine(t, h.deps, camConfig())
	defer e.Stop(bg)

	require.NoError(t, e.SetTrackEnabled(bg, "video", false))
	for _, tr := range h.capturer.Last().Tracks() {
		assert.Equal(t, tr.Kind().String() != "video", tr.Enabled())
	}
	assert.ErrorIs(t, e.SetTrackEnabled(bg, "screen", true), ErrNoTrack)
}

func TestStartTwice(t *testing.T) {
	h := newHarness()
	e := startEngine(t, h.deps, camConfig())
	defer e.Stop(bg)
	assert.ErrorIs(t, e.Start(bg), ErrAlreadyStarted)
}
