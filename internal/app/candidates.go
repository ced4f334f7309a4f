package app

import (
	"context"

	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// CandidateQueue applies remote candidates to a transport. Each record is
// applied at most once; records that arrive before the remote description
// is set are held and replayed in arrival order by Ready.
//
// Not safe for concurrent use; it belongs to one engine loop.
type CandidateQueue struct {
	apply   func(webrtc.ICECandidateInit) error
	seen    map[string]struct{}
	pending []webrtc.ICECandidateInit
	ready   bool
	log     zerolog.Logger
}

func NewCandidateQueue(apply func(webrtc.ICECandidateInit) error, logger zerolog.Logger) *CandidateQueue {
	return &CandidateQueue{
		apply: apply,
		seen:  make(map[string]struct{}),
		log:   logger,
	}
}

// Add takes a batch from a collection subscription.
func (q *CandidateQueue) Add(recs []core.Record) {
	for _, r := range recs {
		if _, dup := q.seen[r.ID]; dup {
			continue
		}
		q.seen[r.ID] = struct{}{}
		rec, err := domain.CandidateFromDoc(r.Data)
		if err != nil || rec.Candidate == "" {
			q.log.Warn().Err(err).Str("record", r.ID).Msg("skipping unreadable candidate")
			continue
		}
		if !q.ready {
			q.pending = append(q.pending, rec.Init())
			continue
		}
		q.applyOne(rec.Init())
	}
}

// Ready marks the remote description as set and replays held candidates.
func (q *CandidateQueue) Ready() {
	if q.ready {
		return
	}
	q.ready = true
	held := q.pending
	q.pending = nil
	for _, ci := range held {
		q.applyOne(ci)
	}
}

func (q *CandidateQueue) applyOne(ci webrtc.ICECandidateInit) {
	if err := q.apply(ci); err != nil {
		q.log.Warn().Err(err).Str("candidate", ci.Candidate).Msg("add remote candidate")
	}
}

// Pending is the number of held candidates.
func (q *CandidateQueue) Pending() int { return len(q.pending) }

// CandidateOutbox publishes local candidates into a session's queue for
// origin. Until Open names the session candidates are only buffered, so
// nothing is written against a parent record that does not exist yet. After
// Close nothing is written at all.
//
// Not safe for concurrent use; it belongs to one engine loop.
type CandidateOutbox struct {
	store  core.Store
	sid    domain.SessionID
	origin domain.Origin
	retry  RetryPolicy

	open    bool
	closed  bool
	pending []webrtc.ICECandidateInit
	seq     uint64
}

func NewCandidateOutbox(store core.Store, origin domain.Origin, retry RetryPolicy) *CandidateOutbox {
	return &CandidateOutbox{store: store, origin: origin, retry: retry}
}

// Push publishes ci, or buffers it while the outbox is not open.
func (o *CandidateOutbox) Push(ctx context.Context, ci webrtc.ICECandidateInit) error {
	if o.closed {
		return nil
	}
	if !o.open {
		o.pending = append(o.pending, ci)
		return nil
	}
	return o.write(ctx, ci)
}

// Open binds the outbox to sid, flushes buffered candidates in order and
// publishes directly from then on.
func (o *CandidateOutbox) Open(ctx context.Context, sid domain.SessionID) error {
	if o.closed || o.open {
		return nil
	}
	o.sid = sid
	o.open = true
	for len(o.pending) > 0 {
		ci := o.pending[0]
		if err := o.write(ctx, ci); err != nil {
			return err
		}
		o.pending = o.pending[1:]
	}
	o.pending = nil
	return nil
}

// Close discards buffered candidates and returns how many were dropped.
func (o *CandidateOutbox) Close() int {
	o.closed = true
	n := len(o.pending)
	o.pending = nil
	return n
}

func (o *CandidateOutbox) Pending() int { return len(o.pending) }

func (o *CandidateOutbox) write(ctx context.Context, ci webrtc.ICECandidateInit) error {
	o.seq++
	rec := domain.NewCandidateRecord(o.sid, o.origin, o.seq, ci)
	path := domain.CandidatesPath(o.sid, o.origin)
	err := o.retry.Do(ctx, "append candidate", func(ctx context.Context) error {
		_, err := o.store.AppendRecord(ctx, path, rec.Fields())
		return err
	})
	if err != nil {
		return domain.NewSignalingWriteError("append candidate", "", err)
	}
	return nil
}
