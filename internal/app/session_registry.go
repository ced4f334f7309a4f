package app

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/rs/zerolog/log"
)

// SessionRegistry lists the sessions a viewer may join. It never writes.
type SessionRegistry struct {
	store core.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewSessionRegistry(store core.Store, ttl time.Duration) *SessionRegistry {
	return &SessionRegistry{store: store, ttl: ttl, now: time.Now}
}

func ownerFilters(owner domain.OwnerID) []core.Filter {
	return []core.Filter{
		{Field: domain.FieldOwnerID, Value: string(owner)},
		{Field: domain.FieldOnline, Value: true},
	}
}

// ActiveSessions is a one-shot read of ListActiveSessions.
func (r *SessionRegistry) ActiveSessions(ctx context.Context, owner domain.OwnerID) ([]domain.Session, error) {
	recs, err := r.store.Query(ctx, domain.SessionsCollection, ownerFilters(owner)...)
	if err != nil {
		return nil, err
	}
	return r.fresh(recs), nil
}

// ListActiveSessions calls fn with the owner's joinable sessions whenever the
// set changes. Sessions are also re-checked against the TTL periodically,
// so one that stops heartbeating disappears without any store write.
func (r *SessionRegistry) ListActiveSessions(owner domain.OwnerID, fn func([]domain.Session)) (core.Unsubscribe, error) {
	var (
		mu     sync.Mutex
		last   []core.Record
		listed []domain.SessionID
	)
	emit := func(recs []core.Record, force bool) {
		mu.Lock()
		defer mu.Unlock()
		last = recs
		sessions := r.fresh(recs)
		ids := make([]domain.SessionID, 0, len(sessions))
		for _, s := range sessions {
			ids = append(ids, s.ID)
		}
		if !force && slices.Equal(ids, listed) {
			return
		}
		listed = ids
		fn(sessions)
	}

	unsub, err := r.store.SubscribeQuery(domain.SessionsCollection, ownerFilters(owner), func(recs []core.Record) {
		emit(recs, true)
	})
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(r.refreshEvery())
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				mu.Lock()
				recs := last
				mu.Unlock()
				emit(recs, false)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(stop)
		})
	}, nil
}

func (r *SessionRegistry) refreshEvery() time.Duration {
	d := r.ttl / 3
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

func (r *SessionRegistry) fresh(recs []core.Record) []domain.Session {
	now := r.now()
	out := make([]domain.Session, 0, len(recs))
	for _, rec := range recs {
		id, ok := domain.SessionIDFromPath(rec.Path)
		if !ok {
			continue
		}
		s, err := domain.SessionFromDoc(id, rec.Data)
		if err != nil {
			log.Warn().Err(err).Str("module", "app.sessions").Str("sid", string(id)).Msg("skipping unreadable session")
			continue
		}
		if s.Live(now, r.ttl) {
			out = append(out, s)
		}
	}
	return out
}
