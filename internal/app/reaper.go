package app

import (
	"context"
	"time"

	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/rs/zerolog/log"
)

// Reaper deletes sessions whose broadcaster stopped heartbeating.
type Reaper struct {
	store    core.Store
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewReaper(store core.Store, ttl, interval time.Duration) *Reaper {
	return &Reaper{store: store, ttl: ttl, interval: interval, now: time.Now}
}

// Sweep removes every stale session once and reports how many it removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	recs, err := r.store.Query(ctx, domain.SessionsCollection)
	if err != nil {
		return 0, err
	}
	now := r.now()
	removed := 0
	for _, rec := range recs {
		id, ok := domain.SessionIDFromPath(rec.Path)
		if !ok {
			continue
		}
		s, err := domain.SessionFromDoc(id, rec.Data)
		if err != nil || !s.Stale(now, r.ttl) {
			continue
		}
		if err := r.store.DeleteRecord(ctx, rec.Path); err != nil {
			return removed, err
		}
		removed++
		log.Info().Str("module", "app.reaper").Str("sid", string(id)).Time("updated_at", s.UpdatedAt).Msg("reaped stale session")
	}
	return removed, nil
}

// Run sweeps on every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("module", "app.reaper").Msg("sweep failed")
			}
		}
	}
}
