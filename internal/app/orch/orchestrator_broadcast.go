package orch

import (
	"context"

	"github.com/dkeye/livecam/internal/app/broadcaster"
	"github.com/dkeye/livecam/internal/core"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/rs/zerolog/log"
)

// Start runs a new broadcast and returns it once NEGOTIATING. The engine is
// unregistered automatically when it terminates.
func (o *Orchestrator) Start(ctx context.Context, cfg broadcaster.Config) (*broadcaster.Engine, error) {
	e, err := broadcaster.New(o.broadcast, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		_ = e.Stop(context.WithoutCancel(ctx))
		return nil, err
	}
	sid := e.SessionID()
	if !o.Broadcasts.BindNew(sid, e) {
		_ = e.Stop(context.WithoutCancel(ctx))
		return nil, domain.NewSignalingWriteError("start", "session-exists", core.ErrAlreadyExists)
	}
	go func() {
		<-e.Done()
		o.Broadcasts.UnbindIf(sid, e)
	}()
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("owner", string(cfg.OwnerID)).Msg("broadcast started")
	return e, nil
}

// Stop ends the broadcast sid. With a non-empty owner only that owner's
// broadcast is stopped.
func (o *Orchestrator) Stop(ctx context.Context, owner domain.OwnerID, sid domain.SessionID) error {
	e, ok := o.Broadcasts.Get(sid)
	if !ok || (owner != "" && e.OwnerID() != owner) {
		return domain.NewNotFoundError("stop", domain.ReasonSessionMissing)
	}
	o.Broadcasts.UnbindIf(sid, e)
	return e.Stop(ctx)
}

// Broadcast returns the running broadcast sid.
func (o *Orchestrator) Broadcast(sid domain.SessionID) (*broadcaster.Engine, bool) {
	return o.Broadcasts.Get(sid)
}

// BroadcastsOf lists running broadcasts started by owner in this process.
func (o *Orchestrator) BroadcastsOf(owner domain.OwnerID) []*broadcaster.Engine {
	var out []*broadcaster.Engine
	for _, sid := range o.Broadcasts.Keys() {
		if e, ok := o.Broadcasts.Get(sid); ok && e.OwnerID() == owner {
			out = append(out, e)
		}
	}
	return out
}

// SetTrackEnabled mutes or unmutes a track of the owner's broadcast.
func (o *Orchestrator) SetTrackEnabled(ctx context.Context, owner domain.OwnerID, sid domain.SessionID, kind string, enabled bool) error {
	e, ok := o.Broadcasts.Get(sid)
	if !ok || e.OwnerID() != owner {
		return domain.NewNotFoundError("set track", domain.ReasonSessionMissing)
	}
	return e.SetTrackEnabled(ctx, kind, enabled)
}

// ActiveSessions lists the owner's joinable sessions across all processes
// sharing the store.
func (o *Orchestrator) ActiveSessions(ctx context.Context, owner domain.OwnerID) ([]domain.Session, error) {
	return o.Sessions.ActiveSessions(ctx, owner)
}

// WatchSessions calls fn whenever the owner's joinable set changes.
func (o *Orchestrator) WatchSessions(owner domain.OwnerID, fn func([]domain.Session)) (core.Unsubscribe, error) {
	return o.Sessions.ListActiveSessions(owner, fn)
}
