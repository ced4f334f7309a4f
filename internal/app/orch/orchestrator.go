// Package orch is the caller-facing surface: it starts and stops
// broadcasts, attaches viewers to sessions and exposes discovery and
// lifecycle events.
package orch

import (
	"context"
	"errors"

	"github.com/dkeye/livecam/internal/app"
	"github.com/dkeye/livecam/internal/app/broadcaster"
	"github.com/dkeye/livecam/internal/app/viewer"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/rs/zerolog/log"
)

// ClientID identifies a caller (browser tab, CLI) owning at most one viewer.
type ClientID string

// Deps are templates copied into every engine the orchestrator creates.
type Deps struct {
	Broadcast broadcaster.Deps
	View      viewer.Deps
	Events    *app.Hub
	Sessions  *app.SessionRegistry
}

type Orchestrator struct {
	Broadcasts *app.Registry[domain.SessionID, *broadcaster.Engine]
	Viewers    *app.Registry[ClientID, *viewer.Viewer]
	Sessions   *app.SessionRegistry
	Events     *app.Hub

	broadcast broadcaster.Deps
	view      viewer.Deps
}

func New(deps Deps) *Orchestrator {
	if deps.Events == nil {
		deps.Events = app.NewHub(nil)
	}
	deps.Broadcast.Events = deps.Events
	deps.View.Events = deps.Events
	return &Orchestrator{
		Broadcasts: app.NewRegistry[domain.SessionID, *broadcaster.Engine]("orch.broadcasts"),
		Viewers:    app.NewRegistry[ClientID, *viewer.Viewer]("orch.viewers"),
		Sessions:   deps.Sessions,
		Events:     deps.Events,
		broadcast:  deps.Broadcast,
		view:       deps.View,
	}
}

// Subscribe streams state and error events of every engine.
func (o *Orchestrator) Subscribe(buffer int) (<-chan app.Event, func()) {
	return o.Events.Subscribe(buffer)
}

// Shutdown stops every broadcast and viewer.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := errors.Join(
		o.Viewers.StopAll(ctx),
		o.Broadcasts.StopAll(ctx),
	)
	log.Info().Str("module", "orch").Err(err).Msg("shutdown complete")
	return err
}
