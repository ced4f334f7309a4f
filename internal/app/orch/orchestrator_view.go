package orch

import (
	"context"

	"github.com/dkeye/livecam/internal/app/viewer"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/rs/zerolog/log"
)

// Connect attaches client's viewer to sid, creating the viewer on first use.
// A client switching sessions keeps its viewer; the old connection is torn
// down before the new one answers.
func (o *Orchestrator) Connect(ctx context.Context, client ClientID, sid domain.SessionID) (*viewer.Viewer, error) {
	v, ok := o.Viewers.Get(client)
	if !ok {
		deps := o.view
		deps.Client = string(client)
		v = viewer.New(deps)
		if !o.Viewers.BindNew(client, v) {
			if cur, ok := o.Viewers.Get(client); ok {
				v = cur
			}
		}
	}
	if err := v.Connect(ctx, sid); err != nil {
		log.Info().Str("module", "orch").Str("client", string(client)).Str("sid", string(sid)).Err(err).Msg("connect failed")
		return v, err
	}
	return v, nil
}

// Disconnect ends client's viewer and forgets it.
func (o *Orchestrator) Disconnect(ctx context.Context, client ClientID) error {
	v, ok := o.Viewers.Unbind(client)
	if !ok {
		return nil
	}
	return v.Disconnect(ctx)
}

// Viewer returns client's viewer, if any.
func (o *Orchestrator) Viewer(client ClientID) (*viewer.Viewer, bool) {
	return o.Viewers.Get(client)
}
