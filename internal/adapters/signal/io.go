package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/livecam/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type sessionsMsg struct {
	Type     string           `json:"type"`
	Sessions []domain.Session `json:"sessions"`
}

type whoamiMsg struct {
	Type   string `json:"type"`
	Client string `json:"client"`
	Owner  string `json:"owner"`
}

type setTrackMsg struct {
	SessionID domain.SessionID `json:"sessionId"`
	Kind      string           `json:"kind"`
	Enabled   bool             `json:"enabled"`
}

type resultMsg struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (ctl *FeedController) writePump(ctx context.Context, c *WsFeedConn) {
	var ping <-chan time.Time
	if ctl.PingPeriod > 0 {
		t := time.NewTicker(ctl.PingPeriod)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *FeedController) readPump(ctx context.Context, cancel context.CancelFunc, p peer, c *WsFeedConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("client", string(p.client)).Msg("readPump closing")
		cancel()
		c.Close()
	}()

	if ctl.PingPeriod > 0 {
		wait := ctl.PingPeriod * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("client", string(p.client)).Msg("readPump read error")
			}
			return
		}
		ctl.handleMessage(ctx, p, c, data)
	}
}

func (ctl *FeedController) handleMessage(ctx context.Context, p peer, c *WsFeedConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "ping":
		ctl.sendJSON(c, map[string]string{"type": "pong"})
	case "whoami":
		ctl.sendJSON(c, whoamiMsg{Type: "whoami", Client: string(p.client), Owner: string(p.owner)})
	case "set_track":
		ctl.handleSetTrack(ctx, p, c, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown message")
	}
}

func (ctl *FeedController) handleSetTrack(ctx context.Context, p peer, c *WsFeedConn, data []byte) {
	var req setTrackMsg
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendJSON(c, resultMsg{Type: "set_track", Error: "invalid request"})
		return
	}
	if err := ctl.Orch.SetTrackEnabled(ctx, p.owner, req.SessionID, req.Kind, req.Enabled); err != nil {
		ctl.sendJSON(c, resultMsg{Type: "set_track", Error: err.Error()})
		return
	}
	ctl.sendJSON(c, resultMsg{Type: "set_track", OK: true})
}

func (ctl *FeedController) sendJSON(c *WsFeedConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil && err != ErrConnClosed {
		log.Warn().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}
