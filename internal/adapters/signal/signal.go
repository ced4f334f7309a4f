// Package signal serves live websocket feeds: engine lifecycle events and
// the owner's joinable sessions.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/livecam/internal/app/orch"
	"github.com/dkeye/livecam/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	sendBuffer  = 32
	eventBuffer = 64
	writeWait   = 5 * time.Second
)

type FeedController struct {
	Orch       *orch.Orchestrator
	PingPeriod time.Duration
	ReadLimit  int64
}

func NewFeedController(o *orch.Orchestrator, pingPeriod time.Duration, readLimit int64) *FeedController {
	return &FeedController{Orch: o, PingPeriod: pingPeriod, ReadLimit: readLimit}
}

// peer is who a feed connection belongs to.
type peer struct {
	client orch.ClientID
	owner  domain.OwnerID
}

type WsFeedConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsFeedConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsFeedConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *FeedController) upgrade(c *gin.Context) (*WsFeedConn, peer, bool) {
	p := peer{
		client: orch.ClientID(c.GetString("client_token")),
		owner:  domain.OwnerID(c.GetString("owner_id")),
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return nil, p, false
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}
	return &WsFeedConn{conn: ws, send: make(chan []byte, sendBuffer)}, p, true
}

// HandleEvents streams the caller's engine events: its viewer's and those
// of broadcasts it owns.
func (ctl *FeedController) HandleEvents(ctx context.Context, c *gin.Context) {
	conn, p, ok := ctl.upgrade(c)
	if !ok {
		return
	}
	log.Info().Str("module", "signal").Str("client", string(p.client)).Msg("events feed opened")

	ctx, cancel := context.WithCancel(ctx)
	events, unsubscribe := ctl.Orch.Subscribe(eventBuffer)

	go ctl.writePump(ctx, conn)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					log.Warn().Str("module", "signal").Str("client", string(p.client)).Msg("events feed dropped by hub")
					cancel()
					return
				}
				if (ev.Client != "" && ev.Client == string(p.client)) || (ev.Owner != "" && ev.Owner == p.owner) {
					ctl.sendJSON(conn, ev)
				}
			}
		}
	}()
	go ctl.readPump(ctx, cancel, p, conn)
}

// HandleSessions pushes the owner's joinable session list on every change.
func (ctl *FeedController) HandleSessions(ctx context.Context, c *gin.Context) {
	conn, p, ok := ctl.upgrade(c)
	if !ok {
		return
	}
	log.Info().Str("module", "signal").Str("owner", string(p.owner)).Msg("sessions feed opened")

	ctx, cancel := context.WithCancel(ctx)
	unsubscribe, err := ctl.Orch.WatchSessions(p.owner, func(sessions []domain.Session) {
		ctl.sendJSON(conn, sessionsMsg{Type: "sessions", Sessions: sessions})
	})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("watch sessions")
		cancel()
		conn.Close()
		return
	}

	go ctl.writePump(ctx, conn)
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	go ctl.readPump(ctx, cancel, p, conn)
}
