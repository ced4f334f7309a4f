package app

import (
	"sync"
	"time"

	"github.com/dkeye/livecam/internal/domain"
	"github.com/rs/zerolog/log"
)

type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

type EventType string

const (
	EventState EventType = "state"
	EventError EventType = "error"
)

// Event is a state change or an error of one engine instance.
type Event struct {
	Type      EventType        `json:"type"`
	Role      Role             `json:"role"`
	SessionID domain.SessionID `json:"sessionId,omitempty"`

	// Client is set on viewer events, Owner on broadcaster events.
	Client string         `json:"client,omitempty"`
	Owner  domain.OwnerID `json:"owner,omitempty"`

	State string    `json:"state,omitempty"`
	Err   error     `json:"-"`
	Error string    `json:"error,omitempty"`
	Kind  string    `json:"kind,omitempty"`
	Fatal bool      `json:"fatal,omitempty"`
	At    time.Time `json:"at"`
}

func StateEvent(role Role, sid domain.SessionID, state string) Event {
	return Event{Type: EventState, Role: role, SessionID: sid, State: state, At: time.Now()}
}

func ErrorEvent(role Role, sid domain.SessionID, err error) Event {
	ev := Event{Type: EventError, Role: role, SessionID: sid, Err: err, Error: err.Error(), At: time.Now()}
	if k := domain.KindOf(err); k != 0 {
		ev.Kind = k.String()
		ev.Fatal = k != domain.KindNotFound
	}
	return ev
}

// Publisher accepts engine events.
type Publisher interface {
	Publish(Event)
}

// Discard drops all events.
type Discard struct{}

func (Discard) Publish(Event) {}

type hubSub struct {
	ch     chan Event
	closed bool
}

// Hub fans events out to subscribers without blocking publishers.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*hubSub
	next   uint64
	policy Policy
}

func NewHub(policy Policy) *Hub {
	if policy == nil {
		policy = DropPolicy{}
	}
	return &Hub{subs: make(map[uint64]*hubSub), policy: policy}
}

// Subscribe returns a channel of future events and a cancel func that
// closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	s := &hubSub{ch: make(chan Event, buffer)}
	h.subs[id] = s
	return s.ch, func() { h.remove(id) }
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
}

func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		switch h.policy.OnBackPressure(ev) {
		case CloseSubscriber:
			delete(h.subs, id)
			s.closed = true
			close(s.ch)
			log.Warn().Str("module", "app.events").Uint64("sub", id).Msg("slow subscriber closed")
		case DropEvent:
			log.Warn().Str("module", "app.events").Uint64("sub", id).Str("type", string(ev.Type)).Msg("event dropped for slow subscriber")
		}
	}
}

// Subscribers is the number of attached subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
