package app

import (
	"errors"
	"testing"

	"github.com/dkeye/livecam/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFansOutToSubscribers(t *testing.T) {
	h := NewHub(nil)
	a, cancelA := h.Subscribe(4)
	b, cancelB := h.Subscribe(4)
	defer cancelA()
	defer cancelB()

	h.Publish(StateEvent(RoleViewer, "CAM-0001", "LIVE"))

	for _, ch := range []<-chan Event{a, b} {
		ev := <-ch
		assert.Equal(t, EventState, ev.Type)
		assert.Equal(t, "LIVE", ev.State)
		assert.Equal(t, domain.SessionID("CAM-0001"), ev.SessionID)
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe(1)
	require.Equal(t, 1, h.Subscribers())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, h.Subscribers())
}

func TestHubDropPolicyKeepsSlowSubscriber(t *testing.T) {
	h := NewHub(DropPolicy{})
	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Publish(StateEvent(RoleViewer, "CAM-0001", "LOOKUP"))
	h.Publish(StateEvent(RoleViewer, "CAM-0001", "ANSWERING"))

	ev := <-ch
	assert.Equal(t, "LOOKUP", ev.State)
	assert.Equal(t, 1, h.Subscribers())
	assert.Empty(t, ch)
}

func TestHubStrictPolicyClosesOnMissedError(t *testing.T) {
	h := NewHub(StrictErrorPolicy{})
	ch, cancel := h.Subscribe(1)
	defer cancel()

	h.Publish(StateEvent(RoleBroadcaster, "CAM-0001", "LIVE"))
	h.Publish(StateEvent(RoleBroadcaster, "CAM-0001", "CLOSED"))
	require.Equal(t, 1, h.Subscribers())

	h.Publish(ErrorEvent(RoleBroadcaster, "CAM-0001", errors.New("boom")))
	assert.Zero(t, h.Subscribers())

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "LIVE", ev.State)
	_, ok = <-ch
	assert.False(t, ok)
}

func TestErrorEventCarriesKind(t *testing.T) {
	ev := ErrorEvent(RoleViewer, "CAM-0001", domain.NewNotFoundError("lookup", domain.ReasonSessionMissing))
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, "NotFoundError", ev.Kind)
	assert.False(t, ev.Fatal)

	ev = ErrorEvent(RoleViewer, "CAM-0001", domain.NewTransportError("monitor", domain.ReasonICEFailed, nil))
	assert.Equal(t, "TransportError", ev.Kind)
	assert.True(t, ev.Fatal)

	ev = ErrorEvent(RoleViewer, "CAM-0001", errors.New("plain"))
	assert.Empty(t, ev.Kind)
	assert.False(t, ev.Fatal)
}
