package monitor

import (
	"testing"
	"time"

	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(cfg Config) (*Monitor, chan uint64) {
	fired := make(chan uint64, 8)
	return New(cfg, func(gen uint64) { fired <- gen }), fired
}

func waitFire(t *testing.T, fired chan uint64) uint64 {
	t.Helper()
	select {
	case gen := <-fired:
		return gen
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
		return 0
	}
}

func TestConnectedIsReportedOnce(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig())
	assert.Equal(t, None, m.Observe(webrtc.ICEConnectionStateChecking).Action)
	assert.Equal(t, Connected, m.Observe(webrtc.ICEConnectionStateConnected).Action)
	assert.Equal(t, None, m.Observe(webrtc.ICEConnectionStateCompleted).Action)
}

func TestDisconnectRecoversWithinGrace(t *testing.T) {
	m, _ := newTestMonitor(Config{Grace: time.Second, MaxRestarts: 2, RestartTimeout: time.Second})
	m.Observe(webrtc.ICEConnectionStateConnected)

	assert.Equal(t, Degraded, m.Observe(webrtc.ICEConnectionStateDisconnected).Action)
	assert.Equal(t, None, m.Observe(webrtc.ICEConnectionStateDisconnected).Action, "grace timer already running")
	assert.Equal(t, Connected, m.Observe(webrtc.ICEConnectionStateConnected).Action)
	assert.Equal(t, 0, m.Restarts())
}

func TestStaleTimerIsIgnored(t *testing.T) {
	m, fired := newTestMonitor(Config{Grace: 10 * time.Millisecond, MaxRestarts: 2, RestartTimeout: time.Second})
	m.Observe(webrtc.ICEConnectionStateConnected)
	m.Observe(webrtc.ICEConnectionStateDisconnected)

	gen := waitFire(t, fired)
	// recovery is processed before the queued expiry
	assert.Equal(t, Connected, m.Observe(webrtc.ICEConnectionStateConnected).Action)
	assert.Equal(t, None, m.Expired(gen).Action)
}

func TestGraceExpiryEscalatesToRestart(t *testing.T) {
	m, fired := newTestMonitor(Config{Grace: 10 * time.Millisecond, MaxRestarts: 2, RestartTimeout: 10 * time.Millisecond})
	m.Observe(webrtc.ICEConnectionStateConnected)
	m.Observe(webrtc.ICEConnectionStateDisconnected)

	d := m.Expired(waitFire(t, fired))
	require.Equal(t, Restart, d.Action)
	assert.Equal(t, 1, d.Attempt)

	d = m.Expired(waitFire(t, fired))
	require.Equal(t, Restart, d.Action)
	assert.Equal(t, 2, d.Attempt)

	d = m.Expired(waitFire(t, fired))
	require.Equal(t, Failed, d.Action)
	require.NotNil(t, d.Err)
	assert.ErrorIs(t, d.Err, domain.ErrTransport)
	assert.Equal(t, domain.ReasonRestartsExhausted, d.Err.Reason)
}

func TestFailedWithoutRestartBudget(t *testing.T) {
	m, _ := newTestMonitor(Config{Grace: time.Second, MaxRestarts: 0, RestartTimeout: time.Second})
	d := m.Observe(webrtc.ICEConnectionStateFailed)
	require.Equal(t, Failed, d.Action)
	assert.Equal(t, domain.ReasonICEFailed, d.Err.Reason)
}

func TestRecoveryResetsRestartBudget(t *testing.T) {
	m, _ := newTestMonitor(Config{Grace: time.Second, MaxRestarts: 1, RestartTimeout: time.Second})
	m.Observe(webrtc.ICEConnectionStateConnected)
	assert.Equal(t, Restart, m.Observe(webrtc.ICEConnectionStateFailed).Action)
	assert.Equal(t, Connected, m.Observe(webrtc.ICEConnectionStateConnected).Action)
	assert.Equal(t, Restart, m.Observe(webrtc.ICEConnectionStateFailed).Action)
	assert.Equal(t, Failed, m.Observe(webrtc.ICEConnectionStateFailed).Action)
}

func TestClosedAndStopped(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig())
	d := m.Observe(webrtc.ICEConnectionStateClosed)
	require.Equal(t, Failed, d.Action)
	assert.Equal(t, domain.ReasonTransportClosed, d.Err.Reason)

	m.Stop()
	assert.Equal(t, None, m.Observe(webrtc.ICEConnectionStateFailed).Action)
}
