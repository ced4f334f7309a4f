// Package monitor turns ICE connection states into engine decisions: a
// grace period for brief drops and a bounded number of ICE restarts.
package monitor

import (
	"time"

	"github.com/dkeye/livecam/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	// Grace is how long a disconnected transport may take to recover on
	// its own before it counts as failed.
	Grace time.Duration
	// MaxRestarts bounds ICE restart attempts per outage.
	MaxRestarts int
	// RestartTimeout is how long one restart attempt may take.
	RestartTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Grace: 4 * time.Second, MaxRestarts: 3, RestartTimeout: 8 * time.Second}
}

type Action uint8

const (
	// None: nothing for the engine to do.
	None Action = iota
	// Connected: the transport is (again) connected.
	Connected
	// Degraded: connectivity dropped; the grace timer runs.
	Degraded
	// Restart: the engine must call RestartICE now.
	Restart
	// Failed: the transport is lost for good.
	Failed
)

func (a Action) String() string {
	switch a {
	case None:
		return "none"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Restart:
		return "restart"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Decision is the monitor's verdict for one input.
type Decision struct {
	Action Action
	// Attempt is the 1-based restart attempt for Restart.
	Attempt int
	// Err is set for Failed.
	Err *domain.Error
}

// Monitor is owned by one engine loop and is not safe for concurrent use.
// Timer expiries are delivered through fire, tagged with a generation; the
// engine hands them back via Expired and stale generations are ignored.
type Monitor struct {
	cfg  Config
	fire func(gen uint64)

	state     webrtc.ICEConnectionState
	restarts  int
	gen       uint64
	timer     *time.Timer
	stopped   bool
}

func New(cfg Config, fire func(gen uint64)) *Monitor {
	return &Monitor{cfg: cfg, fire: fire, state: webrtc.ICEConnectionStateNew}
}

// State is the last observed transport state.
func (m *Monitor) State() webrtc.ICEConnectionState { return m.state }

// Restarts is the number of restarts in the current outage.
func (m *Monitor) Restarts() int { return m.restarts }

// Observe feeds a transport state change.
func (m *Monitor) Observe(s webrtc.ICEConnectionState) Decision {
	if m.stopped {
		return Decision{}
	}
	prev := m.state
	m.state = s

	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		m.cancelTimer()
		m.restarts = 0
		if prev == webrtc.ICEConnectionStateConnected || prev == webrtc.ICEConnectionStateCompleted {
			return Decision{}
		}
		return Decision{Action: Connected}
	case webrtc.ICEConnectionStateDisconnected:
		if m.timer != nil {
			return Decision{}
		}
		m.startTimer(m.cfg.Grace)
		return Decision{Action: Degraded}
	case webrtc.ICEConnectionStateFailed:
		return m.escalate(domain.ReasonICEFailed)
	case webrtc.ICEConnectionStateClosed:
		m.cancelTimer()
		return Decision{
			Action: Failed,
			Err:    domain.NewTransportError("monitor", domain.ReasonTransportClosed, nil),
		}
	}
	return Decision{}
}

// Expired handles a timer firing for generation gen.
func (m *Monitor) Expired(gen uint64) Decision {
	if m.stopped || gen != m.gen || m.timer == nil {
		return Decision{}
	}
	m.timer = nil
	switch m.state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return Decision{}
	}
	return m.escalate(domain.ReasonICEFailed)
}

// Stop cancels pending timers; later inputs are ignored.
func (m *Monitor) Stop() {
	m.stopped = true
	m.cancelTimer()
}

func (m *Monitor) escalate(reason string) Decision {
	m.cancelTimer()
	if m.restarts >= m.cfg.MaxRestarts {
		if m.restarts > 0 {
			reason = domain.ReasonRestartsExhausted
		}
		return Decision{
			Action: Failed,
			Err:    domain.NewTransportError("monitor", reason, nil),
		}
	}
	m.restarts++
	m.startTimer(m.cfg.RestartTimeout)
	return Decision{Action: Restart, Attempt: m.restarts}
}

func (m *Monitor) startTimer(d time.Duration) {
	m.cancelTimer()
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(d, func() { m.fire(gen) })
}

func (m *Monitor) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}
