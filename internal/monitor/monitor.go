// Package monitor tracks reachability of the remote store.
//
// It runs a single state-machine goroutine that probes the remote on a
// schedule, accepts fault reports from the dispatcher, and broadcasts
// state transitions to subscribers (the dispatcher, the listener, and the
// UI event bridge).
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quillfin/quill/internal/remote"
)

// State is the connection state of the remote store.
type State string

const (
	// Disconnected: remote unreachable, queue accumulates.
	Disconnected State = "disconnected"
	// Connecting: probe in flight after startup or an outage.
	Connecting State = "connecting"
	// Connected: remote reachable and healthy.
	Connected State = "connected"
	// Degraded: reachable but a recent health check or dispatch failed.
	Degraded State = "degraded"
)

const (
	defaultHealthInterval   = 30 * time.Second
	defaultRecoveryInterval = 5 * time.Second
	probeBackoffBase        = time.Second
	probeBackoffCap         = 16 * time.Second

	// Consecutive failures before a degraded link is declared down.
	disconnectThreshold = 3
)

// Monitor is the connection state machine. Create with New, drive with
// Start; all other methods are safe from any goroutine.
type Monitor struct {
	remote remote.Store

	healthInterval   time.Duration
	recoveryInterval time.Duration

	mu    sync.Mutex
	state State
	subs  []chan State

	kick   chan struct{} // ReconnectNow requests
	faults chan struct{} // transport error reports

	fails    int // consecutive failures while connected/degraded
	attempts int // consecutive failed probes while disconnected
}

// New creates a monitor for the given remote store.
func New(r remote.Store) *Monitor {
	return &Monitor{
		remote:           r,
		healthInterval:   defaultHealthInterval,
		recoveryInterval: defaultRecoveryInterval,
		state:            Disconnected,
		kick:             make(chan struct{}, 1),
		faults:           make(chan struct{}, 1),
	}
}

// SetIntervals overrides the probe schedule. Call before Start; tests use
// this to run the machine at millisecond speed.
func (m *Monitor) SetIntervals(health, recovery time.Duration) {
	m.healthInterval = health
	m.recoveryInterval = recovery
}

// State returns the current connection state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel delivering every state transition. Slow
// subscribers lose intermediate transitions, never the channel.
func (m *Monitor) Subscribe() <-chan State {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan State, 8)
	m.subs = append(m.subs, ch)
	return ch
}

// ReconnectNow requests an immediate probe, skipping any backoff. Wired
// to the UI "reconnect" button.
func (m *Monitor) ReconnectNow() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// ReportTransportError tells the monitor a remote call failed in another
// component, so state degrades without waiting for the next health check.
func (m *Monitor) ReportTransportError() {
	select {
	case m.faults <- struct{}{}:
	default:
	}
}

// Start runs the state machine until ctx is canceled. The first probe
// fires immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.setState(Connecting)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-m.kick:
			m.mu.Lock()
			m.attempts = 0
			m.mu.Unlock()
			m.setState(Connecting)
			m.probe(ctx)
			resetTimer(timer, m.nextInterval())

		case <-m.faults:
			m.recordFailure()
			resetTimer(timer, m.nextInterval())

		case <-timer.C:
			// A recovery probe passes through connecting, like a manual one.
			if m.State() == Disconnected {
				m.setState(Connecting)
			}
			m.probe(ctx)
			timer.Reset(m.nextInterval())
		}
	}
}

// probe pings the remote and folds the result into the state machine.
func (m *Monitor) probe(ctx context.Context) {
	err := m.remote.Ping(ctx)
	if err == nil {
		m.mu.Lock()
		m.fails = 0
		m.attempts = 0
		m.mu.Unlock()
		m.setState(Connected)
		return
	}
	zap.S().Debugf("Remote probe failed: %v", err)
	m.recordFailure()
}

// recordFailure degrades the state: a healthy link drops to degraded on
// the first failure and to disconnected after the threshold.
func (m *Monitor) recordFailure() {
	m.mu.Lock()
	state := m.state
	m.fails++
	fails := m.fails
	if state == Disconnected || state == Connecting {
		m.attempts++
	}
	m.mu.Unlock()

	switch {
	case state == Connecting, state == Disconnected:
		m.setState(Disconnected)
	case fails >= disconnectThreshold:
		m.setState(Disconnected)
	default:
		m.setState(Degraded)
	}
}

// nextInterval picks the delay before the next probe. Healthy links are
// checked on the health interval; a down link is probed on the recovery
// interval stretched by exponential backoff.
func (m *Monitor) nextInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Connected, Degraded:
		return m.healthInterval
	default:
		backoff := probeBackoffBase << uint(m.attempts)
		if backoff <= 0 || backoff > probeBackoffCap {
			backoff = probeBackoffCap
		}
		if backoff < m.recoveryInterval {
			return m.recoveryInterval
		}
		return backoff
	}
}

func (m *Monitor) setState(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	subs := make([]chan State, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	zap.S().Infof("Connection state: %s -> %s", prev, next)
	for _, sub := range subs {
		select {
		case sub <- next:
		default:
		}
	}
}

// resetTimer drains and rearms a timer that may have fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
