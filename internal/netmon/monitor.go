// Package netmon observes host connectivity and surfaces online/offline
// transitions to the connection manager.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/pedrolmn/chatlink/internal/bus"
	"github.com/pedrolmn/chatlink/internal/chat"
	"go.uber.org/zap"
)

// Prober checks host connectivity. Implementations should return quickly;
// the hint fields of the returned status are best-effort.
type Prober interface {
	Probe(ctx context.Context) chat.NetworkStatus
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) chat.NetworkStatus

func (f ProbeFunc) Probe(ctx context.Context) chat.NetworkStatus { return f(ctx) }

// Monitor polls a Prober and emits a change event whenever the online flag
// flips. Change delivery is decoupled from the observing goroutine so that a
// slow listener never blocks the poll loop, but flips are fanned out from a
// single dispatch goroutine so listeners always see transitions in the order
// they were observed. Without a prober the monitor degrades to "always
// online" and never fails.
type Monitor struct {
	mu       sync.RWMutex
	current  chat.NetworkStatus
	prober   Prober
	interval time.Duration
	changes  *bus.Emitter[chat.NetworkStatus]
	logger   *zap.Logger
	cancel   context.CancelFunc
	wake     chan struct{}
	flips    chan chat.NetworkStatus
}

// New creates a monitor. prober may be nil; interval <= 0 selects a 5s poll.
func New(prober Prober, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		current:  chat.NetworkStatus{Online: true},
		prober:   prober,
		interval: interval,
		changes:  bus.NewEmitter[chat.NetworkStatus](logger),
		logger:   logger,
		wake:     make(chan struct{}, 1),
		flips:    make(chan chat.NetworkStatus, 16),
	}
	go m.dispatch()
	return m
}

// Status returns the current view. Synchronous, no side effects.
func (m *Monitor) Status() chat.NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online is shorthand for Status().Online.
func (m *Monitor) Online() bool { return m.Status().Online }

// Changes exposes the transition emitter. Listeners receive the new status
// after each online/offline flip.
func (m *Monitor) Changes() *bus.Emitter[chat.NetworkStatus] { return m.changes }

// Set records an externally observed status, e.g. from a host integration
// that already receives connectivity callbacks. Emits on flip.
func (m *Monitor) Set(ns chat.NetworkStatus) {
	m.mu.Lock()
	flipped := m.current.Online != ns.Online
	m.current = ns
	m.mu.Unlock()

	if flipped {
		m.logger.Info("network transition", zap.Bool("online", ns.Online), zap.String("conn_type", ns.ConnType))
		// A full buffer blocks the caller rather than reordering or
		// dropping a transition.
		m.flips <- ns
	}
}

// dispatch fans flips out one at a time, preserving observation order.
func (m *Monitor) dispatch() {
	for ns := range m.flips {
		m.changes.Emit(ns)
	}
}

// Start begins the poll loop. A no-op without a prober.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop stops the poll loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Poke requests an immediate probe outside the regular interval.
func (m *Monitor) Poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Set(m.prober.Probe(ctx))
		case <-m.wake:
			m.Set(m.prober.Probe(ctx))
		case <-ctx.Done():
			return
		}
	}
}
