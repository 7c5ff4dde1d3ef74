// Package channel implements the two realtime channels of the client: the
// message stream and the presence stream. Both share the subscription
// lifecycle in link: handshake with timeout, bounded exponential resubscribe
// on transport failure, token hot-swap, idempotent teardown.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/pedrolmn/chatlink/internal/bus"
	"github.com/pedrolmn/chatlink/internal/chat"
	"github.com/pedrolmn/chatlink/internal/status"
	"github.com/pedrolmn/chatlink/internal/transport"
	"go.uber.org/zap"
)

// Config carries one channel's tuning knobs.
type Config struct {
	// Topic is the subscription topic.
	Topic string
	// HandshakeTimeout bounds the wait for subscription acknowledgment.
	// Zero selects 10s.
	HandshakeTimeout time.Duration
	// ResubscribeBase is the first resubscribe delay after a transport
	// failure; subsequent delays double. Zero selects 500ms.
	ResubscribeBase time.Duration
	// MaxResubscribes bounds channel-local resubscribe attempts before the
	// channel settles in disconnected with a terminal error. Zero selects 3.
	MaxResubscribes int
}

func (c *Config) fill() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ResubscribeBase <= 0 {
		c.ResubscribeBase = 500 * time.Millisecond
	}
	if c.MaxResubscribes <= 0 {
		c.MaxResubscribes = 3
	}
}

// link owns one subscription's lifecycle. It is embedded by both channels.
type link struct {
	cfg       Config
	transport transport.Client
	logger    *zap.Logger

	machine       *status.Machine
	statusChanges *bus.Emitter[status.Change]
	errs          *bus.Emitter[*chat.Error]

	mu          sync.Mutex
	auth        chat.AuthContext
	initialized bool
	unsubscribe func()
	attempts    int
	retryTimer  *time.Timer
	gen         int
	onEvent     func(transport.Event)
}

func newLink(t transport.Client, cfg Config, logger *zap.Logger) link {
	cfg.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	statusChanges := bus.NewEmitter[status.Change](logger)
	return link{
		cfg:           cfg,
		transport:     t,
		logger:        logger,
		machine:       status.NewMachine(statusChanges),
		statusChanges: statusChanges,
		errs:          bus.NewEmitter[*chat.Error](logger),
	}
}

// Status returns the channel's current connection status.
func (l *link) Status() status.Status {
	return l.machine.Current()
}

// Connected reports whether the channel currently holds an acknowledged
// subscription.
func (l *link) Connected() bool {
	return l.machine.Current() == status.Connected
}

// OnStatusChange registers a status listener and immediately invokes it
// once with the current status, so late subscribers never hold a stale
// view. Returns an unsubscribe function.
func (l *link) OnStatusChange(fn func(status.Status)) func() {
	unsub := l.statusChanges.Subscribe(func(c status.Change) { fn(c.To) })
	fn(l.machine.Current())
	return unsub
}

// OnError registers a listener for channel-local errors.
func (l *link) OnError(fn func(*chat.Error)) func() {
	return l.errs.Subscribe(fn)
}

// UpdateToken hot-swaps the bearer credential for subsequent operations
// without tearing down the subscription. No status transition occurs.
func (l *link) UpdateToken(token string) {
	l.mu.Lock()
	l.auth.AccessToken = token
	l.mu.Unlock()
	l.transport.UpdateToken(token)
}

// open establishes the subscription and blocks until the server
// acknowledges it, the handshake times out, or ctx is done. onEvent
// receives payload deliveries in transport order.
func (l *link) open(ctx context.Context, auth chat.AuthContext, onEvent func(transport.Event)) error {
	l.mu.Lock()
	if l.initialized {
		l.mu.Unlock()
		return nil
	}
	l.auth = auth
	l.onEvent = onEvent
	l.mu.Unlock()

	l.transport.UpdateToken(auth.AccessToken)
	if err := l.machine.Transition(status.Connecting); err != nil {
		return chat.ConnectionFailed("channel is not ready to connect", err)
	}

	if err := l.subscribe(ctx); err != nil {
		_ = l.machine.Transition(status.Disconnected)
		return err
	}

	l.mu.Lock()
	l.initialized = true
	l.attempts = 0
	l.mu.Unlock()
	_ = l.machine.Transition(status.Connected)
	l.logger.Info("channel subscribed", zap.String("topic", l.cfg.Topic))
	return nil
}

// subscribe opens one transport subscription and waits for acknowledgment.
func (l *link) subscribe(ctx context.Context) error {
	l.mu.Lock()
	l.gen++
	gen := l.gen
	onEvent := l.onEvent
	l.mu.Unlock()

	ready := make(chan error, 1)
	acked := false

	unsubscribe, err := l.transport.Subscribe(l.cfg.Topic, transport.SubscribeOptions{
		OnStatus: func(st transport.SubscriptionStatus, cause error) {
			switch st {
			case transport.Subscribed:
				if !acked {
					acked = true
					ready <- nil
				}
			case transport.ChannelError, transport.TimedOut:
				if !acked {
					acked = true
					ready <- cause
					return
				}
				l.handleTransportFailure(gen, chat.ConnectionFailed("subscription lost", cause))
			case transport.Closed:
				// Local teardown, nothing to do.
			}
		},
		OnEvent: onEvent,
	})
	if err != nil {
		return chat.ConnectionFailed("subscribe failed", err)
	}

	select {
	case err := <-ready:
		if err != nil {
			unsubscribe()
			return chat.ConnectionFailed("subscription rejected", err)
		}
	case <-time.After(l.cfg.HandshakeTimeout):
		unsubscribe()
		return chat.Errorf(chat.KindConnectionFailed, "subscription handshake timed out after %s", l.cfg.HandshakeTimeout)
	case <-ctx.Done():
		unsubscribe()
		return chat.ConnectionFailed("subscription cancelled", ctx.Err())
	}

	l.mu.Lock()
	if gen != l.gen {
		// A disconnect raced the handshake; drop the fresh subscription.
		l.mu.Unlock()
		unsubscribe()
		return chat.Errorf(chat.KindConnectionFailed, "channel was torn down during handshake")
	}
	l.unsubscribe = unsubscribe
	l.mu.Unlock()
	return nil
}

// failCurrent reports a failure observed outside the subscription's own
// status callback, e.g. a failed heartbeat publish, against the current
// subscription generation.
func (l *link) failCurrent(cause *chat.Error) {
	l.mu.Lock()
	gen := l.gen
	l.mu.Unlock()
	l.handleTransportFailure(gen, cause)
}

// handleTransportFailure reacts to a failure of an established
// subscription: report the error, then resubscribe with exponential backoff
// until acknowledged or attempts are exhausted.
func (l *link) handleTransportFailure(gen int, cause *chat.Error) {
	l.mu.Lock()
	if gen != l.gen || !l.initialized {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.errs.Emit(cause)
	l.scheduleResubscribe(gen)
}

func (l *link) scheduleResubscribe(gen int) {
	l.mu.Lock()
	if gen != l.gen || !l.initialized {
		l.mu.Unlock()
		return
	}
	if l.attempts >= l.cfg.MaxResubscribes {
		attempts := l.attempts
		l.mu.Unlock()
		_ = l.machine.Transition(status.Disconnected)
		l.errs.Emit(chat.ConnectionExhausted(attempts, nil))
		l.logger.Warn("channel resubscribe attempts exhausted",
			zap.String("topic", l.cfg.Topic), zap.Int("attempts", attempts))
		return
	}

	delay := l.cfg.ResubscribeBase * (1 << l.attempts)
	l.mu.Unlock()

	_ = l.machine.Transition(status.Reconnecting)
	l.logger.Info("channel resubscribe scheduled",
		zap.String("topic", l.cfg.Topic), zap.Duration("delay", delay))

	l.mu.Lock()
	l.retryTimer = time.AfterFunc(delay, func() { l.resubscribe(gen) })
	l.mu.Unlock()
}

func (l *link) resubscribe(gen int) {
	l.mu.Lock()
	if gen != l.gen || !l.initialized {
		l.mu.Unlock()
		return
	}
	l.attempts++
	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HandshakeTimeout)
	defer cancel()
	if err := l.subscribe(ctx); err != nil {
		l.errs.Emit(chat.Wrap(err))
		l.scheduleResubscribe(gen + 1)
		return
	}

	l.mu.Lock()
	l.attempts = 0
	l.mu.Unlock()
	_ = l.machine.Transition(status.Connected)
	l.logger.Info("channel resubscribed", zap.String("topic", l.cfg.Topic))
}

// close tears the subscription down. Idempotent; safe before open.
func (l *link) close() {
	l.mu.Lock()
	l.gen++
	l.initialized = false
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	unsubscribe := l.unsubscribe
	l.unsubscribe = nil
	l.attempts = 0
	l.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	_ = l.machine.Transition(status.Disconnected)
}

// currentAuth returns a copy of the stored auth context.
func (l *link) currentAuth() chat.AuthContext {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.auth
}

func (l *link) isInitialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialized
}
