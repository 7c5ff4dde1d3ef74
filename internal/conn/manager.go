// Package conn implements the connection manager: the orchestrator that
// composes the message channel, presence channel, offline queue, and
// network monitor into one coherent connection/health view, and owns the
// reconnection and offline-replay policy.
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/pedrolmn/chatlink/internal/bus"
	"github.com/pedrolmn/chatlink/internal/channel"
	"github.com/pedrolmn/chatlink/internal/chat"
	"github.com/pedrolmn/chatlink/internal/netmon"
	"github.com/pedrolmn/chatlink/internal/queue"
	"github.com/pedrolmn/chatlink/internal/status"
	"go.uber.org/zap"
)

// Config carries the manager's reconnection policy.
type Config struct {
	// ReconnectBase is the first reconnect delay; successive delays double.
	// Zero selects 1s.
	ReconnectBase time.Duration
	// MaxReconnects bounds automatic reconnect attempts before the manager
	// settles in disconnected with a terminal error. Zero selects 5.
	MaxReconnects int
	// InitTimeout bounds one full channel initialization pass during an
	// automatic reconnect. Zero selects 30s.
	InitTimeout time.Duration
}

func (c *Config) fill() {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 30 * time.Second
	}
}

// Params are the manager's constructor-injected collaborators. All of them
// are required except Logger.
type Params struct {
	Message  *channel.Message
	Presence *channel.Presence
	Queue    *queue.Queue
	Monitor  *netmon.Monitor
	Config   Config
	Logger   *zap.Logger
}

// Manager is the unified connection surface exposed to application code.
// One instance per process is the intended lifetime; construct it once and
// share it, there is no hidden global.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	msg     *channel.Message
	pres    *channel.Presence
	queue   *queue.Queue
	monitor *netmon.Monitor

	machine *status.Machine
	errs    *bus.Emitter[*chat.Error]
	health  *bus.Emitter[chat.ConnectionHealth]

	mu              sync.Mutex
	auth            *chat.AuthContext
	initialized     bool
	attempts        int
	lastError       *chat.Error
	lastConnectedAt *time.Time
	retryTimer      *time.Timer

	unsubs []func()
}

// New wires a manager over its collaborators and subscribes to their
// status, error, queue, and network events.
func New(p Params) *Manager {
	p.Config.fill()
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	m := &Manager{
		cfg:     p.Config,
		logger:  p.Logger.Named("conn"),
		msg:     p.Message,
		pres:    p.Presence,
		queue:   p.Queue,
		monitor: p.Monitor,
		machine: status.NewMachine(bus.NewEmitter[status.Change](p.Logger)),
		errs:    bus.NewEmitter[*chat.Error](p.Logger),
		health:  bus.NewEmitter[chat.ConnectionHealth](p.Logger),
	}

	m.unsubs = append(m.unsubs,
		m.msg.OnStatusChange(func(status.Status) { m.reduceStatus() }),
		m.pres.OnStatusChange(func(status.Status) { m.reduceStatus() }),
		m.msg.OnError(m.handleChannelError),
		m.pres.OnError(m.handleChannelError),
		m.queue.CountChanges().Subscribe(func(int) { m.emitHealth() }),
		m.monitor.Changes().Subscribe(m.handleNetworkChange),
	)
	return m
}

// Initialize stores the auth context and brings both channels up
// concurrently. With no supplied and no stored context it fails with an
// authentication error. A failed initialization engages the reconnection
// state machine (or settles in disconnected while the network is down) and
// the error is still returned to the caller.
func (m *Manager) Initialize(ctx context.Context, auth *chat.AuthContext) error {
	m.mu.Lock()
	if auth != nil {
		a := *auth
		m.auth = &a
	}
	if m.auth == nil {
		m.mu.Unlock()
		return chat.Errorf(chat.KindAuthRequired, "no authentication context available")
	}
	a := *m.auth
	m.stopRetryTimerLocked()
	m.mu.Unlock()

	_ = m.machine.Transition(status.Connecting)

	if err := m.initializeChannels(ctx, a); err != nil {
		ce := chat.Wrap(err)
		m.recordError(ce)
		m.errs.Emit(ce)
		if !m.monitor.Online() {
			m.logger.Warn("initialization failed while offline, waiting for network", zap.Error(ce))
			_ = m.machine.Transition(status.Disconnected)
			m.emitHealth()
		} else {
			m.scheduleReconnect()
		}
		return ce
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	m.logger.Info("connection initialized", zap.String("user", a.UserID))
	return nil
}

// QueueMessage validates and enqueues content for later delivery. Requires
// a stored auth context.
func (m *Manager) QueueMessage(content string) (string, error) {
	m.mu.Lock()
	auth := m.auth
	m.mu.Unlock()
	if auth == nil {
		return "", chat.Errorf(chat.KindAuthRequired, "cannot queue a message without authentication")
	}
	return m.queue.Enqueue(content, *auth)
}

// ProcessMessageQueue drains the offline queue through the message channel.
// A no-op when not connected; a drain already in progress makes a second
// call a no-op as well.
func (m *Manager) ProcessMessageQueue(ctx context.Context) {
	if !m.IsConnected() {
		return
	}
	m.queue.Drain(ctx, func(ctx context.Context, qm chat.QueuedMessage) error {
		_, err := m.msg.SendQueued(ctx, qm)
		return err
	})
}

// RetryFailedMessages re-attempts delivery of retained queue entries.
func (m *Manager) RetryFailedMessages(ctx context.Context) {
	m.ProcessMessageQueue(ctx)
}

// ClearMessageQueue discards all queued messages.
func (m *Manager) ClearMessageQueue() {
	m.queue.Clear()
}

// QueuedMessageCount returns the live queue length.
func (m *Manager) QueuedMessageCount() int {
	return m.queue.Count()
}

// SendMessage sends content through the message channel when connected and
// falls back to the offline queue otherwise. Validation and rate-limit
// rejections are terminal for the operation and are never queued.
func (m *Manager) SendMessage(ctx context.Context, content string) (chat.Message, error) {
	if m.IsConnected() {
		return m.msg.Send(ctx, content)
	}
	tempID, err := m.QueueMessage(content)
	if err != nil {
		return chat.Message{}, err
	}
	return chat.Message{ID: tempID, Content: content}, nil
}

// UpdateToken propagates a refreshed credential to both channels and the
// stored context without tearing down subscriptions.
func (m *Manager) UpdateToken(token string) {
	m.mu.Lock()
	if m.auth != nil {
		m.auth.AccessToken = token
	}
	m.mu.Unlock()
	m.msg.UpdateToken(token)
	m.pres.UpdateToken(token)
}

// CurrentUser returns a copy of the stored auth context, or nil.
func (m *Manager) CurrentUser() *chat.AuthContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auth == nil {
		return nil
	}
	a := *m.auth
	return &a
}

// CurrentToken returns the stored bearer credential, or "".
func (m *Manager) CurrentToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auth == nil {
		return ""
	}
	return m.auth.AccessToken
}

// Status returns the reduced overall connection status.
func (m *Manager) Status() status.Status {
	return m.machine.Current()
}

// IsConnected reports whether the overall status is connected.
func (m *Manager) IsConnected() bool {
	return m.machine.Current() == status.Connected
}

// IsHealthy reports whether both channels individually hold acknowledged
// subscriptions.
func (m *Manager) IsHealthy() bool {
	return m.msg.Connected() && m.pres.Connected()
}

// Stats returns the per-channel breakdown behind the health view.
func (m *Manager) Stats() chat.ConnectionStats {
	m.mu.Lock()
	attempts := m.attempts
	authenticated := m.auth != nil
	m.mu.Unlock()
	return chat.ConnectionStats{
		MessageConnected:  m.msg.Connected(),
		PresenceConnected: m.pres.Connected(),
		ReconnectAttempts: attempts,
		Healthy:           m.IsHealthy(),
		Authenticated:     authenticated,
	}
}

// Health returns the current aggregated health snapshot.
func (m *Manager) Health() chat.ConnectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthLocked()
}

// NetworkStatus is a read-through to the network monitor.
func (m *Manager) NetworkStatus() chat.NetworkStatus {
	return m.monitor.Status()
}

// OnStatusChange registers a status listener and immediately invokes it
// once with the current overall status.
func (m *Manager) OnStatusChange(fn func(status.Status)) func() {
	unsub := m.machine.Changes().Subscribe(func(c status.Change) { fn(c.To) })
	fn(m.machine.Current())
	return unsub
}

// OnError registers a listener for all errors surfaced by either channel
// or by the manager itself.
func (m *Manager) OnError(fn func(*chat.Error)) func() {
	return m.errs.Subscribe(fn)
}

// OnHealthChange registers a health listener and immediately invokes it
// once with the current snapshot. It also fires when queue depth, last
// error, or attempt count change even if overall status does not.
func (m *Manager) OnHealthChange(fn func(chat.ConnectionHealth)) func() {
	unsub := m.health.Subscribe(fn)
	fn(m.Health())
	return unsub
}

// Reconnect tears both channels down and re-initializes them with the
// stored auth context, resetting the attempt counter.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.stopRetryTimerLocked()
	m.attempts = 0
	m.initialized = false
	m.mu.Unlock()

	m.teardownChannels()
	return m.Initialize(ctx, nil)
}

// Disconnect tears both channels down, cancels timers, and forgets the
// stored auth context. Explicit disconnect forgets identity; automatic
// reconnection does not.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopRetryTimerLocked()
	m.auth = nil
	m.initialized = false
	m.attempts = 0
	m.mu.Unlock()

	m.teardownChannels()
	m.emitHealth()
	m.logger.Info("disconnected")
}

// Close releases the manager's subscriptions on its collaborators. The
// manager is unusable afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	for _, unsub := range m.unsubs {
		unsub()
	}
}

// initializeChannels brings both channels up concurrently. On any failure
// both channels are torn down so no half-open state survives.
func (m *Manager) initializeChannels(ctx context.Context, a chat.AuthContext) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := m.msg.Initialize(ctx, a); err != nil {
			errCh <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := m.pres.Initialize(ctx, a); err != nil {
			errCh <- err
		}
	}()
	wg.Wait()

	select {
	case err := <-errCh:
		m.teardownChannels()
		return err
	default:
		return nil
	}
}

func (m *Manager) teardownChannels() {
	m.msg.Disconnect()
	m.pres.Disconnect()
}

// reduceStatus folds the two channel statuses into the overall view and
// runs the on-connected bookkeeping when the reduction reaches connected.
func (m *Manager) reduceStatus() {
	overall := status.Reduce(m.msg.Status(), m.pres.Status())
	prev := m.machine.Current()
	if overall == prev {
		return
	}
	// Channels move through intermediate states the overall machine may
	// not accept directly (e.g. disconnected -> connected while the second
	// channel was already up).
	m.transitionTo(overall)
	if overall == status.Connected {
		m.onConnected()
	}
	m.emitHealth()
}

// onConnected is the single place where queued messages are given a chance
// to flush.
func (m *Manager) onConnected() {
	now := time.Now()
	m.mu.Lock()
	m.attempts = 0
	m.lastError = nil
	m.lastConnectedAt = &now
	m.stopRetryTimerLocked()
	m.mu.Unlock()

	m.logger.Info("connected")
	go m.ProcessMessageQueue(context.Background())
}

// handleChannelError forwards every channel error to the manager's
// listeners and drives the reconnection state machine for terminal
// connection failures. Transient transport blips are retried by the
// channel itself; validation and rate-limit errors never trigger
// reconnection.
func (m *Manager) handleChannelError(e *chat.Error) {
	m.recordError(e)
	m.errs.Emit(e)

	if e.Kind == chat.KindConnectionFailed && e.Terminal() {
		m.handleConnectionFailure()
		return
	}
	m.emitHealth()
}

// handleConnectionFailure is the reconnection algorithm: skip straight to
// disconnected while the network is down, otherwise back off and retry up
// to the configured bound.
func (m *Manager) handleConnectionFailure() {
	if !m.monitor.Online() {
		m.logger.Info("network is offline, deferring reconnection")
		_ = m.machine.Transition(status.Disconnected)
		m.emitHealth()
		return
	}
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.retryTimer != nil {
		m.mu.Unlock()
		return
	}
	if m.auth == nil {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxReconnects {
		attempts := m.attempts
		m.mu.Unlock()
		_ = m.machine.Transition(status.Disconnected)
		term := chat.ConnectionExhausted(attempts, nil)
		m.recordError(term)
		m.errs.Emit(term)
		m.emitHealth()
		m.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", attempts))
		return
	}
	delay := m.cfg.ReconnectBase * (1 << m.attempts)
	m.mu.Unlock()

	m.transitionTo(status.Reconnecting)
	m.logger.Info("reconnect scheduled", zap.Duration("delay", delay))

	m.mu.Lock()
	if m.retryTimer == nil {
		m.retryTimer = time.AfterFunc(delay, m.attemptReconnect)
	}
	m.mu.Unlock()
	m.emitHealth()
}

func (m *Manager) attemptReconnect() {
	m.mu.Lock()
	m.retryTimer = nil
	if m.auth == nil {
		m.mu.Unlock()
		return
	}
	m.attempts++
	a := *m.auth
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Info("reconnecting", zap.Int("attempt", attempt))
	m.teardownChannels()
	_ = m.machine.Transition(status.Connecting)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.InitTimeout)
	defer cancel()
	if err := m.initializeChannels(ctx, a); err != nil {
		ce := chat.Wrap(err)
		m.recordError(ce)
		m.errs.Emit(ce)
		if !m.monitor.Online() {
			_ = m.machine.Transition(status.Disconnected)
			m.emitHealth()
			return
		}
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
}

// handleNetworkChange reacts to connectivity flips: network loss cancels
// any pending retry instead of burning attempts against a dead link, and
// network restoration retries immediately with the counter reset.
func (m *Manager) handleNetworkChange(ns chat.NetworkStatus) {
	if !ns.Online {
		m.mu.Lock()
		m.stopRetryTimerLocked()
		m.mu.Unlock()
		if m.machine.Current() == status.Reconnecting {
			_ = m.machine.Transition(status.Disconnected)
		}
		m.emitHealth()
		return
	}

	m.mu.Lock()
	hasAuth := m.auth != nil
	m.attempts = 0
	m.mu.Unlock()

	if hasAuth && m.machine.Current() == status.Disconnected {
		m.logger.Info("network restored, reconnecting immediately")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.InitTimeout)
			defer cancel()
			_ = m.Reconnect(ctx)
		}()
	}
}

// transitionTo moves the overall machine to the target status, routing
// through connecting when there is no direct edge.
func (m *Manager) transitionTo(to status.Status) {
	if err := m.machine.Transition(to); err != nil {
		_ = m.machine.Transition(status.Connecting)
		_ = m.machine.Transition(to)
	}
}

func (m *Manager) recordError(e *chat.Error) {
	m.mu.Lock()
	m.lastError = e
	m.mu.Unlock()
}

func (m *Manager) stopRetryTimerLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) emitHealth() {
	m.mu.Lock()
	h := m.healthLocked()
	m.mu.Unlock()
	m.health.Emit(h)
}

func (m *Manager) healthLocked() chat.ConnectionHealth {
	var next time.Duration
	if m.attempts < m.cfg.MaxReconnects {
		next = m.cfg.ReconnectBase * (1 << m.attempts)
	}
	return chat.ConnectionHealth{
		Status:            string(m.machine.Current()),
		LastConnectedAt:   m.lastConnectedAt,
		ReconnectAttempts: m.attempts,
		MaxReconnects:     m.cfg.MaxReconnects,
		NextRetryDelay:    next,
		QueueEnabled:      m.queue != nil,
		QueuePersistent:   m.queue.Persistent(),
		QueuedMessages:    m.queue.Count(),
		LastError:         m.lastError,
	}
}
