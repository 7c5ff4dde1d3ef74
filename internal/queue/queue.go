// Package queue implements the durable offline message queue: an ordered
// FIFO of outbound messages that could not be sent immediately, persisted
// after every mutation so it survives a process restart.
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pedrolmn/chatlink/internal/bus"
	"github.com/pedrolmn/chatlink/internal/chat"
	"go.uber.org/zap"
)

// Storage is the durable key-value collaborator the queue snapshots into.
// Failures are tolerated: the queue logs them and keeps working in memory.
type Storage interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
}

// SendFunc attempts delivery of one queued message.
type SendFunc func(ctx context.Context, msg chat.QueuedMessage) error

// Config carries the queue's tuning knobs.
type Config struct {
	// StorageKey is the key the snapshot is persisted under.
	StorageKey string
	// MaxRetries is how many failed send attempts a message survives
	// before it is dropped.
	MaxRetries int
	// MaxLength caps the queue; enqueueing past it evicts the oldest entry.
	MaxLength int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StorageKey: "chatlink.offline_queue",
		MaxRetries: 3,
		MaxLength:  100,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.StorageKey == "" {
		c.StorageKey = d.StorageKey
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxLength <= 0 {
		c.MaxLength = d.MaxLength
	}
}

// Queue is the offline message queue. All methods are safe for concurrent
// use; Drain is reentrant-safe (a second call while one is in flight is a
// no-op).
type Queue struct {
	mu         sync.Mutex
	items      []chat.QueuedMessage
	storage    Storage
	cfg        Config
	logger     *zap.Logger
	draining   atomic.Bool
	persistent atomic.Bool

	countChanges *bus.Emitter[int]
	dropped      *bus.Emitter[chat.QueuedMessage]
}

// New creates a queue and loads any persisted snapshot. A malformed or
// unreadable snapshot degrades to an empty queue.
func New(storage Storage, cfg Config, logger *zap.Logger) *Queue {
	cfg.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		storage:      storage,
		cfg:          cfg,
		logger:       logger,
		countChanges: bus.NewEmitter[int](logger),
		dropped:      bus.NewEmitter[chat.QueuedMessage](logger),
	}
	q.persistent.Store(true)
	q.load()
	return q
}

// CountChanges emits the new length after every mutation that changes it.
func (q *Queue) CountChanges() *bus.Emitter[int] { return q.countChanges }

// Dropped emits messages removed after exhausting their retries or evicted
// by the length cap.
func (q *Queue) Dropped() *bus.Emitter[chat.QueuedMessage] { return q.dropped }

// Enqueue validates content, assigns a temp id, appends, and persists.
// Returns the temp id synchronously.
func (q *Queue) Enqueue(content string, sender chat.AuthContext) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", chat.Errorf(chat.KindMessageInvalid, "cannot queue an empty message")
	}

	msg := chat.QueuedMessage{
		TempID:     "tmp-" + uuid.NewString(),
		Content:    content,
		SenderID:   sender.UserID,
		SenderName: sender.Username,
		QueuedAt:   time.Now(),
		MaxRetries: q.cfg.MaxRetries,
	}

	var evicted *chat.QueuedMessage
	q.mu.Lock()
	if len(q.items) >= q.cfg.MaxLength {
		oldest := q.items[0]
		evicted = &oldest
		q.items = q.items[1:]
	}
	q.items = append(q.items, msg)
	q.persistLocked()
	count := len(q.items)
	q.mu.Unlock()

	if evicted != nil {
		q.logger.Warn("queue full, evicting oldest message", zap.String("temp_id", evicted.TempID))
		q.dropped.Emit(*evicted)
	}
	q.countChanges.Emit(count)
	q.logger.Info("message queued", zap.String("temp_id", msg.TempID), zap.Int("queued", count))
	return msg.TempID, nil
}

// Drain attempts, in enqueue order, to send every queued message once.
// Successful sends are removed; failed sends have their retry count
// incremented and are dropped once it reaches the maximum. A drain already
// in progress makes this call a no-op.
func (q *Queue) Drain(ctx context.Context, send SendFunc) {
	if !q.draining.CompareAndSwap(false, true) {
		q.logger.Debug("drain already in progress, skipping")
		return
	}
	defer q.draining.Store(false)

	q.mu.Lock()
	ids := make([]string, len(q.items))
	for i, m := range q.items {
		ids[i] = m.TempID
	}
	q.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		q.mu.Lock()
		idx := q.indexLocked(id)
		if idx < 0 {
			// Cleared or evicted while draining.
			q.mu.Unlock()
			continue
		}
		msg := q.items[idx]
		q.mu.Unlock()

		err := send(ctx, msg)

		q.mu.Lock()
		idx = q.indexLocked(id)
		if idx < 0 {
			q.mu.Unlock()
			continue
		}
		var droppedMsg *chat.QueuedMessage
		if err == nil {
			q.items = append(q.items[:idx], q.items[idx+1:]...)
		} else {
			q.items[idx].Retries++
			if q.items[idx].Retries >= q.items[idx].MaxRetries {
				exhausted := q.items[idx]
				droppedMsg = &exhausted
				q.items = append(q.items[:idx], q.items[idx+1:]...)
			}
		}
		q.persistLocked()
		count := len(q.items)
		q.mu.Unlock()

		switch {
		case err == nil:
			q.logger.Info("queued message sent", zap.String("temp_id", id))
		case droppedMsg != nil:
			q.logger.Warn("queued message dropped after max retries",
				zap.String("temp_id", id), zap.Int("retries", droppedMsg.Retries), zap.Error(err))
			q.dropped.Emit(*droppedMsg)
		default:
			q.logger.Warn("queued message send failed, will retry",
				zap.String("temp_id", id), zap.Error(err))
		}
		q.countChanges.Emit(count)
	}
}

// Clear empties the queue and persists the empty state.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.persistLocked()
	q.mu.Unlock()
	q.countChanges.Emit(0)
}

// Count returns the current length.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Messages returns a copy of the queued messages in enqueue order.
func (q *Queue) Messages() []chat.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]chat.QueuedMessage, len(q.items))
	copy(out, q.items)
	return out
}

// Persistent reports whether the last snapshot write succeeded. It turns
// false after the first storage failure and is surfaced in health.
func (q *Queue) Persistent() bool { return q.persistent.Load() }

func (q *Queue) indexLocked(tempID string) int {
	for i, m := range q.items {
		if m.TempID == tempID {
			return i
		}
	}
	return -1
}

func (q *Queue) load() {
	if q.storage == nil {
		return
	}
	raw, ok, err := q.storage.Get(q.cfg.StorageKey)
	if err != nil {
		q.logger.Warn("failed to read queue snapshot, starting empty", zap.Error(err))
		return
	}
	if !ok || raw == "" {
		return
	}
	var items []chat.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.logger.Warn("malformed queue snapshot, starting empty", zap.Error(err))
		return
	}
	q.items = items
	q.logger.Info("queue snapshot restored", zap.Int("queued", len(items)))
}

// persistLocked snapshots the queue to storage. Failures are logged and
// swallowed: durability is best-effort, never a crash source.
func (q *Queue) persistLocked() {
	if q.storage == nil {
		return
	}
	raw, err := json.Marshal(q.items)
	if err != nil {
		q.logger.Error("failed to marshal queue snapshot", zap.Error(err))
		q.persistent.Store(false)
		return
	}
	if err := q.storage.Set(q.cfg.StorageKey, string(raw)); err != nil {
		q.logger.Error("failed to persist queue snapshot", zap.Error(err))
		q.persistent.Store(false)
		return
	}
	q.persistent.Store(true)
}
