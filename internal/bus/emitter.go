// Package bus provides the typed listener registry every observable
// component (channels, queue, monitor, connection manager) fans out through.
package bus

import (
	"sync"

	"go.uber.org/zap"
)

// Emitter is an in-process fan-out of values of one event type. Subscribe
// returns an unsubscribe closure that removes that specific listener.
// Listener invocations are isolated: a panicking listener is logged and does
// not prevent the remaining listeners from being notified.
type Emitter[T any] struct {
	mu     sync.RWMutex
	subs   map[int]func(T)
	next   int
	logger *zap.Logger
}

// NewEmitter creates an emitter. A nil logger silences panic reports.
func NewEmitter[T any](logger *zap.Logger) *Emitter[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter[T]{
		subs:   make(map[int]func(T)),
		logger: logger,
	}
}

// Subscribe registers fn and returns a function that removes it. The
// returned closure is idempotent.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Emit invokes every registered listener with v, in unspecified order.
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	fns := make([]func(T), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		e.invoke(fn, v)
	}
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

func (e *Emitter[T]) invoke(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("listener panicked", zap.Any("panic", r))
		}
	}()
	fn(v)
}
