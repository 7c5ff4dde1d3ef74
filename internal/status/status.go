// Package status models the connection lifecycle shared by the two realtime
// channels and the connection manager.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pedrolmn/chatlink/internal/bus"
)

// Status is one connection lifecycle state. Exactly one value at a time,
// derived, never set directly from outside the owning component.
type Status string

const (
	Disconnected Status = "disconnected"
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Reconnecting Status = "reconnecting"
)

// validTransitions defines the allowed lifecycle edges.
var validTransitions = map[Status][]Status{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Connected, Disconnected},
}

// Change is the payload delivered to status listeners.
type Change struct {
	From Status
	To   Status
}

// Machine tracks and enforces status transitions for one channel or for the
// manager's reduced overall view.
type Machine struct {
	mu      sync.RWMutex
	current Status
	changes *bus.Emitter[Change]
}

// NewMachine creates a machine starting in Disconnected.
func NewMachine(changes *bus.Emitter[Change]) *Machine {
	if changes == nil {
		changes = bus.NewEmitter[Change](nil)
	}
	return &Machine{
		current: Disconnected,
		changes: changes,
	}
}

// Current returns the current status.
func (m *Machine) Current() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new status. Moving to the current status is a
// no-op; an edge outside validTransitions is an error and leaves the
// machine unchanged.
func (m *Machine) Transition(to Status) error {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = to
	m.mu.Unlock()

	m.changes.Emit(Change{From: from, To: to})
	return nil
}

// Changes exposes the machine's change emitter for subscription.
func (m *Machine) Changes() *bus.Emitter[Change] { return m.changes }

// Reduce folds the two channel statuses into the manager's overall view:
// connected iff both channels are connected; reconnecting if either is
// reconnecting; connecting if either is connecting and the other is no
// worse; disconnected otherwise.
func Reduce(message, presence Status) Status {
	switch {
	case message == Connected && presence == Connected:
		return Connected
	case message == Reconnecting || presence == Reconnecting:
		return Reconnecting
	case message == Disconnected || presence == Disconnected:
		return Disconnected
	default:
		return Connecting
	}
}
