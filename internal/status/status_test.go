package status

import (
	"testing"

	"github.com/pedrolmn/chatlink/internal/bus"
)

func TestInitialStatus(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial status = %s, want disconnected", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Reconnecting},
		{Connecting, Disconnected},
		{Connected, Reconnecting},
		{Connected, Disconnected},
		{Reconnecting, Connecting},
		{Reconnecting, Connected},
		{Reconnecting, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("status = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(disconnected -> connected) should fail; must go through connecting")
	}
	if m.Current() != Disconnected {
		t.Errorf("status = %s, want disconnected (should not have changed)", m.Current())
	}
}

func TestSameStatusIsNoOp(t *testing.T) {
	changes := bus.NewEmitter[Change](nil)
	fired := 0
	defer changes.Subscribe(func(Change) { fired++ })()

	m := NewMachine(changes)
	if err := m.Transition(Disconnected); err != nil {
		t.Fatalf("no-op transition error = %v", err)
	}
	if fired != 0 {
		t.Errorf("no-op transition fired %d change events, want 0", fired)
	}
}

func TestTransitionEmitsChange(t *testing.T) {
	changes := bus.NewEmitter[Change](nil)
	var got []Change
	defer changes.Subscribe(func(c Change) { got = append(got, c) })()

	m := NewMachine(changes)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Fatalf("got %d change events, want 1", len(got))
	}
	if got[0].From != Disconnected || got[0].To != Connecting {
		t.Errorf("change = %v -> %v, want disconnected -> connecting", got[0].From, got[0].To)
	}
}

// TestFullReconnectLifecycle simulates connect, transport loss, recovery:
// disconnected -> connecting -> connected -> reconnecting -> connecting -> connected
func TestFullReconnectLifecycle(t *testing.T) {
	m := NewMachine(nil)
	steps := []Status{Connecting, Connected, Reconnecting, Connecting, Connected}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Connected {
		t.Errorf("final status = %s, want connected", m.Current())
	}
}

func TestReduce(t *testing.T) {
	tests := []struct {
		message  Status
		presence Status
		want     Status
	}{
		{Connected, Connected, Connected},
		{Connected, Connecting, Connecting},
		{Connecting, Connecting, Connecting},
		{Connecting, Disconnected, Disconnected},
		{Connected, Disconnected, Disconnected},
		{Reconnecting, Connected, Reconnecting},
		{Connected, Reconnecting, Reconnecting},
		{Reconnecting, Disconnected, Reconnecting},
		{Reconnecting, Reconnecting, Reconnecting},
		{Disconnected, Disconnected, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.message)+"+"+string(tt.presence), func(t *testing.T) {
			if got := Reduce(tt.message, tt.presence); got != tt.want {
				t.Errorf("Reduce(%s, %s) = %s, want %s", tt.message, tt.presence, got, tt.want)
			}
			// The reduction is symmetric in its two channels.
			if got := Reduce(tt.presence, tt.message); got != tt.want {
				t.Errorf("Reduce(%s, %s) = %s, want %s", tt.presence, tt.message, got, tt.want)
			}
		})
	}
}

// walkTo transitions the machine to a target status.
func walkTo(t *testing.T, m *Machine, target Status) {
	t.Helper()
	paths := map[Status][]Status{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Reconnecting: {Connecting, Connected, Reconnecting},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
