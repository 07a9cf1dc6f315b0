package status

import (
	"testing"

	"github.com/matheus3301/souq/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
	if m.Accepting() {
		t.Error("BOOTING must not accept traffic")
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Migrating},
		{Booting, Error},
		{Migrating, Serving},
		{Migrating, Error},
		{Serving, Draining},
		{Draining, Stopped},
		{Error, Booting},
		{Error, Stopped},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Serving); err == nil {
		t.Error("Transition(BOOTING -> SERVING) should fail; migrations must run first")
	}
	if m.Current() != Booting {
		t.Errorf("state = %s, want BOOTING (should not have changed)", m.Current())
	}
}

func TestStoppedIsTerminal(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Stopped)
	for _, s := range []State{Booting, Migrating, Serving, Draining, Error} {
		if err := m.Transition(s); err == nil {
			t.Errorf("Transition(STOPPED -> %s) should fail", s)
		}
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("server.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Migrating); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Migrating {
		t.Errorf("change = %v -> %v, want BOOTING -> MIGRATING", change.From, change.To)
	}
}

// TestFullLifecycle walks BOOTING → MIGRATING → SERVING → DRAINING → STOPPED.
func TestFullLifecycle(t *testing.T) {
	m := NewMachine(nil)
	before := m.Since()

	for _, s := range []State{Migrating, Serving} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.Accepting() {
		t.Error("SERVING should accept traffic")
	}
	if m.Since().Before(before) {
		t.Error("Since() went backwards")
	}
	for _, s := range []State{Draining, Stopped} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Accepting() {
		t.Error("STOPPED should not accept traffic")
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:   {},
		Migrating: {Migrating},
		Serving:   {Migrating, Serving},
		Draining:  {Migrating, Serving, Draining},
		Stopped:   {Migrating, Serving, Draining, Stopped},
		Error:     {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
