// Package status tracks which delivery channels the engine currently has.
// Degraded means the push channel is down and sends go straight to the
// HTTP fallback; the engine keeps working in that state.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/courier-chat/courier/internal/bus"
)

// State represents an engine runtime state.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	Online       State = "ONLINE"
	Degraded     State = "DEGRADED"
	Reconnecting State = "RECONNECTING"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Connecting, Degraded, Error},
	Connecting:   {Online, Degraded, Error},
	Online:       {Reconnecting, Degraded, Error},
	Degraded:     {Connecting, Reconnecting, Online, Error},
	Reconnecting: {Online, Degraded, Error},
	Error:        {Booting},
}

// Machine tracks and enforces engine runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindEngineStateChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
}
