package control

import (
	"sync"

	"github.com/playit-oss/tunnelagent/internal/core"
)

// StateTracker publishes EventControlStateChanged on every transition and
// exposes the current state to synchronous readers (stats, health checks).
// It is adapted from the teacher's TunnelRegistry (internal/core/
// tunnel_registry.go, since removed): a mutex-guarded field with an
// EventBus.Publish call on every state-changing setter, narrowed here from a
// map of tunnels to the single control session this agent owns.
type StateTracker struct {
	mu    sync.RWMutex
	state core.ControlState
	bus   *core.EventBus
}

// NewStateTracker returns a tracker starting in StateDisconnected.
func NewStateTracker(bus *core.EventBus) *StateTracker {
	return &StateTracker{bus: bus, state: core.StateDisconnected}
}

// Current returns the current state.
func (t *StateTracker) Current() core.ControlState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Transition moves to next and publishes EventControlStateChanged if it
// differs from the current state. Returns the previous state.
func (t *StateTracker) Transition(next core.ControlState) core.ControlState {
	t.mu.Lock()
	old := t.state
	t.state = next
	t.mu.Unlock()

	if old != next && t.bus != nil {
		t.bus.Publish(core.Event{
			Type:    core.EventControlStateChanged,
			Payload: core.ControlStatePayload{Old: old, New: next},
		})
	}
	return old
}
