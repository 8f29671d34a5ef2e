package postgate

import "sync"

// ScopeState describes how much is known about one scope's quota.
type ScopeState int

const (
	StateUnknown ScopeState = iota
	StateDerived
	StateConfirmed
	StateExhausted
)

func (s ScopeState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateDerived:
		return "derived"
	case StateConfirmed:
		return "confirmed"
	case StateExhausted:
		return "exhausted"
	default:
		return "invalid"
	}
}

// stateOf maps a resolved estimate onto the state machine. Confirmed and
// exhausted differ only by the remaining count.
func stateOf(d Derivation, snap QuotaSnapshot) ScopeState {
	switch d {
	case DerivationRemoteConfirmed:
		if snap.Exhausted() {
			return StateExhausted
		}
		return StateConfirmed
	case DerivationLocalCount:
		return StateDerived
	default:
		return StateUnknown
	}
}

// Transition is a change of a scope's state between two checks.
type Transition struct {
	Scope Scope
	From  ScopeState
	To    ScopeState
}

// StateTracker remembers the last observed state per scope.
type StateTracker struct {
	mu     sync.Mutex
	states map[Scope]ScopeState
}

// NewStateTracker creates a tracker with every scope unknown.
func NewStateTracker() *StateTracker {
	return &StateTracker{states: make(map[Scope]ScopeState)}
}

// Get returns the last observed state for a scope.
func (t *StateTracker) Get(scope Scope) ScopeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[scope]
}

// Observe stores the states in q and returns the scopes whose state changed.
func (t *StateTracker) Observe(q EffectiveQuota) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Transition
	for _, scope := range Scopes {
		next := q.Scope(scope).State
		prev := t.states[scope]
		if prev != next {
			out = append(out, Transition{Scope: scope, From: prev, To: next})
			t.states[scope] = next
		}
	}
	return out
}
