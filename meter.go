package postgate

import "time"

// Meter observes gate events for monitoring/logging.
type Meter interface {
	// OnCheck is called after every admission decision.
	OnCheck(event CheckEvent)

	// OnRejected is called when a remote rejection has been interpreted.
	OnRejected(event RejectedEvent)

	// OnRecorded is called after a successful action was logged (or failed to be).
	OnRecorded(event RecordedEvent)

	// OnStoreError is called when persisted state could not be read or written.
	// The gate has already degraded to the most conservative estimate.
	OnStoreError(event StoreErrorEvent)
}

// CheckEvent describes an admission decision.
type CheckEvent struct {
	Allowed     bool
	Reason      string
	Derivation  Derivation
	Blocking    []Scope
	Remaining   int64
	// States holds the state of every scope at this check.
	States      map[Scope]ScopeState
	Transitions []Transition
}

// RejectedEvent describes quota figures extracted from a rejection.
type RejectedEvent struct {
	Headers RateLimitHeaders
	Error   error
}

// RecordedEvent describes a logged action.
type RecordedEvent struct {
	ActionID string
	PostedAt time.Time
	Pruned   int
	Error    error
}

// StoreErrorEvent describes a failed read or write of persisted state.
type StoreErrorEvent struct {
	Op    string
	Error error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnCheck(CheckEvent)           {}
func (m *noopMeter) OnRejected(RejectedEvent)     {}
func (m *noopMeter) OnRecorded(RecordedEvent)     {}
func (m *noopMeter) OnStoreError(StoreErrorEvent) {}
