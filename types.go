package postgate

import (
	"time"
	"unicode/utf8"
)

// Scope is the dimension along which the remote service tracks quota.
type Scope string

const (
	ScopeApp  Scope = "app"
	ScopeUser Scope = "user"
)

// Scopes lists the scopes in the order decisions report them.
var Scopes = []Scope{ScopeApp, ScopeUser}

// Label returns the upper-case name used in human-readable reasons.
func (s Scope) Label() string {
	switch s {
	case ScopeApp:
		return "APP"
	case ScopeUser:
		return "USER"
	default:
		return string(s)
	}
}

// Provenance describes where a quota figure came from.
type Provenance string

const (
	ProvenanceErrorHeaders  Provenance = "error_headers"
	ProvenanceErrorResponse Provenance = "error_response"
	ProvenanceDerived       Provenance = "derived_from_local_count"
	ProvenanceUnknown       Provenance = "unknown"
)

// IsRemote reports whether the figure was confirmed by the remote service.
func (p Provenance) IsRemote() bool {
	return p == ProvenanceErrorHeaders || p == ProvenanceErrorResponse
}

// Derivation is the method used to produce a quota estimate.
type Derivation string

const (
	DerivationRemoteConfirmed Derivation = "remote_confirmed"
	DerivationLocalCount      Derivation = "derived_from_local_count"
	DerivationUnknown         Derivation = "unknown"
)

// rank orders derivations from weakest to strongest evidence.
func (d Derivation) rank() int {
	switch d {
	case DerivationRemoteConfirmed:
		return 2
	case DerivationLocalCount:
		return 1
	default:
		return 0
	}
}

// QuotaSnapshot is the quota state of one scope at a point in time.
// Construct with NewSnapshot so that Remaining never exceeds Limit.
type QuotaSnapshot struct {
	Scope      Scope
	Limit      int64
	Remaining  int64
	ResetAt    time.Time // zero when unknown
	CapturedAt time.Time
	Provenance Provenance
}

// NewSnapshot builds a snapshot, clamping negative figures to zero and
// remaining to limit.
func NewSnapshot(scope Scope, limit, remaining int64, resetAt, capturedAt time.Time, prov Provenance) QuotaSnapshot {
	if limit < 0 {
		limit = 0
	}
	if remaining < 0 {
		remaining = 0
	}
	if remaining > limit {
		remaining = limit
	}
	if !resetAt.IsZero() {
		resetAt = resetAt.UTC()
	}
	return QuotaSnapshot{
		Scope:      scope,
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		CapturedAt: capturedAt.UTC(),
		Provenance: prov,
	}
}

// Used returns Limit - Remaining.
func (s QuotaSnapshot) Used() int64 { return s.Limit - s.Remaining }

// Exhausted reports whether no quota remains.
func (s QuotaSnapshot) Exhausted() bool { return s.Remaining == 0 }

// Void reports whether the snapshot's reset time has passed.
func (s QuotaSnapshot) Void(now time.Time) bool {
	return !s.ResetAt.IsZero() && !now.Before(s.ResetAt)
}

// UntilReset returns the time left until ResetAt, clamped to zero.
// The boolean is false when the reset time is unknown.
func (s QuotaSnapshot) UntilReset(now time.Time) (time.Duration, bool) {
	if s.ResetAt.IsZero() {
		return 0, false
	}
	d := s.ResetAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// RateLimit is a raw limit/remaining/reset triple as reported by the remote
// service, used for the short window and for figures seen on success.
type RateLimit struct {
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// ActionRecord is one successful quota-consuming action.
type ActionRecord struct {
	ID       string
	PostedAt time.Time
	Preview  string
	Reported *RateLimit
}

// ScopeEstimate is the resolved quota of one scope.
type ScopeEstimate struct {
	Snapshot   QuotaSnapshot
	Derivation Derivation
	State      ScopeState

	// Used is the number of local actions inside the decision window.
	Used int
	// Oldest is the oldest local action inside the window, zero if none.
	Oldest time.Time
	// FreesAt estimates when the oldest local action leaves the window.
	// It is weaker evidence than a remote reset time.
	FreesAt time.Time
}

// EffectiveQuota is the reconciled quota across both scopes.
type EffectiveQuota struct {
	App        ScopeEstimate
	User       ScopeEstimate
	Derivation Derivation
	At         time.Time
}

// Scope returns the estimate for s.
func (q EffectiveQuota) Scope(s Scope) ScopeEstimate {
	if s == ScopeUser {
		return q.User
	}
	return q.App
}

// Remaining returns the minimum remaining quota across both scopes.
func (q EffectiveQuota) Remaining() int64 {
	return min(q.App.Snapshot.Remaining, q.User.Snapshot.Remaining)
}

func weakest(a, b Derivation) Derivation {
	if a.rank() <= b.rank() {
		return a
	}
	return b
}

// truncatePreview bounds a preview to n runes.
func truncatePreview(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
