package postgate

import (
	"context"
	"time"
)

// StatusReport is a display-oriented view of the current quota.
type StatusReport struct {
	CanPost bool
	Reason  string
	App     ScopeStatus
	User    ScopeStatus
	// Window is the informational 15-minute window, nil when unknown.
	Window *RateLimit
}

// ScopeStatus summarizes one scope for display.
type ScopeStatus struct {
	Scope      Scope
	State      ScopeState
	Derivation Derivation
	Limit      int64
	Remaining  int64
	Used       int64
	// ResetAt is the remote reset time, or the estimated free-up time for a
	// derived scope. Zero when unknown.
	ResetAt         time.Time
	ResetEstimated  bool
	HoursUntilReset float64
}

// Status reports the current quota without recording a decision.
func (g *Gate) Status(ctx context.Context) StatusReport {
	q := g.recon.Estimate(ctx)
	blocking := g.policy.Blocking(q)
	d := Decision{Allowed: len(blocking) == 0, Blocking: blocking, Estimate: q}

	r := StatusReport{
		CanPost: d.Allowed,
		Reason:  g.explain(d),
		App:     scopeStatus(ScopeApp, q.App, q.At),
		User:    scopeStatus(ScopeUser, q.User, q.At),
	}
	if w, ok := g.cache.Window(ctx); ok {
		r.Window = &w
	}
	return r
}

func scopeStatus(s Scope, e ScopeEstimate, now time.Time) ScopeStatus {
	st := ScopeStatus{
		Scope:      s,
		State:      e.State,
		Derivation: e.Derivation,
		Limit:      e.Snapshot.Limit,
		Remaining:  e.Snapshot.Remaining,
		Used:       e.Snapshot.Used(),
		ResetAt:    e.Snapshot.ResetAt,
	}
	if st.ResetAt.IsZero() && !e.FreesAt.IsZero() {
		st.ResetAt = e.FreesAt
		st.ResetEstimated = true
	}
	if !st.ResetAt.IsZero() {
		if d := st.ResetAt.Sub(now); d > 0 {
			st.HoursUntilReset = d.Hours()
		}
	}
	return st
}
