package postgate

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Reconciler merges the action log and the snapshot cache into one estimate.
type Reconciler struct {
	log    ActionLog
	cache  *SnapshotCache
	clock  clockwork.Clock
	limits Limits
	window time.Duration
	meter  Meter
}

// NewReconciler creates a Reconciler. window is the remote service's rolling
// quota period (24h on every known tier).
func NewReconciler(log ActionLog, cache *SnapshotCache, clock clockwork.Clock, limits Limits, window time.Duration, meter Meter) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if meter == nil {
		meter = &noopMeter{}
	}
	return &Reconciler{
		log:    log,
		cache:  cache,
		clock:  clock,
		limits: limits,
		window: window,
		meter:  meter,
	}
}

// localCount is the view of the action log inside the decision window.
type localCount struct {
	count  int
	oldest time.Time
	ok     bool
}

// Estimate resolves each scope independently: a fresh remote snapshot wins,
// then a count derived from the local log, then the optimistic default.
func (r *Reconciler) Estimate(ctx context.Context) EffectiveQuota {
	now := r.clock.Now().UTC()
	remote := r.cache.LoadAll(ctx)

	var local localCount
	if len(remote) < len(Scopes) {
		local = r.countLocal(ctx, now)
	}

	q := EffectiveQuota{At: now}
	q.App = r.resolve(ScopeApp, remote, local, now)
	q.User = r.resolve(ScopeUser, remote, local, now)
	q.Derivation = weakest(q.App.Derivation, q.User.Derivation)
	return q
}

func (r *Reconciler) resolve(scope Scope, remote map[Scope]QuotaSnapshot, local localCount, now time.Time) ScopeEstimate {
	limit := r.limits.For(scope)

	if snap, ok := remote[scope]; ok {
		return ScopeEstimate{
			Snapshot:   snap,
			Derivation: DerivationRemoteConfirmed,
			State:      stateOf(DerivationRemoteConfirmed, snap),
		}
	}

	if local.ok && local.count > 0 {
		// The log only sees this process's actions, so this is a lower bound
		// on usage. The oldest action leaving the window is a hint, not a reset.
		snap := NewSnapshot(scope, limit, limit-int64(local.count), time.Time{}, now, ProvenanceDerived)
		return ScopeEstimate{
			Snapshot:   snap,
			Derivation: DerivationLocalCount,
			State:      StateDerived,
			Used:       local.count,
			Oldest:     local.oldest,
			FreesAt:    local.oldest.Add(r.window),
		}
	}

	snap := NewSnapshot(scope, limit, limit, time.Time{}, now, ProvenanceUnknown)
	return ScopeEstimate{
		Snapshot:   snap,
		Derivation: DerivationUnknown,
		State:      StateUnknown,
	}
}

func (r *Reconciler) countLocal(ctx context.Context, now time.Time) localCount {
	count, entries, err := r.log.CountSince(ctx, now.Add(-r.window))
	if err != nil {
		r.meter.OnStoreError(StoreErrorEvent{Op: "count_actions", Error: err})
		return localCount{}
	}
	lc := localCount{count: count, ok: true}
	if len(entries) > 0 {
		// Entries are most recent first.
		lc.oldest = entries[len(entries)-1].PostedAt
	}
	return lc
}
