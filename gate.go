package postgate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Gate decides whether a quota-limited write may be attempted now, and learns
// from the outcome of each attempt.
//
// The gate is the sole writer of quota snapshots. It fails open when nothing
// at all is known and fails closed on any remote-confirmed exhaustion.
type Gate struct {
	cfg    Config
	log    ActionLog
	store  SnapshotStore
	cache  *SnapshotCache
	recon  *Reconciler
	policy Policy
	meter  Meter
	clock  clockwork.Clock
	states *StateTracker
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed  bool
	Reason   string
	Blocking []Scope
	Estimate EffectiveQuota
}

// Option configures a Gate.
type Option func(*Gate)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(g *Gate) { g.cfg = cfg }
}

// WithClock sets the time source.
func WithClock(c clockwork.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(g *Gate) { g.meter = m }
}

// WithPolicy sets the admission policy.
func WithPolicy(p Policy) Option {
	return func(g *Gate) { g.policy = p }
}

// WithStateTracker shares a state tracker between gates.
func WithStateTracker(t *StateTracker) Option {
	return func(g *Gate) { g.states = t }
}

// New creates a Gate over the given action log and snapshot store.
// The fail-open policy, a real clock and a no-op meter are used unless
// overridden via options.
func New(log ActionLog, store SnapshotStore, opts ...Option) (*Gate, error) {
	if log == nil {
		return nil, fmt.Errorf("postgate: action log is required")
	}
	if store == nil {
		return nil, fmt.Errorf("postgate: snapshot store is required")
	}

	g := &Gate{
		cfg:   DefaultConfig(),
		log:   log,
		store: store,
	}

	for _, opt := range opts {
		opt(g)
	}

	// Apply defaults after options.
	if err := g.cfg.Validate(); err != nil {
		return nil, err
	}
	if g.clock == nil {
		g.clock = clockwork.NewRealClock()
	}
	if g.meter == nil {
		g.meter = &noopMeter{}
	}
	if g.policy == nil {
		g.policy = &defaultFailOpenPolicy{}
	}
	if g.states == nil {
		g.states = NewStateTracker()
	}

	g.cache = NewSnapshotCache(store, g.clock, g.cfg.Freshness, g.meter)
	g.recon = NewReconciler(log, g.cache, g.clock, g.cfg.Limits, g.cfg.Window, g.meter)
	return g, nil
}

// Cache returns the gate's snapshot cache.
func (g *Gate) Cache() *SnapshotCache { return g.cache }

// Reconciler returns the gate's reconciler.
func (g *Gate) Reconciler() *Reconciler { return g.recon }

// Check decides whether one more quota-consuming action may be attempted now.
// It never fails: unreadable state degrades to the most conservative
// estimate the remaining sources allow.
func (g *Gate) Check(ctx context.Context) Decision {
	q := g.recon.Estimate(ctx)
	blocking := g.policy.Blocking(q)

	d := Decision{
		Allowed:  len(blocking) == 0,
		Blocking: blocking,
		Estimate: q,
	}
	d.Reason = g.explain(d)

	g.meter.OnCheck(CheckEvent{
		Allowed:     d.Allowed,
		Reason:      d.Reason,
		Derivation:  q.Derivation,
		Blocking:    blocking,
		Remaining:   q.Remaining(),
		States:      map[Scope]ScopeState{ScopeApp: q.App.State, ScopeUser: q.User.State},
		Transitions: g.states.Observe(q),
	})
	return d
}

// OnRejected interprets the metadata of a quota rejection and stores the
// figures for both scopes. A rejection is the expected way of discovering
// the remote quota, so nothing is returned as an error; persistence failures
// are reported to the meter.
func (g *Gate) OnRejected(ctx context.Context, metadata map[string]string) RateLimitHeaders {
	h := ParseRateLimitHeaders(metadata, g.cfg.Limits, g.clock.Now())
	err := g.cache.saveRejection(ctx, h)
	g.meter.OnRejected(RejectedEvent{Headers: h, Error: err})
	return h
}

// RecordOption configures a recorded action.
type RecordOption func(*ActionRecord)

// WithReportedQuota attaches limit figures seen on the success response.
// They are kept with the record only; snapshots are never changed on success.
func WithReportedQuota(rl RateLimit) RecordOption {
	return func(r *ActionRecord) { r.Reported = &rl }
}

// OnSucceeded records a successful action and prunes the log past retention.
// A returned error is always a persistence failure; callers may log and
// continue.
func (g *Gate) OnSucceeded(ctx context.Context, actionID, preview string, opts ...RecordOption) error {
	rec := ActionRecord{
		ID:       actionID,
		PostedAt: g.clock.Now().UTC(),
		Preview:  truncatePreview(preview, g.cfg.PreviewLength),
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	for _, opt := range opts {
		opt(&rec)
	}

	if err := g.log.Record(ctx, rec); err != nil {
		g.meter.OnStoreError(StoreErrorEvent{Op: "record_action", Error: err})
		g.meter.OnRecorded(RecordedEvent{ActionID: rec.ID, PostedAt: rec.PostedAt, Error: err})
		return err
	}

	pruned, _ := g.Cleanup(ctx)
	g.meter.OnRecorded(RecordedEvent{ActionID: rec.ID, PostedAt: rec.PostedAt, Pruned: pruned})
	return nil
}

// Cleanup removes actions older than the retention horizon.
func (g *Gate) Cleanup(ctx context.Context) (int, error) {
	n, err := g.log.Prune(ctx, g.clock.Now().Add(-g.cfg.Retention))
	if err != nil {
		g.meter.OnStoreError(StoreErrorEvent{Op: "prune_actions", Error: err})
		return 0, err
	}
	return n, nil
}

// Reset clears the action log, including actions stamped ahead of the clock.
// Quota snapshots are left alone; they still reflect the remote service.
func (g *Gate) Reset(ctx context.Context) (int, error) {
	n, err := g.log.Prune(ctx, g.clock.Now().AddDate(100, 0, 0))
	if err != nil {
		g.meter.OnStoreError(StoreErrorEvent{Op: "reset_actions", Error: err})
		return 0, err
	}
	return n, nil
}

// Attempt runs one gated write: Check, Post, then OnSucceeded or OnRejected.
// A denied check returns a *GateError wrapping ErrQuotaExhausted without
// calling the poster. A quota rejection is returned as is (it matches
// ErrRateLimited) after its figures have been stored.
func (g *Gate) Attempt(ctx context.Context, poster Poster, text string, opts ...RecordOption) (string, error) {
	d := g.Check(ctx)
	if !d.Allowed {
		return "", &GateError{Decision: d, Err: ErrQuotaExhausted}
	}

	id, err := poster.Post(ctx, text)
	if err != nil {
		var rej *RejectionError
		if errors.As(err, &rej) {
			g.OnRejected(ctx, rej.Metadata)
		}
		return "", err
	}

	// Losing the log entry only weakens later estimates.
	_ = g.OnSucceeded(ctx, id, text, opts...)
	return id, nil
}

func (g *Gate) explain(d Decision) string {
	q := d.Estimate
	now := q.At

	if !d.Allowed {
		parts := make([]string, 0, len(Scopes))
		var unknown []string
		for _, s := range Scopes {
			if slices.Contains(d.Blocking, s) {
				parts = append(parts, g.blockReason(s, q.Scope(s), now))
			} else if q.Scope(s).Derivation == DerivationUnknown {
				unknown = append(unknown, s.Label())
			}
		}
		// A scope that did not block may still be unverified.
		if len(unknown) > 0 {
			parts = append(parts, fmt.Sprintf("Rate limit status also unverified for %s: %s.",
				strings.Join(unknown, ", "), g.unverifiedText()))
		}
		return strings.Join(parts, " ")
	}

	var unknown []string
	for _, s := range Scopes {
		if q.Scope(s).Derivation == DerivationUnknown {
			unknown = append(unknown, s.Label())
		}
	}
	if len(unknown) > 0 {
		return fmt.Sprintf("Rate limit status unverified for %s: %s, assuming %d remaining. Proceed with caution.",
			strings.Join(unknown, ", "), g.unverifiedText(), q.Remaining())
	}

	return fmt.Sprintf("Can post - %d remaining in %s window (APP: %s, USER: %s).",
		q.Remaining(), formatWindow(g.cfg.Window), q.App.Derivation, q.User.Derivation)
}

func (g *Gate) blockReason(s Scope, e ScopeEstimate, now time.Time) string {
	snap := e.Snapshot
	switch e.Derivation {
	case DerivationRemoteConfirmed:
		if snap.Remaining > 0 {
			return fmt.Sprintf("%s quota held back by policy (%d/%d remaining, confirmed by remote service).",
				s.Label(), snap.Remaining, snap.Limit)
		}
		return fmt.Sprintf("%s %s limit exhausted (0/%d remaining, confirmed by remote service). %s",
			s.Label(), formatWindow(g.cfg.Window), snap.Limit, resetText(snap, now))
	case DerivationLocalCount:
		if snap.Remaining > 0 {
			return fmt.Sprintf("%s quota held back by policy (%d/%d remaining by local count).",
				s.Label(), snap.Remaining, snap.Limit)
		}
		return fmt.Sprintf("%s %s limit reached by local count (%d actions in window, limit %d). %s",
			s.Label(), formatWindow(g.cfg.Window), e.Used, snap.Limit, freesText(e.FreesAt, now))
	default:
		return fmt.Sprintf("%s quota unverified (%s); policy requires confirmation before acting.",
			s.Label(), g.unverifiedText())
	}
}

// unverifiedText describes why a scope has no derivation. Older actions may
// exist in the log; they are outside the window and do not count.
func (g *Gate) unverifiedText() string {
	return fmt.Sprintf("no fresh remote quota data and no local actions in the last %s window",
		formatWindow(g.cfg.Window))
}

func resetText(snap QuotaSnapshot, now time.Time) string {
	d, ok := snap.UntilReset(now)
	if !ok {
		return "Reset time unknown."
	}
	at := snap.ResetAt.UTC().Format(time.RFC3339)
	if d <= 0 {
		return fmt.Sprintf("Resetting imminently (reset at %s).", at)
	}
	return fmt.Sprintf("Resets in %.1f hours at %s.", d.Hours(), at)
}

func freesText(freesAt, now time.Time) string {
	if freesAt.IsZero() {
		return "Time until quota frees up unknown."
	}
	at := freesAt.UTC().Format(time.RFC3339)
	d := freesAt.Sub(now)
	if d <= 0 {
		return fmt.Sprintf("Quota likely frees up imminently (oldest local action leaves the window at %s).", at)
	}
	return fmt.Sprintf("Quota likely frees up in ~%.1f hours at %s (estimated from the oldest local action).", d.Hours(), at)
}

func formatWindow(w time.Duration) string {
	if w%time.Hour == 0 {
		return fmt.Sprintf("%d-hour", int(w/time.Hour))
	}
	return w.String()
}
