package postgate

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
)

// SnapshotCache applies the staleness policy to a SnapshotStore.
//
// An exhausted snapshot with a known reset time stays valid until that reset,
// however old it is: exhaustion only clears at the scheduled reset. Any other
// snapshot decays after the freshness window because usage may have happened
// through other channels since it was captured.
type SnapshotCache struct {
	store     SnapshotStore
	clock     clockwork.Clock
	freshness time.Duration
	meter     Meter
}

// NewSnapshotCache wraps store with the given freshness window.
func NewSnapshotCache(store SnapshotStore, clock clockwork.Clock, freshness time.Duration, meter Meter) *SnapshotCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if meter == nil {
		meter = &noopMeter{}
	}
	return &SnapshotCache{store: store, clock: clock, freshness: freshness, meter: meter}
}

// Load returns the usable remote-confirmed snapshot for scope, if any.
func (c *SnapshotCache) Load(ctx context.Context, scope Scope) (QuotaSnapshot, bool) {
	doc, ok := c.document(ctx)
	if !ok {
		return QuotaSnapshot{}, false
	}
	return c.usable(doc, scope, c.clock.Now())
}

// LoadAll returns the usable snapshots of every scope from a single read.
func (c *SnapshotCache) LoadAll(ctx context.Context) map[Scope]QuotaSnapshot {
	out := make(map[Scope]QuotaSnapshot, len(Scopes))
	doc, ok := c.document(ctx)
	if !ok {
		return out
	}
	now := c.clock.Now()
	for _, scope := range Scopes {
		if snap, ok := c.usable(doc, scope, now); ok {
			out[scope] = snap
		}
	}
	return out
}

// Fresh reports whether snap may be used for decisions at now.
func (c *SnapshotCache) Fresh(snap QuotaSnapshot, now time.Time) bool {
	if !snap.Provenance.IsRemote() {
		return false
	}
	if snap.Void(now) {
		return false
	}
	if snap.Exhausted() && !snap.ResetAt.IsZero() {
		return true
	}
	return now.Sub(snap.CapturedAt) < c.freshness
}

// Save overwrites the stored snapshot of each given scope. A snapshot of
// unknown provenance never replaces a stored remote-confirmed one that is
// still fresh.
func (c *SnapshotCache) Save(ctx context.Context, snaps ...QuotaSnapshot) error {
	now := c.clock.Now()
	return c.update(ctx, "save_snapshots", func(doc *CacheDocument) error {
		for _, s := range snaps {
			if s.Provenance == ProvenanceUnknown {
				if prev, err := doc.Snapshot(s.Scope); err == nil && c.Fresh(prev, now) {
					continue
				}
			}
			doc.Put(s)
		}
		return nil
	})
}

// SaveWindow stores the short-window figures alongside the snapshots.
func (c *SnapshotCache) SaveWindow(ctx context.Context, rl RateLimit) error {
	now := c.clock.Now()
	return c.update(ctx, "save_window", func(doc *CacheDocument) error {
		doc.PutWindow(rl, now)
		return nil
	})
}

// saveRejection writes both snapshots and the window in one update.
func (c *SnapshotCache) saveRejection(ctx context.Context, h RateLimitHeaders) error {
	now := c.clock.Now()
	return c.update(ctx, "save_rejection", func(doc *CacheDocument) error {
		doc.Put(h.App)
		doc.Put(h.User)
		doc.PutWindow(h.Window, now)
		return nil
	})
}

// Window returns the last short-window figures, if they have not reset yet.
func (c *SnapshotCache) Window(ctx context.Context) (RateLimit, bool) {
	doc, ok := c.document(ctx)
	if !ok {
		return RateLimit{}, false
	}
	rl, _, ok := doc.WindowLimit()
	if !ok {
		return RateLimit{}, false
	}
	if !rl.Reset.IsZero() && !c.clock.Now().Before(rl.Reset) {
		return RateLimit{}, false
	}
	return rl, true
}

func (c *SnapshotCache) document(ctx context.Context) (CacheDocument, bool) {
	doc, err := c.store.LoadSnapshots(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.meter.OnStoreError(StoreErrorEvent{Op: "load_snapshots", Error: err})
		}
		return CacheDocument{}, false
	}
	return doc, true
}

func (c *SnapshotCache) usable(doc CacheDocument, scope Scope, now time.Time) (QuotaSnapshot, bool) {
	snap, err := doc.Snapshot(scope)
	if err != nil {
		if errors.Is(err, ErrMalformedSnapshot) {
			c.meter.OnStoreError(StoreErrorEvent{Op: "decode_snapshot", Error: err})
		}
		return QuotaSnapshot{}, false
	}
	if !c.Fresh(snap, now) {
		return QuotaSnapshot{}, false
	}
	return snap, true
}

func (c *SnapshotCache) update(ctx context.Context, op string, fn func(doc *CacheDocument) error) error {
	var err error
	if u, ok := c.store.(SnapshotUpdater); ok {
		err = u.UpdateSnapshots(ctx, fn)
	} else {
		err = c.loadModifySave(ctx, fn)
	}
	if err != nil {
		c.meter.OnStoreError(StoreErrorEvent{Op: op, Error: err})
	}
	return err
}

func (c *SnapshotCache) loadModifySave(ctx context.Context, fn func(doc *CacheDocument) error) error {
	doc, err := c.store.LoadSnapshots(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		// An unreadable document is replaced rather than blocking discovery.
		c.meter.OnStoreError(StoreErrorEvent{Op: "load_snapshots", Error: err})
		doc = CacheDocument{}
	}
	if err := fn(&doc); err != nil {
		return err
	}
	return c.store.SaveSnapshots(ctx, doc)
}
