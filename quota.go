package postgate

import (
	"context"
	"time"
)

// ActionLog is an append-only record of successful quota-consuming actions.
type ActionLog interface {
	// Record appends an action.
	Record(ctx context.Context, rec ActionRecord) error

	// CountSince returns the actions with PostedAt >= cutoff, most recent first.
	CountSince(ctx context.Context, cutoff time.Time) (int, []ActionRecord, error)

	// Prune removes actions with PostedAt < olderThan and returns how many went.
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// SnapshotStore persists the last known remote quota figures.
// Staleness rules are applied by SnapshotCache, not by the store.
type SnapshotStore interface {
	// LoadSnapshots returns the stored document, or ErrNotFound.
	LoadSnapshots(ctx context.Context) (CacheDocument, error)

	// SaveSnapshots replaces the stored document.
	SaveSnapshots(ctx context.Context, doc CacheDocument) error
}

// SnapshotUpdater is implemented by stores that can apply a read-modify-write
// under their own lock. SnapshotCache prefers it over Load+Save.
type SnapshotUpdater interface {
	UpdateSnapshots(ctx context.Context, fn func(doc *CacheDocument) error) error
}
