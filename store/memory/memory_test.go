package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/postgate"
	"github.com/ineyio/postgate/store/memory"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStore_Actions(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	for i, age := range []time.Duration{50 * time.Hour, 3 * time.Hour, time.Hour} {
		require.NoError(t, s.Record(ctx, postgate.ActionRecord{
			ID:       string(rune('a' + i)),
			PostedAt: now.Add(-age),
		}))
	}

	n, entries, err := s.CountSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "c", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)

	removed, err := s.Prune(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = s.Prune(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 2, s.Len())
}

func TestStore_Snapshots(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	_, err := s.LoadSnapshots(ctx)
	assert.ErrorIs(t, err, postgate.ErrNotFound)

	err = s.UpdateSnapshots(ctx, func(doc *postgate.CacheDocument) error {
		doc.Put(postgate.NewSnapshot(postgate.ScopeApp, 17, 4, time.Time{}, now, postgate.ProvenanceErrorHeaders))
		return nil
	})
	require.NoError(t, err)

	err = s.UpdateSnapshots(ctx, func(doc *postgate.CacheDocument) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	doc, err := s.LoadSnapshots(ctx)
	require.NoError(t, err)
	snap, err := doc.Snapshot(postgate.ScopeApp)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Remaining)
}
