// Package memory provides an in-memory ActionLog and SnapshotStore.
//
// State lives only as long as the process; use it in tests and for
// single-invocation tools. store/file is the durable default.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/postgate"
)

// Store is an in-memory ActionLog and SnapshotStore.
type Store struct {
	mu      sync.RWMutex
	actions []postgate.ActionRecord
	doc     *postgate.CacheDocument
}

var (
	_ postgate.ActionLog       = (*Store)(nil)
	_ postgate.SnapshotStore   = (*Store)(nil)
	_ postgate.SnapshotUpdater = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{}
}

// Record appends an action.
func (s *Store) Record(_ context.Context, rec postgate.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.PostedAt = rec.PostedAt.UTC()
	s.actions = append(s.actions, rec)
	return nil
}

// CountSince returns actions with PostedAt >= cutoff, most recent first.
func (s *Store) CountSince(_ context.Context, cutoff time.Time) (int, []postgate.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []postgate.ActionRecord
	for _, a := range s.actions {
		if !a.PostedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PostedAt.After(out[j].PostedAt)
	})
	return len(out), out, nil
}

// Prune removes actions with PostedAt < olderThan.
func (s *Store) Prune(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.actions[:0]
	for _, a := range s.actions {
		if !a.PostedAt.Before(olderThan) {
			kept = append(kept, a)
		}
	}
	removed := len(s.actions) - len(kept)
	s.actions = kept
	return removed, nil
}

// Len returns the number of stored actions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actions)
}

// LoadSnapshots returns the stored document or ErrNotFound.
func (s *Store) LoadSnapshots(_ context.Context) (postgate.CacheDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.doc == nil {
		return postgate.CacheDocument{}, postgate.ErrNotFound
	}
	return *s.doc, nil
}

// SaveSnapshots replaces the stored document.
func (s *Store) SaveSnapshots(_ context.Context, doc postgate.CacheDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc = &doc
	return nil
}

// UpdateSnapshots applies fn to the stored document under the store lock.
func (s *Store) UpdateSnapshots(_ context.Context, fn func(doc *postgate.CacheDocument) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc postgate.CacheDocument
	if s.doc != nil {
		doc = *s.doc
	}
	if err := fn(&doc); err != nil {
		return err
	}
	s.doc = &doc
	return nil
}
