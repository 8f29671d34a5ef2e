package file

import (
	"context"
	"encoding/json"

	"github.com/ineyio/postgate"
)

// SnapshotStore keeps the quota cache document in one JSON file.
type SnapshotStore struct {
	l *locker
}

var (
	_ postgate.SnapshotStore   = (*SnapshotStore)(nil)
	_ postgate.SnapshotUpdater = (*SnapshotStore)(nil)
)

// NewSnapshotStore creates a snapshot store at path.
func NewSnapshotStore(path string, opts ...Option) *SnapshotStore {
	return &SnapshotStore{l: newLocker(path, opts...)}
}

// Path returns the cache file path.
func (s *SnapshotStore) Path() string { return s.l.path }

// LoadSnapshots returns the stored document. A missing file yields
// ErrNotFound; a partially written or corrupt file yields a StoreError.
func (s *SnapshotStore) LoadSnapshots(ctx context.Context) (postgate.CacheDocument, error) {
	var doc postgate.CacheDocument
	err := s.l.withShared(ctx, "load_snapshots", func() error {
		var err error
		doc, err = s.load("load_snapshots")
		return err
	})
	return doc, err
}

// SaveSnapshots replaces the stored document.
func (s *SnapshotStore) SaveSnapshots(ctx context.Context, doc postgate.CacheDocument) error {
	return s.l.withExclusive(ctx, "save_snapshots", func() error {
		return s.save("save_snapshots", doc)
	})
}

// UpdateSnapshots applies fn to the stored document under the exclusive lock.
// A missing or corrupt document starts out empty.
func (s *SnapshotStore) UpdateSnapshots(ctx context.Context, fn func(doc *postgate.CacheDocument) error) error {
	return s.l.withExclusive(ctx, "update_snapshots", func() error {
		doc, err := s.load("update_snapshots")
		if err != nil {
			doc = postgate.CacheDocument{}
		}
		if err := fn(&doc); err != nil {
			return err
		}
		return s.save("update_snapshots", doc)
	})
}

func (s *SnapshotStore) load(op string) (postgate.CacheDocument, error) {
	data, err := s.l.read(op)
	if err != nil {
		return postgate.CacheDocument{}, err
	}
	var doc postgate.CacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return postgate.CacheDocument{}, s.l.fail(op, err)
	}
	return doc, nil
}

func (s *SnapshotStore) save(op string, doc postgate.CacheDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return s.l.fail(op, err)
	}
	return s.l.write(op, data)
}
