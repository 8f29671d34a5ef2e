// Package file provides JSON-file backed ActionLog and SnapshotStore
// implementations.
//
// Files are shared between process invocations (a scheduled job and a manual
// one may race), so every mutation runs under an exclusive advisory lock on a
// sibling ".lock" file and is written with temp-file-then-rename. Reads take a
// shared lock and treat a missing or unparseable file as absent state.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"

	"github.com/ineyio/postgate"
)

const defaultRetryDelay = 10 * time.Millisecond

// Option configures a file-backed store.
type Option func(*locker)

// WithRetryDelay sets how often a contended lock is retried (default 10ms).
func WithRetryDelay(d time.Duration) Option {
	return func(l *locker) { l.retryDelay = d }
}

// WithPerm sets the permission of written files (default 0644).
func WithPerm(perm os.FileMode) Option {
	return func(l *locker) { l.perm = perm }
}

// locker serializes access to one JSON file across processes. mu covers
// goroutines sharing the locker, since a held flock is reentrant per handle.
type locker struct {
	mu         sync.Mutex
	path       string
	lock       *flock.Flock
	retryDelay time.Duration
	perm       os.FileMode
}

func newLocker(path string, opts ...Option) *locker {
	l := &locker{
		path:       path,
		lock:       flock.New(path + ".lock"),
		retryDelay: defaultRetryDelay,
		perm:       0o644,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// withShared runs fn under a shared lock. A missing directory means nothing
// was ever written, so fn runs without locking.
func (l *locker) withShared(ctx context.Context, op string, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(filepath.Dir(l.path)); errors.Is(err, os.ErrNotExist) {
		return fn()
	}
	ok, err := l.lock.TryRLockContext(ctx, l.retryDelay)
	if err != nil {
		return l.fail(op, fmt.Errorf("acquire shared lock: %w", err))
	}
	if !ok {
		return l.fail(op, fmt.Errorf("shared lock not acquired"))
	}
	defer l.lock.Unlock()
	return fn()
}

// withExclusive runs fn under an exclusive lock, creating the directory first.
func (l *locker) withExclusive(ctx context.Context, op string, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return l.fail(op, fmt.Errorf("create dir: %w", err))
	}
	ok, err := l.lock.TryLockContext(ctx, l.retryDelay)
	if err != nil {
		return l.fail(op, fmt.Errorf("acquire lock: %w", err))
	}
	if !ok {
		return l.fail(op, fmt.Errorf("lock not acquired"))
	}
	defer l.lock.Unlock()
	return fn()
}

// read returns the file contents, or ErrNotFound if the file does not exist.
func (l *locker) read(op string) ([]byte, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, l.fail(op, postgate.ErrNotFound)
	}
	if err != nil {
		return nil, l.fail(op, err)
	}
	return data, nil
}

// write atomically replaces the file contents.
func (l *locker) write(op string, data []byte) error {
	if err := renameio.WriteFile(l.path, data, l.perm); err != nil {
		return l.fail(op, err)
	}
	return nil
}

func (l *locker) fail(op string, err error) error {
	return &postgate.StoreError{Op: op, Path: l.path, Err: err}
}
