package postgate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors.
var (
	ErrPersistence       = errors.New("postgate: persistence failure")
	ErrMalformedSnapshot = errors.New("postgate: malformed snapshot")
	ErrNotFound          = errors.New("postgate: no stored state")
	ErrQuotaExhausted    = errors.New("postgate: quota exhausted")
	ErrRateLimited       = errors.New("postgate: rate limited by remote service")
	ErrInvalidConfig     = errors.New("postgate: invalid config")
)

// StoreError wraps a backend failure with the operation that produced it.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("postgate: store op=%s path=%s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("postgate: store op=%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is makes every StoreError match ErrPersistence unless it already wraps a
// more specific sentinel.
func (e *StoreError) Is(target error) bool {
	if target != ErrPersistence {
		return false
	}
	return !errors.Is(e.Err, ErrNotFound) && !errors.Is(e.Err, ErrMalformedSnapshot)
}

// GateError is returned by Attempt when the gate refuses an action.
type GateError struct {
	Decision Decision
	Err      error
}

func (e *GateError) Error() string {
	return fmt.Sprintf("postgate: %v: %s", e.Err, e.Decision.Reason)
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// RejectionError is what a Poster returns when the remote service rejects a
// write for quota reasons. Metadata holds the rejection headers.
type RejectionError struct {
	StatusCode int
	Metadata   map[string]string
}

func (e *RejectionError) Error() string {
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("postgate: remote rejected write: status=%d headers=[%s]",
		e.StatusCode, strings.Join(keys, ","))
}

func (e *RejectionError) Unwrap() error {
	return ErrRateLimited
}

// IsRateLimited returns true if err is a quota rejection from the remote service.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsPersistence returns true if err came from reading or writing stored state.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}
