package postgate

import (
	"fmt"
	"time"
)

// CacheDocument is the persisted form of the snapshot cache:
//
//	{"app_24h": {...}, "user_24h": {...}, "window_15min": {...}, "timestamp": ..., "source": ...}
//
// Reset values are unix seconds, 0 meaning unknown.
type CacheDocument struct {
	App       *LimitEntry `json:"app_24h,omitempty"`
	User      *LimitEntry `json:"user_24h,omitempty"`
	Window    *LimitEntry `json:"window_15min,omitempty"`
	Timestamp string      `json:"timestamp"`
	Source    Provenance  `json:"source"`
}

// LimitEntry is one limit/remaining/reset group. CapturedAt and Source
// override the document-level values when a scope was saved separately.
type LimitEntry struct {
	Limit      *int64     `json:"limit"`
	Remaining  *int64     `json:"remaining"`
	Reset      *int64     `json:"reset"`
	CapturedAt string     `json:"captured_at,omitempty"`
	Source     Provenance `json:"source,omitempty"`
}

func (d *CacheDocument) entry(scope Scope) *LimitEntry {
	switch scope {
	case ScopeApp:
		return d.App
	case ScopeUser:
		return d.User
	default:
		return nil
	}
}

// Snapshot decodes the entry for scope. It returns ErrNotFound when the scope
// was never saved and ErrMalformedSnapshot when required fields are missing.
func (d *CacheDocument) Snapshot(scope Scope) (QuotaSnapshot, error) {
	e := d.entry(scope)
	if e == nil {
		return QuotaSnapshot{}, ErrNotFound
	}
	if e.Limit == nil || e.Remaining == nil {
		return QuotaSnapshot{}, fmt.Errorf("%w: %s: limit and remaining are required", ErrMalformedSnapshot, scope)
	}

	prov := e.Source
	if prov == "" {
		prov = d.Source
	}
	if prov == "" {
		prov = ProvenanceUnknown
	}

	var resetAt time.Time
	if e.Reset != nil && *e.Reset > 0 {
		resetAt = time.Unix(*e.Reset, 0)
	}

	captured := e.CapturedAt
	if captured == "" {
		captured = d.Timestamp
	}
	capturedAt, err := ParseTimestamp(captured)
	if err != nil {
		// Exhaustion with a known reset does not depend on when it was seen.
		if *e.Remaining <= 0 && !resetAt.IsZero() {
			return NewSnapshot(scope, *e.Limit, 0, resetAt, time.Time{}, prov), nil
		}
		return QuotaSnapshot{}, fmt.Errorf("%w: %s: timestamp: %v", ErrMalformedSnapshot, scope, err)
	}

	return NewSnapshot(scope, *e.Limit, *e.Remaining, resetAt, capturedAt, prov), nil
}

// Put stores s under its scope, overwriting any previous entry.
func (d *CacheDocument) Put(s QuotaSnapshot) {
	e := newLimitEntry(s.Limit, s.Remaining, s.ResetAt)
	e.CapturedAt = s.CapturedAt.UTC().Format(time.RFC3339Nano)
	e.Source = s.Provenance

	switch s.Scope {
	case ScopeApp:
		d.App = e
	case ScopeUser:
		d.User = e
	default:
		return
	}
	d.touch(s.CapturedAt, s.Provenance)
}

// PutWindow stores the short-window figures.
func (d *CacheDocument) PutWindow(rl RateLimit, at time.Time) {
	e := newLimitEntry(rl.Limit, rl.Remaining, rl.Reset)
	e.CapturedAt = at.UTC().Format(time.RFC3339Nano)
	d.Window = e
}

// WindowLimit returns the short-window figures if present and well formed.
func (d *CacheDocument) WindowLimit() (RateLimit, time.Time, bool) {
	e := d.Window
	if e == nil || e.Limit == nil || e.Remaining == nil {
		return RateLimit{}, time.Time{}, false
	}
	rl := RateLimit{Limit: *e.Limit, Remaining: *e.Remaining}
	if e.Reset != nil && *e.Reset > 0 {
		rl.Reset = time.Unix(*e.Reset, 0).UTC()
	}
	captured := e.CapturedAt
	if captured == "" {
		captured = d.Timestamp
	}
	at, err := ParseTimestamp(captured)
	if err != nil {
		return RateLimit{}, time.Time{}, false
	}
	return rl, at, true
}

func (d *CacheDocument) touch(at time.Time, prov Provenance) {
	d.Timestamp = at.UTC().Format(time.RFC3339Nano)
	d.Source = prov
}

func newLimitEntry(limit, remaining int64, reset time.Time) *LimitEntry {
	var r int64
	if !reset.IsZero() {
		r = reset.Unix()
	}
	return &LimitEntry{Limit: &limit, Remaining: &remaining, Reset: &r}
}

// naiveLayouts are zone-less ISO-8601 forms, as written by datetime.isoformat.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp accepts RFC 3339 and zone-less ISO-8601 timestamps. A
// zone-less value is read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if nt, nerr := time.ParseInLocation(layout, s, time.UTC); nerr == nil {
			return nt, nil
		}
	}
	return time.Time{}, err
}
