package file

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/ineyio/postgate"
)

// actionEntry is the on-disk form of one action.
type actionEntry struct {
	TweetID       string         `json:"tweet_id"`
	PostedAt      string         `json:"posted_at"`
	TextPreview   string         `json:"text_preview"`
	RateLimitInfo *rateLimitInfo `json:"rate_limit_info,omitempty"`
}

type rateLimitInfo struct {
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset,omitempty"`
}

// ActionLog stores actions as a JSON array rewritten in full on each mutation.
type ActionLog struct {
	l *locker
}

var _ postgate.ActionLog = (*ActionLog)(nil)

// NewActionLog creates an action log at path. The file is created on the
// first Record.
func NewActionLog(path string, opts ...Option) *ActionLog {
	return &ActionLog{l: newLocker(path, opts...)}
}

// Path returns the log file path.
func (a *ActionLog) Path() string { return a.l.path }

// Record appends an action. An unreadable existing file is replaced.
func (a *ActionLog) Record(ctx context.Context, rec postgate.ActionRecord) error {
	return a.l.withExclusive(ctx, "record_action", func() error {
		entries, _ := a.load("record_action")
		entries = append(entries, toEntry(rec))
		return a.save("record_action", entries)
	})
}

// CountSince returns actions with PostedAt >= cutoff, most recent first.
func (a *ActionLog) CountSince(ctx context.Context, cutoff time.Time) (int, []postgate.ActionRecord, error) {
	var out []postgate.ActionRecord
	err := a.l.withShared(ctx, "count_actions", func() error {
		entries, err := a.load("count_actions")
		if err != nil {
			return err
		}
		for _, e := range entries {
			rec, ok := fromEntry(e)
			if !ok || rec.PostedAt.Before(cutoff) {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil && !errors.Is(err, postgate.ErrNotFound) {
		return 0, nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PostedAt.After(out[j].PostedAt)
	})
	return len(out), out, nil
}

// Prune removes actions with PostedAt < olderThan. Entries whose timestamp
// cannot be parsed are dropped as well. The file is only rewritten when
// something was removed.
func (a *ActionLog) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	err := a.l.withExclusive(ctx, "prune_actions", func() error {
		entries, err := a.load("prune_actions")
		if err != nil {
			if errors.Is(err, postgate.ErrNotFound) {
				return nil
			}
			return err
		}
		kept := entries[:0]
		for _, e := range entries {
			rec, ok := fromEntry(e)
			if ok && !rec.PostedAt.Before(olderThan) {
				kept = append(kept, e)
			}
		}
		removed = len(entries) - len(kept)
		if removed == 0 {
			return nil
		}
		return a.save("prune_actions", kept)
	})
	return removed, err
}

func (a *ActionLog) load(op string) ([]actionEntry, error) {
	data, err := a.l.read(op)
	if err != nil {
		return nil, err
	}
	var entries []actionEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, a.l.fail(op, err)
	}
	return entries, nil
}

func (a *ActionLog) save(op string, entries []actionEntry) error {
	if entries == nil {
		entries = []actionEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return a.l.fail(op, err)
	}
	return a.l.write(op, data)
}

func toEntry(rec postgate.ActionRecord) actionEntry {
	e := actionEntry{
		TweetID:     rec.ID,
		PostedAt:    rec.PostedAt.UTC().Format(time.RFC3339Nano),
		TextPreview: rec.Preview,
	}
	if r := rec.Reported; r != nil {
		info := &rateLimitInfo{Limit: r.Limit, Remaining: r.Remaining}
		if !r.Reset.IsZero() {
			info.Reset = r.Reset.Unix()
		}
		e.RateLimitInfo = info
	}
	return e
}

func fromEntry(e actionEntry) (postgate.ActionRecord, bool) {
	postedAt, err := postgate.ParseTimestamp(e.PostedAt)
	if err != nil {
		return postgate.ActionRecord{}, false
	}
	rec := postgate.ActionRecord{
		ID:       e.TweetID,
		PostedAt: postedAt.UTC(),
		Preview:  e.TextPreview,
	}
	if info := e.RateLimitInfo; info != nil {
		rl := postgate.RateLimit{Limit: info.Limit, Remaining: info.Remaining}
		if info.Reset > 0 {
			rl.Reset = time.Unix(info.Reset, 0).UTC()
		}
		rec.Reported = &rl
	}
	return rec, true
}
