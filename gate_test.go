package postgate_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/postgate"
	"github.com/ineyio/postgate/meter"
	"github.com/ineyio/postgate/policy"
	"github.com/ineyio/postgate/poster/mock"
	"github.com/ineyio/postgate/store/memory"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T, opts ...postgate.Option) (*postgate.Gate, *memory.Store, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	store := memory.New()
	base := []postgate.Option{
		postgate.WithClock(clock),
		postgate.WithMeter(&meter.NoopMeter{}),
	}
	g, err := postgate.New(store, store, append(base, opts...)...)
	require.NoError(t, err)
	return g, store, clock
}

func recordAt(t *testing.T, store *memory.Store, ages ...time.Duration) {
	t.Helper()
	for i, age := range ages {
		err := store.Record(context.Background(), postgate.ActionRecord{
			ID:       fmt.Sprintf("a%d", i),
			PostedAt: t0.Add(-age),
		})
		require.NoError(t, err)
	}
}

func hoursAgo(n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = time.Duration(i+1) * time.Hour
	}
	return out
}

// recordingMeter captures every event for assertions.
type recordingMeter struct {
	mu          sync.Mutex
	checks      []postgate.CheckEvent
	rejected    []postgate.RejectedEvent
	recorded    []postgate.RecordedEvent
	storeErrors []postgate.StoreErrorEvent
}

func (m *recordingMeter) OnCheck(e postgate.CheckEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, e)
}

func (m *recordingMeter) OnRejected(e postgate.RejectedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, e)
}

func (m *recordingMeter) OnRecorded(e postgate.RecordedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, e)
}

func (m *recordingMeter) OnStoreError(e postgate.StoreErrorEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeErrors = append(m.storeErrors, e)
}

func TestCheck_EmptyLogNoCache_AllowedUnknown(t *testing.T) {
	g, _, _ := newTestGate(t)

	d := g.Check(context.Background())
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Blocking)
	assert.Equal(t, postgate.DerivationUnknown, d.Estimate.Derivation)
	assert.Equal(t, int64(17), d.Estimate.Remaining())
	assert.Contains(t, d.Reason, "unverified for APP, USER")
	assert.Contains(t, d.Reason, "Proceed with caution")
}

func TestCheck_FullLocalWindow_DeniedDerived(t *testing.T) {
	g, store, _ := newTestGate(t)
	recordAt(t, store, hoursAgo(17)...)

	d := g.Check(context.Background())
	require.False(t, d.Allowed)
	assert.Equal(t, postgate.DerivationLocalCount, d.Estimate.Derivation)
	assert.Equal(t, []postgate.Scope{postgate.ScopeApp, postgate.ScopeUser}, d.Blocking)
	assert.Equal(t, 17, d.Estimate.App.Used)
	assert.Equal(t, t0.Add(7*time.Hour), d.Estimate.App.FreesAt)
	assert.Contains(t, d.Reason,
		"APP 24-hour limit reached by local count (17 actions in window, limit 17). "+
			"Quota likely frees up in ~7.0 hours at 2025-03-01T19:00:00Z")
	assert.Contains(t, d.Reason, "USER 24-hour limit reached by local count")
}

func TestCheck_PartialLocalWindow_Allowed(t *testing.T) {
	g, store, _ := newTestGate(t)
	recordAt(t, store, hoursAgo(16)...)

	d := g.Check(context.Background())
	require.True(t, d.Allowed)
	assert.Equal(t, postgate.DerivationLocalCount, d.Estimate.Derivation)
	assert.Equal(t, int64(1), d.Estimate.Remaining())
	assert.Equal(t, "Can post - 1 remaining in 24-hour window (APP: derived_from_local_count, USER: derived_from_local_count).", d.Reason)
}

func TestCheck_ActionsOutsideWindowIgnored(t *testing.T) {
	g, store, _ := newTestGate(t)
	ages := make([]time.Duration, 17)
	for i := range ages {
		ages[i] = 25*time.Hour + time.Duration(i)*time.Minute
	}
	recordAt(t, store, ages...)

	d := g.Check(context.Background())
	assert.True(t, d.Allowed)
	assert.Equal(t, postgate.DerivationUnknown, d.Estimate.Derivation)
	assert.Contains(t, d.Reason, "no local actions in the last 24-hour window")
	assert.NotContains(t, d.Reason, "no remote or local")
}

func TestCheck_CachedExhaustion_DeniedWithResetTime(t *testing.T) {
	g, _, _ := newTestGate(t)
	ctx := context.Background()

	// Captured two hours ago: older than the freshness window, but an
	// exhausted snapshot holds until its reset.
	snap := postgate.NewSnapshot(postgate.ScopeApp, 17, 0, t0.Add(3*time.Hour), t0.Add(-2*time.Hour), postgate.ProvenanceErrorHeaders)
	require.NoError(t, g.Cache().Save(ctx, snap))

	d := g.Check(ctx)
	require.False(t, d.Allowed)
	assert.Equal(t, []postgate.Scope{postgate.ScopeApp}, d.Blocking)
	assert.Equal(t, postgate.DerivationRemoteConfirmed, d.Estimate.App.Derivation)
	assert.Equal(t, postgate.StateExhausted, d.Estimate.App.State)
	assert.Equal(t,
		"APP 24-hour limit exhausted (0/17 remaining, confirmed by remote service). Resets in 3.0 hours at 2025-03-01T15:00:00Z. "+
			"Rate limit status also unverified for USER: no fresh remote quota data and no local actions in the last 24-hour window.",
		d.Reason)
}

func TestCheck_DeniedReasonNamesUnverifiedScope(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	snap := postgate.NewSnapshot(postgate.ScopeApp, 17, 0, t0.Add(2*time.Hour), t0, postgate.ProvenanceErrorHeaders)
	require.NoError(t, g.Cache().Save(ctx, snap))

	d := g.Check(ctx)
	require.False(t, d.Allowed)
	assert.Equal(t, postgate.DerivationUnknown, d.Estimate.User.Derivation)
	assert.Contains(t, d.Reason, "also unverified for USER")
	assert.NotContains(t, d.Reason, "unverified for APP")

	// Once USER is derived from the log the note goes away.
	recordAt(t, store, time.Hour)
	d = g.Check(ctx)
	require.False(t, d.Allowed)
	assert.NotContains(t, d.Reason, "unverified")
}

func TestCheck_PastReset_FallsBackToLocalCount(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	snap := postgate.NewSnapshot(postgate.ScopeApp, 17, 0, t0.Add(-time.Minute), t0.Add(-30*time.Minute), postgate.ProvenanceErrorHeaders)
	require.NoError(t, g.Cache().Save(ctx, snap))
	recordAt(t, store, hoursAgo(5)...)

	d := g.Check(ctx)
	require.True(t, d.Allowed)
	assert.Equal(t, postgate.DerivationLocalCount, d.Estimate.App.Derivation)
	assert.Equal(t, int64(12), d.Estimate.App.Snapshot.Remaining)
}

func TestCheck_StaleSnapshotIgnored(t *testing.T) {
	g, _, clock := newTestGate(t)
	ctx := context.Background()

	snap := postgate.NewSnapshot(postgate.ScopeUser, 17, 4, time.Time{}, t0, postgate.ProvenanceErrorHeaders)
	require.NoError(t, g.Cache().Save(ctx, snap))

	d := g.Check(ctx)
	assert.Equal(t, postgate.DerivationRemoteConfirmed, d.Estimate.User.Derivation)
	assert.Equal(t, int64(4), d.Estimate.User.Snapshot.Remaining)

	clock.Advance(61 * time.Minute)
	d = g.Check(ctx)
	assert.Equal(t, postgate.DerivationUnknown, d.Estimate.User.Derivation)
}

func TestCheck_RemoteSnapshotNotReducedByLocalActions(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	snap := postgate.NewSnapshot(postgate.ScopeApp, 17, 9, t0.Add(10*time.Hour), t0.Add(-10*time.Minute), postgate.ProvenanceErrorHeaders)
	require.NoError(t, g.Cache().Save(ctx, snap))
	recordAt(t, store, time.Minute, 2*time.Minute)

	d := g.Check(ctx)
	assert.Equal(t, int64(9), d.Estimate.App.Snapshot.Remaining)
	assert.Equal(t, postgate.DerivationLocalCount, d.Estimate.User.Derivation)
	assert.Equal(t, postgate.DerivationLocalCount, d.Estimate.Derivation)
}

func TestOnRejected_AppExhausted_DeniesNamingApp(t *testing.T) {
	m := &recordingMeter{}
	g, _, _ := newTestGate(t, postgate.WithMeter(m))
	ctx := context.Background()

	reset := t0.Add(5 * time.Hour)
	h := g.OnRejected(ctx, map[string]string{
		"X-App-Limit-24hour-Limit":      "17",
		"X-App-Limit-24hour-Remaining":  "0",
		"X-App-Limit-24hour-Reset":      strconv.FormatInt(reset.Unix(), 10),
		"x-user-limit-24hour-limit":     "17",
		"x-user-limit-24hour-remaining": "10",
	})
	assert.Equal(t, postgate.ProvenanceErrorHeaders, h.App.Provenance)
	require.Len(t, m.rejected, 1)
	assert.NoError(t, m.rejected[0].Error)

	d := g.Check(ctx)
	require.False(t, d.Allowed)
	assert.Equal(t, []postgate.Scope{postgate.ScopeApp}, d.Blocking)
	assert.True(t, strings.HasPrefix(d.Reason, "APP 24-hour limit exhausted"))
	assert.Contains(t, d.Reason, "Resets in 5.0 hours at 2025-03-01T17:00:00Z.")
	assert.Equal(t, int64(10), d.Estimate.User.Snapshot.Remaining)
}

func TestOnRejected_NoHeaders_BlocksUntilStale(t *testing.T) {
	g, _, clock := newTestGate(t)
	ctx := context.Background()

	h := g.OnRejected(ctx, nil)
	assert.Equal(t, postgate.ProvenanceErrorResponse, h.App.Provenance)
	assert.Equal(t, int64(17), h.App.Limit)

	d := g.Check(ctx)
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Reset time unknown.")

	clock.Advance(time.Hour)
	d = g.Check(ctx)
	assert.True(t, d.Allowed)
}

func TestOnSucceeded_RecordsAndPrunes(t *testing.T) {
	m := &recordingMeter{}
	g, store, _ := newTestGate(t, postgate.WithMeter(m))
	ctx := context.Background()

	recordAt(t, store, 49*time.Hour, 50*time.Hour, time.Hour)

	text := strings.Repeat("é", 80)
	require.NoError(t, g.OnSucceeded(ctx, "", text,
		postgate.WithReportedQuota(postgate.RateLimit{Limit: 17, Remaining: 15})))

	assert.Equal(t, 2, store.Len())
	_, entries, err := store.CountSince(ctx, t0.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, 50, len([]rune(entries[0].Preview)))
	require.NotNil(t, entries[0].Reported)
	assert.Equal(t, int64(15), entries[0].Reported.Remaining)

	require.Len(t, m.recorded, 1)
	assert.Equal(t, 2, m.recorded[0].Pruned)

	// Success never writes snapshots.
	_, err = store.LoadSnapshots(ctx)
	assert.ErrorIs(t, err, postgate.ErrNotFound)
}

func TestCleanup_Idempotent(t *testing.T) {
	g, store, _ := newTestGate(t)
	recordAt(t, store, 47*time.Hour, 49*time.Hour)

	n, err := g.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = g.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, store.Len())
}

func TestReset_ClearsLogKeepsSnapshots(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()
	recordAt(t, store, hoursAgo(17)...)
	recordAt(t, store, -time.Minute)

	snap := postgate.NewSnapshot(postgate.ScopeApp, 17, 0, t0.Add(time.Hour), t0, postgate.ProvenanceErrorHeaders)
	require.NoError(t, g.Cache().Save(ctx, snap))

	n, err := g.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	assert.Zero(t, store.Len())

	d := g.Check(ctx)
	require.False(t, d.Allowed)
	assert.Equal(t, []postgate.Scope{postgate.ScopeApp}, d.Blocking)
	assert.Equal(t, postgate.DerivationUnknown, d.Estimate.User.Derivation)

	n, err = g.Reset(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReset_ReportsStoreFailure(t *testing.T) {
	m := &recordingMeter{}
	g, err := postgate.New(brokenStore{}, brokenStore{}, postgate.WithClock(clockwork.NewFakeClockAt(t0)), postgate.WithMeter(m))
	require.NoError(t, err)

	_, err = g.Reset(context.Background())
	assert.ErrorIs(t, err, errDisk)
	require.Len(t, m.storeErrors, 1)
	assert.Equal(t, "reset_actions", m.storeErrors[0].Op)
}

func TestAttempt(t *testing.T) {
	ctx := context.Background()

	t.Run("posts and records", func(t *testing.T) {
		g, store, _ := newTestGate(t)
		remote := mock.New()

		id, err := g.Attempt(ctx, remote, "hello")
		require.NoError(t, err)
		assert.Equal(t, "mock-1", id)
		assert.Equal(t, 1, store.Len())
	})

	t.Run("denied check skips poster", func(t *testing.T) {
		g, store, _ := newTestGate(t)
		recordAt(t, store, hoursAgo(17)...)
		remote := mock.New()

		_, err := g.Attempt(ctx, remote, "hello")
		require.Error(t, err)
		assert.ErrorIs(t, err, postgate.ErrQuotaExhausted)
		var gerr *postgate.GateError
		require.True(t, errors.As(err, &gerr))
		assert.False(t, gerr.Decision.Allowed)
		assert.Equal(t, int64(0), remote.CallCount())
	})

	t.Run("rejection is learned", func(t *testing.T) {
		g, store, _ := newTestGate(t)
		remote := mock.New(
			mock.WithRejectAfter(1),
			mock.WithRejectionHeaders(map[string]string{
				postgate.HeaderUserRemaining: "0",
				postgate.HeaderUserLimit:     "17",
				postgate.HeaderAppRemaining:  "6",
			}),
		)

		_, err := g.Attempt(ctx, remote, "first")
		require.NoError(t, err)

		_, err = g.Attempt(ctx, remote, "second")
		require.Error(t, err)
		assert.True(t, postgate.IsRateLimited(err))
		assert.Equal(t, 1, store.Len())

		_, err = g.Attempt(ctx, remote, "third")
		assert.ErrorIs(t, err, postgate.ErrQuotaExhausted)
		assert.Equal(t, int64(2), remote.CallCount())

		d := g.Check(ctx)
		assert.Equal(t, []postgate.Scope{postgate.ScopeUser}, d.Blocking)
	})

	t.Run("other errors pass through", func(t *testing.T) {
		g, store, _ := newTestGate(t)
		boom := errors.New("boom")
		remote := mock.New(mock.WithError(boom))

		_, err := g.Attempt(ctx, remote, "hello")
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, store.Len())
	})
}

func TestCheck_StateTransitions(t *testing.T) {
	m := &recordingMeter{}
	g, _, _ := newTestGate(t, postgate.WithMeter(m))
	ctx := context.Background()

	g.Check(ctx)
	require.Len(t, m.checks, 1)
	assert.Empty(t, m.checks[0].Transitions)

	g.OnRejected(ctx, map[string]string{
		postgate.HeaderAppRemaining:  "0",
		postgate.HeaderUserRemaining: "3",
	})
	g.Check(ctx)
	require.Len(t, m.checks, 2)
	assert.Equal(t, []postgate.Transition{
		{Scope: postgate.ScopeApp, From: postgate.StateUnknown, To: postgate.StateExhausted},
		{Scope: postgate.ScopeUser, From: postgate.StateUnknown, To: postgate.StateConfirmed},
	}, m.checks[1].Transitions)
	assert.False(t, m.checks[1].Allowed)
}

func TestCheck_StrictPolicy(t *testing.T) {
	g, _, _ := newTestGate(t, postgate.WithPolicy(&policy.StrictPolicy{}))

	d := g.Check(context.Background())
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "APP quota unverified")
	assert.Contains(t, d.Reason, "USER quota unverified")
}

func TestCheck_HeadroomPolicy(t *testing.T) {
	g, store, _ := newTestGate(t, postgate.WithPolicy(&policy.HeadroomPolicy{Reserve: 2}))
	recordAt(t, store, hoursAgo(15)...)

	d := g.Check(context.Background())
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "APP quota held back by policy (2/17 remaining by local count).")
}

// brokenStore fails every operation.
type brokenStore struct{}

var errDisk = errors.New("disk on fire")

func (brokenStore) Record(context.Context, postgate.ActionRecord) error { return errDisk }
func (brokenStore) CountSince(context.Context, time.Time) (int, []postgate.ActionRecord, error) {
	return 0, nil, errDisk
}
func (brokenStore) Prune(context.Context, time.Time) (int, error) { return 0, errDisk }
func (brokenStore) LoadSnapshots(context.Context) (postgate.CacheDocument, error) {
	return postgate.CacheDocument{}, &postgate.StoreError{Op: "load_snapshots", Err: errDisk}
}
func (brokenStore) SaveSnapshots(context.Context, postgate.CacheDocument) error { return errDisk }

func TestGate_DegradesOnStoreFailure(t *testing.T) {
	m := &recordingMeter{}
	clock := clockwork.NewFakeClockAt(t0)
	g, err := postgate.New(brokenStore{}, brokenStore{}, postgate.WithClock(clock), postgate.WithMeter(m))
	require.NoError(t, err)
	ctx := context.Background()

	d := g.Check(ctx)
	assert.True(t, d.Allowed)
	assert.Equal(t, postgate.DerivationUnknown, d.Estimate.Derivation)

	ops := make([]string, 0, len(m.storeErrors))
	for _, e := range m.storeErrors {
		ops = append(ops, e.Op)
	}
	assert.Contains(t, ops, "load_snapshots")
	assert.Contains(t, ops, "count_actions")

	err = g.OnSucceeded(ctx, "id", "text")
	assert.ErrorIs(t, err, errDisk)

	h := g.OnRejected(ctx, map[string]string{postgate.HeaderAppRemaining: "0"})
	assert.Equal(t, int64(0), h.App.Remaining)
	require.Len(t, m.rejected, 1)
	assert.Error(t, m.rejected[0].Error)
}

func TestNew_Validation(t *testing.T) {
	store := memory.New()

	_, err := postgate.New(nil, store)
	assert.Error(t, err)

	_, err = postgate.New(store, nil)
	assert.Error(t, err)

	cfg := postgate.DefaultConfig()
	cfg.Retention = cfg.Window
	_, err = postgate.New(store, store, postgate.WithConfig(cfg))
	assert.ErrorIs(t, err, postgate.ErrInvalidConfig)
}

func TestStatus(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	recordAt(t, store, hoursAgo(3)...)
	g.OnRejected(ctx, map[string]string{
		postgate.HeaderAppLimit:        "17",
		postgate.HeaderAppRemaining:    "0",
		postgate.HeaderAppReset:        strconv.FormatInt(t0.Add(2*time.Hour).Unix(), 10),
		postgate.HeaderUserRemaining:   "4",
		postgate.HeaderWindowLimit:     "300",
		postgate.HeaderWindowRemaining: "299",
		postgate.HeaderWindowReset:     strconv.FormatInt(t0.Add(15*time.Minute).Unix(), 10),
	})

	st := g.Status(ctx)
	assert.False(t, st.CanPost)
	assert.Equal(t, postgate.StateExhausted, st.App.State)
	assert.Equal(t, int64(17), st.App.Used)
	assert.InDelta(t, 2.0, st.App.HoursUntilReset, 0.001)
	assert.False(t, st.App.ResetEstimated)
	assert.Equal(t, postgate.StateConfirmed, st.User.State)
	assert.Equal(t, int64(4), st.User.Remaining)
	require.NotNil(t, st.Window)
	assert.Equal(t, int64(299), st.Window.Remaining)
}

func TestStatus_DerivedResetIsEstimated(t *testing.T) {
	g, store, _ := newTestGate(t)
	recordAt(t, store, 20*time.Hour)

	st := g.Status(context.Background())
	assert.True(t, st.CanPost)
	assert.Equal(t, postgate.StateDerived, st.App.State)
	assert.True(t, st.App.ResetEstimated)
	assert.Equal(t, t0.Add(4*time.Hour), st.App.ResetAt)
	assert.Nil(t, st.Window)
}
