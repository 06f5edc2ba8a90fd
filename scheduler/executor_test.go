package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vigil/storage"
)

type fakeCounter struct {
	counts     map[int64]uint64 // keyed by window start
	err        error
	calls      int
	lastTenant string
}

func (f *fakeCounter) CountWindow(ctx context.Context, tenantID string, start, end int64, whereSQL string, whereArgs []interface{}) (uint64, string, error) {
	f.calls++
	f.lastTenant = tenantID
	if f.err != nil {
		return 0, "SELECT count() FROM events", f.err
	}
	return f.counts[start], "SELECT count() FROM events", nil
}

type fakeAlertSink struct {
	inserted []*storage.Alert
	err      error
	failures int // fail this many inserts before recovering
}

func (f *fakeAlertSink) Insert(ctx context.Context, a *storage.Alert) error {
	if f.err != nil {
		return f.err
	}
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("connection refused")
	}
	f.inserted = append(f.inserted, a)
	return nil
}

type fakeStateStore struct {
	states map[string]storage.RuleState
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]storage.RuleState)}
}

func (f *fakeStateStore) key(ruleID, tenantID string) string {
	return ruleID + "|" + tenantID
}

func (f *fakeStateStore) Get(ctx context.Context, ruleID, tenantID string) (storage.RuleState, bool, error) {
	s, ok := f.states[f.key(ruleID, tenantID)]
	if !ok {
		return storage.RuleState{RuleID: ruleID, TenantID: tenantID}, false, nil
	}
	return s, true, nil
}

func (f *fakeStateStore) Put(ctx context.Context, state storage.RuleState) error {
	f.states[f.key(state.RuleID, state.TenantID)] = state
	return nil
}

type fakeLeaseStore struct {
	deny     bool
	acquired []string
	released []string
}

func (f *fakeLeaseStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if f.deny {
		return false, nil
	}
	f.acquired = append(f.acquired, key)
	return true, nil
}

func (f *fakeLeaseStore) Release(ctx context.Context, key, owner string) error {
	f.released = append(f.released, key)
	return nil
}

func testRule(throttle int64) *storage.Rule {
	return &storage.Rule{
		ID:              "rule-1",
		Name:            "failed logins",
		WhereSQL:        "event_type = ?",
		WhereArgs:       []interface{}{"login_failed"},
		Enabled:         true,
		ScheduleSec:     60,
		ThrottleSeconds: throttle,
		Severity:        "high",
	}
}

func newTestExecutor(counter *fakeCounter, alerts *fakeAlertSink, states *fakeStateStore, leases storage.LeaseStore) *Executor {
	e := NewExecutor(counter, alerts, states, leases, nil, "instance-1", 30*time.Second, zap.NewNop().Sugar())
	e.sleep = func(time.Duration) {}
	return e
}

func TestExecutorGeneratesAlert(t *testing.T) {
	counter := &fakeCounter{counts: map[int64]uint64{100: 7}}
	alerts := &fakeAlertSink{}
	states := newFakeStateStore()
	e := newTestExecutor(counter, alerts, states, &fakeLeaseStore{})

	rule := testRule(0)
	e.EvaluateBacklog(context.Background(), rule, "tenant-a", []Window{{Start: 100, End: 160}})

	require.Len(t, alerts.inserted, 1)
	a := alerts.inserted[0]
	assert.Equal(t, AlertID("rule-1", "tenant-a", 100), a.AlertID)
	assert.Equal(t, DedupHash("rule-1", "tenant-a"), a.DedupHash)
	assert.Equal(t, uint64(7), a.MatchCount)
	assert.Equal(t, int64(100), a.WindowStart)
	assert.Equal(t, int64(160), a.WindowEnd)
	assert.Equal(t, "high", a.Severity)

	state, found, err := states.Get(context.Background(), "rule-1", "tenant-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(160), state.LastRunTS)
	assert.Equal(t, int64(160), state.LastAlertTS)
	assert.Empty(t, state.LastError)
}

func TestExecutorNoAlertOnZeroMatches(t *testing.T) {
	counter := &fakeCounter{counts: map[int64]uint64{}}
	alerts := &fakeAlertSink{}
	states := newFakeStateStore()
	e := newTestExecutor(counter, alerts, states, &fakeLeaseStore{})

	e.EvaluateBacklog(context.Background(), testRule(0), "tenant-a", []Window{{Start: 100, End: 160}})

	assert.Empty(t, alerts.inserted)
	state, found, _ := states.Get(context.Background(), "rule-1", "tenant-a")
	require.True(t, found)
	assert.Equal(t, int64(160), state.LastRunTS)
	assert.Zero(t, state.LastAlertTS)
}

func TestExecutorThrottleSuppresses(t *testing.T) {
	// Every window matches; with a 120s throttle and 60s windows, only every
	// other firing survives.
	counter := &fakeCounter{counts: map[int64]uint64{100: 3, 160: 3, 220: 3}}
	alerts := &fakeAlertSink{}
	states := newFakeStateStore()
	e := newTestExecutor(counter, alerts, states, &fakeLeaseStore{})

	rule := testRule(120)
	e.EvaluateBacklog(context.Background(), rule, "tenant-a", []Window{
		{Start: 100, End: 160},
		{Start: 160, End: 220},
		{Start: 220, End: 280},
	})

	// First window fires (LastAlertTS=160). Second window end 220 is 60s
	// later, inside the throttle. Third window end 280 is exactly 120s
	// later, outside the strict < comparison, so it fires.
	require.Len(t, alerts.inserted, 2)
	assert.Equal(t, int64(100), alerts.inserted[0].WindowStart)
	assert.Equal(t, int64(220), alerts.inserted[1].WindowStart)

	state, _, _ := states.Get(context.Background(), "rule-1", "tenant-a")
	assert.Equal(t, int64(280), state.LastRunTS)
	assert.Equal(t, int64(280), state.LastAlertTS)
}

func TestExecutorThrottleDisabled(t *testing.T) {
	counter := &fakeCounter{counts: map[int64]uint64{100: 1, 160: 1}}
	alerts := &fakeAlertSink{}
	states := newFakeStateStore()
	e := newTestExecutor(counter, alerts, states, &fakeLeaseStore{})

	e.EvaluateBacklog(context.Background(), testRule(0), "tenant-a", []Window{
		{Start: 100, End: 160},
		{Start: 160, End: 220},
	})

	assert.Len(t, alerts.inserted, 2)
}

func TestExecutorQueryErrorAdvancesCheckpoint(t *testing.T) {
	counter := &fakeCounter{err: fmt.Errorf("memory limit exceeded")}
	alerts := &fakeAlertSink{}
	states := newFakeStateStore()
	e := newTestExecutor(counter, alerts, states, &fakeLeaseStore{})

	e.EvaluateBacklog(context.Background(), testRule(0), "tenant-a", []Window{
		{Start: 100, End: 160},
		{Start: 160, End: 220},
	})

	// Both windows are attempted; the failure does not wedge the backlog.
	assert.Equal(t, 2, counter.calls)
	assert.Empty(t, alerts.inserted)

	state, found, _ := states.Get(context.Background(), "rule-1", "tenant-a")
	require.True(t, found)
	assert.Equal(t, int64(220), state.LastRunTS)
	assert.Contains(t, state.LastError, "memory limit exceeded")
	assert.NotEmpty(t, state.LastSQL)
}

func TestExecutorLeaseDenialStopsBacklog(t *testing.T) {
	counter := &fakeCounter{counts: map[int64]uint64{}}
	alerts := &fakeAlertSink{}
	states := newFakeStateStore()
	e := newTestExecutor(counter, alerts, states, &fakeLeaseStore{deny: true})

	e.EvaluateBacklog(context.Background(), testRule(0), "tenant-a", []Window{
		{Start: 100, End: 160},
		{Start: 160, End: 220},
	})

	assert.Zero(t, counter.calls)
	_, found, _ := states.Get(context.Background(), "rule-1", "tenant-a")
	assert.False(t, found)
}

func TestExecutorReleasesLeases(t *testing.T) {
	counter := &fakeCounter{counts: map[int64]uint64{}}
	leases := &fakeLeaseStore{}
	e := newTestExecutor(counter, &fakeAlertSink{}, newFakeStateStore(), leases)

	e.EvaluateBacklog(context.Background(), testRule(0), "tenant-a", []Window{
		{Start: 100, End: 160},
	})

	require.Len(t, leases.acquired, 1)
	assert.Equal(t, "rule-1:tenant-a:100", leases.acquired[0])
	assert.Equal(t, leases.acquired, leases.released)
}

func TestExecutorAlertInsertFailureDoesNotAdvance(t *testing.T) {
	counter := &fakeCounter{counts: map[int64]uint64{100: 5, 160: 2}}
	alerts := &fakeAlertSink{err: fmt.Errorf("connection refused")}
	states := newFakeStateStore()
	e := newTestExecutor(counter, alerts, states, &fakeLeaseStore{})

	// The backlog must stop at the failed window: evaluating the next one
	// would checkpoint past it and lose its alert for good.
	e.EvaluateBacklog(context.Background(), testRule(0), "tenant-a", []Window{
		{Start: 100, End: 160},
		{Start: 160, End: 220},
	})

	// The checkpoint is untouched so the window is retried next tick; the
	// content-addressed alert ID keeps that retry idempotent.
	assert.Equal(t, 1, counter.calls)
	_, found, _ := states.Get(context.Background(), "rule-1", "tenant-a")
	assert.False(t, found)
}

func TestExecutorAlertInsertRetryCoversAllWindows(t *testing.T) {
	counter := &fakeCounter{counts: map[int64]uint64{100: 5, 160: 2}}
	alerts := &fakeAlertSink{failures: 1}
	states := newFakeStateStore()
	e := newTestExecutor(counter, alerts, states, &fakeLeaseStore{})

	rule := testRule(0)
	windows := []Window{
		{Start: 100, End: 160},
		{Start: 160, End: 220},
	}

	// First pass fails the window-100 insert and halts the backlog.
	e.EvaluateBacklog(context.Background(), rule, "tenant-a", windows)
	assert.Empty(t, alerts.inserted)

	// Next tick re-dispatches the same backlog; both alerts now land.
	e.EvaluateBacklog(context.Background(), rule, "tenant-a", windows)
	require.Len(t, alerts.inserted, 2)
	assert.Equal(t, int64(100), alerts.inserted[0].WindowStart)
	assert.Equal(t, int64(160), alerts.inserted[1].WindowStart)

	state, _, _ := states.Get(context.Background(), "rule-1", "tenant-a")
	assert.Equal(t, int64(220), state.LastRunTS)
}

func TestExecutorMonotonicCheckpoint(t *testing.T) {
	counter := &fakeCounter{counts: map[int64]uint64{}}
	states := newFakeStateStore()
	e := newTestExecutor(counter, &fakeAlertSink{}, states, &fakeLeaseStore{})

	var observed []int64
	windows := []Window{
		{Start: 100, End: 160},
		{Start: 160, End: 220},
		{Start: 220, End: 280},
	}
	rule := testRule(0)
	for _, w := range windows {
		e.EvaluateBacklog(context.Background(), rule, "tenant-a", []Window{w})
		state, _, _ := states.Get(context.Background(), "rule-1", "tenant-a")
		observed = append(observed, state.LastRunTS)
	}

	assert.Equal(t, []int64{160, 220, 280}, observed)
}
