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

type fakeRuleLister struct {
	rules []*storage.Rule
	err   error
}

func (f *fakeRuleLister) ListEnabled(ctx context.Context) ([]*storage.Rule, error) {
	return f.rules, f.err
}

func newTestScheduler(rules RuleLister, counter *fakeCounter, alerts *fakeAlertSink, states *fakeStateStore, now int64) *Scheduler {
	executor := newTestExecutor(counter, alerts, states, &fakeLeaseStore{})
	tenants := NewTenantCache(&fakeTenantLister{tenants: []string{"tenant-a"}}, time.Hour, time.Minute)
	s := New(rules, tenants, states, executor, 10*time.Second, 12, 2, zap.NewNop().Sugar())
	s.now = func() time.Time { return time.Unix(now, 0) }
	return s
}

func TestTickDispatchesDueRule(t *testing.T) {
	counter := &fakeCounter{counts: map[int64]uint64{940: 4}}
	alerts := &fakeAlertSink{}
	states := newFakeStateStore()
	lister := &fakeRuleLister{rules: []*storage.Rule{testRule(0)}}

	s := newTestScheduler(lister, counter, alerts, states, 1000)
	s.Tick(context.Background())
	s.Stop()

	// Never-run rule gets exactly one window ending at the tick time.
	assert.Equal(t, 1, counter.calls)
	require.Len(t, alerts.inserted, 1)
	assert.Equal(t, int64(940), alerts.inserted[0].WindowStart)

	state, found, _ := states.Get(context.Background(), "rule-1", "tenant-a")
	require.True(t, found)
	assert.Equal(t, int64(1000), state.LastRunTS)
}

func TestTickSkipsRuleNotYetDue(t *testing.T) {
	counter := &fakeCounter{counts: map[int64]uint64{}}
	states := newFakeStateStore()
	states.Put(context.Background(), storage.RuleState{
		RuleID: "rule-1", TenantID: "tenant-a", LastRunTS: 970,
	})
	lister := &fakeRuleLister{rules: []*storage.Rule{testRule(0)}}

	s := newTestScheduler(lister, counter, &fakeAlertSink{}, states, 1000)
	s.Tick(context.Background())
	s.Stop()

	assert.Zero(t, counter.calls)
}

func TestTickSkipsOnRuleStoreError(t *testing.T) {
	counter := &fakeCounter{counts: map[int64]uint64{}}
	lister := &fakeRuleLister{err: fmt.Errorf("database is locked")}

	s := newTestScheduler(lister, counter, &fakeAlertSink{}, newFakeStateStore(), 1000)
	s.Tick(context.Background())
	s.Stop()

	assert.Zero(t, counter.calls)
}

func TestTickEvaluatesExplicitScopeRegardlessOfActivity(t *testing.T) {
	counter := &fakeCounter{counts: map[int64]uint64{}}
	rule := testRule(0)
	rule.TenantScope = []string{"tenant-z"} // no recent events
	lister := &fakeRuleLister{rules: []*storage.Rule{rule}}

	s := newTestScheduler(lister, counter, &fakeAlertSink{}, newFakeStateStore(), 1000)
	s.Tick(context.Background())
	s.Stop()

	// A pinned tenant is evaluated even when quiet; the query just counts zero.
	assert.Equal(t, 1, counter.calls)
	assert.Equal(t, "tenant-z", counter.lastTenant)
}

func TestTickCatchUpBacklog(t *testing.T) {
	counter := &fakeCounter{counts: map[int64]uint64{}}
	states := newFakeStateStore()
	states.Put(context.Background(), storage.RuleState{
		RuleID: "rule-1", TenantID: "tenant-a", LastRunTS: 700,
	})
	lister := &fakeRuleLister{rules: []*storage.Rule{testRule(0)}}

	s := newTestScheduler(lister, counter, &fakeAlertSink{}, states, 1000)
	s.Tick(context.Background())
	s.Stop()

	// Five intervals of 60s owed since 700.
	assert.Equal(t, 5, counter.calls)
	state, _, _ := states.Get(context.Background(), "rule-1", "tenant-a")
	assert.Equal(t, int64(1000), state.LastRunTS)
}

func TestSchedulerStateTransitions(t *testing.T) {
	s := newTestScheduler(&fakeRuleLister{}, &fakeCounter{}, &fakeAlertSink{}, newFakeStateStore(), 1000)
	assert.Equal(t, StateIdle, s.CurrentState())
	s.Tick(context.Background())
	assert.Equal(t, StateIdle, s.CurrentState())
	s.Stop()
	assert.Equal(t, StateStopped, s.CurrentState())
}

func TestSchedulerStartStop(t *testing.T) {
	s := newTestScheduler(&fakeRuleLister{}, &fakeCounter{}, &fakeAlertSink{}, newFakeStateStore(), 1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Stop()
}
