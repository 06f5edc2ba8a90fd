package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vigil/metrics"
	"vigil/storage"
	"vigil/util/goroutine"
)

// RuleLister provides the enabled rule set each tick.
type RuleLister interface {
	ListEnabled(ctx context.Context) ([]*storage.Rule, error)
}

// State is the scheduler's coarse lifecycle phase, exposed on the ops
// endpoint.
type State string

const (
	StateIdle        State = "idle"
	StatePolling     State = "polling"
	StateDispatching State = "dispatching"
	StateStopped     State = "stopped"
)

// Scheduler polls the rule store on a fixed tick and dispatches owed
// evaluation windows to the executor under a bounded worker semaphore.
type Scheduler struct {
	Rules    RuleLister
	Tenants  *TenantCache
	States   CheckpointStore
	Executor *Executor
	Logger   *zap.SugaredLogger

	TickInterval      time.Duration
	MaxCatchupWindows int

	sem  chan struct{}
	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once

	mu    sync.Mutex
	state State

	now func() time.Time
}

func New(rules RuleLister, tenants *TenantCache, states CheckpointStore,
	executor *Executor, tickInterval time.Duration, maxCatchup, maxParallel int,
	logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		Rules:             rules,
		Tenants:           tenants,
		States:            states,
		Executor:          executor,
		Logger:            logger,
		TickInterval:      tickInterval,
		MaxCatchupWindows: maxCatchup,
		sem:               make(chan struct{}, maxParallel),
		stop:              make(chan struct{}),
		state:             StateIdle,
		now:               time.Now,
	}
}

// CurrentState reports the scheduler's phase.
func (s *Scheduler) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start runs the tick loop until Stop is called or the context ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer goroutine.Recover("scheduler.loop", s.Logger)

		ticker := time.NewTicker(s.TickInterval)
		defer ticker.Stop()

		s.Logger.Infow("Scheduler started", "tick_interval", s.TickInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop shuts the loop down and drains in-flight evaluations.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.setState(StateStopped)
	s.Logger.Info("Scheduler stopped")
}

// Tick runs one scheduling pass: list enabled rules, expand their tenant
// scopes, and dispatch any owed windows. A rule store failure skips the
// whole tick; stale rule definitions are worse than a late evaluation.
func (s *Scheduler) Tick(ctx context.Context) {
	metrics.SchedulerTicks.Inc()
	s.setState(StatePolling)
	defer s.setState(StateIdle)

	rules, err := s.Rules.ListEnabled(ctx)
	if err != nil {
		s.Logger.Errorw("Failed to list enabled rules, skipping tick", "error", err)
		return
	}
	if len(rules) == 0 {
		return
	}

	recent, err := s.Tenants.Recent(ctx)
	if err != nil {
		s.Logger.Errorw("Failed to resolve active tenants, skipping tick", "error", err)
		return
	}

	s.setState(StateDispatching)
	now := s.now().Unix()

	for _, rule := range rules {
		for _, tenantID := range ExpandTenantScope(rule.TenantScope, recent) {
			s.dispatch(ctx, rule, tenantID, now)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, rule *storage.Rule, tenantID string, now int64) {
	state, found, err := s.States.Get(ctx, rule.ID, tenantID)
	if err != nil {
		s.Logger.Warnw("Failed to read checkpoint during dispatch, treating as never run",
			"rule", rule.ID, "tenant", tenantID, "error", err)
		found = false
	}

	lastRun := int64(0)
	if found {
		lastRun = state.LastRunTS
	}

	windows, deferred := Backlog(lastRun, now, rule.ScheduleSec, s.MaxCatchupWindows)
	if deferred > 0 {
		metrics.WindowsDeferred.Add(float64(deferred))
		s.Logger.Warnw("Deferring catch-up windows",
			"rule", rule.ID, "tenant", tenantID, "deferred", deferred)
	}
	if len(windows) == 0 {
		return
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	case <-s.stop:
		return
	}

	s.wg.Add(1)
	metrics.ActiveWorkers.Inc()
	go func() {
		defer s.wg.Done()
		defer metrics.ActiveWorkers.Dec()
		defer func() { <-s.sem }()
		defer goroutine.Recover("scheduler.evaluate", s.Logger)

		s.Executor.EvaluateBacklog(ctx, rule, tenantID, windows)
	}()
}
