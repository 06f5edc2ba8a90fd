package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vigil/metrics"
	"vigil/storage"
)

// EventCounter counts matching events inside one evaluation window.
type EventCounter interface {
	CountWindow(ctx context.Context, tenantID string, start, end int64, whereSQL string, whereArgs []interface{}) (uint64, string, error)
}

// AlertSink persists generated alerts.
type AlertSink interface {
	Insert(ctx context.Context, a *storage.Alert) error
}

// CheckpointStore reads and writes per-rule, per-tenant evaluation state.
type CheckpointStore interface {
	Get(ctx context.Context, ruleID, tenantID string) (storage.RuleState, bool, error)
	Put(ctx context.Context, state storage.RuleState) error
}

// Executor evaluates a rule's backlog of windows for one tenant. A shared
// rate limiter caps aggregate ClickHouse query pressure across all
// concurrent evaluations.
type Executor struct {
	Events     EventCounter
	Alerts     AlertSink
	States     CheckpointStore
	Leases     storage.LeaseStore
	Limiter    *rate.Limiter
	Logger     *zap.SugaredLogger
	InstanceID string
	LeaseTTL   time.Duration

	// sleep is swapped out by tests to avoid real backoff delays.
	sleep func(time.Duration)
}

func NewExecutor(events EventCounter, alerts AlertSink, states CheckpointStore,
	leases storage.LeaseStore, limiter *rate.Limiter, instanceID string,
	leaseTTL time.Duration, logger *zap.SugaredLogger) *Executor {
	return &Executor{
		Events:     events,
		Alerts:     alerts,
		States:     states,
		Leases:     leases,
		Limiter:    limiter,
		Logger:     logger,
		InstanceID: instanceID,
		LeaseTTL:   leaseTTL,
		sleep:      time.Sleep,
	}
}

var tracer = otel.Tracer("vigil/scheduler")

// EvaluateBacklog runs the rule over its owed windows, oldest first. A
// lease denial on any window aborts the remaining backlog; another instance
// owns this rule/tenant stream right now and will advance the checkpoint
// itself. Query failures advance the checkpoint past the failed window so a
// persistently broken rule cannot wedge the scheduler, then back off with
// jitter before the next window. An alert that cannot be persisted halts the
// backlog with the checkpoint unmoved so the window is retried next tick.
func (e *Executor) EvaluateBacklog(ctx context.Context, rule *storage.Rule, tenantID string, windows []Window) {
	for _, w := range windows {
		if !e.evaluateWindow(ctx, rule, tenantID, w) {
			return
		}
	}
}

func (e *Executor) evaluateWindow(ctx context.Context, rule *storage.Rule, tenantID string, w Window) bool {
	ctx, span := tracer.Start(ctx, "scheduler.evaluateWindow", trace.WithAttributes(
		attribute.String("rule.id", rule.ID),
		attribute.String("tenant.id", tenantID),
		attribute.Int64("window.start", w.Start),
		attribute.Int64("window.end", w.End),
	))
	defer span.End()

	leaseKey := fmt.Sprintf("%s:%s:%d", rule.ID, tenantID, w.Start)
	acquired, err := e.Leases.Acquire(ctx, leaseKey, e.InstanceID, e.LeaseTTL)
	if err != nil {
		e.Logger.Errorw("Lease acquisition failed", "rule", rule.ID, "tenant", tenantID, "error", err)
		return false
	}
	if !acquired {
		metrics.LeaseConflicts.Inc()
		e.Logger.Debugw("Window leased by another instance, skipping backlog",
			"rule", rule.ID, "tenant", tenantID, "window_start", w.Start)
		return false
	}
	defer func() {
		if err := e.Leases.Release(ctx, leaseKey, e.InstanceID); err != nil {
			e.Logger.Warnw("Lease release failed", "rule", rule.ID, "error", err)
		}
	}()

	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return false
		}
	}

	state, _, err := e.States.Get(ctx, rule.ID, tenantID)
	if err != nil {
		// An unreadable checkpoint is treated as never-run rather than
		// blocking evaluation; the window still gets evaluated and the
		// subsequent Put repairs the state row.
		e.Logger.Warnw("Failed to read rule checkpoint, treating as never run",
			"rule", rule.ID, "tenant", tenantID, "error", err)
		state = storage.RuleState{RuleID: rule.ID, TenantID: tenantID}
	}

	start := time.Now()
	count, execSQL, err := e.Events.CountWindow(ctx, tenantID, w.Start, w.End, rule.WhereSQL, rule.WhereArgs)
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RuleEvaluations.WithLabelValues("error").Inc()
		e.Logger.Errorw("Rule evaluation query failed",
			"rule", rule.ID, "tenant", tenantID, "window_start", w.Start, "error", err)

		state.LastRunTS = w.End
		state.LastSQL = execSQL
		state.LastError = err.Error()
		if putErr := e.States.Put(ctx, state); putErr != nil {
			e.Logger.Errorw("Failed to checkpoint after query error", "rule", rule.ID, "error", putErr)
		}
		e.sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
		return true
	}

	state.LastRunTS = w.End
	state.LastSQL = execSQL
	state.LastError = ""

	if count > 0 {
		hash := DedupHash(rule.ID, tenantID)
		throttled := rule.ThrottleSeconds > 0 &&
			state.DedupHash == hash &&
			state.LastAlertTS > 0 &&
			w.End-state.LastAlertTS < rule.ThrottleSeconds

		if throttled {
			metrics.AlertsSuppressed.Inc()
			e.Logger.Debugw("Alert suppressed by throttle",
				"rule", rule.ID, "tenant", tenantID, "window_start", w.Start)
		} else {
			alert := &storage.Alert{
				AlertID:     AlertID(rule.ID, tenantID, w.Start),
				RuleID:      rule.ID,
				RuleName:    rule.Name,
				TenantID:    tenantID,
				Severity:    rule.Severity,
				WindowStart: w.Start,
				WindowEnd:   w.End,
				MatchCount:  count,
				DedupHash:   hash,
			}
			if err := e.Alerts.Insert(ctx, alert); err != nil {
				metrics.RuleEvaluations.WithLabelValues("error").Inc()
				e.Logger.Errorw("Failed to persist alert", "rule", rule.ID, "error", err)
				// Stop the backlog here without advancing the checkpoint.
				// Evaluating later windows would checkpoint past this one and
				// lose its alert; next tick re-evaluates from this window and
				// the content-addressed alert_id keeps the retry idempotent.
				return false
			}
			state.LastAlertTS = w.End
			state.DedupHash = hash
			metrics.AlertsGenerated.WithLabelValues(rule.Severity).Inc()
			e.Logger.Infow("Alert generated",
				"rule", rule.ID, "tenant", tenantID, "window_start", w.Start,
				"window_end", w.End, "matches", count)
		}
	}

	if count > 0 {
		metrics.RuleEvaluations.WithLabelValues("match").Inc()
	} else {
		metrics.RuleEvaluations.WithLabelValues("no_match").Inc()
	}
	if err := e.States.Put(ctx, state); err != nil {
		e.Logger.Errorw("Failed to checkpoint rule state", "rule", rule.ID, "error", err)
	}
	return true
}
