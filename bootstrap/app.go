// Package bootstrap wires the Vigil components together: configuration,
// storage, the DSL compiler, the scheduler, and the ops server.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vigil/api"
	"vigil/config"
	"vigil/dsl"
	"vigil/scheduler"
	"vigil/storage"

	"github.com/google/uuid"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// App holds the assembled Vigil application.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	InstanceID string

	ClickHouse *storage.ClickHouse
	Events     *storage.EventStore
	Alerts     *storage.AlertStore
	States     *storage.StateStore
	Rules      *storage.RuleStore
	Leases     storage.LeaseStore

	Compiler  *dsl.Compiler
	Scheduler *scheduler.Scheduler
	OpsServer *api.OpsServer
	Tracing   *sdktrace.TracerProvider
}

// NewApp creates the application and initializes all components.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	app := &App{InstanceID: uuid.NewString()}

	logger, sugar, err := InitLogger("info", false)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Vigil detection core starting...")

	cfg, err := InitConfig(configPath, sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	// Re-init the logger at the configured level.
	logger, sugar, err = InitLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	tp, err := InitTracing(app.InstanceID)
	if err != nil {
		return nil, err
	}
	app.Tracing = tp

	ch, err := InitClickHouse(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.ClickHouse = ch
	app.Events = storage.NewEventStore(ch)
	app.Alerts = storage.NewAlertStore(ch)
	app.States = storage.NewStateStore(ch)

	rules, err := InitRuleStore(cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Rules = rules

	leases, err := InitLeaseStore(cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Leases = leases

	// The compiler's CIDR strategy depends on what the connected server
	// supports, probed once at startup.
	caps := dsl.Capabilities{NativeCIDRMatch: app.Events.ProbeCIDRSupport(ctx)}
	app.Compiler = dsl.NewCompiler(dsl.DefaultCatalog(), caps)
	sugar.Infow("Compiler initialized", "native_cidr_match", caps.NativeCIDRMatch)

	limiter := rate.NewLimiter(rate.Limit(cfg.Scheduler.QueryQPS), 1)
	executor := scheduler.NewExecutor(app.Events, app.Alerts, app.States,
		app.Leases, limiter, app.InstanceID, cfg.Scheduler.LeaseTTL, sugar)

	tenants := scheduler.NewTenantCache(app.Events,
		cfg.Scheduler.TenantLookback, cfg.Scheduler.TenantCacheTTL)

	app.Scheduler = scheduler.New(app.Rules, tenants, app.States, executor,
		cfg.Scheduler.TickInterval, cfg.Scheduler.MaxCatchupWindows,
		cfg.Scheduler.MaxParallelEvaluations, sugar)

	app.OpsServer = api.NewOpsServer(cfg.Ops.Port, app.ClickHouse,
		func() string { return string(app.Scheduler.CurrentState()) }, sugar)

	return app, nil
}

// Start launches the scheduler and ops server.
func (a *App) Start(ctx context.Context) error {
	a.OpsServer.Start()
	if a.Config.Scheduler.Enabled {
		a.Scheduler.Start(ctx)
	} else {
		a.Sugar.Warn("Scheduler disabled by configuration, running ops surface only")
	}
	a.Sugar.Infow("Vigil started", "instance_id", a.InstanceID)
	return nil
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown drains in-flight evaluations and closes connections in reverse
// dependency order.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}

	if a.OpsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.OpsServer.Stop(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop ops server", "error", err)
		}
	}

	if closer, ok := a.Leases.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.Sugar.Errorw("Failed to close lease store", "error", err)
		}
	}
	if a.Rules != nil {
		if err := a.Rules.Close(); err != nil {
			a.Sugar.Errorw("Failed to close rule store", "error", err)
		}
	}
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			a.Sugar.Errorw("Failed to close ClickHouse connection", "error", err)
		}
	}
	if a.Tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Tracing.Shutdown(ctx); err != nil {
			a.Sugar.Errorw("Failed to shut down tracing", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
}
