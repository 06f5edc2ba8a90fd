package bootstrap

import (
	"context"
	"fmt"
	"os"

	"vigil/config"
	"vigil/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output.
func InitLogger(level string, development bool) (*zap.Logger, *zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	if development {
		lvl = zapcore.DebugLevel
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		lvl,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitTracing installs the process-wide tracer provider. Exporters attach
// through the standard OTEL_* environment configuration; without one the
// provider records spans locally and drops them.
func InitTracing(instanceID string) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("vigil"),
		semconv.ServiceInstanceID(instanceID),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp, nil
}

// InitConfig loads the application configuration.
func InitConfig(path string, sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if path == "" {
		sugar.Info("No config file given, searching default locations and env vars")
	}

	sugar.Infow("Config loaded",
		"clickhouse_addr", cfg.ClickHouse.Addr,
		"clickhouse_database", cfg.ClickHouse.Database,
		"sqlite_path", cfg.SQLite.Path,
		"redis_enabled", cfg.Redis.Enabled,
		"scheduler_enabled", cfg.Scheduler.Enabled,
		"tick_interval", cfg.Scheduler.TickInterval)

	return cfg, nil
}

// InitClickHouse connects to ClickHouse and runs migrations.
func InitClickHouse(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*storage.ClickHouse, error) {
	ch, err := storage.NewClickHouse(cfg, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ClickHouse: %w", err)
	}
	if err := ch.Migrate(ctx); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to migrate ClickHouse schema: %w", err)
	}
	return ch, nil
}

// InitRuleStore opens the SQLite rule database.
func InitRuleStore(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.RuleStore, error) {
	rules, err := storage.NewRuleStore(cfg.SQLite.Path, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule store: %w", err)
	}
	sugar.Infow("Rule store ready", "path", cfg.SQLite.Path)
	return rules, nil
}

// InitLeaseStore builds the lease store: Redis when enabled, otherwise the
// local single-instance fallback.
func InitLeaseStore(cfg *config.Config, sugar *zap.SugaredLogger) (storage.LeaseStore, error) {
	if !cfg.Redis.Enabled {
		sugar.Info("Redis disabled, running with local lease store (single instance)")
		return storage.LocalLeaseStore{}, nil
	}
	leases, err := storage.NewRedisLeaseStore(cfg, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis lease store: %w", err)
	}
	return leases, nil
}
