package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	billingapp "github.com/erp/overage-billing/internal/application/billing"
	"github.com/erp/overage-billing/internal/infrastructure/billing"
	"github.com/erp/overage-billing/internal/infrastructure/config"
	"github.com/erp/overage-billing/internal/infrastructure/lock"
	"github.com/erp/overage-billing/internal/infrastructure/logger"
	"github.com/erp/overage-billing/internal/infrastructure/persistence"
	"github.com/erp/overage-billing/internal/infrastructure/scheduler"
	"github.com/erp/overage-billing/internal/infrastructure/telemetry"
)

var version = "dev"

func main() {
	once := flag.Bool("once", false, "Run a single reconciliation pass and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	logCfg.Output = cfg.Log.Output
	if cfg.App.Name != "" {
		logCfg.Service = cfg.App.Name
	}
	log, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync(log)

	log.Info("Starting overage reconciler",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("version", version),
		zap.Bool("once", *once),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *once); err != nil {
		log.Error("Reconciler exited with error", zap.Error(err))
		logger.Sync(log)
		os.Exit(1)
	}
	log.Info("Reconciler exited gracefully")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, once bool) error {
	shutdown := func(name string, fn func(context.Context) error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(shutdownCtx); err != nil {
			log.Warn("Failed to shut down "+name, zap.Error(err))
		}
	}

	// Log export
	logsProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return err
	}
	defer shutdown("logger provider", logsProvider.Shutdown)
	log = logsProvider.Bridge(log, cfg.Telemetry.ServiceName, zapcore.InfoLevel)

	// Tracing
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.TracingConfig{
		Enabled:           cfg.Telemetry.TracesEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return err
	}
	defer shutdown("tracer provider", tracerProvider.Shutdown)

	// Metrics
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.ExportInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		return err
	}
	defer shutdown("meter provider", meterProvider.Shutdown)

	metrics, err := telemetry.NewBillingMetrics(meterProvider.Meter(telemetry.TracerName))
	if err != nil {
		return err
	}

	// Database
	db, err := persistence.NewDatabase(&cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:        cfg.Telemetry.TracesEnabled && cfg.Telemetry.DBTracing,
		DBSystem:       "postgresql",
		TracerProvider: tracerProvider.Provider(),
	}, log); err != nil {
		return err
	}
	log.Info("Database connected", zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))

	accounts := persistence.NewAccountRepository(db.DB)
	plans := persistence.NewPlanRepository(db.DB)
	usage := persistence.NewUsageRepository(db.DB)
	eventRepo := persistence.NewEventRepository(db.DB)

	// Billing provider
	provider, err := billing.NewStripeProvider(&billing.StripeConfig{
		SecretKey:         cfg.Stripe.SecretKey,
		IsTestMode:        cfg.Stripe.IsTestMode,
		DefaultCurrency:   cfg.Stripe.Currency,
		MaxNetworkRetries: cfg.Stripe.MaxNetworkRetries,
		CallTimeout:       cfg.Billing.CallTimeout,
	}, log, metrics)
	if err != nil {
		return err
	}

	// Tenant locks
	locker, closeLocker, err := lock.New(cfg.Billing, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLocker(); err != nil {
			log.Warn("Failed to close locker", zap.Error(err))
		}
	}()

	events := billingapp.NewEventLog(eventRepo, log)
	reporter := billingapp.NewUsageReporter(accounts, plans, provider, events, metrics, log)
	job := billingapp.NewReconciliationJob(accounts, usage, reporter, events, locker, metrics, log,
		billingapp.ReconciliationJobConfig{
			TenantTimeout: cfg.Billing.TenantTimeout,
			RetryAttempts: cfg.Billing.RetryAttempts,
			RetryInitial:  cfg.Billing.RetryInitial,
			RetryMax:      cfg.Billing.RetryMax,
		})

	if once {
		runCtx, cancel := context.WithTimeout(ctx, cfg.Billing.RunTimeout)
		defer cancel()

		summary, err := job.RunOnce(runCtx)
		if err != nil {
			return err
		}
		log.Info("Reconciliation pass complete",
			zap.Int("synced", summary.Synced),
			zap.Int("skipped", summary.Skipped),
			zap.Int("failed", summary.Failed),
		)
		if summary.Failed > 0 {
			return errors.New("one or more tenants failed to reconcile")
		}
		return nil
	}

	sched, err := scheduler.NewReconciliationScheduler(job, log, scheduler.ReconciliationSchedulerConfig{
		Schedule:   cfg.Billing.Schedule,
		RunOnStart: cfg.Billing.RunOnStart,
		RunTimeout: cfg.Billing.RunTimeout,
		Location:   time.UTC,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down reconciler...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sched.Stop(stopCtx)
}
