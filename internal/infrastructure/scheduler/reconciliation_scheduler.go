package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/erp/overage-billing/internal/application/billing"
)

// Runner executes one reconciliation pass over all enabled tenants
type Runner interface {
	RunOnce(ctx context.Context) (*billing.RunSummary, error)
}

// ReconciliationScheduler drives the batch reconciliation job on a cron schedule
type ReconciliationScheduler struct {
	runner   Runner
	logger   *zap.Logger
	config   ReconciliationSchedulerConfig
	schedule cron.Schedule

	cron      *cron.Cron
	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool

	inFlight atomic.Bool
	last     atomic.Pointer[billing.RunSummary]
}

// ReconciliationSchedulerConfig holds configuration for the reconciliation scheduler
type ReconciliationSchedulerConfig struct {
	// Schedule is a standard five-field cron expression or descriptor (@hourly, @every 30m)
	Schedule string

	// RunOnStart triggers one run as soon as the scheduler starts
	RunOnStart bool

	// RunTimeout is the maximum time for a whole batch run; zero means unbounded
	RunTimeout time.Duration

	// Location is the time zone the schedule is evaluated in; nil means UTC
	Location *time.Location
}

// DefaultReconciliationSchedulerConfig returns default configuration
func DefaultReconciliationSchedulerConfig() ReconciliationSchedulerConfig {
	return ReconciliationSchedulerConfig{
		Schedule:   "0 * * * *",
		RunOnStart: false,
		RunTimeout: 45 * time.Minute,
		Location:   time.UTC,
	}
}

// NewReconciliationScheduler creates a new reconciliation scheduler.
// The schedule is parsed eagerly so a bad expression fails at wiring time.
func NewReconciliationScheduler(
	runner Runner,
	logger *zap.Logger,
	config ReconciliationSchedulerConfig,
) (*ReconciliationScheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: runner is required", ErrInvalidConfig)
	}
	if config.RunTimeout < 0 {
		return nil, fmt.Errorf("%w: run timeout cannot be negative", ErrInvalidConfig)
	}
	schedule, err := cron.ParseStandard(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %w", ErrInvalidConfig, config.Schedule, err)
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReconciliationScheduler{
		runner:   runner,
		logger:   logger.Named("reconciliation_scheduler"),
		config:   config,
		schedule: schedule,
	}, nil
}

// Start starts the scheduler. Runs use ctx as their parent until Stop is called.
func (s *ReconciliationScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return ErrSchedulerAlreadyRunning
	}

	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(
		cron.WithLocation(s.config.Location),
		cron.WithLogger(cronLogger{s.logger.Sugar()}),
	)
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		s.tryRun("cron")
	}))
	s.cron.Start()
	s.isRunning = true

	s.logger.Info("Reconciliation scheduler started",
		zap.String("schedule", s.config.Schedule),
		zap.Bool("run_on_start", s.config.RunOnStart),
		zap.Duration("run_timeout", s.config.RunTimeout),
		zap.Time("next_run", s.schedule.Next(time.Now().In(s.config.Location))),
	)

	if s.config.RunOnStart {
		s.goRun("startup")
	}

	return nil
}

// Stop stops scheduling new runs, cancels any in-flight run and waits for it to return
func (s *ReconciliationScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	cronDone := s.cron.Stop()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Reconciliation scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Reconciliation scheduler stop timed out")
		return ctx.Err()
	}
}

// IsRunning reports whether the scheduler has been started and not stopped
func (s *ReconciliationScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// TriggerNow starts a run in the background outside the cron schedule
func (s *ReconciliationScheduler) TriggerNow() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return ErrSchedulerNotRunning
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		s.execute("manual")
	}()
	return nil
}

// LastSummary returns the summary of the most recent completed run, or nil
func (s *ReconciliationScheduler) LastSummary() *billing.RunSummary {
	return s.last.Load()
}

// NextRun returns the next scheduled run time after now
func (s *ReconciliationScheduler) NextRun(now time.Time) time.Time {
	return s.schedule.Next(now.In(s.config.Location))
}

// goRun must be called with s.mu held
func (s *ReconciliationScheduler) goRun(trigger string) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		s.execute(trigger)
	}()
}

func (s *ReconciliationScheduler) tryRun(trigger string) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Warn("Skipping reconciliation run, previous run still in progress",
			zap.String("trigger", trigger))
		return
	}
	defer s.inFlight.Store(false)
	s.execute(trigger)
}

func (s *ReconciliationScheduler) execute(trigger string) {
	ctx := s.baseCtx
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	log := s.logger.With(zap.String("trigger", trigger))
	log.Info("Starting reconciliation run")

	summary, err := s.runner.RunOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Reconciliation run cancelled")
		} else {
			log.Error("Reconciliation run failed", zap.Error(err))
		}
		return
	}

	s.last.Store(summary)
	log.Info("Reconciliation run finished",
		zap.String("run_id", summary.RunID.String()),
		zap.Int("tenants", summary.Total()),
		zap.Int("synced", summary.Synced),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration()),
	)
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
