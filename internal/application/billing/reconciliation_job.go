package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/erp/overage-billing/internal/infrastructure/logger"
	"github.com/erp/overage-billing/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// Outcome is how one tenant fared in a reconciliation run
type Outcome string

const (
	OutcomeSynced  Outcome = "synced"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// ErrTenantPanicked marks a tenant whose reconciliation panicked
var ErrTenantPanicked = errors.New("tenant reconciliation panicked")

// TenantResult is the outcome of reconciling one tenant
type TenantResult struct {
	TenantID uuid.UUID
	Outcome  Outcome
	Reason   billing.FailureReason
	Quantity int64
	Reported bool
	Attempts int
	Err      error
}

// RunSummary is the per-run report of a reconciliation pass
type RunSummary struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Synced     int
	Skipped    int
	Failed     int
	Results    []TenantResult
}

// Total returns the number of tenants processed
func (s *RunSummary) Total() int {
	return len(s.Results)
}

// Duration returns how long the run took
func (s *RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s *RunSummary) add(r TenantResult) {
	s.Results = append(s.Results, r)
	switch r.Outcome {
	case OutcomeSynced:
		s.Synced++
	case OutcomeSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

// ReconciliationJobConfig bounds the work done per tenant
type ReconciliationJobConfig struct {
	// TenantTimeout bounds one tenant including retries
	TenantTimeout time.Duration
	// RetryAttempts is the total number of attempts for transient failures
	RetryAttempts int
	// RetryInitial is the first backoff interval
	RetryInitial time.Duration
	// RetryMax caps the backoff interval
	RetryMax time.Duration
}

// DefaultReconciliationJobConfig returns default configuration
func DefaultReconciliationJobConfig() ReconciliationJobConfig {
	return ReconciliationJobConfig{
		TenantTimeout: time.Minute,
		RetryAttempts: 3,
		RetryInitial:  500 * time.Millisecond,
		RetryMax:      10 * time.Second,
	}
}

// ReconciliationJob reports overage for every tenant with an attached line item.
// Tenants are processed one after another; a failure, timeout or panic in one
// tenant is recorded in the summary and never stops the run.
type ReconciliationJob struct {
	accounts billing.AccountRepository
	usage    billing.UsageRepository
	reporter *UsageReporter
	events   *EventLog
	locker   Locker
	metrics  *telemetry.BillingMetrics
	logger   *zap.Logger
	config   ReconciliationJobConfig
}

// NewReconciliationJob creates a new reconciliation job. metrics may be nil.
func NewReconciliationJob(
	accounts billing.AccountRepository,
	usage billing.UsageRepository,
	reporter *UsageReporter,
	events *EventLog,
	locker Locker,
	metrics *telemetry.BillingMetrics,
	logger *zap.Logger,
	config ReconciliationJobConfig,
) *ReconciliationJob {
	if metrics == nil {
		metrics = telemetry.NoopBillingMetrics()
	}
	defaults := DefaultReconciliationJobConfig()
	if config.TenantTimeout <= 0 {
		config.TenantTimeout = defaults.TenantTimeout
	}
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = defaults.RetryInitial
	}
	if config.RetryMax < config.RetryInitial {
		config.RetryMax = config.RetryInitial
	}
	return &ReconciliationJob{
		accounts: accounts,
		usage:    usage,
		reporter: reporter,
		events:   events,
		locker:   locker,
		metrics:  metrics,
		logger:   logger.Named("reconciliation"),
		config:   config,
	}
}

// RunOnce reconciles every overage-billable tenant. It fails only when the
// tenants cannot be enumerated; per-tenant failures are reported in the summary.
func (j *ReconciliationJob) RunOnce(ctx context.Context) (summary *RunSummary, err error) {
	summary = &RunSummary{RunID: uuid.New(), StartedAt: time.Now().UTC()}
	ctx, log := logger.WithRunID(ctx, j.logger, summary.RunID.String())
	ctx, span := telemetry.StartServiceSpan(ctx, "reconciliation", "run")
	defer func() { telemetry.EndSpan(span, err) }()

	accounts, err := j.accounts.FindOverageBillable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list overage-billable accounts: %w", err)
	}
	log.Info("Starting overage reconciliation", zap.Int("tenants", len(accounts)))

	for _, account := range accounts {
		result := j.reconcileTenant(ctx, account.TenantID)
		summary.add(result)
		j.metrics.RecordTenantOutcome(ctx, string(result.Outcome))
	}

	summary.FinishedAt = time.Now().UTC()
	j.metrics.RecordRunDuration(ctx, summary.Duration())
	log.Info("Finished overage reconciliation",
		zap.Int("synced", summary.Synced),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration()))
	return summary, nil
}

// reconcileTenant isolates one tenant behind a timeout and a panic boundary
func (j *ReconciliationJob) reconcileTenant(runCtx context.Context, tenantID uuid.UUID) TenantResult {
	result := TenantResult{TenantID: tenantID}

	ctx, cancel := context.WithTimeout(runCtx, j.config.TenantTimeout)
	defer cancel()
	ctx, _ = logger.WithTenantID(ctx, j.logger, tenantID.String())
	ctx, span := telemetry.StartServiceSpan(ctx, "reconciliation", "tenant", telemetry.AttrTenantID.String(tenantID.String()))

	var (
		report *ReportResult
		err    error
	)
	var catcher panics.Catcher
	catcher.Try(func() {
		report, err = j.reconcileWithRetry(ctx, tenantID, &result.Attempts)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		err = fmt.Errorf("%w: %w", ErrTenantPanicked, recovered.AsError())
		logger.L(ctx, j.logger).Error("Tenant reconciliation panicked",
			zap.String("stack", string(recovered.Stack)))
	}
	telemetry.EndSpan(span, err)

	if err == nil {
		result.Outcome = OutcomeSynced
		result.Quantity = report.Quantity
		result.Reported = report.Reported
		return result
	}

	result.Err = err
	result.Reason = billing.Classify(err)
	switch result.Reason {
	case billing.FailureNotFound, billing.FailureConfiguration:
		result.Outcome = OutcomeSkipped
		logger.L(ctx, j.logger).Warn("Skipping tenant", zap.String("reason", string(result.Reason)), zap.Error(err))
	default:
		result.Outcome = OutcomeFailed
		logger.L(ctx, j.logger).Error("Tenant reconciliation failed",
			zap.String("reason", string(result.Reason)),
			zap.Int("attempts", result.Attempts),
			zap.Error(err))
	}
	j.metrics.RecordFailure(runCtx, "reconcile", string(result.Reason))

	// The tenant context may already be expired; the event belongs to the run.
	_ = j.events.Record(runCtx, billing.NewEvent(billing.EventOverageReconciliationFailure, tenantID, map[string]any{
		"run_id":   logger.GetRunID(runCtx),
		"outcome":  string(result.Outcome),
		"reason":   string(result.Reason),
		"attempts": result.Attempts,
		"error":    err.Error(),
	}))
	return result
}

// reconcileWithRetry retries transient failures and version conflicts with
// exponential backoff, bounded by the attempt count and the tenant deadline.
func (j *ReconciliationJob) reconcileWithRetry(ctx context.Context, tenantID uuid.UUID, attempts *int) (*ReportResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = j.config.RetryInitial
	b.MaxInterval = j.config.RetryMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(j.config.RetryAttempts-1)), ctx)

	var report *ReportResult
	operation := func() error {
		*attempts++
		r, err := j.reconcileOnce(ctx, tenantID)
		if err == nil {
			report = r
			return nil
		}
		if ctx.Err() == nil && retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		logger.L(ctx, j.logger).Info("Retrying tenant reconciliation",
			zap.Int("attempt", *attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return report, nil
}

// reconcileOnce reports the tenant's current overage under the tenant lock
func (j *ReconciliationJob) reconcileOnce(ctx context.Context, tenantID uuid.UUID) (*ReportResult, error) {
	unlock, err := j.locker.Lock(ctx, tenantLockKey(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock tenant: %w", err)
	}
	defer unlock()

	account, err := j.accounts.FindByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load billing account: %w", err)
	}
	if _, attached := account.LineItemID(); !account.OverageEnabled() || !attached {
		// Disabled since the run started.
		return &ReportResult{}, nil
	}

	usage, err := j.usage.FindLatest(ctx, tenantID, account.CycleStart, account.CycleEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage for cycle: %w", err)
	}
	return j.reporter.ReportOverage(ctx, account, usage)
}

func retryable(err error) bool {
	switch billing.Classify(err) {
	case billing.FailureTransient, billing.FailureConflict:
		return true
	}
	return false
}
