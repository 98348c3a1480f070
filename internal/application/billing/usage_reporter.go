package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/erp/overage-billing/internal/infrastructure/logger"
	"github.com/erp/overage-billing/internal/infrastructure/telemetry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReportResult describes the outcome of one overage report
type ReportResult struct {
	// Quantity is the absolute overage minutes for the cycle
	Quantity int64
	// Spent is Quantity x rate, in major currency units
	Spent decimal.Decimal
	// Reported is false when there was nothing to send
	Reported bool
}

// UsageReporter pushes a tenant's absolute overage quantity to its metered line item.
// It always reports the full cycle total with set semantics, so repeating a report
// for unchanged usage leaves the billed quantity unchanged.
//
// Callers must hold the tenant lock; the reporter persists overage_spent itself.
type UsageReporter struct {
	accounts billing.AccountRepository
	plans    billing.PlanRepository
	provider billing.Provider
	events   *EventLog
	metrics  *telemetry.BillingMetrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewUsageReporter creates a new usage reporter. metrics may be nil.
func NewUsageReporter(
	accounts billing.AccountRepository,
	plans billing.PlanRepository,
	provider billing.Provider,
	events *EventLog,
	metrics *telemetry.BillingMetrics,
	logger *zap.Logger,
) *UsageReporter {
	if metrics == nil {
		metrics = telemetry.NoopBillingMetrics()
	}
	return &UsageReporter{
		accounts: accounts,
		plans:    plans,
		provider: provider,
		events:   events,
		metrics:  metrics,
		logger:   logger.Named("usage_reporter"),
		now:      time.Now,
	}
}

// ReportOverage reports max(0, used - plan allowance) minutes and stores the derived spend.
// It is a no-op when the account has no line item or the cycle has no overage.
func (r *UsageReporter) ReportOverage(ctx context.Context, account *billing.Account, usage *billing.UsagePeriod) (*ReportResult, error) {
	lineItemID, attached := account.LineItemID()
	if !attached {
		logger.L(ctx, r.logger).Debug("Nothing to report, no line item attached")
		return &ReportResult{Spent: decimal.Zero}, nil
	}

	plan, err := r.plans.FindByCode(ctx, account.PlanCode)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", account.PlanCode, err)
	}
	quantity := plan.OverageMinutes(usage.MinutesUsed)
	if quantity == 0 {
		logger.L(ctx, r.logger).Debug("Nothing to report, usage within allowance",
			zap.Int64("minutes_used", usage.MinutesUsed),
			zap.Int64("minutes_included", plan.MinutesIncluded))
		return &ReportResult{Spent: decimal.Zero}, nil
	}
	spent := plan.OverageCharge(quantity)

	// The key and the request carry the same instant, so a retry within the
	// hour replays an identical request.
	reportedAt := usageReportTime(r.now(), account.CycleStart)
	err = r.provider.ReportUsage(ctx, billing.UsageReport{
		LineItemID:     lineItemID,
		Quantity:       quantity,
		Timestamp:      reportedAt,
		Action:         billing.UsageActionSet,
		IdempotencyKey: usageIdempotencyKey(account, lineItemID, reportedAt, quantity),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to report overage for line item %s: %w", lineItemID, err)
	}
	r.metrics.RecordUsageReported(ctx, quantity)

	account.RecordOverageReported(quantity, spent)
	if err := r.accounts.Update(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to persist overage spent: %w", err)
	}
	if err := r.events.RecordPending(ctx, account); err != nil {
		logger.L(ctx, r.logger).Warn("Overage reported but event not recorded", zap.Error(err))
	}

	if account.BudgetExceeded() {
		budget, _ := account.OverageBudget()
		logger.L(ctx, r.logger).Warn("Overage spend exceeds budget",
			zap.String("spent", spent.String()),
			zap.String("budget", budget.String()))
	}

	logger.L(ctx, r.logger).Info("Reported overage usage",
		zap.String("line_item_id", lineItemID),
		zap.Int64("quantity", quantity),
		zap.String("spent", spent.String()))
	return &ReportResult{Quantity: quantity, Spent: spent, Reported: true}, nil
}

// usageReportTime is now rounded down to the hour, but never before the cycle start
func usageReportTime(now, cycleStart time.Time) time.Time {
	at := now.UTC().Truncate(time.Hour)
	if at.Before(cycleStart) {
		return cycleStart.UTC()
	}
	return at
}

// usageIdempotencyKey dedupes identical reports within the same hour.
// at must be the timestamp sent with the report.
func usageIdempotencyKey(account *billing.Account, lineItemID string, at time.Time, quantity int64) string {
	return fmt.Sprintf("usage:%s:%s:%d:%d", account.TenantID, lineItemID, at.Unix(), quantity)
}
