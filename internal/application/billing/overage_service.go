package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/erp/overage-billing/internal/infrastructure/logger"
	"github.com/erp/overage-billing/internal/infrastructure/telemetry"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OverageService drives the Enable, Disable and UpdateBudget transitions of a tenant billing record.
//
// Every transition holds the tenant lock for its whole duration and saves with a
// version check. Remote calls happen before any local mutation, so a failed call
// leaves the record exactly as it was and the caller may simply retry.
type OverageService struct {
	accounts  billing.AccountRepository
	plans     billing.PlanRepository
	prices    *PriceCatalogResolver
	items     *SubscriptionItemReconciler
	events    *EventLog
	locker    Locker
	metrics   *telemetry.BillingMetrics
	logger    *zap.Logger
	validate  *validator.Validate
	opTimeout time.Duration
}

// NewOverageService creates a new overage service. metrics may be nil; a zero
// opTimeout leaves operations bounded only by the caller's context.
func NewOverageService(
	accounts billing.AccountRepository,
	plans billing.PlanRepository,
	prices *PriceCatalogResolver,
	items *SubscriptionItemReconciler,
	events *EventLog,
	locker Locker,
	metrics *telemetry.BillingMetrics,
	logger *zap.Logger,
	opTimeout time.Duration,
) *OverageService {
	if metrics == nil {
		metrics = telemetry.NoopBillingMetrics()
	}
	return &OverageService{
		accounts:  accounts,
		plans:     plans,
		prices:    prices,
		items:     items,
		events:    events,
		locker:    locker,
		metrics:   metrics,
		logger:    logger.Named("overage"),
		validate:  newValidator(),
		opTimeout: opTimeout,
	}
}

// Enable turns overage billing on. Accounts that are not billable remotely only get
// the local flag; otherwise the plan's metered price is attached to the subscription.
// Repeating Enable adopts the already attached line item.
func (s *OverageService) Enable(ctx context.Context, cmd EnableOverageCommand) (err error) {
	if err := validateCommand(s.validate, cmd); err != nil {
		return err
	}

	ctx, finish := s.begin(ctx, "enable", cmd.TenantID)
	defer func() { finish(err) }()

	return s.withTenant(ctx, cmd.TenantID, func(ctx context.Context, account *billing.Account) error {
		if account.IsCanceled() {
			return fmt.Errorf("tenant %s: %w", cmd.TenantID, billing.ErrAccountCanceled)
		}
		plan, err := s.plans.FindByCode(ctx, account.PlanCode)
		if err != nil {
			return fmt.Errorf("failed to load plan %s: %w", account.PlanCode, err)
		}

		if !account.IsBillable(plan) {
			// A downgrade to free or trial must not strand the item attached while paid.
			if err := s.detachAttached(ctx, cmd.TenantID, account); err != nil {
				return err
			}
			if err := account.EnableOverage("", cmd.Budget, billing.PlanTypeFree); err != nil {
				return err
			}
			if err := s.save(ctx, account); err != nil {
				return err
			}
			logger.L(ctx, s.logger).Info("Overage enabled locally", zap.String("plan_code", plan.Code))
			return nil
		}

		priceID, err := s.prices.EnsureMeteredPrice(ctx, plan)
		if err != nil {
			return err
		}
		subscriptionID, _ := account.SubscriptionID()
		lineItemID, adopted, err := s.items.Attach(ctx, cmd.TenantID, subscriptionID, priceID)
		if err != nil {
			return err
		}
		if previous, ok := account.LineItemID(); ok && previous != lineItemID {
			// the plan's price changed since the last Enable
			if err := s.detachAttached(ctx, cmd.TenantID, account); err != nil {
				return err
			}
		}

		if err := account.EnableOverage(lineItemID, cmd.Budget, billing.PlanTypePaid); err != nil {
			return err
		}
		if err := s.save(ctx, account); err != nil {
			return err
		}
		s.metrics.RecordAttached(ctx, plan.Code, adopted)

		logger.L(ctx, s.logger).Info("Overage enabled",
			zap.String("plan_code", plan.Code),
			zap.String("line_item_id", lineItemID),
			zap.Bool("adopted", adopted))
		return nil
	})
}

// Disable turns overage billing off, detaching the line item if one is attached.
// The overage fields are cleared even when the item was already gone remotely.
func (s *OverageService) Disable(ctx context.Context, cmd DisableOverageCommand) (err error) {
	if err := validateCommand(s.validate, cmd); err != nil {
		return err
	}

	ctx, finish := s.begin(ctx, "disable", cmd.TenantID)
	defer func() { finish(err) }()

	return s.withTenant(ctx, cmd.TenantID, func(ctx context.Context, account *billing.Account) error {
		lineItemID, _ := account.LineItemID()
		if err := s.detachAttached(ctx, cmd.TenantID, account); err != nil {
			return err
		}

		account.DisableOverage()
		if err := s.save(ctx, account); err != nil {
			return err
		}

		logger.L(ctx, s.logger).Info("Overage disabled", zap.String("line_item_id", lineItemID))
		return nil
	})
}

// UpdateBudget replaces the tenant's overage budget. It never calls the provider.
func (s *OverageService) UpdateBudget(ctx context.Context, cmd UpdateBudgetCommand) (err error) {
	if err := validateCommand(s.validate, cmd); err != nil {
		return err
	}

	ctx, finish := s.begin(ctx, "update_budget", cmd.TenantID)
	defer func() { finish(err) }()

	return s.withTenant(ctx, cmd.TenantID, func(ctx context.Context, account *billing.Account) error {
		if err := account.UpdateBudget(cmd.Budget); err != nil {
			return err
		}
		if err := s.save(ctx, account); err != nil {
			return err
		}

		logger.L(ctx, s.logger).Info("Overage budget updated", zap.String("budget", cmd.Budget.String()))
		return nil
	})
}

// Account returns the tenant's current billing record
func (s *OverageService) Account(ctx context.Context, tenantID uuid.UUID) (*billing.Account, error) {
	return s.accounts.FindByTenant(ctx, tenantID)
}

// Spent returns the overage charge derived at the last reconciliation
func (s *OverageService) Spent(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error) {
	account, err := s.accounts.FindByTenant(ctx, tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.OverageSpent(), nil
}

// begin applies the operation timeout, opens a span and tags logs with the tenant.
// The returned func records the outcome and must be called with the final error.
func (s *OverageService) begin(ctx context.Context, operation string, tenantID uuid.UUID) (context.Context, func(error)) {
	cancel := context.CancelFunc(func() {})
	if s.opTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.opTimeout)
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "overage", operation, telemetry.AttrTenantID.String(tenantID.String()))
	ctx, _ = logger.WithTenantID(ctx, s.logger, tenantID.String())

	return ctx, func(err error) {
		if err != nil {
			reason := billing.Classify(err)
			s.metrics.RecordFailure(ctx, operation, string(reason))
			logger.L(ctx, s.logger).Warn("Overage transition failed",
				zap.String("operation", operation),
				zap.String("reason", string(reason)),
				zap.Error(err))
		}
		telemetry.EndSpan(span, err)
		cancel()
	}
}

// withTenant runs fn under the tenant lock against a freshly loaded record
func (s *OverageService) withTenant(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, *billing.Account) error) error {
	unlock, err := s.locker.Lock(ctx, tenantLockKey(tenantID))
	if err != nil {
		return fmt.Errorf("failed to lock tenant: %w", err)
	}
	defer unlock()

	account, err := s.accounts.FindByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load billing account: %w", err)
	}
	return fn(ctx, account)
}

// detachAttached removes the account's line item from its subscription, if both exist.
// It leaves the local record untouched.
func (s *OverageService) detachAttached(ctx context.Context, tenantID uuid.UUID, account *billing.Account) error {
	lineItemID, attached := account.LineItemID()
	subscriptionID, subscribed := account.SubscriptionID()
	if !attached || !subscribed {
		return nil
	}
	removed, err := s.items.Detach(ctx, tenantID, subscriptionID, lineItemID)
	if err != nil {
		return err
	}
	s.metrics.RecordDetached(ctx, !removed)
	return nil
}

// save persists the account and then records its pending events
func (s *OverageService) save(ctx context.Context, account *billing.Account) error {
	if err := s.accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("failed to save billing account: %w", err)
	}
	if err := s.events.RecordPending(ctx, account); err != nil {
		logger.L(ctx, s.logger).Warn("Billing account saved but events not recorded", zap.Error(err))
	}
	return nil
}
