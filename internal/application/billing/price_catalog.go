package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/erp/overage-billing/internal/domain/shared"
	"github.com/erp/overage-billing/internal/infrastructure/logger"
	"github.com/erp/overage-billing/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// PriceCatalogResolver ensures each plan has exactly one metered overage price.
//
// Concurrent first use is resolved in three layers: callers in this process share
// one in-flight resolution per plan, processes serialize on a per-plan lock and
// re-read the plan once they hold it, and the provider call carries an idempotency
// key derived from the plan and its rate. The cached id is persisted with a
// conditional write, so a losing writer adopts the stored id instead of replacing it.
//
// The shared resolution runs detached from any single caller's context, bounded by
// resolveTimeout. A caller that gives up returns its own context error while the
// remaining callers still receive the result.
type PriceCatalogResolver struct {
	plans    billing.PlanRepository
	provider billing.Provider
	locker   Locker
	events   *EventLog
	metrics  *telemetry.BillingMetrics
	logger   *zap.Logger
	group    singleflight.Group

	resolveTimeout time.Duration
}

const defaultPriceResolveTimeout = 30 * time.Second

// NewPriceCatalogResolver creates a new resolver. metrics may be nil.
func NewPriceCatalogResolver(
	plans billing.PlanRepository,
	provider billing.Provider,
	locker Locker,
	events *EventLog,
	metrics *telemetry.BillingMetrics,
	logger *zap.Logger,
) *PriceCatalogResolver {
	if metrics == nil {
		metrics = telemetry.NoopBillingMetrics()
	}
	return &PriceCatalogResolver{
		plans:    plans,
		provider: provider,
		locker:   locker,
		events:   events,
		metrics:  metrics,
		logger:   logger.Named("price_catalog"),

		resolveTimeout: defaultPriceResolveTimeout,
	}
}

// EnsureMeteredPrice returns the plan's metered price id, creating the price on first use.
// On success the id is also cached on plan.
func (r *PriceCatalogResolver) EnsureMeteredPrice(ctx context.Context, plan *billing.Plan) (string, error) {
	if priceID, ok := plan.MeteredPriceID(); ok {
		return priceID, nil
	}
	if err := plan.ValidateForMetering(); err != nil {
		return "", err
	}

	planCode := plan.Code
	flight := r.group.DoChan(planCode, func() (any, error) {
		resolveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.resolveTimeout)
		defer cancel()
		return r.resolve(resolveCtx, planCode)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res = <-flight:
	}
	if res.Err != nil {
		return "", res.Err
	}
	priceID := res.Val.(string)
	if res.Shared {
		logger.L(ctx, r.logger).Debug("Joined in-flight metered price resolution",
			zap.String("plan_code", plan.Code))
	}

	if err := plan.CacheMeteredPriceID(priceID); err != nil {
		return "", err
	}
	return priceID, nil
}

func (r *PriceCatalogResolver) resolve(ctx context.Context, planCode string) (string, error) {
	unlock, err := r.locker.Lock(ctx, planLockKey(planCode))
	if err != nil {
		return "", fmt.Errorf("failed to lock plan %s: %w", planCode, err)
	}
	defer unlock()

	plan, err := r.plans.FindByCode(ctx, planCode)
	if err != nil {
		return "", fmt.Errorf("failed to reload plan %s: %w", planCode, err)
	}
	if priceID, ok := plan.MeteredPriceID(); ok {
		return priceID, nil
	}
	if err := plan.ValidateForMetering(); err != nil {
		return "", err
	}

	unitAmount := plan.UnitAmountMinor()
	created, err := r.provider.CreateMeteredPrice(ctx, billing.MeteredPriceRequest{
		PlanCode:       plan.Code,
		ProductID:      plan.RemoteProductID,
		Currency:       plan.Currency,
		UnitAmount:     unitAmount,
		IdempotencyKey: meteredPriceIdempotencyKey(plan),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create metered price for plan %s: %w", planCode, err)
	}

	written, err := r.plans.SetMeteredPriceIDIfAbsent(ctx, planCode, created.ID)
	if err != nil {
		return "", fmt.Errorf("failed to persist metered price for plan %s: %w", planCode, err)
	}
	if !written {
		return r.adoptStored(ctx, planCode, created.ID)
	}

	r.metrics.RecordPriceCreated(ctx, planCode)
	_ = r.events.Record(ctx, billing.NewEvent(billing.EventMeteredPriceCreated, uuid.Nil, map[string]any{
		"plan_code":   planCode,
		"price_id":    created.ID,
		"product_id":  created.ProductID,
		"unit_amount": unitAmount.String(),
		"currency":    plan.Currency,
	}))

	logger.L(ctx, r.logger).Info("Created metered price",
		zap.String("plan_code", planCode),
		zap.String("price_id", created.ID),
		zap.String("unit_amount", unitAmount.String()))
	return created.ID, nil
}

// adoptStored returns the id another writer persisted first
func (r *PriceCatalogResolver) adoptStored(ctx context.Context, planCode, createdID string) (string, error) {
	stored, err := r.plans.FindByCode(ctx, planCode)
	if err != nil {
		return "", fmt.Errorf("failed to reload plan %s: %w", planCode, err)
	}
	priceID, ok := stored.MeteredPriceID()
	if !ok {
		return "", fmt.Errorf("metered price for plan %s was not persisted: %w", planCode, shared.ErrConcurrencyConflict)
	}
	if priceID != createdID {
		logger.L(ctx, r.logger).Warn("Metered price was cached concurrently; leaving the new price unused",
			zap.String("plan_code", planCode),
			zap.String("cached_price_id", priceID),
			zap.String("unused_price_id", createdID))
	}
	return priceID, nil
}

func meteredPriceIdempotencyKey(plan *billing.Plan) string {
	return fmt.Sprintf("metered-price:%s:%s:%s", plan.Code, plan.Currency, plan.UnitAmountMinor().String())
}
