package billing

import (
	"context"
	"fmt"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/erp/overage-billing/internal/infrastructure/logger"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// SubscriptionItemReconciler adds and removes the metered line item on a remote subscription.
// Both directions read the current item list first and send the full list back,
// so a repeated call converges on the same remote state.
type SubscriptionItemReconciler struct {
	provider billing.Provider
	logger   *zap.Logger
}

// NewSubscriptionItemReconciler creates a new reconciler
func NewSubscriptionItemReconciler(provider billing.Provider, logger *zap.Logger) *SubscriptionItemReconciler {
	return &SubscriptionItemReconciler{
		provider: provider,
		logger:   logger.Named("subscription_items"),
	}
}

// Attach ensures the subscription bills priceID and returns the line item id.
// adopted is true when the item already existed remotely.
func (r *SubscriptionItemReconciler) Attach(ctx context.Context, tenantID uuid.UUID, subscriptionID, priceID string) (itemID string, adopted bool, err error) {
	sub, err := r.provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return "", false, fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
	}

	if existing, ok := sub.ItemForPrice(priceID); ok {
		logger.L(ctx, r.logger).Info("Adopted existing metered line item",
			zap.String("tenant_id", tenantID.String()),
			zap.String("subscription_id", subscriptionID),
			zap.String("line_item_id", existing.ID))
		return existing.ID, true, nil
	}

	items := lo.Map(sub.Items, func(item billing.SubscriptionItem, _ int) billing.ItemChange {
		return billing.ItemChange{ID: item.ID}
	})
	items = append(items, billing.ItemChange{PriceID: priceID})

	updated, err := r.provider.UpdateSubscriptionItems(ctx, subscriptionID, items, billing.ProrationNone)
	if err != nil {
		return "", false, fmt.Errorf("failed to attach price %s to subscription %s: %w", priceID, subscriptionID, err)
	}

	created, ok := updated.ItemForPrice(priceID)
	if !ok {
		return "", false, fmt.Errorf("subscription %s has no item for price %s after update: %w",
			subscriptionID, priceID, billing.ErrProviderRejected)
	}

	logger.L(ctx, r.logger).Info("Attached metered line item",
		zap.String("tenant_id", tenantID.String()),
		zap.String("subscription_id", subscriptionID),
		zap.String("line_item_id", created.ID))
	return created.ID, false, nil
}

// Detach removes lineItemID from the subscription. removed is false when the item was already gone.
func (r *SubscriptionItemReconciler) Detach(ctx context.Context, tenantID uuid.UUID, subscriptionID, lineItemID string) (removed bool, err error) {
	sub, err := r.provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
	}

	if !sub.HasItem(lineItemID) {
		logger.L(ctx, r.logger).Info("Metered line item already detached",
			zap.String("tenant_id", tenantID.String()),
			zap.String("subscription_id", subscriptionID),
			zap.String("line_item_id", lineItemID))
		return false, nil
	}

	items := lo.Map(sub.Items, func(item billing.SubscriptionItem, _ int) billing.ItemChange {
		return billing.ItemChange{ID: item.ID, Deleted: item.ID == lineItemID}
	})

	if _, err := r.provider.UpdateSubscriptionItems(ctx, subscriptionID, items, billing.ProrationNone); err != nil {
		return false, fmt.Errorf("failed to detach line item %s from subscription %s: %w", lineItemID, subscriptionID, err)
	}

	logger.L(ctx, r.logger).Info("Detached metered line item",
		zap.String("tenant_id", tenantID.String()),
		zap.String("subscription_id", subscriptionID),
		zap.String("line_item_id", lineItemID))
	return true, nil
}
