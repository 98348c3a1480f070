package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/erp/overage-billing/internal/infrastructure/telemetry"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/price"
	"github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/usagerecord"
	"go.uber.org/zap"
)

const defaultCallTimeout = 15 * time.Second

// StripeProvider implements billing.Provider on top of the Stripe API
type StripeProvider struct {
	config      *StripeConfig
	logger      *zap.Logger
	metrics     *telemetry.BillingMetrics
	callTimeout time.Duration
}

var _ billing.Provider = (*StripeProvider)(nil)

// NewStripeProvider creates a new Stripe provider. metrics may be nil.
func NewStripeProvider(config *StripeConfig, logger *zap.Logger, metrics *telemetry.BillingMetrics) (*StripeProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	config.InitStripeClient()

	callTimeout := config.CallTimeout
	if callTimeout == 0 {
		callTimeout = defaultCallTimeout
	}
	return &StripeProvider{
		config:      config,
		logger:      logger.Named("stripe"),
		metrics:     metrics,
		callTimeout: callTimeout,
	}, nil
}

// CreateMeteredPrice creates a monthly metered price billed on the last reported quantity
func (p *StripeProvider) CreateMeteredPrice(ctx context.Context, req billing.MeteredPriceRequest) (*billing.Price, error) {
	ctx, done := p.begin(ctx, "create_price")
	var err error
	defer func() { done(err) }()

	currency := req.Currency
	if currency == "" {
		currency = p.config.DefaultCurrency
	}

	params := &stripe.PriceParams{
		Product:           stripe.String(req.ProductID),
		Currency:          stripe.String(currency),
		UnitAmountDecimal: stripe.Float64(req.UnitAmount.InexactFloat64()),
		Nickname:          stripe.String(req.PlanCode + " overage per minute"),
		Recurring: &stripe.PriceRecurringParams{
			Interval:       stripe.String(string(stripe.PriceRecurringIntervalMonth)),
			UsageType:      stripe.String(string(stripe.PriceRecurringUsageTypeMetered)),
			AggregateUsage: stripe.String(string(stripe.PriceRecurringAggregateUsageLastDuringPeriod)),
		},
		Metadata: map[string]string{
			"plan_code": req.PlanCode,
			"purpose":   "overage",
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	created, err := price.New(params)
	if err != nil {
		p.logger.Error("Failed to create metered price",
			zap.String("plan_code", req.PlanCode),
			zap.String("product_id", req.ProductID),
			zap.Error(err))
		err = translateStripeError("create metered price", err)
		return nil, err
	}

	p.logger.Info("Created metered price",
		zap.String("plan_code", req.PlanCode),
		zap.String("price_id", created.ID),
		zap.String("unit_amount", req.UnitAmount.String()))

	productID := req.ProductID
	if created.Product != nil {
		productID = created.Product.ID
	}
	return &billing.Price{ID: created.ID, ProductID: productID}, nil
}

// GetSubscription fetches a subscription with its line items
func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	ctx, done := p.begin(ctx, "get_subscription")
	var err error
	defer func() { done(err) }()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		p.logger.Warn("Failed to get subscription",
			zap.String("subscription_id", subscriptionID),
			zap.Error(err))
		err = translateStripeError("get subscription "+subscriptionID, err)
		return nil, err
	}
	return toSubscription(sub), nil
}

// UpdateSubscriptionItems replaces the subscription's item list
func (p *StripeProvider) UpdateSubscriptionItems(ctx context.Context, subscriptionID string, items []billing.ItemChange, proration billing.ProrationMode) (*billing.Subscription, error) {
	ctx, done := p.begin(ctx, "update_subscription_items")
	var err error
	defer func() { done(err) }()

	params := &stripe.SubscriptionParams{
		Items:             make([]*stripe.SubscriptionItemsParams, 0, len(items)),
		ProrationBehavior: stripe.String(string(proration)),
	}
	for _, item := range items {
		entry := &stripe.SubscriptionItemsParams{}
		if item.ID != "" {
			entry.ID = stripe.String(item.ID)
		}
		if item.PriceID != "" && item.ID == "" {
			entry.Price = stripe.String(item.PriceID)
		}
		if item.Deleted {
			entry.Deleted = stripe.Bool(true)
		}
		params.Items = append(params.Items, entry)
	}
	params.Context = ctx

	updated, err := subscription.Update(subscriptionID, params)
	if err != nil {
		p.logger.Error("Failed to update subscription items",
			zap.String("subscription_id", subscriptionID),
			zap.Int("item_count", len(items)),
			zap.Error(err))
		err = translateStripeError("update subscription "+subscriptionID, err)
		return nil, err
	}

	p.logger.Info("Updated subscription items",
		zap.String("subscription_id", updated.ID),
		zap.String("proration", string(proration)))
	return toSubscription(updated), nil
}

// ReportUsage records a quantity against a metered subscription item
func (p *StripeProvider) ReportUsage(ctx context.Context, report billing.UsageReport) error {
	ctx, done := p.begin(ctx, "report_usage")
	var err error
	defer func() { done(err) }()

	if report.LineItemID == "" {
		err = fmt.Errorf("stripe: subscription item ID is required: %w", billing.ErrProviderRejected)
		return err
	}
	if report.Quantity < 0 {
		err = fmt.Errorf("stripe: quantity cannot be negative: %w", billing.ErrProviderRejected)
		return err
	}

	action := report.Action
	if action == "" {
		action = billing.UsageActionSet
	}
	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(report.LineItemID),
		Quantity:         stripe.Int64(report.Quantity),
		Action:           stripe.String(string(action)),
	}
	if !report.Timestamp.IsZero() {
		params.Timestamp = stripe.Int64(report.Timestamp.Unix())
	}
	if report.IdempotencyKey != "" {
		params.SetIdempotencyKey(report.IdempotencyKey)
	}
	params.Context = ctx

	record, err := usagerecord.New(params)
	if err != nil {
		p.logger.Error("Failed to report usage",
			zap.String("subscription_item_id", report.LineItemID),
			zap.Int64("quantity", report.Quantity),
			zap.Error(err))
		err = translateStripeError("report usage", err)
		return err
	}

	p.logger.Info("Reported usage",
		zap.String("usage_record_id", record.ID),
		zap.String("subscription_item_id", report.LineItemID),
		zap.Int64("quantity", report.Quantity),
		zap.String("action", string(action)))
	return nil
}

// begin bounds ctx by the call timeout and returns a completion hook recording latency
func (p *StripeProvider) begin(ctx context.Context, operation string) (context.Context, func(error)) {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	start := time.Now()
	return ctx, func(err error) {
		cancel()
		if p.metrics != nil {
			p.metrics.RecordProviderCall(ctx, operation, time.Since(start), err)
		}
	}
}

func toSubscription(sub *stripe.Subscription) *billing.Subscription {
	out := &billing.Subscription{
		ID:     sub.ID,
		Status: string(sub.Status),
	}
	if sub.Items == nil {
		return out
	}
	for _, item := range sub.Items.Data {
		if item == nil {
			continue
		}
		entry := billing.SubscriptionItem{ID: item.ID}
		if item.Price != nil {
			entry.PriceID = item.Price.ID
		}
		out.Items = append(out.Items, entry)
	}
	return out
}
