package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ProrationMode controls how the provider charges for mid-cycle item changes
type ProrationMode string

const (
	ProrationNone        ProrationMode = "none"
	ProrationCreateItems ProrationMode = "create_prorations"
)

// UsageAction selects how a reported quantity combines with earlier reports
type UsageAction string

const (
	// UsageActionSet replaces the period's quantity with the reported absolute value
	UsageActionSet       UsageAction = "set"
	UsageActionIncrement UsageAction = "increment"
)

// MeteredPriceRequest describes a per-minute metered price to create
type MeteredPriceRequest struct {
	PlanCode       string
	ProductID      string
	Currency       string
	UnitAmount     decimal.Decimal // minor currency units, may be fractional
	IdempotencyKey string
}

// Price is a remote price object
type Price struct {
	ID        string
	ProductID string
}

// SubscriptionItem is one line item on a remote subscription
type SubscriptionItem struct {
	ID      string
	PriceID string
}

// Subscription is the remote subscription and its line items
type Subscription struct {
	ID     string
	Status string
	Items  []SubscriptionItem
}

// ItemForPrice returns the line item billing the given price, if present
func (s *Subscription) ItemForPrice(priceID string) (SubscriptionItem, bool) {
	for _, item := range s.Items {
		if item.PriceID == priceID {
			return item, true
		}
	}
	return SubscriptionItem{}, false
}

// HasItem reports whether a line item with the given id is present
func (s *Subscription) HasItem(itemID string) bool {
	for _, item := range s.Items {
		if item.ID == itemID {
			return true
		}
	}
	return false
}

// ItemChange is one entry of a full subscription item list update.
// An entry with only ID keeps the item, one with only PriceID adds a new item,
// and one with ID and Deleted removes the item.
type ItemChange struct {
	ID      string
	PriceID string
	Deleted bool
}

// UsageReport pushes a quantity to a metered line item
type UsageReport struct {
	LineItemID     string
	Quantity       int64
	Timestamp      time.Time
	Action         UsageAction
	IdempotencyKey string
}

// Provider is the remote subscription-billing provider.
// Implementations translate remote failures into this package's error taxonomy:
// a missing resource is ErrRemoteSubscriptionNotFound, a retryable failure is
// ErrProviderUnavailable, and a permanent refusal is ErrProviderRejected.
type Provider interface {
	// CreateMeteredPrice creates a monthly metered price that bills the last reported quantity
	CreateMeteredPrice(ctx context.Context, req MeteredPriceRequest) (*Price, error)

	// GetSubscription fetches a subscription with its line items
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// UpdateSubscriptionItems replaces the subscription's item list
	UpdateSubscriptionItems(ctx context.Context, subscriptionID string, items []ItemChange, proration ProrationMode) (*Subscription, error)

	// ReportUsage records a quantity against a metered line item
	ReportUsage(ctx context.Context, report UsageReport) error
}
