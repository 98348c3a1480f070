package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AccountRepository persists tenant billing records
type AccountRepository interface {
	// FindByTenant retrieves the billing record for a tenant
	FindByTenant(ctx context.Context, tenantID uuid.UUID) (*Account, error)

	// Create persists a new billing record
	Create(ctx context.Context, account *Account) error

	// Update persists changes, failing with shared.ErrConcurrencyConflict
	// when the stored version no longer matches the account's version
	Update(ctx context.Context, account *Account) error

	// FindOverageBillable lists accounts with overage enabled and a line item attached
	FindOverageBillable(ctx context.Context) ([]*Account, error)
}

// PlanRepository persists plans and their cached metered price
type PlanRepository interface {
	// FindByCode retrieves a plan by its code
	FindByCode(ctx context.Context, code string) (*Plan, error)

	// SetMeteredPriceIDIfAbsent stores the price only if none is cached yet.
	// It reports whether this call performed the write.
	SetMeteredPriceIDIfAbsent(ctx context.Context, code, priceID string) (bool, error)
}

// UsageRepository reads the external usage ledger
type UsageRepository interface {
	// FindLatest returns the most recent usage record overlapping the given cycle
	FindLatest(ctx context.Context, tenantID uuid.UUID, cycleStart, cycleEnd time.Time) (*UsagePeriod, error)
}

// EventRepository is the append-only billing event store
type EventRepository interface {
	// Append stores an event
	Append(ctx context.Context, event *Event) error

	// FindByTenant returns the most recent events for a tenant, newest first
	FindByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*Event, error)
}
