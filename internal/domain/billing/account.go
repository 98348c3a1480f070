package billing

import (
	"time"

	"github.com/erp/overage-billing/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of a tenant billing record
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusTrialing AccountStatus = "trialing"
	AccountStatusPastDue  AccountStatus = "past_due"
	AccountStatusCanceled AccountStatus = "canceled"
)

// IsValid reports whether the status is one of the known values
func (s AccountStatus) IsValid() bool {
	switch s {
	case AccountStatusActive, AccountStatusTrialing, AccountStatusPastDue, AccountStatusCanceled:
		return true
	}
	return false
}

// Account is the tenant billing record.
// Remote identifiers are optional and only reachable through presence-checked accessors.
type Account struct {
	shared.BaseAggregateRoot
	TenantID   uuid.UUID
	PlanCode   string
	Status     AccountStatus
	CycleStart time.Time
	CycleEnd   time.Time

	overageEnabled bool
	overageBudget  decimal.NullDecimal
	overageSpent   decimal.Decimal
	subscriptionID string
	lineItemID     string
}

// AccountSnapshot is the flat persisted form of an Account
type AccountSnapshot struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	PlanCode       string
	Status         AccountStatus
	CycleStart     time.Time
	CycleEnd       time.Time
	OverageEnabled bool
	OverageBudget  decimal.NullDecimal
	OverageSpent   decimal.Decimal
	SubscriptionID string
	LineItemID     string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewAccount creates a billing record for a tenant on the given plan
func NewAccount(tenantID uuid.UUID, planCode string, cycleStart, cycleEnd time.Time) (*Account, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if planCode == "" {
		return nil, shared.NewDomainError("INVALID_PLAN", "Plan code cannot be empty")
	}
	if cycleEnd.Before(cycleStart) {
		return nil, shared.NewDomainError("INVALID_PERIOD", "Cycle end cannot be before cycle start")
	}
	return &Account{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		TenantID:          tenantID,
		PlanCode:          planCode,
		Status:            AccountStatusActive,
		CycleStart:        cycleStart,
		CycleEnd:          cycleEnd,
		overageSpent:      decimal.Zero,
	}, nil
}

// RestoreAccount rebuilds an Account from its persisted form
func RestoreAccount(s AccountSnapshot) *Account {
	a := &Account{
		TenantID:       s.TenantID,
		PlanCode:       s.PlanCode,
		Status:         s.Status,
		CycleStart:     s.CycleStart,
		CycleEnd:       s.CycleEnd,
		overageEnabled: s.OverageEnabled,
		overageBudget:  s.OverageBudget,
		overageSpent:   s.OverageSpent,
		subscriptionID: s.SubscriptionID,
		lineItemID:     s.LineItemID,
	}
	a.ID = s.ID
	a.Version = s.Version
	a.CreatedAt = s.CreatedAt
	a.UpdatedAt = s.UpdatedAt
	return a
}

// Snapshot returns the flat persisted form of the account
func (a *Account) Snapshot() AccountSnapshot {
	return AccountSnapshot{
		ID:             a.ID,
		TenantID:       a.TenantID,
		PlanCode:       a.PlanCode,
		Status:         a.Status,
		CycleStart:     a.CycleStart,
		CycleEnd:       a.CycleEnd,
		OverageEnabled: a.overageEnabled,
		OverageBudget:  a.overageBudget,
		OverageSpent:   a.overageSpent,
		SubscriptionID: a.subscriptionID,
		LineItemID:     a.lineItemID,
		Version:        a.Version,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

// OverageEnabled reports whether the tenant has opted into overage billing
func (a *Account) OverageEnabled() bool {
	return a.overageEnabled
}

// OverageBudget returns the spending cap, if one is set
func (a *Account) OverageBudget() (decimal.Decimal, bool) {
	if !a.overageBudget.Valid {
		return decimal.Zero, false
	}
	return a.overageBudget.Decimal, true
}

// OverageSpent returns the derived overage charge for the current cycle
func (a *Account) OverageSpent() decimal.Decimal {
	return a.overageSpent
}

// SubscriptionID returns the remote subscription identifier, if the tenant has one
func (a *Account) SubscriptionID() (string, bool) {
	return a.subscriptionID, a.subscriptionID != ""
}

// LineItemID returns the attached remote metered line item, if any
func (a *Account) LineItemID() (string, bool) {
	return a.lineItemID, a.lineItemID != ""
}

// IsTrial reports whether the account is still in its trial period
func (a *Account) IsTrial() bool {
	return a.Status == AccountStatusTrialing
}

// IsBillable reports whether overage must be mirrored onto a remote subscription.
// Accounts without a subscription, on a free plan, or in trial are tracked locally only.
func (a *Account) IsBillable(plan *Plan) bool {
	if _, ok := a.SubscriptionID(); !ok {
		return false
	}
	return !plan.Free && !a.IsTrial()
}

// LinkSubscription records the tenant's remote subscription
func (a *Account) LinkSubscription(subscriptionID string) error {
	if subscriptionID == "" {
		return shared.NewDomainError("INVALID_SUBSCRIPTION", "Subscription ID cannot be empty")
	}
	a.subscriptionID = subscriptionID
	a.touch()
	return nil
}

// IsCanceled reports whether the account has been closed
func (a *Account) IsCanceled() bool {
	return a.Status == AccountStatusCanceled
}

// EnableOverage turns overage billing on. lineItemID is empty for local-only enablement;
// the caller must have detached any previously attached item first.
func (a *Account) EnableOverage(lineItemID string, budget *decimal.Decimal, planType PlanType) error {
	if a.IsCanceled() {
		return ErrAccountCanceled
	}
	if budget != nil && budget.IsNegative() {
		return ErrInvalidBudget
	}
	a.overageEnabled = true
	a.lineItemID = lineItemID
	if budget != nil {
		a.overageBudget = decimal.NewNullDecimal(*budget)
	}
	a.touch()

	payload := map[string]any{"plan_type": string(planType)}
	if budget != nil {
		payload["budget"] = budget.String()
	}
	if lineItemID != "" {
		payload["line_item_id"] = lineItemID
	}
	a.AddDomainEvent(NewEvent(EventOverageEnabled, a.TenantID, payload))
	return nil
}

// DisableOverage turns overage billing off and clears every overage field.
// It is valid on an account that is already disabled.
func (a *Account) DisableOverage() {
	payload := map[string]any{"was_enabled": a.overageEnabled}
	if a.lineItemID != "" {
		payload["line_item_id"] = a.lineItemID
	}
	a.overageEnabled = false
	a.overageBudget = decimal.NewNullDecimal(decimal.Zero)
	a.overageSpent = decimal.Zero
	a.lineItemID = ""
	a.touch()
	a.AddDomainEvent(NewEvent(EventOverageDisabled, a.TenantID, payload))
}

// UpdateBudget replaces the spending cap
func (a *Account) UpdateBudget(budget decimal.Decimal) error {
	if budget.IsNegative() {
		return ErrInvalidBudget
	}
	payload := map[string]any{"new_budget": budget.String()}
	if old, ok := a.OverageBudget(); ok {
		payload["old_budget"] = old.String()
	} else {
		payload["old_budget"] = nil
	}
	a.overageBudget = decimal.NewNullDecimal(budget)
	a.touch()
	a.AddDomainEvent(NewEvent(EventOverageBudgetUpdated, a.TenantID, payload))
	return nil
}

// RecordOverageReported stores the charge derived from a successful usage report
func (a *Account) RecordOverageReported(quantity int64, spent decimal.Decimal) {
	if spent.IsNegative() {
		spent = decimal.Zero
	}
	a.overageSpent = spent
	a.touch()
	a.AddDomainEvent(NewEvent(EventOverageReported, a.TenantID, map[string]any{
		"quantity":     quantity,
		"spent":        spent.String(),
		"line_item_id": a.lineItemID,
	}))
}

// BudgetExceeded reports whether the derived spend has passed the cap
func (a *Account) BudgetExceeded() bool {
	budget, ok := a.OverageBudget()
	if !ok || budget.IsZero() {
		return false
	}
	return a.overageSpent.GreaterThan(budget)
}

func (a *Account) touch() {
	a.UpdatedAt = time.Now().UTC()
}
