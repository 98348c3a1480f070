package billing

import (
	"strings"

	"github.com/erp/overage-billing/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// PlanType distinguishes plans billed remotely from plans tracked locally only
type PlanType string

const (
	PlanTypeFree PlanType = "free"
	PlanTypePaid PlanType = "paid"
)

// zeroDecimalCurrencies have no minor unit; amounts are sent to the provider as-is
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// Plan is a product offering and its cached metered overage price
type Plan struct {
	Code            string
	Name            string
	Free            bool
	RemoteProductID string
	OverageRate     decimal.Decimal // per minute, major currency units
	Currency        string
	MinutesIncluded int64

	meteredPriceID string
}

// NewPlan creates a plan with validation
func NewPlan(code, name string, free bool, productID string, rate decimal.Decimal, currency string, minutesIncluded int64) (*Plan, error) {
	if code == "" {
		return nil, shared.NewDomainError("INVALID_PLAN", "Plan code cannot be empty")
	}
	if rate.IsNegative() {
		return nil, shared.NewDomainError("INVALID_RATE", "Overage rate cannot be negative")
	}
	if minutesIncluded < 0 {
		return nil, shared.NewDomainError("INVALID_QUANTITY", "Included minutes cannot be negative")
	}
	return &Plan{
		Code:            code,
		Name:            name,
		Free:            free,
		RemoteProductID: productID,
		OverageRate:     rate,
		Currency:        strings.ToLower(currency),
		MinutesIncluded: minutesIncluded,
	}, nil
}

// MeteredPriceID returns the cached remote price, if one has been created
func (p *Plan) MeteredPriceID() (string, bool) {
	return p.meteredPriceID, p.meteredPriceID != ""
}

// CacheMeteredPriceID stores the remote price id. Once set it cannot be replaced.
func (p *Plan) CacheMeteredPriceID(priceID string) error {
	if priceID == "" {
		return shared.NewDomainError("INVALID_PRICE", "Price ID cannot be empty")
	}
	if p.meteredPriceID != "" && p.meteredPriceID != priceID {
		return ErrPriceAlreadyCached
	}
	p.meteredPriceID = priceID
	return nil
}

// Type reports whether the plan is billed remotely
func (p *Plan) Type() PlanType {
	if p.Free {
		return PlanTypeFree
	}
	return PlanTypePaid
}

// ValidateForMetering checks the plan carries everything needed to create a metered price
func (p *Plan) ValidateForMetering() error {
	if p.RemoteProductID == "" {
		return NewConfigurationError("plan " + p.Code + " has no remote product")
	}
	if !p.OverageRate.IsPositive() {
		return NewConfigurationError("plan " + p.Code + " has no positive overage rate")
	}
	if p.Currency == "" {
		return NewConfigurationError("plan " + p.Code + " has no currency")
	}
	return nil
}

// UnitAmountMinor returns the per-minute rate in the currency's minor unit.
// Sub-cent precision is kept; the provider accepts decimal unit amounts.
func (p *Plan) UnitAmountMinor() decimal.Decimal {
	if zeroDecimalCurrencies[p.Currency] {
		return p.OverageRate
	}
	return p.OverageRate.Shift(2)
}

// OverageMinutes returns max(0, minutesUsed - MinutesIncluded)
func (p *Plan) OverageMinutes(minutesUsed int64) int64 {
	if minutesUsed <= p.MinutesIncluded {
		return 0
	}
	return minutesUsed - p.MinutesIncluded
}

// OverageCharge returns minutes × rate in major units, never negative
func (p *Plan) OverageCharge(minutes int64) decimal.Decimal {
	if minutes <= 0 {
		return decimal.Zero
	}
	return p.OverageRate.Mul(decimal.NewFromInt(minutes))
}
