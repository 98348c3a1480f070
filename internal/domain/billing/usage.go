package billing

import (
	"time"

	"github.com/google/uuid"
)

// UsagePeriod is the usage ledger's view of one tenant billing cycle.
// It is read-only here; usage accounting lives elsewhere.
type UsagePeriod struct {
	TenantID    uuid.UUID
	PeriodStart time.Time
	PeriodEnd   time.Time
	MinutesUsed int64
	// MinutesIncluded is the allowance the ledger saw when it wrote the row.
	// Billing uses Plan.MinutesIncluded; see Plan.OverageMinutes.
	MinutesIncluded int64
	RecordedAt      time.Time
}

// Covers reports whether t falls inside the period
func (u UsagePeriod) Covers(t time.Time) bool {
	return !t.Before(u.PeriodStart) && t.Before(u.PeriodEnd)
}
