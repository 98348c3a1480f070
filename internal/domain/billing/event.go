package billing

import (
	"github.com/erp/overage-billing/internal/domain/shared"
	"github.com/google/uuid"
)

// EventType names a billing-state transition
type EventType string

const (
	EventOverageEnabled               EventType = "overage_enabled"
	EventOverageDisabled              EventType = "overage_disabled"
	EventOverageBudgetUpdated         EventType = "overage_budget_updated"
	EventMeteredPriceCreated          EventType = "metered_price_created"
	EventOverageReported              EventType = "overage_reported"
	EventOverageReconciliationFailure EventType = "overage_reconciliation_failed"
)

// Event is an append-only audit record of a billing-state transition
type Event struct {
	shared.BaseDomainEvent
	Payload map[string]any `json:"payload"`
}

// NewEvent creates an event stamped with the current time
func NewEvent(eventType EventType, tenantID uuid.UUID, payload map[string]any) *Event {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Event{
		BaseDomainEvent: shared.NewBaseDomainEvent(string(eventType), tenantID),
		Payload:         payload,
	}
}
