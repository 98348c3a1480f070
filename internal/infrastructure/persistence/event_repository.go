package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/erp/overage-billing/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventModel is the GORM model for the billing event log
type EventModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID   uuid.UUID `gorm:"type:uuid;not null;index:idx_billing_events_tenant_time,priority:1"`
	Type       string    `gorm:"type:varchar(64);not null;index"`
	Payload    []byte    `gorm:"type:jsonb;not null"`
	OccurredAt time.Time `gorm:"not null;index:idx_billing_events_tenant_time,priority:2"`
}

// TableName returns the table name for the model
func (EventModel) TableName() string {
	return "billing_events"
}

// ToEntity converts the model to a domain event
func (m *EventModel) ToEntity() *billing.Event {
	payload := make(map[string]any)
	if len(m.Payload) > 0 {
		_ = json.Unmarshal(m.Payload, &payload)
	}
	return &billing.Event{
		BaseDomainEvent: shared.BaseDomainEvent{
			ID:            m.ID,
			Type:          m.Type,
			Timestamp:     m.OccurredAt,
			TenantIDValue: m.TenantID,
		},
		Payload: payload,
	}
}

// EventRepository implements billing.EventRepository. Rows are only ever inserted.
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append stores an event
func (r *EventRepository) Append(ctx context.Context, event *billing.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event.EventType(), err)
	}
	return r.db.WithContext(ctx).Create(&EventModel{
		ID:         event.EventID(),
		TenantID:   event.TenantID(),
		Type:       event.EventType(),
		Payload:    payload,
		OccurredAt: event.OccurredAt(),
	}).Error
}

// FindByTenant returns the most recent events for a tenant, newest first
func (r *EventRepository) FindByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*billing.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []EventModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]*billing.Event, len(models))
	for i := range models {
		events[i] = models[i].ToEntity()
	}
	return events, nil
}
