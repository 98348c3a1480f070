package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/erp/overage-billing/internal/domain/shared"
	"github.com/erp/overage-billing/internal/infrastructure/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 100

// EventLog records every billing-state transition in the append-only event store.
// Appends happen after the state they describe has been committed, so a failed
// append is reported but never rolls the transition back.
type EventLog struct {
	repo   billing.EventRepository
	logger *zap.Logger
}

// NewEventLog creates a new event log
func NewEventLog(repo billing.EventRepository, logger *zap.Logger) *EventLog {
	return &EventLog{
		repo:   repo,
		logger: logger.Named("event_log"),
	}
}

// Record appends a single event
func (l *EventLog) Record(ctx context.Context, event *billing.Event) error {
	if err := l.repo.Append(ctx, event); err != nil {
		logger.L(ctx, l.logger).Error("Failed to append billing event",
			zap.String("event_type", event.EventType()),
			zap.String("event_id", event.EventID().String()),
			zap.Error(err))
		return fmt.Errorf("failed to append %s event: %w", event.EventType(), err)
	}

	logger.L(ctx, l.logger).Debug("Billing event recorded",
		zap.String("event_type", event.EventType()),
		zap.String("event_id", event.EventID().String()))
	return nil
}

// RecordPending drains the aggregate's pending events into the log.
// Every event is attempted; the joined append errors are returned.
func (l *EventLog) RecordPending(ctx context.Context, aggregate shared.AggregateRoot) error {
	pending := aggregate.GetDomainEvents()
	aggregate.ClearDomainEvents()

	var errs []error
	for _, e := range pending {
		event, ok := e.(*billing.Event)
		if !ok {
			continue
		}
		if err := l.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// History returns the most recent events for a tenant, newest first
func (l *EventLog) History(ctx context.Context, tenantID uuid.UUID, limit int) ([]*billing.Event, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	events, err := l.repo.FindByTenant(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load billing events: %w", err)
	}
	return events, nil
}
