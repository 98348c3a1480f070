package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UsagePeriodModel is the GORM model for the usage ledger
type UsagePeriodModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID        uuid.UUID `gorm:"type:uuid;not null;index:idx_usage_periods_tenant_period,priority:1"`
	PeriodStart     time.Time `gorm:"not null;index:idx_usage_periods_tenant_period,priority:2"`
	PeriodEnd       time.Time `gorm:"not null"`
	MinutesUsed     int64     `gorm:"not null;default:0"`
	MinutesIncluded int64     `gorm:"not null;default:0"`
	RecordedAt      time.Time `gorm:"not null"`
}

// TableName returns the table name for the model
func (UsagePeriodModel) TableName() string {
	return "usage_periods"
}

// ToEntity converts the model to a domain value
func (m *UsagePeriodModel) ToEntity() *billing.UsagePeriod {
	return &billing.UsagePeriod{
		TenantID:        m.TenantID,
		PeriodStart:     m.PeriodStart,
		PeriodEnd:       m.PeriodEnd,
		MinutesUsed:     m.MinutesUsed,
		MinutesIncluded: m.MinutesIncluded,
		RecordedAt:      m.RecordedAt,
	}
}

// UsageRepository implements billing.UsageRepository over the usage_periods table
type UsageRepository struct {
	db *gorm.DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// FindLatest returns the most recently recorded usage overlapping [cycleStart, cycleEnd)
func (r *UsageRepository) FindLatest(ctx context.Context, tenantID uuid.UUID, cycleStart, cycleEnd time.Time) (*billing.UsagePeriod, error) {
	var model UsagePeriodModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where("period_start < ? AND period_end > ?", cycleEnd, cycleStart).
		Order("recorded_at DESC").
		Order("period_start DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billing.ErrUsageNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// Record appends a usage snapshot. The ledger is owned upstream; this is its ingestion path.
func (r *UsageRepository) Record(ctx context.Context, usage *billing.UsagePeriod) error {
	recordedAt := usage.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(&UsagePeriodModel{
		ID:              uuid.New(),
		TenantID:        usage.TenantID,
		PeriodStart:     usage.PeriodStart,
		PeriodEnd:       usage.PeriodEnd,
		MinutesUsed:     usage.MinutesUsed,
		MinutesIncluded: usage.MinutesIncluded,
		RecordedAt:      recordedAt,
	}).Error
}
