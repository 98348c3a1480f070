package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlanModel is the GORM model for plans
type PlanModel struct {
	Code            string          `gorm:"type:varchar(64);primaryKey"`
	Name            string          `gorm:"type:varchar(255);not null"`
	Free            bool            `gorm:"not null;default:false"`
	RemoteProductID string          `gorm:"type:varchar(255)"`
	MeteredPriceID  *string         `gorm:"type:varchar(255)"`
	OverageRate     decimal.Decimal `gorm:"type:numeric(18,6);not null;default:0"`
	Currency        string          `gorm:"type:varchar(3);not null"`
	MinutesIncluded int64           `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName returns the table name for the model
func (PlanModel) TableName() string {
	return "billing_plans"
}

// ToEntity converts the model to a domain entity
func (m *PlanModel) ToEntity() *billing.Plan {
	plan := &billing.Plan{
		Code:            m.Code,
		Name:            m.Name,
		Free:            m.Free,
		RemoteProductID: m.RemoteProductID,
		OverageRate:     m.OverageRate,
		Currency:        m.Currency,
		MinutesIncluded: m.MinutesIncluded,
	}
	if m.MeteredPriceID != nil && *m.MeteredPriceID != "" {
		_ = plan.CacheMeteredPriceID(*m.MeteredPriceID)
	}
	return plan
}

// PlanModelFromEntity creates a model from a domain entity
func PlanModelFromEntity(p *billing.Plan) *PlanModel {
	priceID, _ := p.MeteredPriceID()
	return &PlanModel{
		Code:            p.Code,
		Name:            p.Name,
		Free:            p.Free,
		RemoteProductID: p.RemoteProductID,
		MeteredPriceID:  optionalString(priceID),
		OverageRate:     p.OverageRate,
		Currency:        p.Currency,
		MinutesIncluded: p.MinutesIncluded,
	}
}

// PlanRepository implements billing.PlanRepository
type PlanRepository struct {
	db *gorm.DB
}

// NewPlanRepository creates a new plan repository
func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// FindByCode retrieves a plan by its code
func (r *PlanRepository) FindByCode(ctx context.Context, code string) (*billing.Plan, error) {
	var model PlanModel
	if err := r.db.WithContext(ctx).First(&model, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billing.ErrPlanNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// Upsert creates or updates a plan's catalog fields. A cached metered price is never overwritten.
func (r *PlanRepository) Upsert(ctx context.Context, plan *billing.Plan) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "free", "remote_product_id", "overage_rate", "currency", "minutes_included", "updated_at",
		}),
	}).Create(PlanModelFromEntity(plan)).Error
}

// SetMeteredPriceIDIfAbsent stores priceID only when the plan has none cached
func (r *PlanRepository) SetMeteredPriceIDIfAbsent(ctx context.Context, code, priceID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&PlanModel{}).
		Where("code = ? AND metered_price_id IS NULL", code).
		Updates(map[string]any{
			"metered_price_id": priceID,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&PlanModel{}).Where("code = ?", code).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, billing.ErrPlanNotFound
	}
	return false, nil
}
