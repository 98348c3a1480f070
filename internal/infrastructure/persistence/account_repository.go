package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/erp/overage-billing/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AccountModel is the GORM model for tenant billing records
type AccountModel struct {
	ID             uuid.UUID           `gorm:"type:uuid;primaryKey"`
	TenantID       uuid.UUID           `gorm:"type:uuid;uniqueIndex;not null"`
	PlanCode       string              `gorm:"type:varchar(64);not null"`
	Status         string              `gorm:"type:varchar(20);not null"`
	CycleStart     time.Time           `gorm:"not null"`
	CycleEnd       time.Time           `gorm:"not null"`
	OverageEnabled bool                `gorm:"not null;default:false;index"`
	OverageBudget  decimal.NullDecimal `gorm:"type:numeric(18,6)"`
	OverageSpent   decimal.Decimal     `gorm:"type:numeric(18,6);not null;default:0"`
	SubscriptionID *string             `gorm:"type:varchar(255)"`
	LineItemID     *string             `gorm:"type:varchar(255)"`
	Version        int                 `gorm:"not null;default:1"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName returns the table name for the model
func (AccountModel) TableName() string {
	return "tenant_billing_accounts"
}

// ToEntity converts the model to a domain entity
func (m *AccountModel) ToEntity() *billing.Account {
	return billing.RestoreAccount(billing.AccountSnapshot{
		ID:             m.ID,
		TenantID:       m.TenantID,
		PlanCode:       m.PlanCode,
		Status:         billing.AccountStatus(m.Status),
		CycleStart:     m.CycleStart,
		CycleEnd:       m.CycleEnd,
		OverageEnabled: m.OverageEnabled,
		OverageBudget:  m.OverageBudget,
		OverageSpent:   m.OverageSpent,
		SubscriptionID: derefString(m.SubscriptionID),
		LineItemID:     derefString(m.LineItemID),
		Version:        m.Version,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	})
}

// AccountModelFromEntity creates a model from a domain entity
func AccountModelFromEntity(a *billing.Account) *AccountModel {
	s := a.Snapshot()
	return &AccountModel{
		ID:             s.ID,
		TenantID:       s.TenantID,
		PlanCode:       s.PlanCode,
		Status:         string(s.Status),
		CycleStart:     s.CycleStart,
		CycleEnd:       s.CycleEnd,
		OverageEnabled: s.OverageEnabled,
		OverageBudget:  s.OverageBudget,
		OverageSpent:   s.OverageSpent,
		SubscriptionID: optionalString(s.SubscriptionID),
		LineItemID:     optionalString(s.LineItemID),
		Version:        s.Version,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// AccountRepository implements billing.AccountRepository
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// FindByTenant retrieves the billing record for a tenant
func (r *AccountRepository) FindByTenant(ctx context.Context, tenantID uuid.UUID) (*billing.Account, error) {
	var model AccountModel
	if err := r.db.WithContext(ctx).First(&model, "tenant_id = ?", tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billing.ErrAccountNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// Create persists a new billing record
func (r *AccountRepository) Create(ctx context.Context, account *billing.Account) error {
	return r.db.WithContext(ctx).Create(AccountModelFromEntity(account)).Error
}

// Update writes the account if its version is unchanged since it was loaded,
// then advances the in-memory version to match the stored row.
func (r *AccountRepository) Update(ctx context.Context, account *billing.Account) error {
	m := AccountModelFromEntity(account)
	result := r.db.WithContext(ctx).
		Model(&AccountModel{}).
		Where("id = ? AND version = ?", m.ID, m.Version).
		Updates(map[string]any{
			"plan_code":       m.PlanCode,
			"status":          m.Status,
			"cycle_start":     m.CycleStart,
			"cycle_end":       m.CycleEnd,
			"overage_enabled": m.OverageEnabled,
			"overage_budget":  m.OverageBudget,
			"overage_spent":   m.OverageSpent,
			"subscription_id": m.SubscriptionID,
			"line_item_id":    m.LineItemID,
			"version":         m.Version + 1,
			"updated_at":      m.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("update billing account %s: %w", account.TenantID, result.Error)
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	account.IncrementVersion()
	return nil
}

// FindOverageBillable lists accounts with overage enabled and a line item attached
func (r *AccountRepository) FindOverageBillable(ctx context.Context) ([]*billing.Account, error) {
	var models []AccountModel
	err := r.db.WithContext(ctx).
		Where("overage_enabled = ?", true).
		Where("line_item_id IS NOT NULL AND line_item_id <> ''").
		Where("status <> ?", string(billing.AccountStatusCanceled)).
		Order("tenant_id").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	accounts := make([]*billing.Account, len(models))
	for i := range models {
		accounts[i] = models[i].ToEntity()
	}
	return accounts, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
