package billing

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/erp/overage-billing/internal/domain/shared"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EnableOverageCommand opts a tenant into overage billing.
// A nil Budget keeps the current budget.
type EnableOverageCommand struct {
	TenantID uuid.UUID        `validate:"required"`
	Budget   *decimal.Decimal `validate:"omitempty,gte=0"`
}

// DisableOverageCommand opts a tenant out of overage billing
type DisableOverageCommand struct {
	TenantID uuid.UUID `validate:"required"`
}

// UpdateBudgetCommand replaces a tenant's overage budget
type UpdateBudgetCommand struct {
	TenantID uuid.UUID       `validate:"required"`
	Budget   decimal.Decimal `validate:"gte=0"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// validateCommand maps validator failures onto domain errors
func validateCommand(v *validator.Validate, cmd any) error {
	err := v.Struct(cmd)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}
	first := fieldErrs[0]
	if first.Field() == "Budget" {
		return fmt.Errorf("budget %v: %w", first.Value(), billing.ErrInvalidBudget)
	}
	return fmt.Errorf("%s failed %q: %w", first.Field(), first.Tag(), shared.ErrInvalidInput)
}
