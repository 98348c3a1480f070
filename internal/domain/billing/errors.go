package billing

import (
	"context"
	"errors"

	"github.com/erp/overage-billing/internal/domain/shared"
)

// Billing error codes
const (
	CodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	CodePlanNotFound        = "PLAN_NOT_FOUND"
	CodeUsageNotFound       = "USAGE_NOT_FOUND"
	CodeRemoteNotFound      = "REMOTE_RESOURCE_NOT_FOUND"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected    = "PROVIDER_REJECTED"
	CodePlanNotConfigured   = "PLAN_NOT_CONFIGURED"
	CodeInvalidBudget       = "INVALID_BUDGET"
	CodePriceAlreadyCached  = "PRICE_ALREADY_CACHED"
	CodeLockNotAcquired     = "LOCK_NOT_ACQUIRED"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeAccountCanceled     = "ACCOUNT_CANCELED"
)

var (
	ErrAccountNotFound            = shared.NewDomainError(CodeAccountNotFound, "Billing account not found")
	ErrPlanNotFound               = shared.NewDomainError(CodePlanNotFound, "Plan not found")
	ErrUsageNotFound              = shared.NewDomainError(CodeUsageNotFound, "No usage recorded for the billing cycle")
	ErrRemoteSubscriptionNotFound = shared.NewDomainError(CodeRemoteNotFound, "Remote subscription not found")
	ErrProviderUnavailable        = shared.NewDomainError(CodeProviderUnavailable, "Billing provider is temporarily unavailable")
	ErrProviderRejected           = shared.NewDomainError(CodeProviderRejected, "Billing provider rejected the request")
	ErrPlanNotConfigured          = shared.NewDomainError(CodePlanNotConfigured, "Plan is not configured for metered billing")
	ErrInvalidBudget              = shared.NewDomainError(CodeInvalidBudget, "Overage budget cannot be negative")
	ErrPriceAlreadyCached         = shared.NewDomainError(CodePriceAlreadyCached, "Plan already has a different metered price")
	ErrLockNotAcquired            = shared.NewDomainError(CodeLockNotAcquired, "Could not acquire the tenant lock")
	ErrAccountCanceled            = shared.NewDomainError(CodeAccountCanceled, "Billing account is canceled")
)

// NewConfigurationError returns a configuration error with a specific message
func NewConfigurationError(message string) *shared.DomainError {
	return shared.NewDomainError(CodePlanNotConfigured, message)
}

// FailureReason is a stable, typed classification of why an operation failed
type FailureReason string

const (
	FailureNone          FailureReason = ""
	FailureNotFound      FailureReason = "not_found"
	FailureTransient     FailureReason = "transient"
	FailureConfiguration FailureReason = "configuration"
	FailureValidation    FailureReason = "validation"
	FailureConflict      FailureReason = "conflict"
	FailureRejected      FailureReason = "rejected"
	FailureInternal      FailureReason = "internal"
)

// Classify maps any error to a FailureReason
func Classify(err error) FailureReason {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FailureTransient
	}
	de, ok := shared.IsDomainError(err)
	if !ok {
		return FailureInternal
	}
	switch de.Code {
	case CodeAccountNotFound, CodePlanNotFound, CodeUsageNotFound, CodeRemoteNotFound, shared.ErrNotFound.Code:
		return FailureNotFound
	case CodeProviderUnavailable, CodeLockNotAcquired:
		return FailureTransient
	case CodePlanNotConfigured:
		return FailureConfiguration
	case CodeInvalidBudget, CodeAccountCanceled, shared.ErrInvalidInput.Code, "INVALID_TENANT", "INVALID_PLAN", "INVALID_PERIOD":
		return FailureValidation
	case CodeConcurrencyConflict, CodePriceAlreadyCached, shared.ErrAlreadyExists.Code:
		return FailureConflict
	case CodeProviderRejected:
		return FailureRejected
	}
	return FailureInternal
}

// IsTransient reports whether retrying the operation may succeed
func IsTransient(err error) bool {
	return Classify(err) == FailureTransient
}
