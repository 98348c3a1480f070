package billing

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/erp/overage-billing/internal/domain/billing"
	"github.com/stripe/stripe-go/v81"
)

// translateStripeError wraps err with the domain sentinel matching its failure class,
// keeping the original error in the chain.
func translateStripeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("stripe: %s: %w: %w", op, sentinelFor(err), err)
}

func sentinelFor(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// Transport failures and timeouts never reached a decision on Stripe's side.
		return billing.ErrProviderUnavailable
	}

	switch {
	case stripeErr.Code == stripe.ErrorCodeResourceMissing, stripeErr.HTTPStatusCode == http.StatusNotFound:
		return billing.ErrRemoteSubscriptionNotFound
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode == http.StatusConflict,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripe.ErrorTypeAPI:
		return billing.ErrProviderUnavailable
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized, stripeErr.HTTPStatusCode == http.StatusForbidden:
		return billing.NewConfigurationError("stripe rejected the API credentials")
	default:
		return billing.ErrProviderRejected
	}
}
