package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// StripeConfig holds configuration for the Stripe provider
type StripeConfig struct {
	// SecretKey is the Stripe secret API key (sk_test_xxx or sk_live_xxx)
	SecretKey string `json:"secret_key" mapstructure:"secret_key"`

	// IsTestMode indicates if using Stripe test mode
	IsTestMode bool `json:"is_test_mode" mapstructure:"is_test_mode"`

	// DefaultCurrency is used when a plan does not name its own currency
	DefaultCurrency string `json:"default_currency" mapstructure:"default_currency"`

	// MaxNetworkRetries is passed to the stripe backend; zero keeps the library default
	MaxNetworkRetries int64 `json:"max_network_retries" mapstructure:"max_network_retries"`

	// CallTimeout bounds every Stripe request
	CallTimeout time.Duration `json:"call_timeout" mapstructure:"call_timeout"`
}

// Validate validates the Stripe configuration
func (c *StripeConfig) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("stripe: secret key is required")
	}
	if c.IsTestMode && !strings.HasPrefix(c.SecretKey, "sk_test") && !strings.HasPrefix(c.SecretKey, "rk_test") {
		return fmt.Errorf("stripe: test mode enabled but secret key is not a test key")
	}
	if !c.IsTestMode && !strings.HasPrefix(c.SecretKey, "sk_live") && !strings.HasPrefix(c.SecretKey, "rk_live") {
		return fmt.Errorf("stripe: live mode enabled but secret key is not a live key")
	}
	if c.DefaultCurrency == "" {
		return fmt.Errorf("stripe: default currency is required")
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("stripe: call timeout cannot be negative")
	}
	return nil
}

// InitStripeClient installs the API key and backend retry policy
func (c *StripeConfig) InitStripeClient() {
	stripe.Key = c.SecretKey
	if c.MaxNetworkRetries > 0 {
		stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			MaxNetworkRetries: stripe.Int64(c.MaxNetworkRetries),
		}))
	}
}
