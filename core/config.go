package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultServiceName            = "loyalty"
	DefaultEntitlementTTL         = 120 * time.Second
	DefaultEntitlementFloor       = 5 * time.Second
	DefaultRefreshDebounce        = 500 * time.Millisecond
	DefaultMinimumCredit          = "200"
	DefaultVerifyDebounce         = 300 * time.Millisecond
	DefaultVerifyTimeout          = 10 * time.Second
	DefaultTOTPPeriod             = 30 * time.Second
	DefaultExpiringSoonWindow     = 5 * time.Second
	DefaultReverificationWindow   = 5 * time.Minute
	DefaultFactorPrefix           = "loyalty-totp"
	DefaultFactorIssuer           = "Loyalty"
	DefaultRedemptionThreshold    = 10
	DefaultMinimumTopUp           = "200"
	DefaultCurrency               = "NGN"
	DefaultPaymentProvider        = "paystack"
	DefaultPaymentReferencePrefix = "LOY"
)

type SessionConfig struct {
	// RestoreOnStart restores the provider session when the controller starts.
	RestoreOnStart bool `koanf:"restore_on_start" mapstructure:"restore_on_start"`
}

type MFAConfig struct {
	FactorPrefix         string        `koanf:"factor_prefix" mapstructure:"factor_prefix"`
	Issuer               string        `koanf:"issuer" mapstructure:"issuer"`
	VerifyDebounce       time.Duration `koanf:"verify_debounce" mapstructure:"verify_debounce"`
	VerifyTimeout        time.Duration `koanf:"verify_timeout" mapstructure:"verify_timeout"`
	Period               time.Duration `koanf:"period" mapstructure:"period"`
	ExpiringSoonWindow   time.Duration `koanf:"expiring_soon_window" mapstructure:"expiring_soon_window"`
	ReverificationWindow time.Duration `koanf:"reverification_window" mapstructure:"reverification_window"`
}

type EntitlementConfig struct {
	TTL             time.Duration `koanf:"ttl" mapstructure:"ttl"`
	Floor           time.Duration `koanf:"floor" mapstructure:"floor"`
	RefreshDebounce time.Duration `koanf:"refresh_debounce" mapstructure:"refresh_debounce"`
	MinimumCredit   string        `koanf:"minimum_credit" mapstructure:"minimum_credit"`
}

type LedgerConfig struct {
	DefaultThreshold int `koanf:"default_threshold" mapstructure:"default_threshold"`
}

type PaymentConfig struct {
	MinimumTopUp    string `koanf:"minimum_top_up" mapstructure:"minimum_top_up"`
	Currency        string `koanf:"currency" mapstructure:"currency"`
	Provider        string `koanf:"provider" mapstructure:"provider"`
	PublicKey       string `koanf:"public_key" mapstructure:"public_key"`
	ReferencePrefix string `koanf:"reference_prefix" mapstructure:"reference_prefix"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	Session     SessionConfig     `koanf:"session" mapstructure:"session"`
	MFA         MFAConfig         `koanf:"mfa" mapstructure:"mfa"`
	Entitlement EntitlementConfig `koanf:"entitlement" mapstructure:"entitlement"`
	Ledger      LedgerConfig      `koanf:"ledger" mapstructure:"ledger"`
	Payment     PaymentConfig     `koanf:"payment" mapstructure:"payment"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: DefaultServiceName,
		Session: SessionConfig{
			RestoreOnStart: true,
		},
		MFA: MFAConfig{
			FactorPrefix:         DefaultFactorPrefix,
			Issuer:               DefaultFactorIssuer,
			VerifyDebounce:       DefaultVerifyDebounce,
			VerifyTimeout:        DefaultVerifyTimeout,
			Period:               DefaultTOTPPeriod,
			ExpiringSoonWindow:   DefaultExpiringSoonWindow,
			ReverificationWindow: DefaultReverificationWindow,
		},
		Entitlement: EntitlementConfig{
			TTL:             DefaultEntitlementTTL,
			Floor:           DefaultEntitlementFloor,
			RefreshDebounce: DefaultRefreshDebounce,
			MinimumCredit:   DefaultMinimumCredit,
		},
		Ledger: LedgerConfig{
			DefaultThreshold: DefaultRedemptionThreshold,
		},
		Payment: PaymentConfig{
			MinimumTopUp:    DefaultMinimumTopUp,
			Currency:        DefaultCurrency,
			Provider:        DefaultPaymentProvider,
			ReferencePrefix: DefaultPaymentReferencePrefix,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if strings.TrimSpace(c.MFA.FactorPrefix) == "" {
		return fmt.Errorf("core: mfa.factor_prefix is required")
	}
	for name, value := range map[string]time.Duration{
		"mfa.verify_timeout":        c.MFA.VerifyTimeout,
		"mfa.period":                c.MFA.Period,
		"mfa.reverification_window": c.MFA.ReverificationWindow,
		"entitlement.ttl":           c.Entitlement.TTL,
		"entitlement.floor":         c.Entitlement.Floor,
	} {
		if value <= 0 {
			return fmt.Errorf("core: %s must be positive", name)
		}
	}
	if c.MFA.VerifyDebounce < 0 || c.Entitlement.RefreshDebounce < 0 || c.MFA.ExpiringSoonWindow < 0 {
		return fmt.Errorf("core: debounce and advisory windows must not be negative")
	}
	if c.Ledger.DefaultThreshold <= 0 {
		return fmt.Errorf("core: ledger.default_threshold must be positive")
	}
	if _, err := c.Entitlement.MinimumCreditAmount(); err != nil {
		return fmt.Errorf("core: entitlement.minimum_credit invalid: %w", err)
	}
	if _, err := c.Payment.MinimumTopUpAmount(); err != nil {
		return fmt.Errorf("core: payment.minimum_top_up invalid: %w", err)
	}
	if strings.TrimSpace(c.Payment.Currency) == "" {
		return fmt.Errorf("core: payment.currency is required")
	}
	return nil
}

func (c EntitlementConfig) MinimumCreditAmount() (decimal.Decimal, error) {
	return parseAmount(c.MinimumCredit, DefaultMinimumCredit)
}

func (c PaymentConfig) MinimumTopUpAmount() (decimal.Decimal, error) {
	return parseAmount(c.MinimumTopUp, DefaultMinimumTopUp)
}

func parseAmount(raw string, fallback string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = fallback
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount %s is negative", raw)
	}
	return amount, nil
}
