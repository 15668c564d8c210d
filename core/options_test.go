package core

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

func TestNewController_RequiresIdentityProvider(t *testing.T) {
	_, err := NewController(Config{}, WithLogger(stubLogger{}))
	if err == nil {
		t.Fatalf("expected error without identity provider")
	}
}

func TestNewController_DefaultsApplied(t *testing.T) {
	clock := newFakeClock()
	controller, err := NewController(Config{},
		WithLogger(stubLogger{}),
		WithIdentityProvider(newFakeIdentityProvider(clock)),
		WithStoreProvider(newMemoryStore()),
	)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer controller.Close()

	cfg := controller.Config()
	if cfg.ServiceName != DefaultServiceName {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Entitlement.TTL != DefaultEntitlementTTL || cfg.Entitlement.Floor != DefaultEntitlementFloor {
		t.Fatalf("unexpected entitlement timings: %+v", cfg.Entitlement)
	}
	if cfg.Entitlement.MinimumCredit != DefaultMinimumCredit {
		t.Fatalf("expected default minimum credit, got %q", cfg.Entitlement.MinimumCredit)
	}
	if cfg.MFA.VerifyDebounce != DefaultVerifyDebounce || cfg.MFA.VerifyTimeout != DefaultVerifyTimeout {
		t.Fatalf("unexpected mfa timings: %+v", cfg.MFA)
	}
	if cfg.Ledger.DefaultThreshold != DefaultRedemptionThreshold {
		t.Fatalf("expected default threshold, got %d", cfg.Ledger.DefaultThreshold)
	}
	if cfg.Payment.Currency != DefaultCurrency || cfg.Payment.MinimumTopUp != DefaultMinimumTopUp {
		t.Fatalf("unexpected payment defaults: %+v", cfg.Payment)
	}

	deps := controller.Dependencies()
	if deps.Logger == nil || deps.MetricsRecorder == nil || deps.ErrorMapper == nil || deps.ErrorFactory == nil {
		t.Fatalf("expected default dependencies to be populated")
	}
	if deps.AccountStore == nil || deps.EntitlementSource == nil || deps.PaymentStore == nil {
		t.Fatalf("expected stores resolved from store provider")
	}
}

func TestNewController_LoadsConfigThroughCfgx(t *testing.T) {
	clock := newFakeClock()
	loader := mapRawLoader{values: map[string]any{
		"entitlement": map[string]any{
			"minimum_credit": "300",
		},
		"ledger": map[string]any{
			"default_threshold": 12,
		},
	}}
	controller, err := NewController(Config{},
		WithLogger(stubLogger{}),
		WithIdentityProvider(newFakeIdentityProvider(clock)),
		WithConfigProvider(NewCfgxConfigProvider(loader)),
	)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer controller.Close()

	cfg := controller.Config()
	if cfg.Entitlement.MinimumCredit != "300" {
		t.Fatalf("expected loaded minimum credit, got %q", cfg.Entitlement.MinimumCredit)
	}
	if cfg.Ledger.DefaultThreshold != 12 {
		t.Fatalf("expected loaded threshold, got %d", cfg.Ledger.DefaultThreshold)
	}
	if got := controller.Entitlements().MinimumCredit().String(); got != "300" {
		t.Fatalf("expected entitlement cache to use loaded minimum, got %s", got)
	}
}

func TestNewController_RuntimeConfigWinsOverLoaded(t *testing.T) {
	clock := newFakeClock()
	loader := mapRawLoader{values: map[string]any{
		"payment": map[string]any{"currency": "USD"},
	}}
	controller, err := NewController(Config{Payment: PaymentConfig{Currency: "GHS"}},
		WithLogger(stubLogger{}),
		WithIdentityProvider(newFakeIdentityProvider(clock)),
		WithConfigProvider(NewCfgxConfigProvider(loader)),
	)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	defer controller.Close()
	if got := controller.Config().Payment.Currency; got != "GHS" {
		t.Fatalf("expected runtime currency, got %q", got)
	}
}

func TestNewController_RejectsInvalidAmounts(t *testing.T) {
	clock := newFakeClock()
	_, err := NewController(Config{Entitlement: EntitlementConfig{MinimumCredit: "lots"}},
		WithLogger(stubLogger{}),
		WithIdentityProvider(newFakeIdentityProvider(clock)),
	)
	if err == nil {
		t.Fatalf("expected invalid minimum credit to fail")
	}
}

type failingConfigProvider struct{}

func (failingConfigProvider) Load(context.Context, Config) (Config, error) {
	return Config{}, errors.New("config source unavailable")
}

func TestNewController_MapsConfigProviderErrors(t *testing.T) {
	clock := newFakeClock()
	var mapped bool
	_, err := NewController(Config{},
		WithLogger(stubLogger{}),
		WithIdentityProvider(newFakeIdentityProvider(clock)),
		WithConfigProvider(failingConfigProvider{}),
		WithErrorMapper(func(err error) *goerrors.Error {
			mapped = true
			return goerrors.New(err.Error(), goerrors.CategoryInternal)
		}),
	)
	if err == nil {
		t.Fatalf("expected error from config provider")
	}
	if !mapped {
		t.Fatalf("expected custom error mapper to run")
	}
}

func TestConfigValidate_RejectsNonPositiveTimings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Entitlement.Floor = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected zero floor to fail validation")
	}
	cfg = DefaultConfig()
	cfg.MFA.VerifyDebounce = -time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected negative debounce to fail validation")
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected defaults to validate: %v", err)
	}
}

func TestConfigToLayerMap_SkipsZeroValues(t *testing.T) {
	layer := configToLayerMap(Config{MFA: MFAConfig{VerifyTimeout: time.Second}}, false)
	if _, ok := layer["service_name"]; ok {
		t.Fatalf("expected empty service name to be skipped")
	}
	mfa, ok := layer["mfa"].(map[string]any)
	if !ok {
		t.Fatalf("expected mfa section, got %#v", layer)
	}
	if mfa["verify_timeout"] != time.Second {
		t.Fatalf("expected verify_timeout entry, got %#v", mfa)
	}
	if _, ok := layer["payment"]; ok {
		t.Fatalf("expected empty payment section to be omitted")
	}
}
