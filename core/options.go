package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type controllerBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	persistenceClient any
	repositoryFactory RepositoryStoreFactory
	identityProvider  IdentityProvider
	storeProvider     StoreProvider
	accountStore      LoyaltyAccountStore
	redemptionStore   RedemptionStore
	settingsStore     SettingsStore
	entitlementSource EntitlementSource
	paymentStore      PaymentTransactionStore
	paymentGateway    PaymentGateway
	jobEnqueuer       JobEnqueuer
	challengeLedger   ChallengeLedger
	accountGuard      AccountGuard
	now               func() time.Time
}

type Option func(*controllerBuilder)

func WithLogger(logger Logger) Option {
	return func(b *controllerBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *controllerBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *controllerBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *controllerBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *controllerBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *controllerBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *controllerBuilder) {
		b.optionsResolver = resolver
	}
}

// WithPersistenceClient hands a persistence client to the repository factory.
func WithPersistenceClient(client any) Option {
	return func(b *controllerBuilder) {
		b.persistenceClient = client
	}
}

func WithRepositoryFactory(factory RepositoryStoreFactory) Option {
	return func(b *controllerBuilder) {
		b.repositoryFactory = factory
	}
}

func WithIdentityProvider(provider IdentityProvider) Option {
	return func(b *controllerBuilder) {
		b.identityProvider = provider
	}
}

func WithStoreProvider(provider StoreProvider) Option {
	return func(b *controllerBuilder) {
		b.storeProvider = provider
	}
}

func WithLoyaltyAccountStore(store LoyaltyAccountStore) Option {
	return func(b *controllerBuilder) {
		b.accountStore = store
	}
}

func WithRedemptionStore(store RedemptionStore) Option {
	return func(b *controllerBuilder) {
		b.redemptionStore = store
	}
}

func WithSettingsStore(store SettingsStore) Option {
	return func(b *controllerBuilder) {
		b.settingsStore = store
	}
}

func WithEntitlementSource(source EntitlementSource) Option {
	return func(b *controllerBuilder) {
		b.entitlementSource = source
	}
}

func WithPaymentTransactionStore(store PaymentTransactionStore) Option {
	return func(b *controllerBuilder) {
		b.paymentStore = store
	}
}

func WithPaymentGateway(gateway PaymentGateway) Option {
	return func(b *controllerBuilder) {
		b.paymentGateway = gateway
	}
}

func WithJobEnqueuer(enqueuer JobEnqueuer) Option {
	return func(b *controllerBuilder) {
		b.jobEnqueuer = enqueuer
	}
}

func WithChallengeLedger(ledger ChallengeLedger) Option {
	return func(b *controllerBuilder) {
		b.challengeLedger = ledger
	}
}

func WithAccountGuard(guard AccountGuard) Option {
	return func(b *controllerBuilder) {
		b.accountGuard = guard
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *controllerBuilder) {
		b.now = now
	}
}

func defaultControllerBuilder(runtime Config) controllerBuilder {
	loggerProvider, logger := glog.Resolve(DefaultServiceName, nil, nil)
	return controllerBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return controllerErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// StaticConfigLoader serves a fixed raw map, mainly for hosts that already parsed their config.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	putString := func(section map[string]any, key string, value string) {
		if includeZero || strings.TrimSpace(value) != "" {
			section[key] = value
		}
	}
	putDuration := func(section map[string]any, key string, value time.Duration) {
		if includeZero || value != 0 {
			section[key] = value
		}
	}
	putSection := func(key string, section map[string]any) {
		if len(section) > 0 {
			layer[key] = section
		}
	}

	putString(layer, "service_name", cfg.ServiceName)

	session := map[string]any{}
	if includeZero || cfg.Session.RestoreOnStart {
		session["restore_on_start"] = cfg.Session.RestoreOnStart
	}
	putSection("session", session)

	mfa := map[string]any{}
	putString(mfa, "factor_prefix", cfg.MFA.FactorPrefix)
	putString(mfa, "issuer", cfg.MFA.Issuer)
	putDuration(mfa, "verify_debounce", cfg.MFA.VerifyDebounce)
	putDuration(mfa, "verify_timeout", cfg.MFA.VerifyTimeout)
	putDuration(mfa, "period", cfg.MFA.Period)
	putDuration(mfa, "expiring_soon_window", cfg.MFA.ExpiringSoonWindow)
	putDuration(mfa, "reverification_window", cfg.MFA.ReverificationWindow)
	putSection("mfa", mfa)

	entitlement := map[string]any{}
	putDuration(entitlement, "ttl", cfg.Entitlement.TTL)
	putDuration(entitlement, "floor", cfg.Entitlement.Floor)
	putDuration(entitlement, "refresh_debounce", cfg.Entitlement.RefreshDebounce)
	putString(entitlement, "minimum_credit", cfg.Entitlement.MinimumCredit)
	putSection("entitlement", entitlement)

	ledger := map[string]any{}
	if includeZero || cfg.Ledger.DefaultThreshold != 0 {
		ledger["default_threshold"] = cfg.Ledger.DefaultThreshold
	}
	putSection("ledger", ledger)

	payment := map[string]any{}
	putString(payment, "minimum_top_up", cfg.Payment.MinimumTopUp)
	putString(payment, "currency", cfg.Payment.Currency)
	putString(payment, "provider", cfg.Payment.Provider)
	putString(payment, "public_key", cfg.Payment.PublicKey)
	putString(payment, "reference_prefix", cfg.Payment.ReferencePrefix)
	putSection("payment", payment)

	return layer
}
