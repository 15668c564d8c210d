package loyalty

import "github.com/goliatone/go-loyalty/core"

type Config = core.Config

type Option = core.Option

type Controller = core.Controller

type ControllerDependencies = core.ControllerDependencies
type IdentityProvider = core.IdentityProvider
type MFAProvider = core.MFAProvider
type PaymentGateway = core.PaymentGateway
type StoreProvider = core.StoreProvider
type RepositoryStoreFactory = core.RepositoryStoreFactory
type LoyaltyAccountStore = core.LoyaltyAccountStore
type RedemptionStore = core.RedemptionStore
type SettingsStore = core.SettingsStore
type EntitlementSource = core.EntitlementSource
type PaymentTransactionStore = core.PaymentTransactionStore
type JobEnqueuer = core.JobEnqueuer
type MetricsRecorder = core.MetricsRecorder

type Session = core.Session
type SignInResult = core.SignInResult

type StepUpProgress = core.StepUpProgress

type EntitlementStatus = core.EntitlementStatus

type LoyaltyAccount = core.LoyaltyAccount
type LedgerResult = core.LedgerResult

type InitiatePaymentRequest = core.InitiatePaymentRequest
type PaymentTransaction = core.PaymentTransaction
type PaymentCompletion = core.PaymentCompletion

var (
	WithLogger                  = core.WithLogger
	WithLoggerProvider          = core.WithLoggerProvider
	WithMetricsRecorder         = core.WithMetricsRecorder
	WithErrorFactory            = core.WithErrorFactory
	WithErrorMapper             = core.WithErrorMapper
	WithConfigProvider          = core.WithConfigProvider
	WithOptionsResolver         = core.WithOptionsResolver
	WithPersistenceClient       = core.WithPersistenceClient
	WithRepositoryFactory       = core.WithRepositoryFactory
	WithIdentityProvider        = core.WithIdentityProvider
	WithStoreProvider           = core.WithStoreProvider
	WithLoyaltyAccountStore     = core.WithLoyaltyAccountStore
	WithRedemptionStore         = core.WithRedemptionStore
	WithSettingsStore           = core.WithSettingsStore
	WithEntitlementSource       = core.WithEntitlementSource
	WithPaymentTransactionStore = core.WithPaymentTransactionStore
	WithPaymentGateway          = core.WithPaymentGateway
	WithJobEnqueuer             = core.WithJobEnqueuer
	WithChallengeLedger         = core.WithChallengeLedger
	WithAccountGuard            = core.WithAccountGuard
	WithClock                   = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewController(cfg Config, opts ...Option) (*Controller, error) {
	return core.NewController(cfg, opts...)
}

// Setup builds a controller and wraps it in a Facade.
func Setup(cfg Config, opts ...Option) (*Facade, error) {
	controller, err := NewController(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return NewFacade(controller)
}
