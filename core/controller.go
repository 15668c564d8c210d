package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

// Controller owns the session, step-up, entitlement, ledger and payment components for one
// signed-in client. Build it with NewController, call Start once, and Close on teardown.
type Controller struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorFactory    ErrorFactory
	errorMapper     ErrorMapper
	obs             *observer

	sessions     *SessionManager
	stepUp       *StepUpAuthenticator
	entitlements *EntitlementCache
	ledger       *LedgerController
	payments     *PaymentCoordinator

	unsubscribe func()
	closeOnce   sync.Once
}

type ControllerDependencies struct {
	Logger            Logger
	LoggerProvider    LoggerProvider
	MetricsRecorder   MetricsRecorder
	ErrorFactory      ErrorFactory
	ErrorMapper       ErrorMapper
	IdentityProvider  IdentityProvider
	AccountStore      LoyaltyAccountStore
	RedemptionStore   RedemptionStore
	SettingsStore     SettingsStore
	EntitlementSource EntitlementSource
	PaymentStore      PaymentTransactionStore
	PaymentGateway    PaymentGateway
	JobEnqueuer       JobEnqueuer
}

func NewController(cfg Config, opts ...Option) (*Controller, error) {
	builder := defaultControllerBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve(DefaultServiceName, builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger(DefaultServiceName); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.now == nil {
		builder.now = func() time.Time { return time.Now().UTC() }
	}
	if builder.accountGuard == nil {
		builder.accountGuard = NewMemoryAccountGuard()
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	if builder.challengeLedger == nil {
		ledger := NewMemoryChallengeLedger(finalConfig.MFA.ReverificationWindow)
		ledger.Now = builder.now
		builder.challengeLedger = ledger
	}

	if builder.storeProvider == nil && builder.repositoryFactory != nil {
		stores, buildErr := builder.repositoryFactory.BuildStores(builder.persistenceClient)
		if buildErr != nil {
			return nil, mapBuildError(builder.errorMapper, buildErr)
		}
		builder.storeProvider = stores
	}
	if stores := builder.storeProvider; stores != nil {
		if builder.accountStore == nil {
			builder.accountStore = stores.LoyaltyAccountStore()
		}
		if builder.redemptionStore == nil {
			builder.redemptionStore = stores.RedemptionStore()
		}
		if builder.settingsStore == nil {
			builder.settingsStore = stores.SettingsStore()
		}
		if builder.entitlementSource == nil {
			builder.entitlementSource = stores.EntitlementSource()
		}
		if builder.paymentStore == nil {
			builder.paymentStore = stores.PaymentTransactionStore()
		}
	}

	if builder.identityProvider == nil {
		return nil, mapBuildError(builder.errorMapper, fmt.Errorf("core: identity provider is required"))
	}
	minimumCredit, err := finalConfig.Entitlement.MinimumCreditAmount()
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	minimumTopUp, err := finalConfig.Payment.MinimumTopUpAmount()
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	obs := &observer{logger: logger, metricsRecorder: builder.metricsRecorder}
	sessions := newSessionManager(builder.identityProvider, obs, builder.now, finalConfig.Session.RestoreOnStart)
	stepUp := newStepUpAuthenticator(sessions, builder.identityProvider, builder.challengeLedger, finalConfig.MFA, obs, builder.now)
	entitlements := newEntitlementCache(builder.entitlementSource, sessions, finalConfig.Entitlement, minimumCredit, obs, builder.now)
	ledger := newLedgerController(
		builder.accountStore,
		builder.redemptionStore,
		builder.settingsStore,
		entitlements,
		sessions,
		builder.accountGuard,
		finalConfig.Ledger,
		minimumCredit,
		obs,
	)
	payments := newPaymentCoordinator(
		builder.paymentStore,
		builder.paymentGateway,
		entitlements,
		sessions,
		builder.jobEnqueuer,
		finalConfig.Payment,
		minimumTopUp,
		obs,
	)

	controller := &Controller{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorFactory:    builder.errorFactory,
		errorMapper:     builder.errorMapper,
		obs:             obs,
		sessions:        sessions,
		stepUp:          stepUp,
		entitlements:    entitlements,
		ledger:          ledger,
		payments:        payments,
	}
	controller.unsubscribe = sessions.Subscribe(controller.onSessionEvent)
	return controller, nil
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

// Start subscribes to the identity provider and restores any existing session. Repeated calls are no-ops.
func (c *Controller) Start(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("core: controller is not configured")
	}
	return c.sessions.Start(ctx)
}

// Close cancels in-flight work, stops timers and detaches from the identity provider.
func (c *Controller) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.sessions.Close()
		c.stepUp.CancelAll()
		c.entitlements.Reset()
		c.payments.Close()
		c.ledger.Clear()
	})
	return nil
}

// onSessionEvent tears down identity-scoped state on sign-out and identity switches.
func (c *Controller) onSessionEvent(event SessionEvent) {
	if !event.IdentityChanged {
		return
	}
	c.stepUp.CancelAll()
	c.entitlements.Reset()
	c.payments.Reset()
	c.ledger.Clear()
	fields := map[string]any{"kind": string(event.Kind)}
	if event.Previous != nil {
		fields["previous_user_id"] = event.Previous.UserID
	}
	c.obs.observeEvent(context.Background(), "session_scope_reset", fields)
}

func (c *Controller) Config() Config {
	if c == nil {
		return Config{}
	}
	return c.config
}

func (c *Controller) Dependencies() ControllerDependencies {
	if c == nil {
		return ControllerDependencies{}
	}
	return ControllerDependencies{
		Logger:            c.logger,
		LoggerProvider:    c.loggerProvider,
		MetricsRecorder:   c.metricsRecorder,
		ErrorFactory:      c.errorFactory,
		ErrorMapper:       c.errorMapper,
		IdentityProvider:  c.sessions.provider,
		AccountStore:      c.ledger.accounts,
		RedemptionStore:   c.ledger.redemptions,
		SettingsStore:     c.ledger.settings,
		EntitlementSource: c.entitlements.source,
		PaymentStore:      c.payments.store,
		PaymentGateway:    c.payments.gateway,
		JobEnqueuer:       c.payments.enqueuer,
	}
}

// MapError converts any error into the controller envelope using the configured mapper.
func (c *Controller) MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if c == nil || c.errorMapper == nil {
		return controllerErrorMapper(err)
	}
	return c.errorMapper(err)
}

func (c *Controller) Sessions() *SessionManager {
	return c.sessions
}

func (c *Controller) StepUp() *StepUpAuthenticator {
	return c.stepUp
}

func (c *Controller) Entitlements() *EntitlementCache {
	return c.entitlements
}

func (c *Controller) Ledger() *LedgerController {
	return c.ledger
}

func (c *Controller) Payments() *PaymentCoordinator {
	return c.payments
}
