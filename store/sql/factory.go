package sqlstore

import (
	"context"
	"fmt"

	"github.com/goliatone/go-loyalty/core"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

type FactoryOption func(*RepositoryFactory)

// WithSettingsCache serves settings reads through cacheService.
func WithSettingsCache(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.settingsCache = cacheService
	}
}

type RepositoryFactory struct {
	db            *bun.DB
	settingsCache repositorycache.CacheService

	accountStore        *AccountStore
	redemptionStore     *RedemptionStore
	settingsStore       *SettingsStore
	cachedSettingsStore *CachedSettingsStore
	entitlementSource   *EntitlementSource
	paymentStore        *PaymentStore
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.accountStore != nil && f.paymentStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) LoyaltyAccountStore() core.LoyaltyAccountStore {
	if f == nil || f.accountStore == nil {
		return nil
	}
	return f.accountStore
}

// Accounts exposes the concrete store for account provisioning.
func (f *RepositoryFactory) Accounts() *AccountStore {
	if f == nil {
		return nil
	}
	return f.accountStore
}

func (f *RepositoryFactory) RedemptionStore() core.RedemptionStore {
	if f == nil || f.redemptionStore == nil {
		return nil
	}
	return f.redemptionStore
}

func (f *RepositoryFactory) SettingsStore() core.SettingsStore {
	if f == nil {
		return nil
	}
	if f.cachedSettingsStore != nil {
		return f.cachedSettingsStore
	}
	if f.settingsStore == nil {
		return nil
	}
	return f.settingsStore
}

// Settings exposes the uncached store for provisioning owner settings.
func (f *RepositoryFactory) Settings() *SettingsStore {
	if f == nil {
		return nil
	}
	return f.settingsStore
}

func (f *RepositoryFactory) EntitlementSource() core.EntitlementSource {
	if f == nil || f.entitlementSource == nil {
		return nil
	}
	return f.entitlementSource
}

func (f *RepositoryFactory) PaymentTransactionStore() core.PaymentTransactionStore {
	if f == nil || f.paymentStore == nil {
		return nil
	}
	return f.paymentStore
}

func (f *RepositoryFactory) Payments() *PaymentStore {
	if f == nil {
		return nil
	}
	return f.paymentStore
}

func (f *RepositoryFactory) initStores() error {
	accountStore, err := NewAccountStore(f.db)
	if err != nil {
		return err
	}
	redemptionStore, err := NewRedemptionStore(f.db)
	if err != nil {
		return err
	}
	settingsStore, err := NewSettingsStore(f.db)
	if err != nil {
		return err
	}
	entitlementSource, err := NewEntitlementSource(f.db)
	if err != nil {
		return err
	}
	paymentStore, err := NewPaymentStore(f.db)
	if err != nil {
		return err
	}

	if f.settingsCache != nil {
		cached, err := NewCachedSettingsStore(settingsStore, f.settingsCache)
		if err != nil {
			return err
		}
		f.cachedSettingsStore = cached
		paymentStore.onSettingsChanged = func(ctx context.Context, ownerUserID string) {
			_ = cached.Invalidate(ctx, ownerUserID)
		}
	}

	f.accountStore = accountStore
	f.redemptionStore = redemptionStore
	f.settingsStore = settingsStore
	f.entitlementSource = entitlementSource
	f.paymentStore = paymentStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
