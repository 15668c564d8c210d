package sqlstore

import "github.com/goliatone/go-loyalty/core"

var (
	_ core.LoyaltyAccountStore     = (*AccountStore)(nil)
	_ core.RedemptionStore         = (*RedemptionStore)(nil)
	_ core.SettingsStore           = (*SettingsStore)(nil)
	_ core.SettingsStore           = (*CachedSettingsStore)(nil)
	_ core.EntitlementSource       = (*EntitlementSource)(nil)
	_ core.PaymentTransactionStore = (*PaymentStore)(nil)
	_ core.StoreProvider           = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory  = (*RepositoryFactory)(nil)
)
