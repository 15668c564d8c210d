package sqlstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-loyalty/core"
	sqlstore "github.com/goliatone/go-loyalty/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/shopspring/decimal"
)

func newSQLiteClient(t *testing.T) *persistence.Client {
	t.Helper()
	dsn := fmt.Sprintf("file:loyalty-test-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	client, err := sqlstore.OpenSQLite(context.Background(), dsn, true)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newFactory(t *testing.T, opts ...sqlstore.FactoryOption) *sqlstore.RepositoryFactory {
	t.Helper()
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(newSQLiteClient(t), opts...)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

func seedOwner(t *testing.T, factory *sqlstore.RepositoryFactory, userID string, balance string, hasPaid bool, threshold int) {
	t.Helper()
	if _, err := factory.Settings().UpsertSettings(context.Background(), core.Settings{
		OwnerUserID:         userID,
		RedemptionThreshold: threshold,
		CreditBalance:       decimal.RequireFromString(balance),
		HasPaid:             hasPaid,
	}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
}

func createAccount(t *testing.T, factory *sqlstore.RepositoryFactory, userID string, name string) core.LoyaltyAccount {
	t.Helper()
	account, err := factory.Accounts().CreateAccount(context.Background(), sqlstore.CreateAccountInput{
		OwnerUserID: userID,
		Name:        name,
		Phone:       "+2348000000000",
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client := newSQLiteClient(t)
	for _, table := range []string{"loyalty_accounts", "loyalty_settings", "loyalty_redemptions", "loyalty_payment_transactions"} {
		var name string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &name); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if name != table {
			t.Fatalf("expected %s table, got %q", table, name)
		}
	}
}

func TestAccountStore_IncrementUpToThresholdThenRedeem(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	seedOwner(t, factory, "u-1", "250", false, 3)
	account := createAccount(t, factory, "u-1", "Ada")
	store := factory.LoyaltyAccountStore()
	guard := core.IncrementGuard{Threshold: 3, MinimumCredit: decimal.NewFromInt(200)}

	for i := 1; i <= 3; i++ {
		updated, err := store.IncrementUnits(ctx, "u-1", account.ID, guard)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if updated.UnitsPurchased != i {
			t.Fatalf("expected %d units, got %d", i, updated.UnitsPurchased)
		}
	}
	if _, err := store.IncrementUnits(ctx, "u-1", account.ID, guard); !core.HasCode(err, core.ErrorLedgerPreconditionFailed) {
		t.Fatalf("expected LEDGER_PRECONDITION_FAILED at threshold, got %v", err)
	}

	redeemed, record, err := store.Redeem(ctx, "u-1", account.ID, core.RedeemGuard{Threshold: 3, MinimumCredit: decimal.NewFromInt(200)})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if redeemed.UnitsPurchased != 0 || record.UnitsRedeemed != 3 || record.AccountID != account.ID {
		t.Fatalf("unexpected redeem result %+v %+v", redeemed, record)
	}

	stored, err := store.GetAccount(ctx, "u-1", account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if stored.UnitsPurchased != 0 {
		t.Fatalf("expected persisted counter reset, got %d", stored.UnitsPurchased)
	}
	history, err := factory.RedemptionStore().ListRedemptions(ctx, "u-1", account.ID)
	if err != nil {
		t.Fatalf("list redemptions: %v", err)
	}
	if len(history) != 1 || history[0].UnitsRedeemed != 3 {
		t.Fatalf("expected one redemption record, got %+v", history)
	}
}

func TestAccountStore_EnforcesEntitlement(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	seedOwner(t, factory, "u-1", "100", false, 10)
	account := createAccount(t, factory, "u-1", "Ada")
	guard := core.IncrementGuard{Threshold: 10, MinimumCredit: decimal.NewFromInt(200)}

	if _, err := factory.LoyaltyAccountStore().IncrementUnits(ctx, "u-1", account.ID, guard); !core.HasCode(err, core.ErrorInsufficientEntitlement) {
		t.Fatalf("expected INSUFFICIENT_ENTITLEMENT, got %v", err)
	}

	seedOwner(t, factory, "u-1", "100", true, 10)
	updated, err := factory.LoyaltyAccountStore().IncrementUnits(ctx, "u-1", account.ID, guard)
	if err != nil {
		t.Fatalf("expected paid owner to be entitled: %v", err)
	}
	if updated.UnitsPurchased != 1 {
		t.Fatalf("expected one unit, got %d", updated.UnitsPurchased)
	}
}

func TestAccountStore_OwnerWithoutSettingsIsNotEntitled(t *testing.T) {
	factory := newFactory(t)
	account := createAccount(t, factory, "u-1", "Ada")
	_, err := factory.LoyaltyAccountStore().IncrementUnits(context.Background(), "u-1", account.ID, core.IncrementGuard{
		Threshold:     10,
		MinimumCredit: decimal.NewFromInt(200),
	})
	if !core.HasCode(err, core.ErrorInsufficientEntitlement) {
		t.Fatalf("expected INSUFFICIENT_ENTITLEMENT, got %v", err)
	}
}

func TestAccountStore_RedeemBelowThresholdRefused(t *testing.T) {
	factory := newFactory(t)
	seedOwner(t, factory, "u-1", "250", false, 10)
	account := createAccount(t, factory, "u-1", "Ada")
	_, _, err := factory.LoyaltyAccountStore().Redeem(context.Background(), "u-1", account.ID, core.RedeemGuard{
		Threshold:     10,
		MinimumCredit: decimal.NewFromInt(200),
	})
	if !core.HasCode(err, core.ErrorLedgerPreconditionFailed) {
		t.Fatalf("expected LEDGER_PRECONDITION_FAILED, got %v", err)
	}
}

func TestAccountStore_ScopesByOwner(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	account := createAccount(t, factory, "u-1", "Ada")
	createAccount(t, factory, "u-1", "Bola")
	createAccount(t, factory, "u-2", "Chidi")

	if _, err := factory.LoyaltyAccountStore().GetAccount(ctx, "u-2", account.ID); !core.HasCode(err, core.ErrorNotFound) {
		t.Fatalf("expected NOT_FOUND for another owner's account, got %v", err)
	}
	accounts, err := factory.LoyaltyAccountStore().ListAccounts(ctx, "u-1")
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(accounts) != 2 || accounts[0].Name != "Ada" || accounts[1].Name != "Bola" {
		t.Fatalf("expected u-1 accounts ordered by name, got %+v", accounts)
	}
}

func TestAccountStore_ConcurrentRedeemRecordsOnce(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	seedOwner(t, factory, "u-1", "250", false, 2)
	account := createAccount(t, factory, "u-1", "Ada")
	store := factory.LoyaltyAccountStore()
	for i := 0; i < 2; i++ {
		if _, err := store.IncrementUnits(ctx, "u-1", account.ID, core.IncrementGuard{Threshold: 2, MinimumCredit: decimal.NewFromInt(200)}); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = store.Redeem(ctx, "u-1", account.ID, core.RedeemGuard{
				Threshold:     2,
				MinimumCredit: decimal.NewFromInt(200),
				ExpectedUnits: 2,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case core.HasCode(err, core.ErrorLedgerConflict):
		default:
			t.Fatalf("expected the losing redemption to see LEDGER_CONFLICT, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one redemption to win, got %d", succeeded)
	}
	history, err := factory.RedemptionStore().ListRedemptions(ctx, "u-1", account.ID)
	if err != nil {
		t.Fatalf("list redemptions: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one redemption record, got %d", len(history))
	}
}

func TestAccountStore_RedeemAfterAnotherWriterIsConflict(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	seedOwner(t, factory, "u-1", "250", false, 2)
	account := createAccount(t, factory, "u-1", "Ada")
	store := factory.LoyaltyAccountStore()
	guard := core.IncrementGuard{Threshold: 2, MinimumCredit: decimal.NewFromInt(200)}
	for i := 0; i < 2; i++ {
		if _, err := store.IncrementUnits(ctx, "u-1", account.ID, guard); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	redeem := core.RedeemGuard{Threshold: 2, MinimumCredit: decimal.NewFromInt(200), ExpectedUnits: 2}
	if _, _, err := store.Redeem(ctx, "u-1", account.ID, redeem); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	_, _, err := store.Redeem(ctx, "u-1", account.ID, redeem)
	if !core.HasCode(err, core.ErrorLedgerConflict) {
		t.Fatalf("expected LEDGER_CONFLICT for a redemption that lost the race, got %v", err)
	}

	redeem.ExpectedUnits = 0
	if _, _, err := store.Redeem(ctx, "u-1", account.ID, redeem); !core.HasCode(err, core.ErrorLedgerPreconditionFailed) {
		t.Fatalf("expected LEDGER_PRECONDITION_FAILED without an observed counter, got %v", err)
	}
	history, err := factory.RedemptionStore().ListRedemptions(ctx, "u-1", account.ID)
	if err != nil {
		t.Fatalf("list redemptions: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one redemption record, got %d", len(history))
	}
}

func TestPaymentStore_CompletionCreditsOnce(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	payments := factory.PaymentTransactionStore()

	tx, err := payments.CreatePending(ctx, core.CreatePaymentInput{
		UserID:    "u-1",
		Amount:    decimal.NewFromInt(500),
		Currency:  "ngn",
		Provider:  "paystack",
		Reference: "LOY-1",
	})
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if tx.Status != core.PaymentStatusPending || tx.Currency != "NGN" {
		t.Fatalf("unexpected pending transaction %+v", tx)
	}
	if _, err := payments.CreatePending(ctx, core.CreatePaymentInput{
		UserID: "u-1", Amount: decimal.NewFromInt(500), Currency: "NGN", Provider: "paystack", Reference: "LOY-1",
	}); !core.HasCode(err, core.ErrorLedgerConflict) {
		t.Fatalf("expected duplicate reference conflict, got %v", err)
	}

	completed, applied, err := payments.MarkCompleted(ctx, "u-1", "LOY-1", "psk_1")
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if !applied || completed.Status != core.PaymentStatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("expected applied completion, got %+v applied=%v", completed, applied)
	}
	_, applied, err = payments.MarkCompleted(ctx, "u-1", "LOY-1", "psk_1")
	if err != nil {
		t.Fatalf("repeat completion: %v", err)
	}
	if applied {
		t.Fatalf("expected repeat completion to be a no-op")
	}

	snapshot, err := factory.EntitlementSource().FetchEntitlement(ctx, "u-1")
	if err != nil {
		t.Fatalf("fetch entitlement: %v", err)
	}
	if !snapshot.HasPaid || !snapshot.CreditBalance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected single credit of 500, got %+v", snapshot)
	}
}

func TestPaymentStore_CompletionAddsToExistingBalance(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	seedOwner(t, factory, "u-1", "150.50", false, 7)
	payments := factory.PaymentTransactionStore()
	if _, err := payments.CreatePending(ctx, core.CreatePaymentInput{
		UserID: "u-1", Amount: decimal.RequireFromString("249.50"), Currency: "NGN", Provider: "paystack", Reference: "LOY-2",
	}); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if _, _, err := payments.MarkCompleted(ctx, "u-1", "LOY-2", "psk_2"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	settings, err := factory.SettingsStore().GetSettings(ctx, "u-1")
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if !settings.CreditBalance.Equal(decimal.NewFromInt(400)) || !settings.HasPaid || settings.RedemptionThreshold != 7 {
		t.Fatalf("unexpected settings after credit %+v", settings)
	}
}

func TestPaymentStore_FailedTransactionCannotComplete(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	payments := factory.PaymentTransactionStore()
	if _, err := payments.CreatePending(ctx, core.CreatePaymentInput{
		UserID: "u-1", Amount: decimal.NewFromInt(300), Currency: "NGN", Provider: "paystack", Reference: "LOY-3",
	}); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	failed, err := payments.MarkFailed(ctx, "u-1", "LOY-3", "popup blocked")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Status != core.PaymentStatusFailed || failed.FailureReason != "popup blocked" {
		t.Fatalf("unexpected failed transaction %+v", failed)
	}
	if _, _, err := payments.MarkCompleted(ctx, "u-1", "LOY-3", "psk_3"); !core.HasCode(err, core.ErrorPaymentCompletion) {
		t.Fatalf("expected PAYMENT_COMPLETION_ERROR, got %v", err)
	}
	if _, err := payments.GetByReference(ctx, "u-2", "LOY-3"); !core.HasCode(err, core.ErrorNotFound) {
		t.Fatalf("expected NOT_FOUND for another owner, got %v", err)
	}
}

func TestPaymentStore_ListPending(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	payments := factory.Payments()
	for _, reference := range []string{"LOY-a", "LOY-b"} {
		if _, err := payments.CreatePending(ctx, core.CreatePaymentInput{
			UserID: "u-1", Amount: decimal.NewFromInt(200), Currency: "NGN", Provider: "paystack", Reference: reference,
		}); err != nil {
			t.Fatalf("create pending %s: %v", reference, err)
		}
	}
	if _, _, err := payments.MarkCompleted(ctx, "u-1", "LOY-a", "psk"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	pending, err := payments.ListPending(ctx, "u-1")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Reference != "LOY-b" {
		t.Fatalf("expected only LOY-b pending, got %+v", pending)
	}
}

func TestCachedSettingsStore_InvalidatedByPaymentCompletion(t *testing.T) {
	ctx := context.Background()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	cacheService, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	factory := newFactory(t, sqlstore.WithSettingsCache(cacheService))
	seedOwner(t, factory, "u-1", "100", false, 10)

	first, err := factory.SettingsStore().GetSettings(ctx, "u-1")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if _, err := factory.DB().NewRaw(
		"UPDATE loyalty_settings SET redemption_threshold = ? WHERE owner_user_id = ?", 4, "u-1",
	).Exec(ctx); err != nil {
		t.Fatalf("update behind cache: %v", err)
	}
	cached, err := factory.SettingsStore().GetSettings(ctx, "u-1")
	if err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if cached.RedemptionThreshold != first.RedemptionThreshold {
		t.Fatalf("expected cached threshold %d, got %d", first.RedemptionThreshold, cached.RedemptionThreshold)
	}

	if _, err := factory.PaymentTransactionStore().CreatePending(ctx, core.CreatePaymentInput{
		UserID: "u-1", Amount: decimal.NewFromInt(200), Currency: "NGN", Provider: "paystack", Reference: "LOY-c",
	}); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if _, _, err := factory.PaymentTransactionStore().MarkCompleted(ctx, "u-1", "LOY-c", "psk"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	refreshed, err := factory.SettingsStore().GetSettings(ctx, "u-1")
	if err != nil {
		t.Fatalf("refreshed get: %v", err)
	}
	if refreshed.RedemptionThreshold != 4 || !refreshed.CreditBalance.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected fresh settings after completion, got %+v", refreshed)
	}
}

func TestSettingsCacheKey(t *testing.T) {
	key, err := sqlstore.SettingsCacheKey(" user/1 ")
	if err != nil {
		t.Fatalf("cache key: %v", err)
	}
	if key != "go-loyalty::settings::v1::user%2F1" {
		t.Fatalf("unexpected cache key %q", key)
	}
	if _, err := sqlstore.SettingsCacheKey(""); err == nil {
		t.Fatalf("expected blank owner to be rejected")
	}
}

func TestRepositoryFactory_RejectsUnknownClient(t *testing.T) {
	if _, err := sqlstore.NewRepositoryFactory().BuildStores("not a db"); err == nil {
		t.Fatalf("expected unsupported client type to fail")
	}
	if _, err := sqlstore.NewRepositoryFactory().BuildStores(nil); err == nil {
		t.Fatalf("expected nil client to fail")
	}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	if _, err := sqlstore.Open(context.Background(), sqlstore.ConnectionConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatalf("expected unsupported driver to fail")
	}
	if _, err := sqlstore.Open(context.Background(), sqlstore.ConnectionConfig{Driver: sqlstore.DriverSQLite}); err == nil {
		t.Fatalf("expected missing dsn to fail")
	}
}
