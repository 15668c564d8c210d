package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/shopspring/decimal"
)

type LedgerEventKind string

const (
	LedgerEventLoaded     LedgerEventKind = "loaded"
	LedgerEventOptimistic LedgerEventKind = "optimistic"
	LedgerEventCommitted  LedgerEventKind = "committed"
	LedgerEventReverted   LedgerEventKind = "reverted"
	LedgerEventCleared    LedgerEventKind = "cleared"
)

type LedgerEvent struct {
	Kind      LedgerEventKind
	AccountID string
	Account   LoyaltyAccount
}

type LedgerListener func(event LedgerEvent)

type LedgerResult struct {
	// Dropped is set when another mutation for the same account was still in flight.
	Dropped            bool
	Account            LoyaltyAccount
	Threshold          int
	ReadyForRedemption bool
	Redemption         *RedemptionRecord
}

type LedgerController struct {
	obs              *observer
	accounts         LoyaltyAccountStore
	redemptions      RedemptionStore
	settings         SettingsStore
	entitlements     *EntitlementCache
	sessions         *SessionManager
	guard            AccountGuard
	defaultThreshold int
	minimumCredit    decimal.Decimal

	mu             sync.RWMutex
	local          map[string]LoyaltyAccount
	listeners      map[uint64]LedgerListener
	nextListenerID uint64
}

func newLedgerController(
	accounts LoyaltyAccountStore,
	redemptions RedemptionStore,
	settings SettingsStore,
	entitlements *EntitlementCache,
	sessions *SessionManager,
	guard AccountGuard,
	cfg LedgerConfig,
	minimumCredit decimal.Decimal,
	obs *observer,
) *LedgerController {
	if guard == nil {
		guard = NewMemoryAccountGuard()
	}
	return &LedgerController{
		obs:              obs,
		accounts:         accounts,
		redemptions:      redemptions,
		settings:         settings,
		entitlements:     entitlements,
		sessions:         sessions,
		guard:            guard,
		defaultThreshold: cfg.DefaultThreshold,
		minimumCredit:    minimumCredit,
		local:            map[string]LoyaltyAccount{},
		listeners:        map[uint64]LedgerListener{},
	}
}

func (c *LedgerController) AddUnit(ctx context.Context, accountID string) (result LedgerResult, err error) {
	if c == nil || c.accounts == nil {
		return LedgerResult{}, fmt.Errorf("core: ledger controller is not configured")
	}
	startedAt := time.Now()
	defer func() {
		c.obs.observeOperation(ctx, startedAt, "ledger_add_unit", err, map[string]any{
			"account_id": accountID,
			"dropped":    result.Dropped,
			"units":      result.Account.UnitsPurchased,
		})
	}()

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return LedgerResult{}, NewBadInputError("account id is required", goerrors.FieldError{Field: "account_id", Message: "required"})
	}
	session, err := c.sessions.RequireAssurance(ctx)
	if err != nil {
		return LedgerResult{}, err
	}
	handle, ok := c.guard.TryAcquire(accountID)
	if !ok {
		return LedgerResult{Dropped: true}, nil
	}
	defer handle.Release()

	threshold := c.threshold(ctx, session.UserID)
	pre, err := c.current(ctx, session.UserID, accountID, func(account LoyaltyAccount) bool {
		return account.UnitsPurchased < threshold
	})
	if err != nil {
		return LedgerResult{}, err
	}
	if pre.UnitsPurchased >= threshold {
		return c.resultFor(pre, threshold), NewLedgerPreconditionError("account is ready for redemption", map[string]any{
			"account_id": accountID,
			"units":      pre.UnitsPurchased,
			"threshold":  threshold,
		})
	}
	if _, err := c.entitlements.Require(ctx); err != nil {
		return c.resultFor(pre, threshold), err
	}

	txn := c.begin(accountID, pre)
	speculative := pre
	speculative.UnitsPurchased++
	txn.apply(speculative)

	updated, err := c.accounts.IncrementUnits(ctx, session.UserID, accountID, IncrementGuard{
		Threshold:     threshold,
		MinimumCredit: c.minimumCredit,
	})
	if err != nil {
		restored := txn.revert(ctx, session.UserID)
		return c.resultFor(restored, threshold), mapLedgerError(err)
	}
	txn.commit(updated)
	return c.resultFor(updated, threshold), nil
}

func (c *LedgerController) Redeem(ctx context.Context, accountID string) (result LedgerResult, err error) {
	if c == nil || c.accounts == nil {
		return LedgerResult{}, fmt.Errorf("core: ledger controller is not configured")
	}
	startedAt := time.Now()
	defer func() {
		fields := map[string]any{
			"account_id": accountID,
			"dropped":    result.Dropped,
		}
		if result.Redemption != nil {
			fields["redemption_id"] = result.Redemption.ID
		}
		c.obs.observeOperation(ctx, startedAt, "ledger_redeem", err, fields)
	}()

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return LedgerResult{}, NewBadInputError("account id is required", goerrors.FieldError{Field: "account_id", Message: "required"})
	}
	session, err := c.sessions.RequireAssurance(ctx)
	if err != nil {
		return LedgerResult{}, err
	}
	handle, ok := c.guard.TryAcquire(accountID)
	if !ok {
		return LedgerResult{Dropped: true}, nil
	}
	defer handle.Release()

	threshold := c.threshold(ctx, session.UserID)
	pre, err := c.current(ctx, session.UserID, accountID, func(account LoyaltyAccount) bool {
		return account.UnitsPurchased >= threshold
	})
	if err != nil {
		return LedgerResult{}, err
	}
	if pre.UnitsPurchased < threshold {
		return c.resultFor(pre, threshold), NewLedgerPreconditionError("account has not reached the redemption threshold", map[string]any{
			"account_id": accountID,
			"units":      pre.UnitsPurchased,
			"threshold":  threshold,
		})
	}
	if _, err := c.entitlements.Require(ctx); err != nil {
		return c.resultFor(pre, threshold), err
	}

	txn := c.begin(accountID, pre)
	speculative := pre
	speculative.UnitsPurchased = 0
	txn.apply(speculative)

	updated, record, err := c.accounts.Redeem(ctx, session.UserID, accountID, RedeemGuard{
		Threshold:     threshold,
		MinimumCredit: c.minimumCredit,
		ExpectedUnits: pre.UnitsPurchased,
	})
	if err != nil {
		restored := txn.revert(ctx, session.UserID)
		return c.resultFor(restored, threshold), mapLedgerError(err)
	}
	txn.commit(updated)
	result = c.resultFor(updated, threshold)
	result.Redemption = &record
	return result, nil
}

// Load replaces local state with the stored account.
func (c *LedgerController) Load(ctx context.Context, accountID string) (LoyaltyAccount, error) {
	if c == nil || c.accounts == nil {
		return LoyaltyAccount{}, fmt.Errorf("core: ledger controller is not configured")
	}
	session, err := c.sessions.RequireSession(ctx)
	if err != nil {
		return LoyaltyAccount{}, err
	}
	account, err := c.accounts.GetAccount(ctx, session.UserID, strings.TrimSpace(accountID))
	if err != nil {
		return LoyaltyAccount{}, mapLedgerError(err)
	}
	c.store(account, LedgerEventLoaded)
	return account, nil
}

func (c *LedgerController) LoadAll(ctx context.Context) ([]LoyaltyAccount, error) {
	if c == nil || c.accounts == nil {
		return nil, fmt.Errorf("core: ledger controller is not configured")
	}
	session, err := c.sessions.RequireSession(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err := c.accounts.ListAccounts(ctx, session.UserID)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	for _, account := range accounts {
		c.store(account, LedgerEventLoaded)
	}
	return accounts, nil
}

// Redemptions lists the redemption history of one account owned by the session user.
func (c *LedgerController) Redemptions(ctx context.Context, accountID string) ([]RedemptionRecord, error) {
	if c == nil || c.redemptions == nil {
		return nil, fmt.Errorf("core: redemption store is not configured")
	}
	session, err := c.sessions.RequireSession(ctx)
	if err != nil {
		return nil, err
	}
	records, err := c.redemptions.ListRedemptions(ctx, session.UserID, strings.TrimSpace(accountID))
	if err != nil {
		return nil, mapLedgerError(err)
	}
	return records, nil
}

func (c *LedgerController) Snapshot(accountID string) (LoyaltyAccount, bool) {
	if c == nil {
		return LoyaltyAccount{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	account, ok := c.local[strings.TrimSpace(accountID)]
	return account, ok
}

func (c *LedgerController) Subscribe(listener LedgerListener) func() {
	if c == nil || listener == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextListenerID++
	id := c.nextListenerID
	c.listeners[id] = listener
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Threshold resolves the redemption threshold from owner settings.
func (c *LedgerController) Threshold(ctx context.Context) (int, error) {
	session, err := c.sessions.RequireSession(ctx)
	if err != nil {
		return 0, err
	}
	return c.threshold(ctx, session.UserID), nil
}

// Clear drops all local account state.
func (c *LedgerController) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.local = map[string]LoyaltyAccount{}
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()
	for _, listener := range listeners {
		listener(LedgerEvent{Kind: LedgerEventCleared})
	}
}

func (c *LedgerController) threshold(ctx context.Context, userID string) int {
	threshold := c.defaultThreshold
	if threshold <= 0 {
		threshold = DefaultRedemptionThreshold
	}
	if c.settings == nil {
		return threshold
	}
	settings, err := c.settings.GetSettings(ctx, userID)
	if err != nil {
		if !HasCode(err, ErrorNotFound) {
			c.obs.logWarn(ctx, "settings lookup failed, using default threshold", map[string]any{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
		return threshold
	}
	if settings.RedemptionThreshold > 0 {
		return settings.RedemptionThreshold
	}
	return threshold
}

// current returns the local account when it satisfies ready, and the stored account
// otherwise. Local state can lag behind writes made from other devices.
func (c *LedgerController) current(
	ctx context.Context,
	userID string,
	accountID string,
	ready func(LoyaltyAccount) bool,
) (LoyaltyAccount, error) {
	if account, ok := c.Snapshot(accountID); ok && account.OwnerUserID == userID && ready(account) {
		return account, nil
	}
	account, err := c.accounts.GetAccount(ctx, userID, accountID)
	if err != nil {
		return LoyaltyAccount{}, mapLedgerError(err)
	}
	c.store(account, LedgerEventLoaded)
	return account, nil
}

func (c *LedgerController) resultFor(account LoyaltyAccount, threshold int) LedgerResult {
	return LedgerResult{
		Account:            account,
		Threshold:          threshold,
		ReadyForRedemption: account.ReadyForRedemption(threshold),
	}
}

func (c *LedgerController) store(account LoyaltyAccount, kind LedgerEventKind) {
	c.mu.Lock()
	c.local[account.ID] = account
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()
	event := LedgerEvent{Kind: kind, AccountID: account.ID, Account: account}
	for _, listener := range listeners {
		listener(event)
	}
}

func (c *LedgerController) snapshotListenersLocked() []LedgerListener {
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]LedgerListener, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.listeners[id])
	}
	return out
}

func (c *LedgerController) begin(accountID string, pre LoyaltyAccount) *optimisticTxn {
	return &optimisticTxn{controller: c, accountID: accountID, pre: pre}
}

// optimisticTxn records the pre-image of an account so a speculative change can be undone.
type optimisticTxn struct {
	controller *LedgerController
	accountID  string
	pre        LoyaltyAccount
	done       bool
}

func (t *optimisticTxn) apply(next LoyaltyAccount) {
	t.controller.store(next, LedgerEventOptimistic)
}

func (t *optimisticTxn) commit(authoritative LoyaltyAccount) {
	if t.done {
		return
	}
	t.done = true
	t.controller.store(authoritative, LedgerEventCommitted)
}

// revert restores the pre-image, then re-syncs with the store. It returns the state left in place.
func (t *optimisticTxn) revert(ctx context.Context, userID string) LoyaltyAccount {
	if t.done {
		account, _ := t.controller.Snapshot(t.accountID)
		return account
	}
	t.done = true
	t.controller.store(t.pre, LedgerEventReverted)

	reloadCtx := context.WithoutCancel(ctx)
	authoritative, err := t.controller.accounts.GetAccount(reloadCtx, userID, t.accountID)
	if err != nil {
		t.controller.obs.logWarn(ctx, "ledger reload after rollback failed", map[string]any{
			"account_id": t.accountID,
			"error":      err.Error(),
		})
		return t.pre
	}
	t.controller.store(authoritative, LedgerEventLoaded)
	return authoritative
}

func mapLedgerError(err error) error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return ensureErrorEnvelope(rich)
	}
	return controllerErrorMapper(err)
}
