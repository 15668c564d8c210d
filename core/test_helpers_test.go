package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	return l.values, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeUser struct {
	id       string
	password string
}

type fakeIdentityProvider struct {
	mu             sync.Mutex
	clock          *fakeClock
	users          map[string]fakeUser
	current        *Session
	handlers       map[int]AuthStateHandler
	nextHandler    int
	subscribeCalls int
	signOutCalls   int
	tokenSeq       int
	signInErr      error
	mfa            *fakeMFA
}

func newFakeIdentityProvider(clock *fakeClock) *fakeIdentityProvider {
	provider := &fakeIdentityProvider{
		clock:    clock,
		users:    map[string]fakeUser{},
		handlers: map[int]AuthStateHandler{},
	}
	provider.mfa = &fakeMFA{
		provider:   provider,
		validCode:  "123456",
		challenges: map[string]Challenge{},
		consumed:   map[string]bool{},
	}
	return provider
}

func (p *fakeIdentityProvider) addUser(email string, id string, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[email] = fakeUser{id: id, password: password}
}

func (p *fakeIdentityProvider) GetSession(context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil, nil
	}
	copied := *p.current
	return &copied, nil
}

func (p *fakeIdentityProvider) OnAuthStateChange(handler AuthStateHandler) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeCalls++
	p.nextHandler++
	id := p.nextHandler
	p.handlers[id] = handler
	return SubscriptionFunc(func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}), nil
}

func (p *fakeIdentityProvider) handlerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

func (p *fakeIdentityProvider) push(change AuthStateChange) {
	p.mu.Lock()
	handlers := make([]AuthStateHandler, 0, len(p.handlers))
	for _, handler := range p.handlers {
		handlers = append(handlers, handler)
	}
	p.mu.Unlock()
	for _, handler := range handlers {
		handler(change)
	}
}

func (p *fakeIdentityProvider) SignInWithPassword(_ context.Context, email string, password string) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signInErr != nil {
		return Session{}, p.signInErr
	}
	user, ok := p.users[email]
	if !ok || user.password != password {
		return Session{}, ErrInvalidCredentials
	}
	session := p.sessionForLocked(user.id, email, AssuranceLevel1)
	p.current = &session
	return session, nil
}

func (p *fakeIdentityProvider) sessionForLocked(userID string, email string, level AssuranceLevel) Session {
	p.tokenSeq++
	return Session{
		UserID:         userID,
		Email:          email,
		AccessToken:    "token-" + userID + "-" + strconv.Itoa(p.tokenSeq),
		AssuranceLevel: level,
		ExpiresAt:      p.clock.Now().Add(time.Hour),
	}
}

func (p *fakeIdentityProvider) SignUp(_ context.Context, email string, password string) (SignUpResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.users[email]; exists {
		return SignUpResult{}, fmt.Errorf("user already registered")
	}
	id := "u-" + strconv.Itoa(len(p.users)+1)
	p.users[email] = fakeUser{id: id, password: password}
	session := p.sessionForLocked(id, email, AssuranceLevel1)
	p.current = &session
	return SignUpResult{Session: &session}, nil
}

func (p *fakeIdentityProvider) SignOut(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOutCalls++
	p.current = nil
	return nil
}

func (p *fakeIdentityProvider) MFA() MFAProvider {
	return p.mfa
}

type fakeMFA struct {
	provider *fakeIdentityProvider

	mu             sync.Mutex
	factors        []MFAFactor
	challenges     map[string]Challenge
	consumed       map[string]bool
	validCode      string
	seq            int
	listCalls      int
	verifyCalls    int
	unenrollCalls  int
	challengeTTL   time.Duration
	enrollErr      error
	verifyBlock    chan struct{}
	// verifyDeaf makes a blocked Verify ignore context cancellation.
	verifyDeaf     bool
	verifyStarted  chan struct{}
	enrolledNames  []string
}

func (m *fakeMFA) addFactor(name string, status FactorStatus) MFAFactor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	factor := MFAFactor{
		ID:           "factor-" + strconv.Itoa(m.seq),
		Type:         FactorTypeTOTP,
		FriendlyName: name,
		Status:       status,
	}
	m.factors = append(m.factors, factor)
	return factor
}

func (m *fakeMFA) Enroll(_ context.Context, _ string, req EnrollRequest) (Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enrollErr != nil {
		return Enrollment{}, m.enrollErr
	}
	for _, factor := range m.factors {
		if factor.FriendlyName == req.FriendlyName {
			return Enrollment{}, fmt.Errorf("friendly name already exists")
		}
	}
	m.seq++
	factor := MFAFactor{
		ID:           "factor-" + strconv.Itoa(m.seq),
		Type:         FactorTypeTOTP,
		FriendlyName: req.FriendlyName,
		Status:       FactorStatusUnverified,
	}
	m.factors = append(m.factors, factor)
	m.enrolledNames = append(m.enrolledNames, req.FriendlyName)
	return Enrollment{
		FactorID:     factor.ID,
		FriendlyName: factor.FriendlyName,
		Secret:       "JBSWY3DPEHPK3PXP",
		URI:          "otpauth://totp/" + req.Issuer + ":" + factor.FriendlyName + "?secret=JBSWY3DPEHPK3PXP",
	}, nil
}

func (m *fakeMFA) Challenge(_ context.Context, _ string, factorID string) (Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasFactorLocked(factorID) {
		return Challenge{}, ErrFactorNotFound
	}
	m.seq++
	challenge := Challenge{ID: "challenge-" + strconv.Itoa(m.seq), FactorID: factorID}
	if m.challengeTTL > 0 {
		challenge.ExpiresAt = m.provider.clock.Now().Add(m.challengeTTL)
	}
	m.challenges[challenge.ID] = challenge
	return challenge, nil
}

func (m *fakeMFA) Verify(ctx context.Context, _ string, req VerifyRequest) (Session, error) {
	m.mu.Lock()
	m.verifyCalls++
	block := m.verifyBlock
	deaf := m.verifyDeaf
	started := m.verifyStarted
	m.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	switch {
	case block != nil && deaf:
		<-block
	case block != nil:
		select {
		case <-block:
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	challenge, ok := m.challenges[req.ChallengeID]
	if !ok || challenge.FactorID != req.FactorID {
		return Session{}, ErrFactorNotFound
	}
	if m.consumed[req.ChallengeID] {
		return Session{}, ErrChallengeExpired
	}
	if req.Code != m.validCode {
		return Session{}, ErrInvalidCode
	}
	m.consumed[req.ChallengeID] = true
	for i := range m.factors {
		if m.factors[i].ID == req.FactorID {
			m.factors[i].Status = FactorStatusVerified
		}
	}

	m.provider.mu.Lock()
	defer m.provider.mu.Unlock()
	if m.provider.current == nil {
		return Session{}, ErrSessionNotFound
	}
	upgraded := m.provider.sessionForLocked(m.provider.current.UserID, m.provider.current.Email, AssuranceLevel2)
	m.provider.current = &upgraded
	return upgraded, nil
}

func (m *fakeMFA) Unenroll(_ context.Context, _ string, factorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unenrollCalls++
	kept := m.factors[:0]
	found := false
	for _, factor := range m.factors {
		if factor.ID == factorID {
			found = true
			continue
		}
		kept = append(kept, factor)
	}
	m.factors = kept
	if !found {
		return ErrFactorNotFound
	}
	return nil
}

func (m *fakeMFA) ListFactors(context.Context, string) ([]MFAFactor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	return append([]MFAFactor(nil), m.factors...), nil
}

func (m *fakeMFA) GetAuthenticatorAssuranceLevel(context.Context, string) (AssuranceLevels, error) {
	m.mu.Lock()
	next := AssuranceLevel1
	for _, factor := range m.factors {
		if factor.Status == FactorStatusVerified {
			next = AssuranceLevel2
		}
	}
	m.mu.Unlock()

	m.provider.mu.Lock()
	defer m.provider.mu.Unlock()
	current := AssuranceLevel1
	if m.provider.current != nil {
		current = m.provider.current.AssuranceLevel
	}
	if current == AssuranceLevel2 {
		next = AssuranceLevel2
	}
	return AssuranceLevels{Current: current, Next: next}, nil
}

func (m *fakeMFA) hasFactorLocked(factorID string) bool {
	for _, factor := range m.factors {
		if factor.ID == factorID {
			return true
		}
	}
	return false
}

func (m *fakeMFA) verifyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyCalls
}

// memoryStore backs every store contract with maps and mirrors the conditional SQL updates.
type memoryStore struct {
	mu           sync.Mutex
	accounts     map[string]LoyaltyAccount
	settings     map[string]Settings
	redemptions  []RedemptionRecord
	payments     map[string]PaymentTransaction
	fetchCalls   int
	fetchErr     error
	fetchBlock   chan struct{}
	incrementErr error
	beforeRedeem func()
	seq          int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts: map[string]LoyaltyAccount{},
		settings: map[string]Settings{},
		payments: map[string]PaymentTransaction{},
	}
}

func (s *memoryStore) putAccount(account LoyaltyAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = account
}

func (s *memoryStore) putSettings(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.OwnerUserID] = settings
}

func (s *memoryStore) setBalance(userID string, balance string, hasPaid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := s.settings[userID]
	settings.OwnerUserID = userID
	if settings.RedemptionThreshold == 0 {
		settings.RedemptionThreshold = DefaultRedemptionThreshold
	}
	settings.CreditBalance = decimal.RequireFromString(balance)
	settings.HasPaid = hasPaid
	s.settings[userID] = settings
}

func (s *memoryStore) account(id string) LoyaltyAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

func (s *memoryStore) redemptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.redemptions)
}

func (s *memoryStore) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls
}

func (s *memoryStore) GetAccount(_ context.Context, ownerUserID string, accountID string) (LoyaltyAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok || account.OwnerUserID != ownerUserID {
		return LoyaltyAccount{}, NewNotFoundError("loyalty account not found")
	}
	return account, nil
}

func (s *memoryStore) ListAccounts(_ context.Context, ownerUserID string) ([]LoyaltyAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []LoyaltyAccount{}
	for _, account := range s.accounts {
		if account.OwnerUserID == ownerUserID {
			out = append(out, account)
		}
	}
	return out, nil
}

func (s *memoryStore) entitledLocked(ownerUserID string, minimum decimal.Decimal) bool {
	settings := s.settings[ownerUserID]
	return settings.HasPaid || settings.CreditBalance.GreaterThanOrEqual(minimum)
}

func (s *memoryStore) IncrementUnits(_ context.Context, ownerUserID string, accountID string, guard IncrementGuard) (LoyaltyAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrementErr != nil {
		return LoyaltyAccount{}, s.incrementErr
	}
	account, ok := s.accounts[accountID]
	if !ok || account.OwnerUserID != ownerUserID {
		return LoyaltyAccount{}, NewNotFoundError("loyalty account not found")
	}
	if !s.entitledLocked(ownerUserID, guard.MinimumCredit) {
		return LoyaltyAccount{}, NewInsufficientEntitlementError("credit balance is below the required minimum")
	}
	if account.UnitsPurchased >= guard.Threshold {
		return LoyaltyAccount{}, NewLedgerPreconditionError("account is ready for redemption", nil)
	}
	account.UnitsPurchased++
	s.accounts[accountID] = account
	return account, nil
}

func (s *memoryStore) Redeem(_ context.Context, ownerUserID string, accountID string, guard RedeemGuard) (LoyaltyAccount, RedemptionRecord, error) {
	s.mu.Lock()
	account, ok := s.accounts[accountID]
	if !ok || account.OwnerUserID != ownerUserID {
		s.mu.Unlock()
		return LoyaltyAccount{}, RedemptionRecord{}, NewNotFoundError("loyalty account not found")
	}
	if !s.entitledLocked(ownerUserID, guard.MinimumCredit) {
		s.mu.Unlock()
		return LoyaltyAccount{}, RedemptionRecord{}, NewInsufficientEntitlementError("credit balance is below the required minimum")
	}
	if account.UnitsPurchased < guard.Threshold {
		s.mu.Unlock()
		if guard.ExpectedUnits > 0 && account.UnitsPurchased != guard.ExpectedUnits {
			return LoyaltyAccount{}, RedemptionRecord{}, NewLedgerConflictError("account was redeemed by another writer")
		}
		return LoyaltyAccount{}, RedemptionRecord{}, NewLedgerPreconditionError("account is not ready for redemption", nil)
	}
	observed := account.UnitsPurchased
	hook := s.beforeRedeem
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	account = s.accounts[accountID]
	if account.UnitsPurchased != observed || account.UnitsPurchased < guard.Threshold {
		return LoyaltyAccount{}, RedemptionRecord{}, NewLedgerConflictError("account changed during redemption")
	}
	s.seq++
	record := RedemptionRecord{
		ID:            "redemption-" + strconv.Itoa(s.seq),
		AccountID:     accountID,
		OwnerUserID:   ownerUserID,
		UnitsRedeemed: account.UnitsPurchased,
	}
	s.redemptions = append(s.redemptions, record)
	account.UnitsPurchased = 0
	s.accounts[accountID] = account
	return account, record, nil
}

func (s *memoryStore) ListRedemptions(_ context.Context, ownerUserID string, accountID string) ([]RedemptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []RedemptionRecord{}
	for _, record := range s.redemptions {
		if record.OwnerUserID == ownerUserID && record.AccountID == accountID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *memoryStore) GetSettings(_ context.Context, ownerUserID string) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, ok := s.settings[ownerUserID]
	if !ok {
		return Settings{}, NewNotFoundError("settings not found")
	}
	return settings, nil
}

func (s *memoryStore) FetchEntitlement(ctx context.Context, userID string) (EntitlementSnapshot, error) {
	s.mu.Lock()
	s.fetchCalls++
	block := s.fetchBlock
	err := s.fetchErr
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return EntitlementSnapshot{}, ctx.Err()
		}
	}
	if err != nil {
		return EntitlementSnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := s.settings[userID]
	return EntitlementSnapshot{CreditBalance: settings.CreditBalance, HasPaid: settings.HasPaid}, nil
}

func (s *memoryStore) CreatePending(_ context.Context, in CreatePaymentInput) (PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[in.Reference]; exists {
		return PaymentTransaction{}, NewLedgerConflictError("duplicate reference")
	}
	s.seq++
	tx := PaymentTransaction{
		ID:        "payment-" + strconv.Itoa(s.seq),
		UserID:    in.UserID,
		Amount:    in.Amount,
		Currency:  in.Currency,
		Provider:  in.Provider,
		Status:    PaymentStatusPending,
		Reference: in.Reference,
	}
	s.payments[in.Reference] = tx
	return tx, nil
}

func (s *memoryStore) GetByReference(_ context.Context, ownerUserID string, reference string) (PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.payments[reference]
	if !ok || tx.UserID != ownerUserID {
		return PaymentTransaction{}, NewNotFoundError("payment transaction not found")
	}
	return tx, nil
}

func (s *memoryStore) MarkCompleted(_ context.Context, ownerUserID string, reference string, providerReference string) (PaymentTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.payments[reference]
	if !ok || tx.UserID != ownerUserID {
		return PaymentTransaction{}, false, NewNotFoundError("payment transaction not found")
	}
	switch tx.Status {
	case PaymentStatusCompleted:
		return tx, false, nil
	case PaymentStatusFailed:
		return tx, false, NewPaymentCompletionError("payment transaction already failed", nil)
	}
	tx.Status = PaymentStatusCompleted
	tx.ProviderReference = providerReference
	s.payments[reference] = tx

	settings := s.settings[ownerUserID]
	settings.OwnerUserID = ownerUserID
	settings.CreditBalance = settings.CreditBalance.Add(tx.Amount)
	settings.HasPaid = true
	s.settings[ownerUserID] = settings
	return tx, true, nil
}

func (s *memoryStore) MarkFailed(_ context.Context, ownerUserID string, reference string, reason string) (PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.payments[reference]
	if !ok || tx.UserID != ownerUserID {
		return PaymentTransaction{}, NewNotFoundError("payment transaction not found")
	}
	if tx.Status == PaymentStatusPending {
		tx.Status = PaymentStatusFailed
		tx.FailureReason = reason
		s.payments[reference] = tx
	}
	return tx, nil
}

func (s *memoryStore) LoyaltyAccountStore() LoyaltyAccountStore         { return s }
func (s *memoryStore) RedemptionStore() RedemptionStore                 { return s }
func (s *memoryStore) SettingsStore() SettingsStore                     { return s }
func (s *memoryStore) EntitlementSource() EntitlementSource             { return s }
func (s *memoryStore) PaymentTransactionStore() PaymentTransactionStore { return s }

type fakeGateway struct {
	mu        sync.Mutex
	requests  []GatewayRequest
	callbacks []GatewayCallbacks
	openErr   error
}

func (g *fakeGateway) Open(_ context.Context, req GatewayRequest, callbacks GatewayCallbacks) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return g.openErr
	}
	g.requests = append(g.requests, req)
	g.callbacks = append(g.callbacks, callbacks)
	return nil
}

func (g *fakeGateway) last(t *testing.T) (GatewayRequest, GatewayCallbacks) {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		t.Fatalf("expected gateway to be opened")
	}
	return g.requests[len(g.requests)-1], g.callbacks[len(g.callbacks)-1]
}

type captureEnqueuer struct {
	mu       sync.Mutex
	messages []*JobExecutionMessage
}

func (e *captureEnqueuer) Enqueue(_ context.Context, msg *JobExecutionMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, msg)
	return nil
}

type harness struct {
	clock      *fakeClock
	identity   *fakeIdentityProvider
	store      *memoryStore
	gateway    *fakeGateway
	enqueuer   *captureEnqueuer
	controller *Controller
}

func testRuntimeConfig() Config {
	return Config{
		MFA: MFAConfig{
			VerifyDebounce: 5 * time.Millisecond,
			VerifyTimeout:  200 * time.Millisecond,
		},
		Entitlement: EntitlementConfig{
			RefreshDebounce: 5 * time.Millisecond,
		},
		Payment: PaymentConfig{
			PublicKey: "pk_test_loyalty",
		},
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	clock := newFakeClock()
	h := &harness{
		clock:    clock,
		identity: newFakeIdentityProvider(clock),
		store:    newMemoryStore(),
		gateway:  &fakeGateway{},
		enqueuer: &captureEnqueuer{},
	}
	base := []Option{
		WithLoggerProvider(stubLoggerProvider{logger: stubLogger{}}),
		WithLogger(stubLogger{}),
		WithClock(clock.Now),
		WithIdentityProvider(h.identity),
		WithStoreProvider(h.store),
		WithPaymentGateway(h.gateway),
		WithJobEnqueuer(h.enqueuer),
	}
	controller, err := NewController(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() { _ = controller.Close() })
	h.controller = controller
	return h
}

// signIn registers the user, signs in, and seeds the balance.
func (h *harness) signIn(t *testing.T, userID string, balance string) Session {
	t.Helper()
	email := userID + "@example.com"
	h.identity.addUser(email, userID, "pw-"+userID)
	h.store.setBalance(userID, balance, false)
	result, err := h.controller.Sessions().SignIn(context.Background(), email, "pw-"+userID)
	if err != nil {
		t.Fatalf("sign in %s: %v", userID, err)
	}
	return result.Session
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", message)
}

func hasPrefix(value string, prefix string) bool {
	return strings.HasPrefix(value, prefix)
}
