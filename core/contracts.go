package core

import (
	"context"
	"errors"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Contract sentinels identity providers return so the controller can classify failures.
var (
	ErrInvalidCredentials = errors.New("core: invalid login credentials")
	ErrInvalidCode        = errors.New("core: invalid verification code")
	ErrChallengeExpired   = errors.New("core: challenge expired")
	ErrFactorNotFound     = errors.New("core: factor not found")
	ErrFactorLimitReached = errors.New("core: factor limit reached")
	ErrSessionNotFound    = errors.New("core: session not found")
)

type AuthEvent string

const (
	AuthEventSignedIn             AuthEvent = "SIGNED_IN"
	AuthEventSignedOut            AuthEvent = "SIGNED_OUT"
	AuthEventTokenRefreshed       AuthEvent = "TOKEN_REFRESHED"
	AuthEventUserUpdated          AuthEvent = "USER_UPDATED"
	AuthEventMFAChallengeVerified AuthEvent = "MFA_CHALLENGE_VERIFIED"
)

type AuthStateChange struct {
	Event   AuthEvent
	Session *Session
}

type AuthStateHandler func(change AuthStateChange)

type Subscription interface {
	Unsubscribe()
}

type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() {
	if f != nil {
		f()
	}
}

type SignUpResult struct {
	Session *Session
	// ConfirmationRequired is set when the provider holds the account until email confirmation.
	ConfirmationRequired bool
}

type IdentityProvider interface {
	GetSession(ctx context.Context) (*Session, error)
	OnAuthStateChange(handler AuthStateHandler) (Subscription, error)
	SignInWithPassword(ctx context.Context, email string, password string) (Session, error)
	SignUp(ctx context.Context, email string, password string) (SignUpResult, error)
	SignOut(ctx context.Context, accessToken string) error
	MFA() MFAProvider
}

type EnrollRequest struct {
	FactorType   FactorType
	FriendlyName string
	Issuer       string
}

type VerifyRequest struct {
	FactorID    string
	ChallengeID string
	Code        string
}

type MFAProvider interface {
	Enroll(ctx context.Context, accessToken string, req EnrollRequest) (Enrollment, error)
	Challenge(ctx context.Context, accessToken string, factorID string) (Challenge, error)
	// Verify returns the upgraded session on success.
	Verify(ctx context.Context, accessToken string, req VerifyRequest) (Session, error)
	Unenroll(ctx context.Context, accessToken string, factorID string) error
	ListFactors(ctx context.Context, accessToken string) ([]MFAFactor, error)
	GetAuthenticatorAssuranceLevel(ctx context.Context, accessToken string) (AssuranceLevels, error)
}

type LoyaltyAccountStore interface {
	GetAccount(ctx context.Context, ownerUserID string, accountID string) (LoyaltyAccount, error)
	ListAccounts(ctx context.Context, ownerUserID string) ([]LoyaltyAccount, error)
	// IncrementUnits adds one unit only while the counter is below the guard threshold
	// and the owner is entitled.
	IncrementUnits(ctx context.Context, ownerUserID string, accountID string, guard IncrementGuard) (LoyaltyAccount, error)
	// Redeem re-checks the threshold, records the redemption and resets the counter atomically.
	Redeem(ctx context.Context, ownerUserID string, accountID string, guard RedeemGuard) (LoyaltyAccount, RedemptionRecord, error)
}

type RedemptionStore interface {
	ListRedemptions(ctx context.Context, ownerUserID string, accountID string) ([]RedemptionRecord, error)
}

type SettingsStore interface {
	GetSettings(ctx context.Context, ownerUserID string) (Settings, error)
}

type EntitlementSource interface {
	FetchEntitlement(ctx context.Context, userID string) (EntitlementSnapshot, error)
}

type PaymentTransactionStore interface {
	CreatePending(ctx context.Context, in CreatePaymentInput) (PaymentTransaction, error)
	GetByReference(ctx context.Context, ownerUserID string, reference string) (PaymentTransaction, error)
	// MarkCompleted is idempotent; applied is false when the transaction was already completed.
	MarkCompleted(ctx context.Context, ownerUserID string, reference string, providerReference string) (tx PaymentTransaction, applied bool, err error)
	MarkFailed(ctx context.Context, ownerUserID string, reference string, reason string) (PaymentTransaction, error)
}

type StoreProvider interface {
	LoyaltyAccountStore() LoyaltyAccountStore
	RedemptionStore() RedemptionStore
	SettingsStore() SettingsStore
	EntitlementSource() EntitlementSource
	PaymentTransactionStore() PaymentTransactionStore
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type GatewayRequest struct {
	Reference string
	Amount    string
	Currency  string
	PublicKey string
	Email     string
}

type GatewayCallbacks struct {
	OnSuccess func(providerReference string)
	OnClose   func()
}

type PaymentGateway interface {
	Open(ctx context.Context, req GatewayRequest, callbacks GatewayCallbacks) error
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type Clock func() time.Time

func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
