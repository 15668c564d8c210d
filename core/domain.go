package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type AssuranceLevel string

const (
	AssuranceLevel1 AssuranceLevel = "aal1"
	AssuranceLevel2 AssuranceLevel = "aal2"
)

func (l AssuranceLevel) Valid() bool {
	return l == AssuranceLevel1 || l == AssuranceLevel2
}

func (l AssuranceLevel) rank() int {
	switch l {
	case AssuranceLevel2:
		return 2
	case AssuranceLevel1:
		return 1
	default:
		return 0
	}
}

// Satisfies reports whether l meets or exceeds the required level.
func (l AssuranceLevel) Satisfies(required AssuranceLevel) bool {
	return l.rank() >= required.rank()
}

type Session struct {
	UserID         string
	Email          string
	AccessToken    string
	AssuranceLevel AssuranceLevel
	ExpiresAt      time.Time
}

// Validate rejects partially populated sessions. A session is either complete or absent.
func (s Session) Validate() error {
	missing := make([]string, 0, 5)
	if strings.TrimSpace(s.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(s.Email) == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(s.AccessToken) == "" {
		missing = append(missing, "access_token")
	}
	if !s.AssuranceLevel.Valid() {
		missing = append(missing, "assurance_level")
	}
	if s.ExpiresAt.IsZero() {
		missing = append(missing, "expires_at")
	}
	if len(missing) > 0 {
		return fmt.Errorf("core: session is incomplete: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type AssuranceLevels struct {
	Current AssuranceLevel
	Next    AssuranceLevel
}

// StepUpRequired is true when the account has a verified factor the session has not proven.
func (l AssuranceLevels) StepUpRequired() bool {
	return l.Current == AssuranceLevel1 && l.Next == AssuranceLevel2
}

type FactorType string

const FactorTypeTOTP FactorType = "totp"

type FactorStatus string

const (
	FactorStatusVerified   FactorStatus = "verified"
	FactorStatusUnverified FactorStatus = "unverified"
)

type MFAFactor struct {
	ID           string
	Type         FactorType
	FriendlyName string
	Status       FactorStatus
	CreatedAt    time.Time
}

type Enrollment struct {
	FactorID     string
	FriendlyName string
	Secret       string
	// URI is the otpauth payload rendered as a QR code by the UI.
	URI string
}

type Challenge struct {
	ID        string
	FactorID  string
	ExpiresAt time.Time
}

func (c Challenge) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

type EntitlementSnapshot struct {
	CreditBalance decimal.Decimal
	HasPaid       bool
}

type EntitlementState struct {
	UserID        string
	CreditBalance decimal.Decimal
	HasPaid       bool
	FetchedAt     time.Time
	TTL           time.Duration
	Stale         bool
	LastError     string
}

func (s EntitlementState) Age(now time.Time) time.Duration {
	if s.FetchedAt.IsZero() {
		return 0
	}
	return now.Sub(s.FetchedAt)
}

func (s EntitlementState) Fresh(now time.Time) bool {
	return !s.FetchedAt.IsZero() && s.Age(now) < s.TTL
}

// Granted applies the access rule: balance at or above the minimum, or a paid flag.
func (s EntitlementState) Granted(minimumCredit decimal.Decimal) bool {
	return s.HasPaid || s.CreditBalance.GreaterThanOrEqual(minimumCredit)
}

type EntitlementStatus struct {
	Granted bool
	State   EntitlementState
	// FromCache is true when no network call was issued for this answer.
	FromCache bool
}

type LoyaltyAccount struct {
	ID             string
	OwnerUserID    string
	Name           string
	Phone          string
	UnitsPurchased int
	UpdatedAt      time.Time
}

func (a LoyaltyAccount) ReadyForRedemption(threshold int) bool {
	return threshold > 0 && a.UnitsPurchased >= threshold
}

type RedemptionRecord struct {
	ID            string
	AccountID     string
	OwnerUserID   string
	UnitsRedeemed int
	RedeemedAt    time.Time
}

type Settings struct {
	OwnerUserID         string
	RedemptionThreshold int
	CreditBalance       decimal.Decimal
	HasPaid             bool
	UpdatedAt           time.Time
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

type PaymentTransaction struct {
	ID                string
	UserID            string
	Amount            decimal.Decimal
	Currency          string
	Provider          string
	Status            PaymentStatus
	Reference         string
	ProviderReference string
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

type CreatePaymentInput struct {
	UserID    string
	Amount    decimal.Decimal
	Currency  string
	Provider  string
	Reference string
}

type IncrementGuard struct {
	Threshold     int
	MinimumCredit decimal.Decimal
}

type RedeemGuard struct {
	Threshold     int
	MinimumCredit decimal.Decimal
	// ExpectedUnits is the counter the caller saw before redeeming. A stored counter that
	// moved away from it and fell below the threshold means another writer redeemed first.
	ExpectedUnits int
}
