package command

import (
	"strings"

	"github.com/goliatone/go-loyalty/core"
	"github.com/shopspring/decimal"
)

const (
	TypeSignIn             = "loyalty.command.session.sign_in"
	TypeSignOut            = "loyalty.command.session.sign_out"
	TypeStartStepUp        = "loyalty.command.step_up.start"
	TypeVerifyStepUp       = "loyalty.command.step_up.verify"
	TypeAddUnit            = "loyalty.command.ledger.add_unit"
	TypeRedeem             = "loyalty.command.ledger.redeem"
	TypeInitiatePayment    = "loyalty.command.payment.initiate"
	TypeCompletePayment    = "loyalty.command.payment.complete"
	TypeRefreshEntitlement = "loyalty.command.entitlement.refresh"
)

type SignInMessage struct {
	Email    string
	Password string
}

func (SignInMessage) Type() string { return TypeSignIn }

func (m SignInMessage) Validate() error {
	if strings.TrimSpace(m.Email) == "" {
		return commandValidationError("email", "required")
	}
	if m.Password == "" {
		return commandValidationError("password", "required")
	}
	return nil
}

type SignOutMessage struct{}

func (SignOutMessage) Type() string { return TypeSignOut }

// StartStepUpMessage opens a step-up flow. ReplaceExisting removes a conflicting
// factor instead of challenging it.
type StartStepUpMessage struct {
	ReplaceExisting bool
}

func (StartStepUpMessage) Type() string { return TypeStartStepUp }

type VerifyStepUpMessage struct {
	FactorID    string
	ChallengeID string
	Code        string
}

func (VerifyStepUpMessage) Type() string { return TypeVerifyStepUp }

func (m VerifyStepUpMessage) Validate() error {
	if strings.TrimSpace(m.FactorID) == "" {
		return commandValidationError("factor_id", "required")
	}
	if strings.TrimSpace(m.ChallengeID) == "" {
		return commandValidationError("challenge_id", "required")
	}
	if strings.TrimSpace(m.Code) == "" {
		return commandValidationError("code", "required")
	}
	return nil
}

type AddUnitMessage struct {
	AccountID string
}

func (AddUnitMessage) Type() string { return TypeAddUnit }

func (m AddUnitMessage) Validate() error {
	return validateAccountID(m.AccountID)
}

type RedeemMessage struct {
	AccountID string
}

func (RedeemMessage) Type() string { return TypeRedeem }

func (m RedeemMessage) Validate() error {
	return validateAccountID(m.AccountID)
}

type InitiatePaymentMessage struct {
	Amount   decimal.Decimal
	Provider string
}

func (InitiatePaymentMessage) Type() string { return TypeInitiatePayment }

func (m InitiatePaymentMessage) Validate() error {
	if !m.Amount.IsPositive() {
		return commandValidationError("amount", "must be greater than zero")
	}
	return nil
}

func (m InitiatePaymentMessage) Request() core.InitiatePaymentRequest {
	return core.InitiatePaymentRequest{Amount: m.Amount, Provider: strings.TrimSpace(m.Provider)}
}

type CompletePaymentMessage struct {
	Reference         string
	ProviderReference string
}

func (CompletePaymentMessage) Type() string { return TypeCompletePayment }

func (m CompletePaymentMessage) Validate() error {
	if strings.TrimSpace(m.Reference) == "" {
		return commandValidationError("reference", "required")
	}
	return nil
}

type RefreshEntitlementMessage struct{}

func (RefreshEntitlementMessage) Type() string { return TypeRefreshEntitlement }

func validateAccountID(accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return commandValidationError("account_id", "required")
	}
	return nil
}
