package query

import "strings"

const (
	TypeCheckEntitlement      = "loyalty.query.entitlement.check"
	TypeGetAccount            = "loyalty.query.account.get"
	TypeListAccounts          = "loyalty.query.account.list"
	TypeListRedemptions       = "loyalty.query.redemption.list"
	TypeGetPaymentTransaction = "loyalty.query.payment.get"
)

// CheckEntitlementMessage asks for the current access decision. Force bypasses the cache TTL.
type CheckEntitlementMessage struct {
	Force bool
}

func (CheckEntitlementMessage) Type() string { return TypeCheckEntitlement }

type GetAccountMessage struct {
	AccountID string
}

func (GetAccountMessage) Type() string { return TypeGetAccount }

func (m GetAccountMessage) Validate() error {
	if strings.TrimSpace(m.AccountID) == "" {
		return queryValidationError("account_id", "required")
	}
	return nil
}

type ListAccountsMessage struct{}

func (ListAccountsMessage) Type() string { return TypeListAccounts }

type ListRedemptionsMessage struct {
	AccountID string
}

func (ListRedemptionsMessage) Type() string { return TypeListRedemptions }

func (m ListRedemptionsMessage) Validate() error {
	if strings.TrimSpace(m.AccountID) == "" {
		return queryValidationError("account_id", "required")
	}
	return nil
}

type GetPaymentTransactionMessage struct {
	Reference string
}

func (GetPaymentTransactionMessage) Type() string { return TypeGetPaymentTransaction }

func (m GetPaymentTransactionMessage) Validate() error {
	if strings.TrimSpace(m.Reference) == "" {
		return queryValidationError("reference", "required")
	}
	return nil
}
