package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-loyalty/core"
)

// EntitlementReader answers access checks for the signed-in user.
type EntitlementReader interface {
	CheckEntitlement(ctx context.Context, force bool) (core.EntitlementStatus, error)
}

// AccountReader reads loyalty accounts owned by the signed-in user.
type AccountReader interface {
	GetAccount(ctx context.Context, accountID string) (core.LoyaltyAccount, error)
	ListAccounts(ctx context.Context) ([]core.LoyaltyAccount, error)
}

type RedemptionReader interface {
	ListRedemptions(ctx context.Context, accountID string) ([]core.RedemptionRecord, error)
}

type PaymentReader interface {
	GetPaymentTransaction(ctx context.Context, reference string) (core.PaymentTransaction, error)
}

type CheckEntitlementQuery struct {
	reader EntitlementReader
}

func NewCheckEntitlementQuery(reader EntitlementReader) *CheckEntitlementQuery {
	return &CheckEntitlementQuery{reader: reader}
}

func (q *CheckEntitlementQuery) Query(ctx context.Context, msg CheckEntitlementMessage) (core.EntitlementStatus, error) {
	if q == nil || q.reader == nil {
		return core.EntitlementStatus{}, queryDependencyError("query: entitlement reader is required")
	}
	return q.reader.CheckEntitlement(ctx, msg.Force)
}

type GetAccountQuery struct {
	reader AccountReader
}

func NewGetAccountQuery(reader AccountReader) *GetAccountQuery {
	return &GetAccountQuery{reader: reader}
}

func (q *GetAccountQuery) Query(ctx context.Context, msg GetAccountMessage) (core.LoyaltyAccount, error) {
	if q == nil || q.reader == nil {
		return core.LoyaltyAccount{}, queryDependencyError("query: account reader is required")
	}
	return q.reader.GetAccount(ctx, strings.TrimSpace(msg.AccountID))
}

type ListAccountsQuery struct {
	reader AccountReader
}

func NewListAccountsQuery(reader AccountReader) *ListAccountsQuery {
	return &ListAccountsQuery{reader: reader}
}

func (q *ListAccountsQuery) Query(ctx context.Context, _ ListAccountsMessage) ([]core.LoyaltyAccount, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: account reader is required")
	}
	accounts, err := q.reader.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []core.LoyaltyAccount{}
	}
	return accounts, nil
}

type ListRedemptionsQuery struct {
	reader RedemptionReader
}

func NewListRedemptionsQuery(reader RedemptionReader) *ListRedemptionsQuery {
	return &ListRedemptionsQuery{reader: reader}
}

func (q *ListRedemptionsQuery) Query(ctx context.Context, msg ListRedemptionsMessage) ([]core.RedemptionRecord, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: redemption reader is required")
	}
	records, err := q.reader.ListRedemptions(ctx, strings.TrimSpace(msg.AccountID))
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []core.RedemptionRecord{}
	}
	return records, nil
}

type GetPaymentTransactionQuery struct {
	reader PaymentReader
}

func NewGetPaymentTransactionQuery(reader PaymentReader) *GetPaymentTransactionQuery {
	return &GetPaymentTransactionQuery{reader: reader}
}

func (q *GetPaymentTransactionQuery) Query(ctx context.Context, msg GetPaymentTransactionMessage) (core.PaymentTransaction, error) {
	if q == nil || q.reader == nil {
		return core.PaymentTransaction{}, queryDependencyError("query: payment reader is required")
	}
	return q.reader.GetPaymentTransaction(ctx, strings.TrimSpace(msg.Reference))
}
