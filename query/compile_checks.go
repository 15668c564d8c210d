package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-loyalty/core"
)

var (
	_ gocmd.Querier[CheckEntitlementMessage, core.EntitlementStatus]       = (*CheckEntitlementQuery)(nil)
	_ gocmd.Querier[GetAccountMessage, core.LoyaltyAccount]                = (*GetAccountQuery)(nil)
	_ gocmd.Querier[ListAccountsMessage, []core.LoyaltyAccount]            = (*ListAccountsQuery)(nil)
	_ gocmd.Querier[ListRedemptionsMessage, []core.RedemptionRecord]       = (*ListRedemptionsQuery)(nil)
	_ gocmd.Querier[GetPaymentTransactionMessage, core.PaymentTransaction] = (*GetPaymentTransactionQuery)(nil)
)
