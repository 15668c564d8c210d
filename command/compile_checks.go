package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[SignInMessage]             = (*SignInCommand)(nil)
	_ gocmd.Commander[SignOutMessage]            = (*SignOutCommand)(nil)
	_ gocmd.Commander[StartStepUpMessage]        = (*StartStepUpCommand)(nil)
	_ gocmd.Commander[VerifyStepUpMessage]       = (*VerifyStepUpCommand)(nil)
	_ gocmd.Commander[AddUnitMessage]            = (*AddUnitCommand)(nil)
	_ gocmd.Commander[RedeemMessage]             = (*RedeemCommand)(nil)
	_ gocmd.Commander[InitiatePaymentMessage]    = (*InitiatePaymentCommand)(nil)
	_ gocmd.Commander[CompletePaymentMessage]    = (*CompletePaymentCommand)(nil)
	_ gocmd.Commander[RefreshEntitlementMessage] = (*RefreshEntitlementCommand)(nil)
)
