package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-loyalty/core"
)

// MutatingService is the controller surface UI event handlers drive through commands.
type MutatingService interface {
	SignIn(ctx context.Context, email string, password string) (core.SignInResult, error)
	SignOut(ctx context.Context) error
	StartStepUp(ctx context.Context, replaceExisting bool) (core.StepUpProgress, error)
	VerifyStepUp(ctx context.Context, factorID string, challengeID string, code string) (core.Session, error)
	AddUnit(ctx context.Context, accountID string) (core.LedgerResult, error)
	Redeem(ctx context.Context, accountID string) (core.LedgerResult, error)
	InitiatePayment(ctx context.Context, req core.InitiatePaymentRequest) (core.PaymentTransaction, error)
	CompletePayment(ctx context.Context, reference string, providerReference string) (core.PaymentCompletion, error)
	RefreshEntitlement(ctx context.Context) (core.EntitlementStatus, error)
}

type SignInCommand struct {
	service MutatingService
}

func NewSignInCommand(service MutatingService) *SignInCommand {
	return &SignInCommand{service: service}
}

func (c *SignInCommand) Execute(ctx context.Context, msg SignInMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: session service is required")
	}
	out, err := c.service.SignIn(ctx, msg.Email, msg.Password)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SignOutCommand struct {
	service MutatingService
}

func NewSignOutCommand(service MutatingService) *SignOutCommand {
	return &SignOutCommand{service: service}
}

func (c *SignOutCommand) Execute(ctx context.Context, _ SignOutMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: session service is required")
	}
	return c.service.SignOut(ctx)
}

type StartStepUpCommand struct {
	service MutatingService
}

func NewStartStepUpCommand(service MutatingService) *StartStepUpCommand {
	return &StartStepUpCommand{service: service}
}

func (c *StartStepUpCommand) Execute(ctx context.Context, msg StartStepUpMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: step-up service is required")
	}
	out, err := c.service.StartStepUp(ctx, msg.ReplaceExisting)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type VerifyStepUpCommand struct {
	service MutatingService
}

func NewVerifyStepUpCommand(service MutatingService) *VerifyStepUpCommand {
	return &VerifyStepUpCommand{service: service}
}

func (c *VerifyStepUpCommand) Execute(ctx context.Context, msg VerifyStepUpMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: step-up service is required")
	}
	out, err := c.service.VerifyStepUp(ctx, msg.FactorID, msg.ChallengeID, msg.Code)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type AddUnitCommand struct {
	service MutatingService
}

func NewAddUnitCommand(service MutatingService) *AddUnitCommand {
	return &AddUnitCommand{service: service}
}

func (c *AddUnitCommand) Execute(ctx context.Context, msg AddUnitMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: ledger service is required")
	}
	out, err := c.service.AddUnit(ctx, msg.AccountID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RedeemCommand struct {
	service MutatingService
}

func NewRedeemCommand(service MutatingService) *RedeemCommand {
	return &RedeemCommand{service: service}
}

func (c *RedeemCommand) Execute(ctx context.Context, msg RedeemMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: ledger service is required")
	}
	out, err := c.service.Redeem(ctx, msg.AccountID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type InitiatePaymentCommand struct {
	service MutatingService
}

func NewInitiatePaymentCommand(service MutatingService) *InitiatePaymentCommand {
	return &InitiatePaymentCommand{service: service}
}

func (c *InitiatePaymentCommand) Execute(ctx context.Context, msg InitiatePaymentMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: payment service is required")
	}
	out, err := c.service.InitiatePayment(ctx, msg.Request())
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CompletePaymentCommand struct {
	service MutatingService
}

func NewCompletePaymentCommand(service MutatingService) *CompletePaymentCommand {
	return &CompletePaymentCommand{service: service}
}

func (c *CompletePaymentCommand) Execute(ctx context.Context, msg CompletePaymentMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: payment service is required")
	}
	out, err := c.service.CompletePayment(ctx, msg.Reference, msg.ProviderReference)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RefreshEntitlementCommand struct {
	service MutatingService
}

func NewRefreshEntitlementCommand(service MutatingService) *RefreshEntitlementCommand {
	return &RefreshEntitlementCommand{service: service}
}

func (c *RefreshEntitlementCommand) Execute(ctx context.Context, _ RefreshEntitlementMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: entitlement service is required")
	}
	out, err := c.service.RefreshEntitlement(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
