package loyalty

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-command/runner"
	"github.com/goliatone/go-loyalty/adapters/gocommand"
	loyaltycommand "github.com/goliatone/go-loyalty/command"
	"github.com/goliatone/go-loyalty/core"
	loyaltyquery "github.com/goliatone/go-loyalty/query"
)

// CommandQueryService is everything the command and query handlers need.
type CommandQueryService interface {
	loyaltycommand.MutatingService
	loyaltyquery.EntitlementReader
	loyaltyquery.AccountReader
	loyaltyquery.RedemptionReader
	loyaltyquery.PaymentReader
}

type Commands struct {
	SignIn             *loyaltycommand.SignInCommand
	SignOut            *loyaltycommand.SignOutCommand
	StartStepUp        *loyaltycommand.StartStepUpCommand
	VerifyStepUp       *loyaltycommand.VerifyStepUpCommand
	AddUnit            *loyaltycommand.AddUnitCommand
	Redeem             *loyaltycommand.RedeemCommand
	InitiatePayment    *loyaltycommand.InitiatePaymentCommand
	CompletePayment    *loyaltycommand.CompletePaymentCommand
	RefreshEntitlement *loyaltycommand.RefreshEntitlementCommand
}

type Queries struct {
	CheckEntitlement      *loyaltyquery.CheckEntitlementQuery
	GetAccount            *loyaltyquery.GetAccountQuery
	ListAccounts          *loyaltyquery.ListAccountsQuery
	ListRedemptions       *loyaltyquery.ListRedemptionsQuery
	GetPaymentTransaction *loyaltyquery.GetPaymentTransactionQuery
}

// Facade exposes a Controller through the command/query surface UI event handlers use.
// It keeps at most one step-up flow open at a time.
type Facade struct {
	controller *core.Controller
	commands   Commands
	queries    Queries

	mu   sync.Mutex
	flow *core.StepUpFlow
}

func NewFacade(controller *core.Controller) (*Facade, error) {
	if controller == nil {
		return nil, fmt.Errorf("loyalty: controller is required")
	}
	facade := &Facade{controller: controller}
	facade.commands = Commands{
		SignIn:             loyaltycommand.NewSignInCommand(facade),
		SignOut:            loyaltycommand.NewSignOutCommand(facade),
		StartStepUp:        loyaltycommand.NewStartStepUpCommand(facade),
		VerifyStepUp:       loyaltycommand.NewVerifyStepUpCommand(facade),
		AddUnit:            loyaltycommand.NewAddUnitCommand(facade),
		Redeem:             loyaltycommand.NewRedeemCommand(facade),
		InitiatePayment:    loyaltycommand.NewInitiatePaymentCommand(facade),
		CompletePayment:    loyaltycommand.NewCompletePaymentCommand(facade),
		RefreshEntitlement: loyaltycommand.NewRefreshEntitlementCommand(facade),
	}
	facade.queries = Queries{
		CheckEntitlement:      loyaltyquery.NewCheckEntitlementQuery(facade),
		GetAccount:            loyaltyquery.NewGetAccountQuery(facade),
		ListAccounts:          loyaltyquery.NewListAccountsQuery(facade),
		ListRedemptions:       loyaltyquery.NewListRedemptionsQuery(facade),
		GetPaymentTransaction: loyaltyquery.NewGetPaymentTransactionQuery(facade),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Controller() *core.Controller {
	if f == nil {
		return nil
	}
	return f.controller
}

// Register subscribes every command and query on the go-command dispatcher.
func (f *Facade) Register(adapter *gocommand.RegistryAdapter, runnerOpts ...runner.Option) (*gocommand.Registration, error) {
	if f == nil {
		return nil, fmt.Errorf("loyalty: facade is not configured")
	}
	return gocommand.RegisterLoyaltyHandlers(adapter, f, gocommand.Readers{
		Entitlements: f,
		Accounts:     f,
		Redemptions:  f,
		Payments:     f,
	}, runnerOpts...)
}

func (f *Facade) Start(ctx context.Context) error {
	if f == nil {
		return fmt.Errorf("loyalty: facade is not configured")
	}
	return f.controller.Start(ctx)
}

func (f *Facade) Close() error {
	if f == nil {
		return nil
	}
	f.dropFlow()
	return f.controller.Close()
}

func (f *Facade) SignIn(ctx context.Context, email string, password string) (core.SignInResult, error) {
	f.dropFlow()
	return f.controller.Sessions().SignIn(ctx, email, password)
}

func (f *Facade) SignUp(ctx context.Context, email string, password string) (core.SignUpResult, error) {
	return f.controller.Sessions().SignUp(ctx, email, password)
}

func (f *Facade) SignOut(ctx context.Context) error {
	f.dropFlow()
	return f.controller.Sessions().SignOut(ctx)
}

// StartStepUp opens a step-up flow and drives it to the point where a code is expected.
// With no prior factor it enrolls one. With a conflicting factor it challenges that factor,
// or replaces it when replaceExisting is set. Replacing a verified factor needs a verified
// flow in the reverification window, so a flow that has just verified is continued instead
// of restarted.
func (f *Facade) StartStepUp(ctx context.Context, replaceExisting bool) (core.StepUpProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if replaceExisting && f.flow != nil && f.flow.State() == core.StepUpVerified {
		if _, ok := f.flow.Conflict(); ok {
			return f.replaceLocked(ctx, f.flow)
		}
	}

	if f.flow != nil {
		f.flow.Cancel()
	}
	flow := f.controller.StepUp().NewFlow()
	f.flow = flow

	state, err := flow.Start(ctx)
	if err != nil {
		return flow.Progress(), err
	}
	switch state {
	case core.StepUpEnrollmentPending:
		enrollment, err := flow.Enroll(ctx)
		if err != nil {
			return flow.Progress(), err
		}
		if _, err := flow.Challenge(ctx, enrollment.FactorID); err != nil {
			return flow.Progress(), err
		}
	case core.StepUpExistingFactorConflict:
		if replaceExisting {
			return f.replaceLocked(ctx, flow)
		}
		if _, err := flow.Keep(ctx); err != nil {
			return flow.Progress(), err
		}
	}
	return flow.Progress(), nil
}

func (f *Facade) replaceLocked(ctx context.Context, flow *core.StepUpFlow) (core.StepUpProgress, error) {
	enrollment, err := flow.Replace(ctx)
	if err != nil {
		return flow.Progress(), err
	}
	if _, err := flow.Challenge(ctx, enrollment.FactorID); err != nil {
		return flow.Progress(), err
	}
	return flow.Progress(), nil
}

// VerifyStepUp submits a code to the open flow. Blank factor and challenge ids default to
// the flow's current challenge.
func (f *Facade) VerifyStepUp(ctx context.Context, factorID string, challengeID string, code string) (core.Session, error) {
	f.mu.Lock()
	flow := f.flow
	f.mu.Unlock()
	if flow == nil {
		return core.Session{}, core.NewBadInputError("no step-up flow is open")
	}
	if strings.TrimSpace(factorID) == "" || strings.TrimSpace(challengeID) == "" {
		challenge, ok := flow.CurrentChallenge()
		if !ok {
			return core.Session{}, core.NewBadInputError("step-up flow has no open challenge")
		}
		if strings.TrimSpace(factorID) == "" {
			factorID = challenge.FactorID
		}
		if strings.TrimSpace(challengeID) == "" {
			challengeID = challenge.ID
		}
	}
	return flow.Verify(ctx, factorID, challengeID, code)
}

// StepUpProgress reports the open flow, or an idle snapshot when none is open.
func (f *Facade) StepUpProgress() core.StepUpProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flow == nil {
		return core.StepUpProgress{State: core.StepUpIdle}
	}
	return f.flow.Progress()
}

func (f *Facade) CancelStepUp() {
	f.dropFlow()
}

func (f *Facade) AddUnit(ctx context.Context, accountID string) (core.LedgerResult, error) {
	return f.controller.Ledger().AddUnit(ctx, accountID)
}

func (f *Facade) Redeem(ctx context.Context, accountID string) (core.LedgerResult, error) {
	return f.controller.Ledger().Redeem(ctx, accountID)
}

func (f *Facade) InitiatePayment(ctx context.Context, req core.InitiatePaymentRequest) (core.PaymentTransaction, error) {
	return f.controller.Payments().Initiate(ctx, req)
}

func (f *Facade) CompletePayment(ctx context.Context, reference string, providerReference string) (core.PaymentCompletion, error) {
	return f.controller.Payments().Complete(ctx, reference, providerReference)
}

func (f *Facade) RefreshEntitlement(ctx context.Context) (core.EntitlementStatus, error) {
	return f.controller.Entitlements().Refresh(ctx)
}

func (f *Facade) CheckEntitlement(ctx context.Context, force bool) (core.EntitlementStatus, error) {
	return f.controller.Entitlements().CheckStatus(ctx, force)
}

func (f *Facade) GetAccount(ctx context.Context, accountID string) (core.LoyaltyAccount, error) {
	return f.controller.Ledger().Load(ctx, accountID)
}

func (f *Facade) ListAccounts(ctx context.Context) ([]core.LoyaltyAccount, error) {
	return f.controller.Ledger().LoadAll(ctx)
}

func (f *Facade) ListRedemptions(ctx context.Context, accountID string) ([]core.RedemptionRecord, error) {
	return f.controller.Ledger().Redemptions(ctx, accountID)
}

func (f *Facade) GetPaymentTransaction(ctx context.Context, reference string) (core.PaymentTransaction, error) {
	return f.controller.Payments().Get(ctx, reference)
}

func (f *Facade) dropFlow() {
	f.mu.Lock()
	flow := f.flow
	f.flow = nil
	f.mu.Unlock()
	if flow != nil {
		flow.Cancel()
	}
}

var _ CommandQueryService = (*Facade)(nil)
