package gocommand

import (
	"fmt"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	loyaltycommand "github.com/goliatone/go-loyalty/command"
	loyaltyquery "github.com/goliatone/go-loyalty/query"
)

// Readers groups the query-side dependencies. Nil readers skip their queries.
type Readers struct {
	Entitlements loyaltyquery.EntitlementReader
	Accounts     loyaltyquery.AccountReader
	Redemptions  loyaltyquery.RedemptionReader
	Payments     loyaltyquery.PaymentReader
}

// Registration holds the dispatcher subscriptions created by RegisterLoyaltyHandlers.
type Registration struct {
	subscriptions []commanddispatcher.Subscription
}

func (r *Registration) Len() int {
	if r == nil {
		return 0
	}
	return len(r.subscriptions)
}

// Unsubscribe removes every handler from the dispatcher. Safe to call more than once.
func (r *Registration) Unsubscribe() {
	if r == nil {
		return
	}
	for _, sub := range r.subscriptions {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
	r.subscriptions = nil
}

func (r *Registration) add(sub commanddispatcher.Subscription, err error) error {
	if err != nil {
		return err
	}
	r.subscriptions = append(r.subscriptions, sub)
	return nil
}

// RegisterLoyaltyHandlers registers and subscribes every loyalty command backed by service
// plus the queries for each configured reader. On failure nothing stays subscribed.
func RegisterLoyaltyHandlers(
	adapter *RegistryAdapter,
	service loyaltycommand.MutatingService,
	readers Readers,
	runnerOpts ...runner.Option,
) (*Registration, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if service == nil {
		return nil, fmt.Errorf("gocommand: mutating service is required")
	}

	reg := &Registration{}
	steps := []func() error{
		func() error {
			return reg.add(RegisterAndSubscribe(adapter, loyaltycommand.NewSignInCommand(service), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe(adapter, loyaltycommand.NewSignOutCommand(service), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe(adapter, loyaltycommand.NewStartStepUpCommand(service), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe(adapter, loyaltycommand.NewVerifyStepUpCommand(service), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe(adapter, loyaltycommand.NewAddUnitCommand(service), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe(adapter, loyaltycommand.NewRedeemCommand(service), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe(adapter, loyaltycommand.NewInitiatePaymentCommand(service), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe(adapter, loyaltycommand.NewCompletePaymentCommand(service), runnerOpts...))
		},
		func() error {
			return reg.add(RegisterAndSubscribe(adapter, loyaltycommand.NewRefreshEntitlementCommand(service), runnerOpts...))
		},
	}
	if readers.Entitlements != nil {
		steps = append(steps, func() error {
			return reg.add(RegisterAndSubscribeQuery(adapter, loyaltyquery.NewCheckEntitlementQuery(readers.Entitlements), runnerOpts...))
		})
	}
	if readers.Accounts != nil {
		steps = append(steps,
			func() error {
				return reg.add(RegisterAndSubscribeQuery(adapter, loyaltyquery.NewGetAccountQuery(readers.Accounts), runnerOpts...))
			},
			func() error {
				return reg.add(RegisterAndSubscribeQuery(adapter, loyaltyquery.NewListAccountsQuery(readers.Accounts), runnerOpts...))
			},
		)
	}
	if readers.Redemptions != nil {
		steps = append(steps, func() error {
			return reg.add(RegisterAndSubscribeQuery(adapter, loyaltyquery.NewListRedemptionsQuery(readers.Redemptions), runnerOpts...))
		})
	}
	if readers.Payments != nil {
		steps = append(steps, func() error {
			return reg.add(RegisterAndSubscribeQuery(adapter, loyaltyquery.NewGetPaymentTransactionQuery(readers.Payments), runnerOpts...))
		})
	}

	for _, step := range steps {
		if err := step(); err != nil {
			reg.Unsubscribe()
			return nil, err
		}
	}
	return reg, nil
}
