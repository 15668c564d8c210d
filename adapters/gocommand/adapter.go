package gocommand

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// MessageTypePrefix namespaces every message this adapter accepts.
const MessageTypePrefix = "loyalty."

// ValidateMessageContract checks the message type namespace and runs Validate() when
// the message has one.
func ValidateMessageContract(msg any) error {
	if _, err := messageType(msg); err != nil {
		return err
	}
	return command.ValidateMessage(msg)
}

func messageType(msg any) (string, error) {
	m, ok := msg.(command.Message)
	if !ok {
		return "", fmt.Errorf("gocommand: %T must implement Type() string", msg)
	}
	msgType := strings.TrimSpace(m.Type())
	if msgType == "" {
		return "", fmt.Errorf("gocommand: message type is required")
	}
	if !strings.HasPrefix(msgType, MessageTypePrefix) {
		return "", fmt.Errorf("gocommand: message type %q is outside the %q namespace", msgType, MessageTypePrefix)
	}
	return msgType, nil
}

// RegistryAdapter wraps a go-command registry and remembers which loyalty message types
// have a handler, so a type is never bound twice.
type RegistryAdapter struct {
	registry *command.Registry

	mu    sync.Mutex
	types map[string]struct{}
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry, types: map[string]struct{}{}}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

// Types lists the registered message types, sorted.
func (a *RegistryAdapter) Types() []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.types))
	for msgType := range a.types {
		out = append(out, msgType)
	}
	sort.Strings(out)
	return out
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	return a.register(cmd)
}

// RegisterQuery registers a query handler. go-command keeps commands and queries in the
// same registry.
func (a *RegistryAdapter) RegisterQuery(qry any) error {
	return a.register(qry)
}

func (a *RegistryAdapter) register(handler any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	var msgType string
	if typed, ok := handler.(interface{ messageType() string }); ok {
		msgType = typed.messageType()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if msgType != "" {
		if _, exists := a.types[msgType]; exists {
			return fmt.Errorf("gocommand: handler for %q already registered", msgType)
		}
	}
	if err := a.registry.RegisterCommand(unwrap(handler)); err != nil {
		return err
	}
	if msgType != "" {
		a.types[msgType] = struct{}{}
	}
	return nil
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver mirrors registered commands into a go-job queue registry so they can
// also run as background jobs.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

// RegisterAndSubscribe registers cmd and subscribes it on the global dispatcher. The
// subscription is dropped again when registration fails.
func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	return registerAndSubscribe[T](adapter, cmd, func() commanddispatcher.Subscription {
		return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	})
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	return registerAndSubscribe[T](adapter, qry, func() commanddispatcher.Subscription {
		return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	})
}

func registerAndSubscribe[T any](
	adapter *RegistryAdapter,
	handler any,
	subscribe func() commanddispatcher.Subscription,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	var zero T
	msgType, err := messageType(zero)
	if err != nil {
		return nil, err
	}
	subscription := subscribe()
	if err := adapter.register(typedHandler{handler: handler, msgType: msgType}); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// typedHandler carries the message type next to a handler on its way into the registry.
type typedHandler struct {
	handler any
	msgType string
}

func (h typedHandler) messageType() string { return h.msgType }

func unwrap(handler any) any {
	if typed, ok := handler.(typedHandler); ok {
		return typed.handler
	}
	return handler
}
