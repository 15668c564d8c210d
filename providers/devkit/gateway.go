package devkit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-loyalty/core"
)

// FakeGateway records checkout requests and lets callers settle them by firing the
// popup callbacks.
type FakeGateway struct {
	mu        sync.Mutex
	openErrs  []error
	requests  []core.GatewayRequest
	callbacks map[string]core.GatewayCallbacks
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{callbacks: map[string]core.GatewayCallbacks{}}
}

// FailNextOpen makes the next Open call return err without showing a popup.
func (g *FakeGateway) FailNextOpen(err error) {
	if g == nil || err == nil {
		return
	}
	g.mu.Lock()
	g.openErrs = append(g.openErrs, err)
	g.mu.Unlock()
}

func (g *FakeGateway) Open(_ context.Context, req core.GatewayRequest, callbacks core.GatewayCallbacks) error {
	if g == nil {
		return fmt.Errorf("devkit: fake gateway is nil")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.openErrs) > 0 {
		err := g.openErrs[0]
		g.openErrs = g.openErrs[1:]
		return err
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return fmt.Errorf("devkit: gateway reference is required")
	}
	g.callbacks[reference] = callbacks
	return nil
}

func (g *FakeGateway) Requests() []core.GatewayRequest {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]core.GatewayRequest(nil), g.requests...)
}

func (g *FakeGateway) LastRequest() (core.GatewayRequest, bool) {
	requests := g.Requests()
	if len(requests) == 0 {
		return core.GatewayRequest{}, false
	}
	return requests[len(requests)-1], true
}

// OpenReferences lists references whose popup is still showing, sorted.
func (g *FakeGateway) OpenReferences() []string {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.callbacks))
	for reference := range g.callbacks {
		out = append(out, reference)
	}
	sort.Strings(out)
	return out
}

// Succeed fires OnSuccess for an open popup and closes it.
func (g *FakeGateway) Succeed(reference string, providerReference string) error {
	callbacks, err := g.take(reference)
	if err != nil {
		return err
	}
	if callbacks.OnSuccess != nil {
		callbacks.OnSuccess(providerReference)
	}
	return nil
}

// Dismiss fires OnClose as if the customer closed the popup.
func (g *FakeGateway) Dismiss(reference string) error {
	callbacks, err := g.take(reference)
	if err != nil {
		return err
	}
	if callbacks.OnClose != nil {
		callbacks.OnClose()
	}
	return nil
}

func (g *FakeGateway) take(reference string) (core.GatewayCallbacks, error) {
	if g == nil {
		return core.GatewayCallbacks{}, fmt.Errorf("devkit: fake gateway is nil")
	}
	reference = strings.TrimSpace(reference)
	g.mu.Lock()
	defer g.mu.Unlock()
	callbacks, ok := g.callbacks[reference]
	if !ok {
		return core.GatewayCallbacks{}, fmt.Errorf("devkit: no open popup for reference %q", reference)
	}
	delete(g.callbacks, reference)
	return callbacks, nil
}

var _ core.PaymentGateway = (*FakeGateway)(nil)
