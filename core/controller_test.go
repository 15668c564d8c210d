package core

import (
	"context"
	"errors"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/shopspring/decimal"
)

func TestController_SignOutResetsEveryComponent(t *testing.T) {
	h := newHarness(t, testRuntimeConfig())
	h.signIn(t, "u-1", "500")
	seedAccount(h, "u-1", "acct-1", 4)
	ctx := context.Background()

	if _, err := h.controller.Ledger().Load(ctx, "acct-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := h.controller.Entitlements().CheckStatus(ctx, false); err != nil {
		t.Fatalf("check: %v", err)
	}
	flow := startFlow(t, h)
	if _, err := h.controller.Payments().Initiate(ctx, InitiatePaymentRequest{Amount: decimal.NewFromInt(250)}); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := h.controller.Sessions().SignOut(ctx); err != nil {
		t.Fatalf("sign out: %v", err)
	}

	if _, ok := h.controller.Ledger().Snapshot("acct-1"); ok {
		t.Fatalf("expected ledger cleared")
	}
	if _, ok := h.controller.Entitlements().Snapshot(); ok {
		t.Fatalf("expected entitlement cache cleared")
	}
	if flow.State() != StepUpCancelled {
		t.Fatalf("expected step-up flow cancelled, got %q", flow.State())
	}
	if len(h.controller.Payments().Pending()) != 0 {
		t.Fatalf("expected open payments detached")
	}
}

func TestController_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, testRuntimeConfig())
	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := h.controller.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
}

func TestController_NilReceiverIsSafe(t *testing.T) {
	var controller *Controller
	if err := controller.Start(context.Background()); err == nil {
		t.Fatalf("expected start on nil controller to fail")
	}
	if err := controller.Close(); err != nil {
		t.Fatalf("expected close on nil controller to be a no-op, got %v", err)
	}
	if cfg := controller.Config(); cfg.ServiceName != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
	if mapped := controller.MapError(errors.New("boom")); mapped == nil {
		t.Fatalf("expected nil controller to still map errors")
	}
}

func TestController_MapErrorUsesConfiguredMapper(t *testing.T) {
	custom := func(err error) *goerrors.Error {
		return goerrors.New("mapped", goerrors.CategoryExternal).WithTextCode("CUSTOM")
	}
	h := newHarness(t, testRuntimeConfig(), WithErrorMapper(custom))

	if h.controller.MapError(nil) != nil {
		t.Fatalf("expected nil error to map to nil")
	}
	mapped := h.controller.MapError(errors.New("anything"))
	if mapped == nil || mapped.TextCode != "CUSTOM" {
		t.Fatalf("expected custom mapper to be used, got %+v", mapped)
	}
}

func TestController_MapErrorKeepsDomainCodes(t *testing.T) {
	h := newHarness(t, testRuntimeConfig())
	_, err := h.controller.Sessions().RequireSession(context.Background())
	mapped := h.controller.MapError(err)
	if mapped == nil || mapped.TextCode != ErrorSessionRequired {
		t.Fatalf("expected SESSION_REQUIRED envelope, got %+v", mapped)
	}
}
