package core

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestPayments_InitiateRejectsAmountBelowMinimum(t *testing.T) {
	h := newHarness(t, testRuntimeConfig())
	h.signIn(t, "u-1", "0")

	_, err := h.controller.Payments().Initiate(context.Background(), InitiatePaymentRequest{Amount: decimal.NewFromInt(150)})
	if !HasCode(err, ErrorBadInput) {
		t.Fatalf("expected BAD_INPUT, got %v", err)
	}
	if len(h.gateway.requests) != 0 {
		t.Fatalf("expected gateway not to open")
	}
}

func TestPayments_InitiateRequiresSession(t *testing.T) {
	h := newHarness(t, testRuntimeConfig())
	_, err := h.controller.Payments().Initiate(context.Background(), InitiatePaymentRequest{Amount: decimal.NewFromInt(500)})
	if !HasCode(err, ErrorSessionRequired) {
		t.Fatalf("expected SESSION_REQUIRED, got %v", err)
	}
}

func TestPayments_InitiateRecordsPendingAndOpensGateway(t *testing.T) {
	h := newHarness(t, testRuntimeConfig())
	h.signIn(t, "u-1", "0")

	tx, err := h.controller.Payments().Initiate(context.Background(), InitiatePaymentRequest{Amount: decimal.NewFromInt(500)})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if tx.Status != PaymentStatusPending {
		t.Fatalf("expected pending transaction, got %q", tx.Status)
	}
	if !hasPrefix(tx.Reference, DefaultPaymentReferencePrefix+"-") {
		t.Fatalf("expected prefixed reference, got %q", tx.Reference)
	}
	if tx.Currency != DefaultCurrency || tx.Provider != DefaultPaymentProvider {
		t.Fatalf("unexpected currency/provider %q/%q", tx.Currency, tx.Provider)
	}

	req, _ := h.gateway.last(t)
	if req.Reference != tx.Reference || req.Amount != "500" || req.Email != "u-1@example.com" {
		t.Fatalf("unexpected gateway request %+v", req)
	}
	if req.PublicKey != "pk_test_loyalty" {
		t.Fatalf("expected configured public key, got %q", req.PublicKey)
	}
	if pending := h.controller.Payments().Pending(); len(pending) != 1 || pending[0] != tx.Reference {
		t.Fatalf("expected reference to be tracked as open, got %v", pending)
	}
}

func TestPayments_GatewaySuccessCompletesAndRefreshesEntitlement(t *testing.T) {
	h := newHarness(t, testRuntimeConfig())
	h.signIn(t, "u-1", "0")

	tx, err := h.controller.Payments().Initiate(context.Background(), InitiatePaymentRequest{Amount: decimal.NewFromInt(500)})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	_, callbacks := h.gateway.last(t)
	callbacks.OnSuccess("psk_ref_1")

	stored, err := h.store.GetByReference(context.Background(), "u-1", tx.Reference)
	if err != nil {
		t.Fatalf("get stored transaction: %v", err)
	}
	if stored.Status != PaymentStatusCompleted || stored.ProviderReference != "psk_ref_1" {
		t.Fatalf("expected completed transaction, got %+v", stored)
	}
	state, ok := h.controller.Entitlements().Snapshot()
	if !ok || !state.HasPaid || !state.CreditBalance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected entitlement refreshed with new balance, got %+v %v", state, ok)
	}

	callbacks.OnSuccess("psk_ref_1")
	h.store.mu.Lock()
	balance := h.store.settings["u-1"].CreditBalance
	h.store.mu.Unlock()
	if !balance.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected a repeated callback not to credit twice, got %s", balance)
	}
}

func TestPayments_CompleteIsIdempotent(t *testing.T) {
	h := newHarness(t, testRuntimeConfig())
	h.signIn(t, "u-1", "0")
	tx, err := h.controller.Payments().Initiate(context.Background(), InitiatePaymentRequest{Amount: decimal.NewFromInt(300)})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	first, err := h.controller.Payments().Complete(context.Background(), tx.Reference, "psk_1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !first.Applied {
		t.Fatalf("expected first completion to apply")
	}
	second, err := h.controller.Payments().Complete(context.Background(), tx.Reference, "psk_1")
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if second.Applied {
		t.Fatalf("expected second completion to be a no-op")
	}
	if len(h.controller.Payments().Pending()) != 0 {
		t.Fatalf("expected no open payments after completion")
	}
}

func TestPayments_CompleteUnknownReference(t *testing.T) {
	h := newHarness(t, testRuntimeConfig())
	h.signIn(t, "u-1", "0")
	_, err := h.controller.Payments().Complete(context.Background(), "LOY-missing", "psk")
	if !HasCode(err, ErrorNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestPayments_GatewayCloseLeavesPendingAndHandsOff(t *testing.T) {
	h := newHarness(t, testRuntimeConfig())
	h.signIn(t, "u-1", "0")
	tx, err := h.controller.Payments().Initiate(context.Background(), InitiatePaymentRequest{Amount: decimal.NewFromInt(400)})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	_, callbacks := h.gateway.last(t)
	callbacks.OnClose()

	stored, _ := h.store.GetByReference(context.Background(), "u-1", tx.Reference)
	if stored.Status != PaymentStatusPending {
		t.Fatalf("expected abandoned payment to stay pending, got %q", stored.Status)
	}
	if len(h.enqueuer.messages) != 1 {
		t.Fatalf("expected one reconciliation job, got %d", len(h.enqueuer.messages))
	}
	msg := h.enqueuer.messages[0]
	if msg.JobID != JobIDPaymentAbandoned || msg.IdempotencyKey != JobIDPaymentAbandoned+":"+tx.Reference {
		t.Fatalf("unexpected job message %+v", msg)
	}
	payment, err := AbandonedPaymentFromMessage(msg)
	if err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if payment.Reference != tx.Reference || payment.UserID != "u-1" || payment.Amount != "400" {
		t.Fatalf("unexpected abandoned payment %+v", payment)
	}

	callbacks.OnSuccess("late")
	stored, _ = h.store.GetByReference(context.Background(), "u-1", tx.Reference)
	if stored.Status != PaymentStatusPending {
		t.Fatalf("expected late success after close to be ignored, got %q", stored.Status)
	}
}

func TestPayments_GatewayOpenFailureMarksFailed(t *testing.T) {
	h := newHarness(t, testRuntimeConfig())
	h.signIn(t, "u-1", "0")
	h.gateway.openErr = errors.New("popup blocked")

	tx, err := h.controller.Payments().Initiate(context.Background(), InitiatePaymentRequest{Amount: decimal.NewFromInt(500)})
	if !HasCode(err, ErrorPaymentInitiation) {
		t.Fatalf("expected PAYMENT_INITIATION_ERROR, got %v", err)
	}
	if tx.Status != PaymentStatusFailed || tx.FailureReason != "popup blocked" {
		t.Fatalf("expected failed transaction, got %+v", tx)
	}
	if len(h.controller.Payments().Pending()) != 0 {
		t.Fatalf("expected failed payment not to be tracked")
	}
}

func TestPayments_LateSuccessAfterSignOutIsRecorded(t *testing.T) {
	h := newHarness(t, testRuntimeConfig())
	h.signIn(t, "u-1", "0")
	tx, err := h.controller.Payments().Initiate(context.Background(), InitiatePaymentRequest{Amount: decimal.NewFromInt(500)})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	_, callbacks := h.gateway.last(t)

	if err := h.controller.Sessions().SignOut(context.Background()); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	fetches := h.store.fetchCount()
	callbacks.OnClose()
	callbacks.OnSuccess("psk_after_sign_out")

	stored, _ := h.store.GetByReference(context.Background(), "u-1", tx.Reference)
	if stored.Status != PaymentStatusCompleted || stored.ProviderReference != "psk_after_sign_out" {
		t.Fatalf("expected the charge to be recorded after sign out, got %+v", stored)
	}
	if len(h.enqueuer.messages) != 0 {
		t.Fatalf("expected a close after sign out to leave reconciliation alone, got %d jobs", len(h.enqueuer.messages))
	}
	if h.store.fetchCount() != fetches {
		t.Fatalf("expected no entitlement fetch without a session")
	}
	if state, ok := h.controller.Entitlements().Snapshot(); ok {
		t.Fatalf("expected the signed-out entitlement slot to stay empty, got %+v", state)
	}
}

func TestPayments_SuccessAfterCloseIsLogged(t *testing.T) {
	logger := newCaptureLogger()
	h := newHarness(t, testRuntimeConfig(), WithLoggerProvider(stubLoggerProvider{logger: logger}), WithLogger(logger))
	h.signIn(t, "u-1", "0")
	tx, err := h.controller.Payments().Initiate(context.Background(), InitiatePaymentRequest{Amount: decimal.NewFromInt(500)})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	_, callbacks := h.gateway.last(t)

	if err := h.controller.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	callbacks.OnSuccess("psk_after_close")

	stored, _ := h.store.GetByReference(context.Background(), "u-1", tx.Reference)
	if stored.Status != PaymentStatusPending {
		t.Fatalf("expected no write after close, got %q", stored.Status)
	}
	record, ok := logger.find("gateway success after close was not recorded")
	if !ok {
		t.Fatalf("expected the dropped success to be logged")
	}
	if record.fields["reference"] != tx.Reference || record.fields["provider_reference"] != "psk_after_close" {
		t.Fatalf("expected references in the log, got %+v", record.fields)
	}
}

func TestAbandonedPaymentFromMessage_RejectsOtherJobs(t *testing.T) {
	if _, err := AbandonedPaymentFromMessage(&JobExecutionMessage{JobID: "other"}); err == nil {
		t.Fatalf("expected foreign job to be rejected")
	}
	if _, err := AbandonedPaymentFromMessage(&JobExecutionMessage{JobID: JobIDPaymentAbandoned}); err == nil {
		t.Fatalf("expected missing parameters to be rejected")
	}
}
