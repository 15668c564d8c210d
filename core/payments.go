package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

const JobIDPaymentAbandoned = "loyalty.payment.abandoned"

type InitiatePaymentRequest struct {
	Amount   decimal.Decimal
	Provider string
}

type PaymentCompletion struct {
	Transaction PaymentTransaction
	// Applied is false when the transaction had already been completed.
	Applied     bool
	Entitlement EntitlementStatus
}

// AbandonedPayment is the payload handed to host-side reconciliation.
type AbandonedPayment struct {
	Reference string
	UserID    string
	Amount    string
	Currency  string
	Provider  string
}

func NewAbandonedPaymentMessage(payment AbandonedPayment) *JobExecutionMessage {
	return &JobExecutionMessage{
		JobID: JobIDPaymentAbandoned,
		Parameters: map[string]any{
			"reference": payment.Reference,
			"user_id":   payment.UserID,
			"amount":    payment.Amount,
			"currency":  payment.Currency,
			"provider":  payment.Provider,
		},
		IdempotencyKey: JobIDPaymentAbandoned + ":" + payment.Reference,
	}
}

func AbandonedPaymentFromMessage(msg *JobExecutionMessage) (AbandonedPayment, error) {
	if msg == nil || strings.TrimSpace(msg.JobID) != JobIDPaymentAbandoned {
		return AbandonedPayment{}, fmt.Errorf("core: message is not an abandoned payment job")
	}
	read := func(key string) string {
		value, _ := msg.Parameters[key].(string)
		return strings.TrimSpace(value)
	}
	payment := AbandonedPayment{
		Reference: read("reference"),
		UserID:    read("user_id"),
		Amount:    read("amount"),
		Currency:  read("currency"),
		Provider:  read("provider"),
	}
	if payment.Reference == "" || payment.UserID == "" {
		return AbandonedPayment{}, fmt.Errorf("core: abandoned payment job requires reference and user_id")
	}
	return payment, nil
}

type PaymentCoordinator struct {
	obs          *observer
	store        PaymentTransactionStore
	gateway      PaymentGateway
	entitlements *EntitlementCache
	sessions     *SessionManager
	enqueuer     JobEnqueuer
	cfg          PaymentConfig
	minimumTopUp decimal.Decimal
	newReference func() string

	mu       sync.Mutex
	open     map[string]openPayment
	// detached holds payments whose session ended while the gateway was still open. A
	// late success is recorded for them without touching entitlement state.
	detached map[string]openPayment
	closed   bool
	pending  sync.WaitGroup
}

type openPayment struct {
	userID string
	tx     PaymentTransaction
}

func newPaymentCoordinator(
	store PaymentTransactionStore,
	gateway PaymentGateway,
	entitlements *EntitlementCache,
	sessions *SessionManager,
	enqueuer JobEnqueuer,
	cfg PaymentConfig,
	minimumTopUp decimal.Decimal,
	obs *observer,
) *PaymentCoordinator {
	prefix := strings.TrimSpace(cfg.ReferencePrefix)
	if prefix == "" {
		prefix = DefaultPaymentReferencePrefix
	}
	return &PaymentCoordinator{
		obs:          obs,
		store:        store,
		gateway:      gateway,
		entitlements: entitlements,
		sessions:     sessions,
		enqueuer:     enqueuer,
		cfg:          cfg,
		minimumTopUp: minimumTopUp,
		newReference: func() string { return prefix + "-" + ulid.Make().String() },
		open:         map[string]openPayment{},
		detached:     map[string]openPayment{},
	}
}

// Initiate records a pending transaction and opens the gateway for it.
func (c *PaymentCoordinator) Initiate(ctx context.Context, req InitiatePaymentRequest) (tx PaymentTransaction, err error) {
	if c == nil || c.store == nil || c.gateway == nil {
		return PaymentTransaction{}, fmt.Errorf("core: payment coordinator is not configured")
	}
	startedAt := time.Now()
	defer func() {
		c.obs.observeOperation(ctx, startedAt, "payment_initiate", err, map[string]any{
			"reference": tx.Reference,
			"amount":    req.Amount.String(),
			"provider":  tx.Provider,
		})
	}()

	session, err := c.sessions.RequireSession(ctx)
	if err != nil {
		return PaymentTransaction{}, err
	}
	if req.Amount.LessThan(c.minimumTopUp) {
		return PaymentTransaction{}, NewBadInputError(
			fmt.Sprintf("top-up amount must be at least %s", c.minimumTopUp.String()),
			goerrors.FieldError{Field: "amount", Message: "below minimum top-up"},
		)
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = c.cfg.Provider
	}

	tx, err = c.store.CreatePending(ctx, CreatePaymentInput{
		UserID:    session.UserID,
		Amount:    req.Amount,
		Currency:  c.cfg.Currency,
		Provider:  provider,
		Reference: c.newReference(),
	})
	if err != nil {
		return PaymentTransaction{}, NewPaymentInitiationError("could not record the pending transaction", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return PaymentTransaction{}, fmt.Errorf("core: payment coordinator is closed")
	}
	c.open[tx.Reference] = openPayment{userID: session.UserID, tx: tx}
	c.mu.Unlock()

	reference := tx.Reference
	callbacks := GatewayCallbacks{
		OnSuccess: func(providerReference string) {
			c.onGatewaySuccess(reference, providerReference)
		},
		OnClose: func() {
			c.onGatewayClose(reference)
		},
	}
	openErr := c.gateway.Open(ctx, GatewayRequest{
		Reference: tx.Reference,
		Amount:    tx.Amount.String(),
		Currency:  tx.Currency,
		PublicKey: c.cfg.PublicKey,
		Email:     session.Email,
	}, callbacks)
	if openErr != nil {
		c.forget(reference)
		failed, markErr := c.store.MarkFailed(context.WithoutCancel(ctx), session.UserID, reference, openErr.Error())
		if markErr != nil {
			c.obs.logError(ctx, "could not mark payment failed", map[string]any{
				"reference": reference,
				"error":     markErr.Error(),
			})
		} else {
			tx = failed
		}
		return tx, NewPaymentInitiationError("payment gateway could not be opened", openErr).
			WithMetadata(map[string]any{"reference": reference})
	}
	return tx, nil
}

// Complete settles a transaction and credits the balance. Completing twice is a no-op.
func (c *PaymentCoordinator) Complete(ctx context.Context, reference string, providerReference string) (PaymentCompletion, error) {
	if c == nil || c.store == nil {
		return PaymentCompletion{}, fmt.Errorf("core: payment coordinator is not configured")
	}
	session, err := c.sessions.RequireSession(ctx)
	if err != nil {
		return PaymentCompletion{}, err
	}
	return c.complete(ctx, session.UserID, reference, providerReference)
}

func (c *PaymentCoordinator) complete(ctx context.Context, userID string, reference string, providerReference string) (completion PaymentCompletion, err error) {
	startedAt := time.Now()
	defer func() {
		c.obs.observeOperation(ctx, startedAt, "payment_complete", err, map[string]any{
			"reference": reference,
			"user_id":   userID,
			"applied":   completion.Applied,
		})
	}()

	reference = strings.TrimSpace(reference)
	if reference == "" {
		return PaymentCompletion{}, NewBadInputError("payment reference is required", goerrors.FieldError{Field: "reference", Message: "required"})
	}
	tx, applied, err := c.store.MarkCompleted(ctx, userID, reference, strings.TrimSpace(providerReference))
	if err != nil {
		if HasCode(err, ErrorNotFound) || HasCode(err, ErrorPaymentCompletion) {
			return PaymentCompletion{}, err
		}
		return PaymentCompletion{}, NewPaymentCompletionError("payment could not be completed", err)
	}
	c.forget(reference)
	completion = PaymentCompletion{Transaction: tx, Applied: applied}
	if !applied {
		return completion, nil
	}

	current, ok := c.sessions.Session()
	if !ok || current.UserID != userID {
		return completion, nil
	}
	status, refreshErr := c.entitlements.RefreshAfterPayment(ctx)
	if refreshErr != nil {
		c.obs.logWarn(ctx, "entitlement refresh after payment failed", map[string]any{
			"reference": reference,
			"error":     refreshErr.Error(),
		})
	}
	completion.Entitlement = status
	return completion, nil
}

// Abandon records that the gateway closed without success. The transaction stays pending.
func (c *PaymentCoordinator) Abandon(ctx context.Context, reference string) error {
	if c == nil {
		return fmt.Errorf("core: payment coordinator is not configured")
	}
	reference = strings.TrimSpace(reference)
	c.mu.Lock()
	payment, ok := c.open[reference]
	delete(c.open, reference)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	c.obs.observeEvent(ctx, "payment_abandoned", map[string]any{
		"reference": reference,
		"user_id":   payment.userID,
	})
	if c.enqueuer == nil {
		return nil
	}
	msg := NewAbandonedPaymentMessage(AbandonedPayment{
		Reference: reference,
		UserID:    payment.userID,
		Amount:    payment.tx.Amount.String(),
		Currency:  payment.tx.Currency,
		Provider:  payment.tx.Provider,
	})
	if err := c.enqueuer.Enqueue(ctx, msg); err != nil {
		c.obs.logError(ctx, "abandoned payment hand-off failed", map[string]any{
			"reference": reference,
			"error":     err.Error(),
		})
		return err
	}
	return nil
}

func (c *PaymentCoordinator) Get(ctx context.Context, reference string) (PaymentTransaction, error) {
	if c == nil || c.store == nil {
		return PaymentTransaction{}, fmt.Errorf("core: payment coordinator is not configured")
	}
	session, err := c.sessions.RequireSession(ctx)
	if err != nil {
		return PaymentTransaction{}, err
	}
	tx, err := c.store.GetByReference(ctx, session.UserID, strings.TrimSpace(reference))
	if err != nil {
		return PaymentTransaction{}, mapLedgerError(err)
	}
	return tx, nil
}

// Pending lists references opened in the gateway that have not settled or closed.
func (c *PaymentCoordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.open))
	for reference := range c.open {
		out = append(out, reference)
	}
	return out
}

// Reset detaches every open gateway callback. A late success still records the
// completion, a late close is left to the abandoned-payment reconciler.
func (c *PaymentCoordinator) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.detachLocked()
	c.mu.Unlock()
}

func (c *PaymentCoordinator) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.closed = true
	c.detachLocked()
	c.mu.Unlock()
	c.pending.Wait()
}

func (c *PaymentCoordinator) detachLocked() {
	for reference, payment := range c.open {
		c.detached[reference] = payment
	}
	c.open = map[string]openPayment{}
}

func (c *PaymentCoordinator) onGatewaySuccess(reference string, providerReference string) {
	ctx := context.Background()
	payment, ok, known := c.claim(reference)
	if !ok {
		if known {
			c.obs.logError(ctx, "gateway success after close was not recorded", map[string]any{
				"reference":          reference,
				"provider_reference": providerReference,
			})
		}
		return
	}
	defer c.pending.Done()
	if _, err := c.complete(ctx, payment.userID, reference, providerReference); err != nil {
		c.obs.logError(ctx, "gateway success could not be settled", map[string]any{
			"reference": reference,
			"error":     err.Error(),
		})
	}
}

func (c *PaymentCoordinator) onGatewayClose(reference string) {
	c.mu.Lock()
	_, ok := c.open[reference]
	closed := c.closed
	if ok && !closed {
		c.pending.Add(1)
	}
	c.mu.Unlock()
	if !ok || closed {
		return
	}
	defer c.pending.Done()
	_ = c.Abandon(context.Background(), reference)
}

// claim takes the open or detached payment so exactly one callback settles it. known
// reports a payment that could not be claimed because the coordinator is closed.
func (c *PaymentCoordinator) claim(reference string) (payment openPayment, ok bool, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payment, ok = c.open[reference]
	if !ok {
		payment, ok = c.detached[reference]
	}
	if !ok {
		return openPayment{}, false, false
	}
	if c.closed {
		return openPayment{}, false, true
	}
	delete(c.open, reference)
	delete(c.detached, reference)
	c.pending.Add(1)
	return payment, true, true
}

func (c *PaymentCoordinator) forget(reference string) {
	c.mu.Lock()
	delete(c.open, reference)
	delete(c.detached, reference)
	c.mu.Unlock()
}
