package gojob

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-loyalty/core"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	DefaultAbandonGrace    = 15 * time.Minute
	AbandonedFailureReason = "abandoned: checkout closed without payment"
)

type ReconcileOutcome string

const (
	OutcomeFailed         ReconcileOutcome = "marked_failed"
	OutcomeAlreadySettled ReconcileOutcome = "already_settled"
	OutcomeMissing        ReconcileOutcome = "missing"
	OutcomeDeferred       ReconcileOutcome = "deferred"
)

type ReconcilerOption func(*AbandonedPaymentReconciler)

// WithAbandonGrace sets how long a closed checkout may stay pending before it is failed.
// A late gateway confirmation inside the window still completes the payment.
func WithAbandonGrace(grace time.Duration) ReconcilerOption {
	return func(r *AbandonedPaymentReconciler) {
		if grace >= 0 {
			r.grace = grace
		}
	}
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *AbandonedPaymentReconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func WithReconcilerLogger(logger glog.Logger) ReconcilerOption {
	return func(r *AbandonedPaymentReconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// AbandonedPaymentReconciler consumes abandoned-payment jobs and fails transactions whose
// checkout was closed and never confirmed.
type AbandonedPaymentReconciler struct {
	store  core.PaymentTransactionStore
	grace  time.Duration
	now    func() time.Time
	logger glog.Logger
}

func NewAbandonedPaymentReconciler(store core.PaymentTransactionStore, opts ...ReconcilerOption) (*AbandonedPaymentReconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("gojob: payment transaction store is required")
	}
	r := &AbandonedPaymentReconciler{
		store:  store,
		grace:  DefaultAbandonGrace,
		now:    func() time.Time { return time.Now().UTC() },
		logger: glog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Reconcile settles one abandoned-payment message. A deferred outcome carries the delay
// after which the job should be retried.
func (r *AbandonedPaymentReconciler) Reconcile(ctx context.Context, msg *core.JobExecutionMessage) (ReconcileOutcome, time.Duration, error) {
	payment, err := core.AbandonedPaymentFromMessage(msg)
	if err != nil {
		return "", 0, err
	}
	tx, err := r.store.GetByReference(ctx, payment.UserID, payment.Reference)
	if err != nil {
		if core.HasCode(err, core.ErrorNotFound) {
			r.logger.Warn("abandoned payment not found", "reference", payment.Reference)
			return OutcomeMissing, 0, nil
		}
		return "", 0, err
	}
	if tx.Status.Terminal() {
		return OutcomeAlreadySettled, 0, nil
	}

	age := r.now().Sub(tx.CreatedAt)
	if age < r.grace {
		return OutcomeDeferred, r.grace - age, nil
	}
	failed, err := r.store.MarkFailed(ctx, payment.UserID, payment.Reference, AbandonedFailureReason)
	if err != nil {
		return "", 0, err
	}
	if failed.Status != core.PaymentStatusFailed {
		return OutcomeAlreadySettled, 0, nil
	}
	r.logger.Info("abandoned payment marked failed", "reference", payment.Reference, "user_id", payment.UserID)
	return OutcomeFailed, 0, nil
}

// ProcessNext dequeues one delivery and acks or nacks it according to the outcome.
func (r *AbandonedPaymentReconciler) ProcessNext(ctx context.Context, dequeuer core.JobDequeuer) (ReconcileOutcome, error) {
	if dequeuer == nil {
		return "", fmt.Errorf("gojob: dequeuer is required")
	}
	delivery, err := dequeuer.Dequeue(ctx)
	if err != nil {
		return "", err
	}
	if delivery == nil {
		return "", fmt.Errorf("gojob: dequeuer returned no delivery")
	}

	outcome, delay, err := r.Reconcile(ctx, delivery.Message())
	switch {
	case err != nil:
		if nackErr := delivery.Nack(ctx, core.JobNackOptions{Requeue: true, Delay: time.Minute, Reason: err.Error()}); nackErr != nil {
			return "", fmt.Errorf("gojob: nack after %v: %w", err, nackErr)
		}
		return "", err
	case outcome == OutcomeDeferred:
		return outcome, delivery.Nack(ctx, core.JobNackOptions{Requeue: true, Delay: delay, Reason: "checkout grace window open"})
	default:
		return outcome, delivery.Ack(ctx)
	}
}
