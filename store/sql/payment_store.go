package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-loyalty/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const maxCreditAttempts = 3

var errSettingsChanged = errors.New("sqlstore: settings changed while crediting balance")

// SettingsChangedFunc is notified after a completion credits an owner's balance.
type SettingsChangedFunc func(ctx context.Context, ownerUserID string)

type PaymentStore struct {
	db   *bun.DB
	repo repository.Repository[*paymentRecord]

	onSettingsChanged SettingsChangedFunc
}

func NewPaymentStore(db *bun.DB) (*PaymentStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*paymentRecord](db, paymentHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid payment repository wiring: %w", err)
		}
	}
	return &PaymentStore{db: db, repo: repo}, nil
}

func (s *PaymentStore) CreatePending(ctx context.Context, in core.CreatePaymentInput) (core.PaymentTransaction, error) {
	if s == nil || s.repo == nil {
		return core.PaymentTransaction{}, fmt.Errorf("sqlstore: payment store is not configured")
	}
	in.UserID = strings.TrimSpace(in.UserID)
	in.Reference = strings.TrimSpace(in.Reference)
	if in.UserID == "" || in.Reference == "" {
		return core.PaymentTransaction{}, core.NewBadInputError("user id and reference are required")
	}
	if !in.Amount.IsPositive() {
		return core.PaymentTransaction{}, core.NewBadInputError("payment amount must be positive")
	}
	now := time.Now().UTC()
	created, err := s.repo.Create(ctx, &paymentRecord{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Amount:    in.Amount,
		Currency:  strings.ToUpper(strings.TrimSpace(in.Currency)),
		Provider:  strings.TrimSpace(in.Provider),
		Status:    string(core.PaymentStatusPending),
		Reference: in.Reference,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return core.PaymentTransaction{}, core.NewLedgerConflictError("payment reference already exists")
		}
		return core.PaymentTransaction{}, err
	}
	return created.toDomain(), nil
}

func (s *PaymentStore) GetByReference(ctx context.Context, ownerUserID string, reference string) (core.PaymentTransaction, error) {
	if s == nil || s.db == nil {
		return core.PaymentTransaction{}, fmt.Errorf("sqlstore: payment store is not configured")
	}
	record, err := findPayment(ctx, s.db, ownerUserID, reference)
	if err != nil {
		return core.PaymentTransaction{}, err
	}
	return record.toDomain(), nil
}

// ListPending returns the owner's transactions still waiting for a gateway outcome.
func (s *PaymentStore) ListPending(ctx context.Context, ownerUserID string) ([]core.PaymentTransaction, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: payment store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("user_id", "=", strings.TrimSpace(ownerUserID)),
		repository.SelectBy("status", "=", string(core.PaymentStatusPending)),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.PaymentTransaction, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// MarkCompleted settles a pending transaction and credits the owner's balance in the same
// transaction. A repeat completion returns applied=false and credits nothing.
func (s *PaymentStore) MarkCompleted(
	ctx context.Context,
	ownerUserID string,
	reference string,
	providerReference string,
) (core.PaymentTransaction, bool, error) {
	if s == nil || s.db == nil {
		return core.PaymentTransaction{}, false, fmt.Errorf("sqlstore: payment store is not configured")
	}
	var (
		out     core.PaymentTransaction
		applied bool
		err     error
	)
	for attempt := 0; attempt < maxCreditAttempts; attempt++ {
		out, applied, err = s.markCompleted(ctx, ownerUserID, reference, providerReference)
		if !errors.Is(err, errSettingsChanged) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, errSettingsChanged) {
			return core.PaymentTransaction{}, false, core.NewPaymentCompletionError("balance could not be credited", err)
		}
		return core.PaymentTransaction{}, false, err
	}
	if applied && s.onSettingsChanged != nil {
		s.onSettingsChanged(ctx, out.UserID)
	}
	return out, applied, nil
}

func (s *PaymentStore) markCompleted(
	ctx context.Context,
	ownerUserID string,
	reference string,
	providerReference string,
) (core.PaymentTransaction, bool, error) {
	var (
		out     core.PaymentTransaction
		applied bool
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findPayment(ctx, tx, ownerUserID, reference)
		if err != nil {
			return err
		}
		switch core.PaymentStatus(record.Status) {
		case core.PaymentStatusCompleted:
			out = record.toDomain()
			return nil
		case core.PaymentStatusFailed:
			return core.NewPaymentCompletionError("payment transaction already failed", nil).
				WithMetadata(map[string]any{"reference": record.Reference})
		}

		now := time.Now().UTC()
		result, err := tx.NewUpdate().
			Model((*paymentRecord)(nil)).
			Set("status = ?", string(core.PaymentStatusCompleted)).
			Set("provider_reference = ?", strings.TrimSpace(providerReference)).
			Set("completed_at = ?", now).
			Set("updated_at = ?", now).
			Where("id = ?", record.ID).
			Where("status = ?", string(core.PaymentStatusPending)).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			// Another completion won; report its outcome without crediting again.
			current, err := findPayment(ctx, tx, ownerUserID, reference)
			if err != nil {
				return err
			}
			out = current.toDomain()
			return nil
		}
		if err := creditBalance(ctx, tx, record, now); err != nil {
			return err
		}

		record.Status = string(core.PaymentStatusCompleted)
		record.ProviderReference = strings.TrimSpace(providerReference)
		record.CompletedAt = &now
		record.UpdatedAt = now
		out = record.toDomain()
		applied = true
		return nil
	})
	if err != nil {
		return core.PaymentTransaction{}, false, err
	}
	return out, applied, nil
}

func (s *PaymentStore) MarkFailed(ctx context.Context, ownerUserID string, reference string, reason string) (core.PaymentTransaction, error) {
	if s == nil || s.db == nil {
		return core.PaymentTransaction{}, fmt.Errorf("sqlstore: payment store is not configured")
	}
	record, err := findPayment(ctx, s.db, ownerUserID, reference)
	if err != nil {
		return core.PaymentTransaction{}, err
	}
	now := time.Now().UTC()
	if _, err := s.db.NewUpdate().
		Model((*paymentRecord)(nil)).
		Set("status = ?", string(core.PaymentStatusFailed)).
		Set("failure_reason = ?", strings.TrimSpace(reason)).
		Set("updated_at = ?", now).
		Where("id = ?", record.ID).
		Where("status = ?", string(core.PaymentStatusPending)).
		Exec(ctx); err != nil {
		return core.PaymentTransaction{}, err
	}
	return s.GetByReference(ctx, ownerUserID, reference)
}

// creditBalance adds the payment amount to the owner's balance and sets has_paid. The
// balance update is a compare-and-set on the value read in this transaction.
func creditBalance(ctx context.Context, tx bun.Tx, payment *paymentRecord, now time.Time) error {
	settings, err := findSettings(ctx, tx, payment.UserID)
	if err != nil {
		return err
	}
	if settings == nil {
		record := &settingsRecord{
			ID:                  uuid.NewString(),
			OwnerUserID:         payment.UserID,
			RedemptionThreshold: core.DefaultRedemptionThreshold,
			CreditBalance:       payment.Amount,
			HasPaid:             true,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return errSettingsChanged
			}
			return err
		}
		return nil
	}

	result, err := tx.NewUpdate().
		Model((*settingsRecord)(nil)).
		Set("credit_balance = ?", settings.CreditBalance.Add(payment.Amount)).
		Set("has_paid = ?", true).
		Set("updated_at = ?", now).
		Where("id = ?", settings.ID).
		Where("credit_balance = ?", settings.CreditBalance).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errSettingsChanged
	}
	return nil
}

func findPayment(ctx context.Context, db bun.IDB, ownerUserID string, reference string) (*paymentRecord, error) {
	ownerUserID = strings.TrimSpace(ownerUserID)
	reference = strings.TrimSpace(reference)
	if ownerUserID == "" || reference == "" {
		return nil, core.NewBadInputError("owner user id and payment reference are required")
	}
	record := &paymentRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.reference = ?", reference).
		Where("?TableAlias.user_id = ?", ownerUserID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NewNotFoundError("payment transaction not found").
				WithMetadata(map[string]any{"reference": reference})
		}
		return nil, err
	}
	return record, nil
}
