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

type CreateAccountInput struct {
	ID          string
	OwnerUserID string
	Name        string
	Phone       string
}

type AccountStore struct {
	db   *bun.DB
	repo repository.Repository[*accountRecord]
}

func NewAccountStore(db *bun.DB) (*AccountStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*accountRecord](db, accountHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid loyalty account repository wiring: %w", err)
		}
	}
	return &AccountStore{db: db, repo: repo}, nil
}

func (s *AccountStore) CreateAccount(ctx context.Context, in CreateAccountInput) (core.LoyaltyAccount, error) {
	if s == nil || s.repo == nil {
		return core.LoyaltyAccount{}, fmt.Errorf("sqlstore: loyalty account store is not configured")
	}
	ownerUserID := strings.TrimSpace(in.OwnerUserID)
	name := strings.TrimSpace(in.Name)
	if ownerUserID == "" || name == "" {
		return core.LoyaltyAccount{}, fmt.Errorf("sqlstore: owner user id and name are required")
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	created, err := s.repo.Create(ctx, &accountRecord{
		ID:          id,
		OwnerUserID: ownerUserID,
		Name:        name,
		Phone:       strings.TrimSpace(in.Phone),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return core.LoyaltyAccount{}, err
	}
	return created.toDomain(), nil
}

func (s *AccountStore) GetAccount(ctx context.Context, ownerUserID string, accountID string) (core.LoyaltyAccount, error) {
	if s == nil || s.db == nil {
		return core.LoyaltyAccount{}, fmt.Errorf("sqlstore: loyalty account store is not configured")
	}
	record, err := findAccount(ctx, s.db, ownerUserID, accountID)
	if err != nil {
		return core.LoyaltyAccount{}, err
	}
	return record.toDomain(), nil
}

func (s *AccountStore) ListAccounts(ctx context.Context, ownerUserID string) ([]core.LoyaltyAccount, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: loyalty account store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("owner_user_id", "=", strings.TrimSpace(ownerUserID)),
		repository.OrderBy("name ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.LoyaltyAccount, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// IncrementUnits adds one unit inside a transaction. The UPDATE is conditional on the
// counter still being below the threshold.
func (s *AccountStore) IncrementUnits(
	ctx context.Context,
	ownerUserID string,
	accountID string,
	guard core.IncrementGuard,
) (core.LoyaltyAccount, error) {
	if s == nil || s.db == nil {
		return core.LoyaltyAccount{}, fmt.Errorf("sqlstore: loyalty account store is not configured")
	}
	if guard.Threshold <= 0 {
		return core.LoyaltyAccount{}, fmt.Errorf("sqlstore: increment threshold must be positive")
	}
	var out core.LoyaltyAccount
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findAccount(ctx, tx, ownerUserID, accountID)
		if err != nil {
			return err
		}
		settings, err := findSettings(ctx, tx, record.OwnerUserID)
		if err != nil {
			return err
		}
		if !settings.entitled(guard.MinimumCredit) {
			return core.NewInsufficientEntitlementError("credit balance is below the required minimum")
		}
		if record.UnitsPurchased >= guard.Threshold {
			return core.NewLedgerPreconditionError("account is ready for redemption", map[string]any{
				"units_purchased": record.UnitsPurchased,
				"threshold":       guard.Threshold,
			})
		}

		now := time.Now().UTC()
		result, err := tx.NewUpdate().
			Model((*accountRecord)(nil)).
			Set("units_purchased = units_purchased + 1").
			Set("updated_at = ?", now).
			Where("id = ?", record.ID).
			Where("units_purchased < ?", guard.Threshold).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return core.NewLedgerConflictError("account changed while adding a unit")
		}
		record.UnitsPurchased++
		record.UpdatedAt = now
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.LoyaltyAccount{}, err
	}
	return out, nil
}

// Redeem resets the counter to zero and records the redemption in one transaction. The
// reset only applies while the counter still holds the value read at the start.
func (s *AccountStore) Redeem(
	ctx context.Context,
	ownerUserID string,
	accountID string,
	guard core.RedeemGuard,
) (core.LoyaltyAccount, core.RedemptionRecord, error) {
	if s == nil || s.db == nil {
		return core.LoyaltyAccount{}, core.RedemptionRecord{}, fmt.Errorf("sqlstore: loyalty account store is not configured")
	}
	if guard.Threshold <= 0 {
		return core.LoyaltyAccount{}, core.RedemptionRecord{}, fmt.Errorf("sqlstore: redemption threshold must be positive")
	}
	var (
		account    core.LoyaltyAccount
		redemption core.RedemptionRecord
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findAccount(ctx, tx, ownerUserID, accountID)
		if err != nil {
			return err
		}
		settings, err := findSettings(ctx, tx, record.OwnerUserID)
		if err != nil {
			return err
		}
		if !settings.entitled(guard.MinimumCredit) {
			return core.NewInsufficientEntitlementError("credit balance is below the required minimum")
		}
		if record.UnitsPurchased < guard.Threshold {
			if guard.ExpectedUnits > 0 && record.UnitsPurchased != guard.ExpectedUnits {
				return core.NewLedgerConflictError("account was redeemed by another writer")
			}
			return core.NewLedgerPreconditionError("account is not ready for redemption", map[string]any{
				"units_purchased": record.UnitsPurchased,
				"threshold":       guard.Threshold,
			})
		}

		observed := record.UnitsPurchased
		now := time.Now().UTC()
		result, err := tx.NewUpdate().
			Model((*accountRecord)(nil)).
			Set("units_purchased = 0").
			Set("updated_at = ?", now).
			Where("id = ?", record.ID).
			Where("units_purchased = ?", observed).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return core.NewLedgerConflictError("account changed during redemption")
		}

		entry := &redemptionRecord{
			ID:            uuid.NewString(),
			AccountID:     record.ID,
			OwnerUserID:   record.OwnerUserID,
			UnitsRedeemed: observed,
			RedeemedAt:    now,
		}
		if _, err := tx.NewInsert().Model(entry).Exec(ctx); err != nil {
			return err
		}

		record.UnitsPurchased = 0
		record.UpdatedAt = now
		account = record.toDomain()
		redemption = entry.toDomain()
		return nil
	})
	if err != nil {
		return core.LoyaltyAccount{}, core.RedemptionRecord{}, err
	}
	return account, redemption, nil
}

type RedemptionStore struct {
	db *bun.DB
}

func NewRedemptionStore(db *bun.DB) (*RedemptionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &RedemptionStore{db: db}, nil
}

func (s *RedemptionStore) ListRedemptions(ctx context.Context, ownerUserID string, accountID string) ([]core.RedemptionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: redemption store is not configured")
	}
	records := []redemptionRecord{}
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.owner_user_id = ?", strings.TrimSpace(ownerUserID)).
		Where("?TableAlias.account_id = ?", strings.TrimSpace(accountID)).
		OrderExpr("?TableAlias.redeemed_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.RedemptionRecord, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

func findAccount(ctx context.Context, db bun.IDB, ownerUserID string, accountID string) (*accountRecord, error) {
	ownerUserID = strings.TrimSpace(ownerUserID)
	accountID = strings.TrimSpace(accountID)
	if ownerUserID == "" || accountID == "" {
		return nil, core.NewBadInputError("owner user id and account id are required")
	}
	record := &accountRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", accountID).
		Where("?TableAlias.owner_user_id = ?", ownerUserID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NewNotFoundError("loyalty account not found").
				WithMetadata(map[string]any{"account_id": accountID})
		}
		return nil, err
	}
	return record, nil
}
