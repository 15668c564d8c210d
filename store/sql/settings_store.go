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
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type SettingsStore struct {
	db   *bun.DB
	repo repository.Repository[*settingsRecord]
}

func NewSettingsStore(db *bun.DB) (*SettingsStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*settingsRecord](db, settingsHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid settings repository wiring: %w", err)
		}
	}
	return &SettingsStore{db: db, repo: repo}, nil
}

func (s *SettingsStore) GetSettings(ctx context.Context, ownerUserID string) (core.Settings, error) {
	if s == nil || s.repo == nil {
		return core.Settings{}, fmt.Errorf("sqlstore: settings store is not configured")
	}
	ownerUserID = strings.TrimSpace(ownerUserID)
	if ownerUserID == "" {
		return core.Settings{}, core.NewBadInputError("owner user id is required")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("owner_user_id", "=", ownerUserID),
	)
	if err != nil {
		return core.Settings{}, err
	}
	if len(records) == 0 {
		return core.Settings{}, core.NewNotFoundError("settings not found")
	}
	return records[0].toDomain(), nil
}

// UpsertSettings writes the owner row, creating it on first use.
func (s *SettingsStore) UpsertSettings(ctx context.Context, settings core.Settings) (core.Settings, error) {
	if s == nil || s.db == nil {
		return core.Settings{}, fmt.Errorf("sqlstore: settings store is not configured")
	}
	settings.OwnerUserID = strings.TrimSpace(settings.OwnerUserID)
	if settings.OwnerUserID == "" {
		return core.Settings{}, core.NewBadInputError("owner user id is required")
	}
	if settings.RedemptionThreshold <= 0 {
		settings.RedemptionThreshold = core.DefaultRedemptionThreshold
	}
	if settings.CreditBalance.IsNegative() {
		return core.Settings{}, core.NewBadInputError("credit balance cannot be negative")
	}

	now := time.Now().UTC()
	record := &settingsRecord{
		ID:                  uuid.NewString(),
		OwnerUserID:         settings.OwnerUserID,
		RedemptionThreshold: settings.RedemptionThreshold,
		CreditBalance:       settings.CreditBalance,
		HasPaid:             settings.HasPaid,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (owner_user_id) DO UPDATE").
		Set("redemption_threshold = EXCLUDED.redemption_threshold").
		Set("credit_balance = EXCLUDED.credit_balance").
		Set("has_paid = EXCLUDED.has_paid").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return core.Settings{}, err
	}
	return s.GetSettings(ctx, settings.OwnerUserID)
}

// EntitlementSource reads the owner's balance straight from the settings table. An owner
// without a settings row has a zero balance.
type EntitlementSource struct {
	db *bun.DB
}

func NewEntitlementSource(db *bun.DB) (*EntitlementSource, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &EntitlementSource{db: db}, nil
}

func (s *EntitlementSource) FetchEntitlement(ctx context.Context, userID string) (core.EntitlementSnapshot, error) {
	if s == nil || s.db == nil {
		return core.EntitlementSnapshot{}, fmt.Errorf("sqlstore: entitlement source is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return core.EntitlementSnapshot{}, core.NewBadInputError("user id is required")
	}
	record, err := findSettings(ctx, s.db, userID)
	if err != nil {
		return core.EntitlementSnapshot{}, err
	}
	if record == nil {
		return core.EntitlementSnapshot{CreditBalance: decimal.Zero}, nil
	}
	return core.EntitlementSnapshot{
		CreditBalance: record.CreditBalance,
		HasPaid:       record.HasPaid,
	}, nil
}

// findSettings returns nil without error when the owner has no settings row.
func findSettings(ctx context.Context, db bun.IDB, ownerUserID string) (*settingsRecord, error) {
	record := &settingsRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.owner_user_id = ?", strings.TrimSpace(ownerUserID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}
