package sqlstore

import (
	"time"

	"github.com/goliatone/go-loyalty/core"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type accountRecord struct {
	bun.BaseModel `bun:"table:loyalty_accounts,alias:la"`

	ID             string    `bun:"id,pk"`
	OwnerUserID    string    `bun:"owner_user_id,notnull"`
	Name           string    `bun:"name,notnull"`
	Phone          string    `bun:"phone,notnull"`
	UnitsPurchased int       `bun:"units_purchased,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type redemptionRecord struct {
	bun.BaseModel `bun:"table:loyalty_redemptions,alias:lr"`

	ID            string    `bun:"id,pk"`
	AccountID     string    `bun:"account_id,notnull"`
	OwnerUserID   string    `bun:"owner_user_id,notnull"`
	UnitsRedeemed int       `bun:"units_redeemed,notnull"`
	RedeemedAt    time.Time `bun:"redeemed_at,nullzero,notnull,default:current_timestamp"`
}

type settingsRecord struct {
	bun.BaseModel `bun:"table:loyalty_settings,alias:ls"`

	ID                  string          `bun:"id,pk"`
	OwnerUserID         string          `bun:"owner_user_id,notnull"`
	RedemptionThreshold int             `bun:"redemption_threshold,notnull"`
	CreditBalance       decimal.Decimal `bun:"credit_balance,notnull"`
	HasPaid             bool            `bun:"has_paid,notnull"`
	CreatedAt           time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt           time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type paymentRecord struct {
	bun.BaseModel `bun:"table:loyalty_payment_transactions,alias:lpt"`

	ID                string          `bun:"id,pk"`
	UserID            string          `bun:"user_id,notnull"`
	Amount            decimal.Decimal `bun:"amount,notnull"`
	Currency          string          `bun:"currency,notnull"`
	Provider          string          `bun:"provider,notnull"`
	Status            string          `bun:"status,notnull"`
	Reference         string          `bun:"reference,notnull"`
	ProviderReference string          `bun:"provider_reference,notnull"`
	FailureReason     string          `bun:"failure_reason,notnull"`
	CreatedAt         time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	CompletedAt       *time.Time      `bun:"completed_at,nullzero"`
}

func (r *accountRecord) toDomain() core.LoyaltyAccount {
	if r == nil {
		return core.LoyaltyAccount{}
	}
	return core.LoyaltyAccount{
		ID:             r.ID,
		OwnerUserID:    r.OwnerUserID,
		Name:           r.Name,
		Phone:          r.Phone,
		UnitsPurchased: r.UnitsPurchased,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func (r *redemptionRecord) toDomain() core.RedemptionRecord {
	if r == nil {
		return core.RedemptionRecord{}
	}
	return core.RedemptionRecord{
		ID:            r.ID,
		AccountID:     r.AccountID,
		OwnerUserID:   r.OwnerUserID,
		UnitsRedeemed: r.UnitsRedeemed,
		RedeemedAt:    r.RedeemedAt.UTC(),
	}
}

func (r *settingsRecord) toDomain() core.Settings {
	if r == nil {
		return core.Settings{}
	}
	return core.Settings{
		OwnerUserID:         r.OwnerUserID,
		RedemptionThreshold: r.RedemptionThreshold,
		CreditBalance:       r.CreditBalance,
		HasPaid:             r.HasPaid,
		UpdatedAt:           r.UpdatedAt.UTC(),
	}
}

func (r *settingsRecord) entitled(minimum decimal.Decimal) bool {
	if r == nil {
		return false
	}
	return r.HasPaid || r.CreditBalance.GreaterThanOrEqual(minimum)
}

func (r *paymentRecord) toDomain() core.PaymentTransaction {
	if r == nil {
		return core.PaymentTransaction{}
	}
	tx := core.PaymentTransaction{
		ID:                r.ID,
		UserID:            r.UserID,
		Amount:            r.Amount,
		Currency:          r.Currency,
		Provider:          r.Provider,
		Status:            core.PaymentStatus(r.Status),
		Reference:         r.Reference,
		ProviderReference: r.ProviderReference,
		FailureReason:     r.FailureReason,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
	if r.CompletedAt != nil {
		completed := r.CompletedAt.UTC()
		tx.CompletedAt = &completed
	}
	return tx
}
