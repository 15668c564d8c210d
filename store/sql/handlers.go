package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// keyedRecord is a bun model with a string uuid primary key and a separate natural key
// used for repository lookups.
type keyedRecord interface {
	*accountRecord | *settingsRecord | *paymentRecord
	primaryKey() *string
}

func (r *accountRecord) primaryKey() *string {
	if r == nil {
		return nil
	}
	return &r.ID
}

func (r *settingsRecord) primaryKey() *string {
	if r == nil {
		return nil
	}
	return &r.ID
}

func (r *paymentRecord) primaryKey() *string {
	if r == nil {
		return nil
	}
	return &r.ID
}

// modelHandlers builds go-repository-bun handlers for T, looked up by column with the
// value returned by naturalKey.
func modelHandlers[T keyedRecord](newRecord func() T, column string, naturalKey func(T) string) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			key := record.primaryKey()
			if key == nil {
				return uuid.Nil
			}
			parsed, err := uuid.Parse(strings.TrimSpace(*key))
			if err != nil {
				return uuid.Nil
			}
			return parsed
		},
		SetID: func(record T, id uuid.UUID) {
			if key := record.primaryKey(); key != nil {
				*key = id.String()
			}
		},
		GetIdentifier: func() string { return column },
		GetIdentifierValue: func(record T) string {
			if record.primaryKey() == nil {
				return ""
			}
			return strings.TrimSpace(naturalKey(record))
		},
	}
}

func accountHandlers() repository.ModelHandlers[*accountRecord] {
	return modelHandlers(
		func() *accountRecord { return &accountRecord{} },
		"id",
		func(r *accountRecord) string { return r.ID },
	)
}

// Settings rows are keyed by their owner.
func settingsHandlers() repository.ModelHandlers[*settingsRecord] {
	return modelHandlers(
		func() *settingsRecord { return &settingsRecord{} },
		"owner_user_id",
		func(r *settingsRecord) string { return r.OwnerUserID },
	)
}

func paymentHandlers() repository.ModelHandlers[*paymentRecord] {
	return modelHandlers(
		func() *paymentRecord { return &paymentRecord{} },
		"reference",
		func(r *paymentRecord) string { return r.Reference },
	)
}
