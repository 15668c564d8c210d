package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-loyalty/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const settingsCacheKeyPrefix = "go-loyalty::settings::v1"

type settingsWriter interface {
	UpsertSettings(ctx context.Context, settings core.Settings) (core.Settings, error)
}

// CachedSettingsStore serves owner settings through a read-through cache. Writes that go
// through UpsertSettings or a payment completion drop the cached entry.
type CachedSettingsStore struct {
	base  core.SettingsStore
	cache repositorycache.CacheService
}

func NewCachedSettingsStore(base core.SettingsStore, cacheService repositorycache.CacheService) (*CachedSettingsStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base settings store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: settings cache service is required")
	}
	return &CachedSettingsStore{base: base, cache: cacheService}, nil
}

// SettingsCacheKey returns go-loyalty::settings::v1::<owner_user_id>, with the owner
// segment URL-path escaped.
func SettingsCacheKey(ownerUserID string) (string, error) {
	ownerUserID = strings.TrimSpace(ownerUserID)
	if ownerUserID == "" {
		return "", fmt.Errorf("sqlstore: owner user id is required")
	}
	return settingsCacheKeyPrefix + "::" + url.PathEscape(ownerUserID), nil
}

func (s *CachedSettingsStore) GetSettings(ctx context.Context, ownerUserID string) (core.Settings, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Settings{}, fmt.Errorf("sqlstore: cached settings store is not configured")
	}
	ownerUserID = strings.TrimSpace(ownerUserID)
	cacheKey, err := SettingsCacheKey(ownerUserID)
	if err != nil {
		return core.Settings{}, err
	}
	return repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.Settings, error) {
		return s.base.GetSettings(ctx, ownerUserID)
	})
}

func (s *CachedSettingsStore) UpsertSettings(ctx context.Context, settings core.Settings) (core.Settings, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Settings{}, fmt.Errorf("sqlstore: cached settings store is not configured")
	}
	writer, ok := s.base.(settingsWriter)
	if !ok {
		return core.Settings{}, fmt.Errorf("sqlstore: base settings store %T is read-only", s.base)
	}
	saved, err := writer.UpsertSettings(ctx, settings)
	if err != nil {
		return core.Settings{}, err
	}
	if err := s.Invalidate(ctx, saved.OwnerUserID); err != nil {
		return core.Settings{}, err
	}
	return saved, nil
}

func (s *CachedSettingsStore) Invalidate(ctx context.Context, ownerUserID string) error {
	if s == nil || s.cache == nil {
		return nil
	}
	cacheKey, err := SettingsCacheKey(ownerUserID)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}
