package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

type entitlementFetch struct {
	ctx       context.Context
	cancel    context.CancelFunc
	gen       uint64
	epoch     uint64
	key       string
	startedAt time.Time
}

// EntitlementCache holds one entitlement slot for the signed-in identity.
type EntitlementCache struct {
	obs           *observer
	source        EntitlementSource
	sessions      *SessionManager
	ttl           time.Duration
	floor         time.Duration
	minimumCredit decimal.Decimal
	now           func() time.Time
	group         singleflight.Group
	refresh       *Debouncer[EntitlementStatus]

	mu          sync.Mutex
	state       *EntitlementState
	lastFetchAt time.Time
	lastErr     error
	gen         uint64
	appliedGen  uint64
	epoch       uint64
	inflight    *entitlementFetch
	trailing    *time.Timer
	fetches     int64
}

func newEntitlementCache(
	source EntitlementSource,
	sessions *SessionManager,
	cfg EntitlementConfig,
	minimumCredit decimal.Decimal,
	obs *observer,
	now func() time.Time,
) *EntitlementCache {
	return &EntitlementCache{
		obs:           obs,
		source:        source,
		sessions:      sessions,
		ttl:           cfg.TTL,
		floor:         cfg.Floor,
		minimumCredit: minimumCredit,
		now:           now,
		refresh:       NewDebouncer[EntitlementStatus](cfg.RefreshDebounce),
	}
}

func (c *EntitlementCache) MinimumCredit() decimal.Decimal {
	return c.minimumCredit
}

// CheckStatus answers from the cache while it is fresh; force skips the TTL but never the floor.
func (c *EntitlementCache) CheckStatus(ctx context.Context, force bool) (EntitlementStatus, error) {
	status, _, err := c.check(ctx, force)
	return status, err
}

// Refresh is the UI-triggered forced check, debounced.
func (c *EntitlementCache) Refresh(ctx context.Context) (EntitlementStatus, error) {
	if c == nil {
		return EntitlementStatus{}, fmt.Errorf("core: entitlement cache is not configured")
	}
	status, err := c.refresh.Do(ctx, func(runCtx context.Context) (EntitlementStatus, error) {
		return c.CheckStatus(runCtx, true)
	})
	if errors.Is(err, ErrDebounceStopped) {
		return EntitlementStatus{}, context.Canceled
	}
	return status, err
}

// RefreshAfterPayment forces a fetch. When that fetch could not start fresh, a trailing
// refresh runs once the floor window has passed.
func (c *EntitlementCache) RefreshAfterPayment(ctx context.Context) (EntitlementStatus, error) {
	status, started, err := c.check(ctx, true)
	if c == nil || started {
		return status, err
	}
	c.scheduleTrailing()
	return status, err
}

// Require returns an InsufficientEntitlementError unless the current status grants access.
func (c *EntitlementCache) Require(ctx context.Context) (EntitlementStatus, error) {
	status, err := c.CheckStatus(ctx, false)
	if status.Granted {
		return status, nil
	}
	if HasCode(err, ErrorSessionRequired) {
		return status, err
	}
	denied := NewInsufficientEntitlementError("credit balance is below the required minimum")
	metadata := map[string]any{
		"minimum_credit": c.minimumCredit.String(),
		"credit_balance": status.State.CreditBalance.String(),
		metadataNextStep: NextStepTopUp,
	}
	if err != nil {
		metadata["check_error"] = err.Error()
	}
	return status, denied.WithMetadata(metadata)
}

func (c *EntitlementCache) Snapshot() (EntitlementState, bool) {
	if c == nil {
		return EntitlementState{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return EntitlementState{}, false
	}
	return *c.state, true
}

// FetchCount is the number of network fetches issued since construction.
func (c *EntitlementCache) FetchCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// Reset clears the slot and cancels outstanding work. In-flight results are discarded.
func (c *EntitlementCache) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	c.refresh.Stop()
}

func (c *EntitlementCache) resetLocked() {
	c.epoch++
	if c.inflight != nil {
		c.inflight.cancel()
		c.group.Forget(c.inflight.key)
		c.inflight = nil
	}
	if c.trailing != nil {
		c.trailing.Stop()
		c.trailing = nil
	}
	c.state = nil
	c.lastErr = nil
	c.lastFetchAt = time.Time{}
}

func (c *EntitlementCache) check(ctx context.Context, force bool) (EntitlementStatus, bool, error) {
	if c == nil || c.source == nil {
		return EntitlementStatus{}, false, fmt.Errorf("core: entitlement cache is not configured")
	}
	session, err := c.sessions.RequireSession(ctx)
	if err != nil {
		return EntitlementStatus{}, false, err
	}
	now := c.now()

	c.mu.Lock()
	if c.state != nil && c.state.UserID != session.UserID {
		c.resetLocked()
	}
	if c.state != nil && !force && c.state.Fresh(now) {
		status := c.statusLocked(true)
		c.mu.Unlock()
		c.obs.recordCounter(ctx, metricPrefix+"entitlement.cache_hit.total", 1, nil)
		return status, false, nil
	}

	withinFloor := !c.lastFetchAt.IsZero() && now.Sub(c.lastFetchAt) < c.floor
	started := false
	switch {
	case c.inflight != nil && force && now.Sub(c.inflight.startedAt) >= c.floor:
		c.inflight.cancel()
		c.group.Forget(c.inflight.key)
		c.inflight = nil
		c.startFetchLocked(session.UserID, now)
		started = true
	case c.inflight != nil:
	case withinFloor:
		status := c.statusLocked(true)
		lastErr := c.lastErr
		c.mu.Unlock()
		if lastErr != nil {
			return status, false, NewEntitlementCheckError("entitlement check failed recently", lastErr)
		}
		return status, false, nil
	default:
		c.startFetchLocked(session.UserID, now)
		started = true
	}
	fetch := c.inflight
	c.mu.Unlock()

	status, err := c.await(ctx, session.UserID, fetch)
	return status, started, err
}

func (c *EntitlementCache) startFetchLocked(userID string, now time.Time) {
	c.gen++
	fetchCtx, cancel := context.WithCancel(c.sessions.ScopeContext())
	c.inflight = &entitlementFetch{
		ctx:       fetchCtx,
		cancel:    cancel,
		gen:       c.gen,
		epoch:     c.epoch,
		key:       userID + ":" + strconv.FormatUint(c.gen, 10),
		startedAt: now,
	}
	c.lastFetchAt = now
}

func (c *EntitlementCache) await(ctx context.Context, userID string, fetch *entitlementFetch) (EntitlementStatus, error) {
	results := c.group.DoChan(fetch.key, func() (any, error) {
		return c.runFetch(userID, fetch)
	})
	select {
	case <-ctx.Done():
		return EntitlementStatus{}, ctx.Err()
	case res := <-results:
		status, _ := res.Val.(EntitlementStatus)
		return status, res.Err
	}
}

func (c *EntitlementCache) runFetch(userID string, fetch *entitlementFetch) (EntitlementStatus, error) {
	ctx, epoch := fetch.ctx, fetch.epoch
	c.mu.Lock()
	if c.epoch != epoch || c.inflight == nil || c.inflight.gen != fetch.gen {
		status := c.statusLocked(true)
		c.mu.Unlock()
		return status, nil
	}
	c.fetches++
	c.mu.Unlock()

	startedAt := time.Now()
	snapshot, err := c.source.FetchEntitlement(ctx, userID)
	c.obs.observeOperation(ctx, startedAt, "entitlement_fetch", err, map[string]any{"user_id": userID})

	c.mu.Lock()
	if c.inflight != nil && c.inflight.gen == fetch.gen {
		c.inflight = nil
	}
	fetch.cancel()
	if c.epoch != epoch {
		c.mu.Unlock()
		return EntitlementStatus{}, context.Canceled
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && c.inflight != nil && c.inflight.gen > fetch.gen {
			next := c.inflight
			c.mu.Unlock()
			return c.await(context.WithoutCancel(ctx), userID, next)
		}
		c.lastErr = err
		if c.state != nil {
			c.state.Stale = true
			c.state.LastError = err.Error()
		}
		status := c.statusLocked(false)
		c.mu.Unlock()
		return status, NewEntitlementCheckError("entitlement check failed, serving last known value", err)
	}
	if fetch.gen >= c.appliedGen {
		c.appliedGen = fetch.gen
		c.lastErr = nil
		c.state = &EntitlementState{
			UserID:        userID,
			CreditBalance: snapshot.CreditBalance,
			HasPaid:       snapshot.HasPaid,
			FetchedAt:     c.now(),
			TTL:           c.ttl,
		}
	}
	status := c.statusLocked(false)
	c.mu.Unlock()
	return status, nil
}

func (c *EntitlementCache) statusLocked(fromCache bool) EntitlementStatus {
	if c.state == nil {
		return EntitlementStatus{Granted: false, FromCache: fromCache}
	}
	return EntitlementStatus{
		Granted:   c.state.Granted(c.minimumCredit),
		State:     *c.state,
		FromCache: fromCache,
	}
}

func (c *EntitlementCache) scheduleTrailing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trailing != nil {
		return
	}
	delay := c.floor
	if !c.lastFetchAt.IsZero() {
		delay = c.floor - c.now().Sub(c.lastFetchAt)
	}
	if delay < 0 {
		delay = 0
	}
	epoch := c.epoch
	scope := c.sessions.ScopeContext()
	c.trailing = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		c.trailing = nil
		c.mu.Unlock()
		if _, err := c.CheckStatus(scope, true); err != nil {
			c.obs.logWarn(scope, "trailing entitlement refresh failed", map[string]any{"error": err.Error()})
		}
	})
}
