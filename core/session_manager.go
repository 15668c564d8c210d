package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/golang-jwt/jwt/v5"
)

type SignInResult struct {
	Session     Session
	Levels      AssuranceLevels
	MFARequired bool
}

type SessionEventKind string

const (
	SessionEventSignedIn  SessionEventKind = "signed_in"
	SessionEventUpdated   SessionEventKind = "updated"
	SessionEventSteppedUp SessionEventKind = "stepped_up"
	SessionEventSignedOut SessionEventKind = "signed_out"
)

type SessionEvent struct {
	Kind     SessionEventKind
	Session  *Session
	Previous *Session
	// IdentityChanged is set when the event ends the scope of the previous identity.
	IdentityChanged bool
}

type SessionListener func(event SessionEvent)

// sessionClaims are the access token claims that override provider-supplied session fields.
type sessionClaims struct {
	Email string `json:"email,omitempty"`
	AAL   string `json:"aal,omitempty"`
	jwt.RegisteredClaims
}

type SessionManager struct {
	obs      *observer
	provider IdentityProvider
	now      func() time.Time
	restore  bool

	mu              sync.RWMutex
	session         *Session
	levels          AssuranceLevels
	levelsKnown     bool
	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc
	scopeCtx        context.Context
	scopeCancel     context.CancelFunc
	subscription    Subscription
	started         bool
	closed          bool
	listeners       map[uint64]SessionListener
	nextListenerID  uint64
}

func newSessionManager(provider IdentityProvider, obs *observer, now func() time.Time, restore bool) *SessionManager {
	lifecycleCtx, lifecycleCancel := context.WithCancel(context.Background())
	scopeCtx, scopeCancel := context.WithCancel(lifecycleCtx)
	scopeCancel()
	return &SessionManager{
		obs:             obs,
		provider:        provider,
		now:             now,
		restore:         restore,
		lifecycleCtx:    lifecycleCtx,
		lifecycleCancel: lifecycleCancel,
		scopeCtx:        scopeCtx,
		scopeCancel:     scopeCancel,
		listeners:       map[uint64]SessionListener{},
	}
}

// Start subscribes to provider auth changes once and restores an existing provider session.
func (m *SessionManager) Start(ctx context.Context) (err error) {
	if m == nil || m.provider == nil {
		return fmt.Errorf("core: session manager is not configured")
	}
	startedAt := time.Now()
	defer func() { m.obs.observeOperation(ctx, startedAt, "session_start", err, nil) }()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("core: session manager is closed")
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	subscription, err := m.provider.OnAuthStateChange(m.handleAuthStateChange)
	if err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return controllerErrorMapper(err)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return fmt.Errorf("core: session manager is closed")
	}
	m.subscription = subscription
	m.mu.Unlock()

	if !m.restore {
		return nil
	}
	callCtx, cancel := m.boundContext(ctx)
	defer cancel()
	existing, err := m.provider.GetSession(callCtx)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return controllerErrorMapper(err)
	}
	if existing == nil {
		return nil
	}
	restored, err := m.normalize(*existing)
	if err != nil {
		m.obs.logWarn(ctx, "discarding incomplete provider session", map[string]any{"error": err.Error()})
		return nil
	}
	if restored.Expired(m.now()) {
		return nil
	}
	levels, known := m.fetchLevels(callCtx, restored)
	m.apply(restored, levels, known, SessionEventSignedIn)
	return nil
}

func (m *SessionManager) SignIn(ctx context.Context, email string, password string) (result SignInResult, err error) {
	if m == nil || m.provider == nil {
		return SignInResult{}, fmt.Errorf("core: session manager is not configured")
	}
	startedAt := time.Now()
	defer func() {
		m.obs.observeOperation(ctx, startedAt, "sign_in", err, map[string]any{
			"user_id":      result.Session.UserID,
			"mfa_required": result.MFARequired,
		})
	}()
	if err := m.ensureOpen(); err != nil {
		return SignInResult{}, err
	}
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return SignInResult{}, NewBadInputError("email and password are required",
			goerrors.FieldError{Field: "email", Message: "required"},
			goerrors.FieldError{Field: "password", Message: "required"},
		)
	}

	callCtx, cancel := m.boundContext(ctx)
	defer cancel()
	raw, err := m.provider.SignInWithPassword(callCtx, email, password)
	if err != nil {
		return SignInResult{}, mapAuthError(err)
	}
	session, err := m.normalize(raw)
	if err != nil {
		return SignInResult{}, NewAuthError("identity provider returned an incomplete session", err)
	}
	levels, known := m.fetchLevels(callCtx, session)
	m.apply(session, levels, known, SessionEventSignedIn)

	return SignInResult{
		Session:     session,
		Levels:      levels,
		MFARequired: levels.StepUpRequired(),
	}, nil
}

func (m *SessionManager) SignUp(ctx context.Context, email string, password string) (result SignUpResult, err error) {
	if m == nil || m.provider == nil {
		return SignUpResult{}, fmt.Errorf("core: session manager is not configured")
	}
	startedAt := time.Now()
	defer func() { m.obs.observeOperation(ctx, startedAt, "sign_up", err, nil) }()
	if err := m.ensureOpen(); err != nil {
		return SignUpResult{}, err
	}
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return SignUpResult{}, NewBadInputError("email and password are required")
	}
	callCtx, cancel := m.boundContext(ctx)
	defer cancel()
	result, err = m.provider.SignUp(callCtx, email, password)
	if err != nil {
		return SignUpResult{}, mapAuthError(err)
	}
	if result.Session == nil {
		return result, nil
	}
	session, err := m.normalize(*result.Session)
	if err != nil {
		return SignUpResult{}, NewAuthError("identity provider returned an incomplete session", err)
	}
	m.apply(session, AssuranceLevels{Current: session.AssuranceLevel, Next: session.AssuranceLevel}, true, SessionEventSignedIn)
	result.Session = &session
	return result, nil
}

// SignOut always clears local state, even when the provider call fails.
func (m *SessionManager) SignOut(ctx context.Context) (err error) {
	if m == nil || m.provider == nil {
		return fmt.Errorf("core: session manager is not configured")
	}
	startedAt := time.Now()
	defer func() { m.obs.observeOperation(ctx, startedAt, "sign_out", err, nil) }()
	current, ok := m.Session()
	if ok {
		callCtx, cancel := m.boundContext(ctx)
		err = m.provider.SignOut(callCtx, current.AccessToken)
		cancel()
	}
	m.clear()
	if err != nil {
		return controllerErrorMapper(err)
	}
	return nil
}

func (m *SessionManager) Session() (Session, bool) {
	if m == nil {
		return Session{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

func (m *SessionManager) AssuranceLevels() AssuranceLevels {
	if m == nil {
		return AssuranceLevels{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.levels
}

// Usable is false while there is no live session or a pending step-up.
func (m *SessionManager) Usable() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || m.session.Expired(m.now()) {
		return false
	}
	return !m.levels.StepUpRequired()
}

func (m *SessionManager) RequireSession(context.Context) (Session, error) {
	current, ok := m.Session()
	if !ok || current.Expired(m.now()) {
		return Session{}, NewSessionRequiredError()
	}
	return current, nil
}

// RequireAssurance rejects gated access while the session has not reached the level its account requires.
func (m *SessionManager) RequireAssurance(ctx context.Context) (Session, error) {
	current, err := m.RequireSession(ctx)
	if err != nil {
		return Session{}, err
	}
	m.mu.RLock()
	known := m.levelsKnown
	m.mu.RUnlock()
	if !known {
		if _, err := m.RefreshAssurance(ctx); err != nil {
			return Session{}, err
		}
	}
	levels := m.AssuranceLevels()
	if levels.StepUpRequired() || !current.AssuranceLevel.Satisfies(levels.Next) {
		return Session{}, NewStepUpRequiredError()
	}
	return current, nil
}

func (m *SessionManager) RefreshAssurance(ctx context.Context) (AssuranceLevels, error) {
	current, err := m.RequireSession(ctx)
	if err != nil {
		return AssuranceLevels{}, err
	}
	callCtx, cancel := m.boundContext(ctx)
	defer cancel()
	levels, err := m.provider.MFA().GetAuthenticatorAssuranceLevel(callCtx, current.AccessToken)
	if err != nil {
		return AssuranceLevels{}, controllerErrorMapper(err)
	}
	m.mu.Lock()
	if m.session != nil && m.session.UserID == current.UserID {
		m.levels = levels
		m.levelsKnown = true
	}
	m.mu.Unlock()
	return levels, nil
}

// ScopeContext is cancelled when the current identity signs out or is replaced.
func (m *SessionManager) ScopeContext() context.Context {
	if m == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scopeCtx
}

func (m *SessionManager) Subscribe(listener SessionListener) func() {
	if m == nil || listener == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextListenerID++
	id := m.nextListenerID
	m.listeners[id] = listener
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *SessionManager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subscription := m.subscription
	m.subscription = nil
	m.scopeCancel()
	m.lifecycleCancel()
	m.mu.Unlock()
	if subscription != nil {
		subscription.Unsubscribe()
	}
}

// applyVerified stores the aal2 session returned by a successful factor verification.
func (m *SessionManager) applyVerified(raw Session) (Session, error) {
	session, err := m.normalize(raw)
	if err != nil {
		return Session{}, NewAuthError("identity provider returned an incomplete session", err)
	}
	current, ok := m.Session()
	if !ok || current.UserID != session.UserID {
		return Session{}, NewSessionRequiredError()
	}
	if session.AssuranceLevel != AssuranceLevel2 {
		session.AssuranceLevel = AssuranceLevel2
	}
	m.apply(session, AssuranceLevels{Current: AssuranceLevel2, Next: AssuranceLevel2}, true, SessionEventSteppedUp)
	return session, nil
}

func (m *SessionManager) handleAuthStateChange(change AuthStateChange) {
	if m == nil {
		return
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}

	if change.Event == AuthEventSignedOut || change.Session == nil {
		if change.Event == AuthEventSignedOut {
			m.clear()
		}
		return
	}
	session, err := m.normalize(*change.Session)
	if err != nil {
		m.obs.logWarn(m.lifecycleCtx, "ignoring incomplete session push", map[string]any{
			"event": string(change.Event),
			"error": err.Error(),
		})
		return
	}

	m.mu.RLock()
	previous := m.session
	levels := m.levels
	known := m.levelsKnown
	m.mu.RUnlock()

	kind := SessionEventUpdated
	if previous == nil || previous.UserID != session.UserID {
		kind = SessionEventSignedIn
		levels = AssuranceLevels{Current: session.AssuranceLevel, Next: session.AssuranceLevel}
		known = false
	} else {
		levels.Current = session.AssuranceLevel
		if !levels.Next.Satisfies(session.AssuranceLevel) {
			levels.Next = session.AssuranceLevel
		}
	}
	if change.Event == AuthEventMFAChallengeVerified && session.AssuranceLevel == AssuranceLevel2 {
		kind = SessionEventSteppedUp
		levels = AssuranceLevels{Current: AssuranceLevel2, Next: AssuranceLevel2}
		known = true
	}
	m.apply(session, levels, known, kind)
}

func (m *SessionManager) apply(session Session, levels AssuranceLevels, known bool, kind SessionEventKind) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	previous := m.session
	identityChanged := previous != nil && previous.UserID != session.UserID
	if previous == nil || identityChanged {
		m.scopeCancel()
		m.scopeCtx, m.scopeCancel = context.WithCancel(m.lifecycleCtx)
		if kind == SessionEventUpdated {
			kind = SessionEventSignedIn
		}
	}
	stored := session
	m.session = &stored
	m.levels = levels
	m.levelsKnown = known
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	event := SessionEvent{Kind: kind, Session: &stored, IdentityChanged: identityChanged}
	if previous != nil {
		prev := *previous
		event.Previous = &prev
	}
	notifySessionListeners(listeners, event)
}

func (m *SessionManager) clear() {
	m.mu.Lock()
	previous := m.session
	m.session = nil
	m.levels = AssuranceLevels{}
	m.levelsKnown = false
	m.scopeCancel()
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()
	if previous == nil {
		return
	}
	prev := *previous
	notifySessionListeners(listeners, SessionEvent{
		Kind:            SessionEventSignedOut,
		Previous:        &prev,
		IdentityChanged: true,
	})
}

func (m *SessionManager) snapshotListenersLocked() []SessionListener {
	out := make([]SessionListener, 0, len(m.listeners))
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, m.listeners[id])
	}
	return out
}

func notifySessionListeners(listeners []SessionListener, event SessionEvent) {
	for _, listener := range listeners {
		listener(event)
	}
}

func (m *SessionManager) fetchLevels(ctx context.Context, session Session) (AssuranceLevels, bool) {
	fallback := AssuranceLevels{Current: session.AssuranceLevel, Next: session.AssuranceLevel}
	mfa := m.provider.MFA()
	if mfa == nil {
		return fallback, true
	}
	levels, err := mfa.GetAuthenticatorAssuranceLevel(ctx, session.AccessToken)
	if err != nil {
		m.obs.logWarn(ctx, "assurance level lookup failed", map[string]any{
			"user_id": session.UserID,
			"error":   err.Error(),
		})
		return fallback, false
	}
	if !levels.Current.Valid() {
		levels.Current = session.AssuranceLevel
	}
	if !levels.Next.Valid() {
		levels.Next = levels.Current
	}
	return levels, true
}

// normalize lets JWT claims win over provider-supplied fields, then validates the result.
func (m *SessionManager) normalize(raw Session) (Session, error) {
	session := raw
	session.UserID = strings.TrimSpace(session.UserID)
	session.Email = strings.TrimSpace(session.Email)
	session.AccessToken = strings.TrimSpace(session.AccessToken)
	if session.AccessToken != "" {
		claims := &sessionClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(session.AccessToken, claims); err == nil {
			if sub := strings.TrimSpace(claims.Subject); sub != "" {
				session.UserID = sub
			}
			if email := strings.TrimSpace(claims.Email); email != "" {
				session.Email = email
			}
			if aal := AssuranceLevel(strings.ToLower(strings.TrimSpace(claims.AAL))); aal.Valid() {
				session.AssuranceLevel = aal
			}
			if claims.ExpiresAt != nil {
				session.ExpiresAt = claims.ExpiresAt.Time.UTC()
			}
		}
	}
	if session.AssuranceLevel == "" {
		session.AssuranceLevel = AssuranceLevel1
	}
	if err := session.Validate(); err != nil {
		return Session{}, err
	}
	return session, nil
}

func (m *SessionManager) ensureOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("core: session manager is closed")
	}
	return nil
}

// boundContext ties a caller context to the manager lifecycle so Close aborts in-flight calls.
func (m *SessionManager) boundContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return mergeCancel(ctx, m.lifecycleCtx)
}

func mapAuthError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidCredentials) {
		return NewAuthError("invalid email or password", err)
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return err
	}
	return controllerErrorMapper(err)
}
