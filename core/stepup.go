package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

type StepUpState string

const (
	StepUpIdle                   StepUpState = "idle"
	StepUpCheckingFactors        StepUpState = "checking_existing_factors"
	StepUpEnrollmentPending      StepUpState = "enrollment_pending"
	StepUpExistingFactorConflict StepUpState = "existing_factor_conflict"
	StepUpAwaitingCode           StepUpState = "awaiting_code"
	StepUpVerifying              StepUpState = "verifying"
	StepUpVerified               StepUpState = "verified"
	StepUpCancelled              StepUpState = "cancelled"
)

func (s StepUpState) Terminal() bool {
	return s == StepUpVerified || s == StepUpCancelled
}

const maxFriendlyNameAttempts = 8

var totpCodePattern = regexp.MustCompile(`^[0-9]{6}$`)

// ChallengeExpiringSoon reports whether the current TOTP window closes within the advisory window.
func ChallengeExpiringSoon(now time.Time, period time.Duration, window time.Duration) bool {
	periodSeconds := int64(period / time.Second)
	if periodSeconds <= 0 {
		periodSeconds = int64(DefaultTOTPPeriod / time.Second)
	}
	remaining := periodSeconds - (now.Unix() % periodSeconds)
	return remaining <= int64(window/time.Second)
}

type StepUpAuthenticator struct {
	obs      *observer
	sessions *SessionManager
	provider IdentityProvider
	ledger   ChallengeLedger
	cfg      MFAConfig
	now      func() time.Time
	suffix   func() string

	mu    sync.Mutex
	flows map[*StepUpFlow]struct{}
}

func newStepUpAuthenticator(
	sessions *SessionManager,
	provider IdentityProvider,
	ledger ChallengeLedger,
	cfg MFAConfig,
	obs *observer,
	now func() time.Time,
) *StepUpAuthenticator {
	return &StepUpAuthenticator{
		obs:      obs,
		sessions: sessions,
		provider: provider,
		ledger:   ledger,
		cfg:      cfg,
		now:      now,
		suffix:   randomFactorSuffix,
		flows:    map[*StepUpFlow]struct{}{},
	}
}

func randomFactorSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (a *StepUpAuthenticator) NewFlow() *StepUpFlow {
	flow := &StepUpFlow{
		auth:     a,
		state:    StepUpIdle,
		debounce: NewDebouncer[Session](a.cfg.VerifyDebounce),
	}
	flow.ctx, flow.cancel = context.WithCancel(a.sessions.ScopeContext())
	a.mu.Lock()
	a.flows[flow] = struct{}{}
	a.mu.Unlock()
	return flow
}

// CancelAll cancels every open flow, used when the identity behind them goes away.
func (a *StepUpAuthenticator) CancelAll() {
	if a == nil {
		return
	}
	a.mu.Lock()
	flows := make([]*StepUpFlow, 0, len(a.flows))
	for flow := range a.flows {
		flows = append(flows, flow)
	}
	a.flows = map[*StepUpFlow]struct{}{}
	a.mu.Unlock()
	for _, flow := range flows {
		flow.Cancel()
	}
	if a.ledger != nil {
		_ = a.ledger.Reset(context.Background())
	}
}

func (a *StepUpAuthenticator) ExpiringSoon(now time.Time) bool {
	return ChallengeExpiringSoon(now, a.cfg.Period, a.cfg.ExpiringSoonWindow)
}

func (a *StepUpAuthenticator) openFlows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.flows)
}

func (a *StepUpAuthenticator) release(flow *StepUpFlow) {
	a.mu.Lock()
	delete(a.flows, flow)
	a.mu.Unlock()
}

func (a *StepUpAuthenticator) mfa() (MFAProvider, error) {
	if a == nil || a.provider == nil || a.provider.MFA() == nil {
		return nil, fmt.Errorf("core: mfa provider is not configured")
	}
	return a.provider.MFA(), nil
}

// StepUpFlow is one enrollment or verification attempt driven by a UI.
type StepUpFlow struct {
	auth     *StepUpAuthenticator
	debounce *Debouncer[Session]
	ctx      context.Context
	cancel   context.CancelFunc

	mu               sync.Mutex
	state            StepUpState
	factors          []MFAFactor
	conflict         *MFAFactor
	enrollment       *Enrollment
	challenge        *Challenge
	enteredCode      string
	verifiedAt       time.Time
	verifiedFactorID string
}

func (f *StepUpFlow) State() StepUpState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *StepUpFlow) Conflict() (MFAFactor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflict == nil {
		return MFAFactor{}, false
	}
	return *f.conflict, true
}

func (f *StepUpFlow) Enrollment() (Enrollment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enrollment == nil {
		return Enrollment{}, false
	}
	return *f.enrollment, true
}

func (f *StepUpFlow) CurrentChallenge() (Challenge, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.challenge == nil {
		return Challenge{}, false
	}
	return *f.challenge, true
}

// StepUpProgress is a point-in-time view of a flow for callers that drive it remotely.
type StepUpProgress struct {
	State      StepUpState
	Enrollment *Enrollment
	Challenge  *Challenge
	Conflict   *MFAFactor
}

func (f *StepUpFlow) Progress() StepUpProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	progress := StepUpProgress{State: f.state}
	if f.enrollment != nil {
		enrollment := *f.enrollment
		progress.Enrollment = &enrollment
	}
	if f.challenge != nil {
		challenge := *f.challenge
		progress.Challenge = &challenge
	}
	if f.conflict != nil {
		conflict := *f.conflict
		progress.Conflict = &conflict
	}
	return progress
}

// EnteredCode is the last submitted code; it is cleared when a verification times out.
func (f *StepUpFlow) EnteredCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enteredCode
}

func (f *StepUpFlow) ExpiringSoon(now time.Time) bool {
	return f.auth.ExpiringSoon(now)
}

func (f *StepUpFlow) Start(ctx context.Context) (state StepUpState, err error) {
	startedAt := time.Now()
	defer func() { f.auth.obs.observeOperation(ctx, startedAt, "step_up_start", err, map[string]any{"state": string(state)}) }()

	if err := f.transition(StepUpCheckingFactors, StepUpIdle, StepUpEnrollmentPending, StepUpExistingFactorConflict); err != nil {
		return f.State(), err
	}
	session, err := f.auth.sessions.RequireSession(ctx)
	if err != nil {
		f.setState(StepUpIdle)
		return StepUpIdle, err
	}
	mfa, err := f.auth.mfa()
	if err != nil {
		f.setState(StepUpIdle)
		return StepUpIdle, err
	}
	callCtx, cancel := mergeCancel(ctx, f.ctx)
	defer cancel()
	factors, err := mfa.ListFactors(callCtx, session.AccessToken)
	if err != nil {
		f.setState(StepUpIdle)
		return StepUpIdle, NewMFAEnrollmentError("could not list existing factors", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StepUpCancelled {
		return f.state, context.Canceled
	}
	f.factors = append([]MFAFactor(nil), factors...)
	f.conflict = nil
	prefix := strings.TrimSpace(f.auth.cfg.FactorPrefix)
	for _, factor := range factors {
		if strings.HasPrefix(factor.FriendlyName, prefix) {
			existing := factor
			f.conflict = &existing
			break
		}
	}
	if f.conflict != nil {
		f.state = StepUpExistingFactorConflict
	} else {
		f.state = StepUpEnrollmentPending
	}
	return f.state, nil
}

func (f *StepUpFlow) Enroll(ctx context.Context) (enrollment Enrollment, err error) {
	startedAt := time.Now()
	defer func() {
		f.auth.obs.observeOperation(ctx, startedAt, "mfa_enroll", err, map[string]any{"factor_id": enrollment.FactorID})
	}()

	if err := f.require(StepUpEnrollmentPending); err != nil {
		return Enrollment{}, err
	}
	session, err := f.auth.sessions.RequireSession(ctx)
	if err != nil {
		return Enrollment{}, err
	}
	mfa, err := f.auth.mfa()
	if err != nil {
		return Enrollment{}, err
	}

	name, err := f.friendlyName()
	if err != nil {
		return Enrollment{}, err
	}
	callCtx, cancel := mergeCancel(ctx, f.ctx)
	defer cancel()
	enrollment, err = mfa.Enroll(callCtx, session.AccessToken, EnrollRequest{
		FactorType:   FactorTypeTOTP,
		FriendlyName: name,
		Issuer:       f.auth.cfg.Issuer,
	})
	if err != nil {
		return Enrollment{}, NewMFAEnrollmentError("factor enrollment was rejected", err)
	}
	if enrollment.FriendlyName == "" {
		enrollment.FriendlyName = name
	}

	f.mu.Lock()
	stored := enrollment
	f.enrollment = &stored
	f.factors = append(f.factors, MFAFactor{
		ID:           enrollment.FactorID,
		Type:         FactorTypeTOTP,
		FriendlyName: enrollment.FriendlyName,
		Status:       FactorStatusUnverified,
		CreatedAt:    f.auth.now(),
	})
	f.mu.Unlock()
	return enrollment, nil
}

// Keep selects the conflicting factor and challenges it.
func (f *StepUpFlow) Keep(ctx context.Context) (Challenge, error) {
	f.mu.Lock()
	state := f.state
	conflict := f.conflict
	f.mu.Unlock()
	if state != StepUpExistingFactorConflict || conflict == nil {
		return Challenge{}, invalidTransition("keep", state)
	}
	return f.Challenge(ctx, conflict.ID)
}

// Replace removes the conflicting factor and enrolls a new one. A verified factor
// is only removed after a fresh verification in this flow.
func (f *StepUpFlow) Replace(ctx context.Context) (Enrollment, error) {
	f.mu.Lock()
	state := f.state
	conflict := f.conflict
	f.mu.Unlock()
	if conflict == nil || (state != StepUpExistingFactorConflict && state != StepUpVerified) {
		return Enrollment{}, invalidTransition("replace", state)
	}

	if conflict.Status == FactorStatusVerified {
		if err := f.Unenroll(ctx, conflict.ID); err != nil {
			return Enrollment{}, err
		}
	} else if err := f.unenroll(ctx, conflict.ID); err != nil {
		return Enrollment{}, err
	}

	f.mu.Lock()
	f.conflict = nil
	f.enrollment = nil
	f.challenge = nil
	f.state = StepUpEnrollmentPending
	f.mu.Unlock()
	return f.Enroll(ctx)
}

func (f *StepUpFlow) Challenge(ctx context.Context, factorID string) (challenge Challenge, err error) {
	startedAt := time.Now()
	defer func() {
		f.auth.obs.observeOperation(ctx, startedAt, "mfa_challenge", err, map[string]any{
			"factor_id":    factorID,
			"challenge_id": challenge.ID,
		})
	}()

	factorID = strings.TrimSpace(factorID)
	if factorID == "" {
		return Challenge{}, NewBadInputError("factor id is required", goerrors.FieldError{Field: "factor_id", Message: "required"})
	}
	if err := f.require(StepUpEnrollmentPending, StepUpExistingFactorConflict, StepUpAwaitingCode, StepUpVerified); err != nil {
		return Challenge{}, err
	}
	session, err := f.auth.sessions.RequireSession(ctx)
	if err != nil {
		return Challenge{}, err
	}
	mfa, err := f.auth.mfa()
	if err != nil {
		return Challenge{}, err
	}
	callCtx, cancel := mergeCancel(ctx, f.ctx)
	defer cancel()
	challenge, err = mfa.Challenge(callCtx, session.AccessToken, factorID)
	if err != nil {
		return Challenge{}, NewMFAChallengeError("could not issue a challenge for the factor", err)
	}
	if challenge.FactorID == "" {
		challenge.FactorID = factorID
	}
	if challenge.ExpiresAt.IsZero() {
		challenge.ExpiresAt = f.auth.now().Add(f.auth.cfg.Period)
	}
	if f.auth.ledger != nil {
		if err := f.auth.ledger.Track(callCtx, challenge); err != nil {
			return Challenge{}, NewMFAChallengeError("challenge could not be tracked", err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StepUpCancelled {
		return Challenge{}, context.Canceled
	}
	stored := challenge
	f.challenge = &stored
	f.enteredCode = ""
	if f.state != StepUpVerified {
		f.state = StepUpAwaitingCode
	}
	return challenge, nil
}

// Verify submits a code. Submissions inside the debounce window share one provider call.
func (f *StepUpFlow) Verify(ctx context.Context, factorID string, challengeID string, code string) (session Session, err error) {
	startedAt := time.Now()
	defer func() {
		f.auth.obs.observeOperation(ctx, startedAt, "mfa_verify", err, map[string]any{
			"factor_id":    factorID,
			"challenge_id": challengeID,
		})
	}()

	code = strings.TrimSpace(code)
	factorID = strings.TrimSpace(factorID)
	challengeID = strings.TrimSpace(challengeID)
	if !totpCodePattern.MatchString(code) {
		return Session{}, NewInvalidCodeError("verification code must be exactly 6 digits")
	}
	if factorID == "" || challengeID == "" {
		return Session{}, NewBadInputError("factor id and challenge id are required")
	}
	if err := f.require(StepUpAwaitingCode, StepUpVerifying, StepUpVerified); err != nil {
		return Session{}, err
	}
	if f.auth.ledger != nil {
		state, err := f.auth.ledger.State(ctx, challengeID)
		if err != nil {
			return Session{}, NewMFAChallengeError("challenge state unavailable", err)
		}
		switch state {
		case ChallengeConsumed:
			return Session{}, NewExpiredChallengeError("challenge was already used, request a new code")
		case ChallengeExpired:
			_, _ = f.auth.ledger.Consume(ctx, challengeID)
			return Session{}, NewExpiredChallengeError("challenge has expired, request a new code")
		}
	}

	f.mu.Lock()
	if f.state == StepUpCancelled {
		f.mu.Unlock()
		return Session{}, context.Canceled
	}
	f.enteredCode = code
	previous := f.state
	f.state = StepUpVerifying
	f.mu.Unlock()

	session, err = f.debounce.Do(ctx, func(runCtx context.Context) (Session, error) {
		return f.verifyNow(runCtx, factorID, challengeID, code, previous)
	})
	if errors.Is(err, ErrDebounceStopped) {
		return Session{}, context.Canceled
	}
	if err != nil && ctx.Err() != nil && !f.debounce.Busy() && f.State() == StepUpVerifying {
		// every submitter left before the attempt ran
		f.settle(previous, false)
	}
	return session, err
}

func (f *StepUpFlow) verifyNow(ctx context.Context, factorID string, challengeID string, code string, previous StepUpState) (Session, error) {
	current, err := f.auth.sessions.RequireSession(ctx)
	if err != nil {
		f.settle(previous, false)
		return Session{}, err
	}
	mfa, err := f.auth.mfa()
	if err != nil {
		f.settle(previous, false)
		return Session{}, err
	}

	bound, cancelBound := mergeCancel(ctx, f.ctx)
	defer cancelBound()
	callCtx, cancel := context.WithTimeout(bound, f.auth.cfg.VerifyTimeout)
	defer cancel()

	verified, err := awaitCall(callCtx, func(callCtx context.Context) (Session, error) {
		return mfa.Verify(callCtx, current.AccessToken, VerifyRequest{
			FactorID:    factorID,
			ChallengeID: challengeID,
			Code:        code,
		})
	})
	if err != nil {
		switch {
		case errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
			f.settle(previous, true)
			return Session{}, NewTimeoutError("mfa verification")
		case errors.Is(err, ErrInvalidCode):
			f.settle(previous, false)
			return Session{}, NewInvalidCodeError("verification code is incorrect")
		case errors.Is(err, ErrChallengeExpired):
			if f.auth.ledger != nil {
				_, _ = f.auth.ledger.Consume(context.WithoutCancel(ctx), challengeID)
			}
			f.settle(previous, false)
			return Session{}, NewExpiredChallengeError("challenge has expired, request a new code")
		case HasCode(err, ErrorMFAInvalidCode), HasCode(err, ErrorMFAExpiredChallenge), HasCode(err, ErrorTimeout):
			f.settle(previous, false)
			return Session{}, err
		default:
			f.settle(previous, false)
			return Session{}, NewMFAChallengeError("verification failed", err)
		}
	}

	if f.auth.ledger != nil {
		_, _ = f.auth.ledger.Consume(context.WithoutCancel(ctx), challengeID)
	}
	upgraded, err := f.auth.sessions.applyVerified(verified)
	if err != nil {
		f.settle(previous, false)
		return Session{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StepUpCancelled {
		return upgraded, nil
	}
	f.state = StepUpVerified
	f.verifiedAt = f.auth.now()
	f.verifiedFactorID = factorID
	f.enteredCode = ""
	for i := range f.factors {
		if f.factors[i].ID == factorID {
			f.factors[i].Status = FactorStatusVerified
		}
	}
	if f.conflict != nil && f.conflict.ID == factorID {
		f.conflict.Status = FactorStatusVerified
	}
	return upgraded, nil
}

func (f *StepUpFlow) settle(previous StepUpState, clearCode bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StepUpCancelled {
		return
	}
	if clearCode {
		f.enteredCode = ""
	}
	if previous == StepUpVerified {
		f.state = StepUpVerified
		return
	}
	f.state = StepUpAwaitingCode
}

// Unenroll removes a factor. It needs a successful verification in this flow within the
// reverification window, and consumes that proof.
func (f *StepUpFlow) Unenroll(ctx context.Context, factorID string) error {
	factorID = strings.TrimSpace(factorID)
	if factorID == "" {
		return NewBadInputError("factor id is required", goerrors.FieldError{Field: "factor_id", Message: "required"})
	}
	f.mu.Lock()
	verifiedAt := f.verifiedAt
	cancelled := f.state == StepUpCancelled
	f.mu.Unlock()
	if cancelled {
		return invalidTransition("unenroll", StepUpCancelled)
	}
	if verifiedAt.IsZero() || f.auth.now().Sub(verifiedAt) > f.auth.cfg.ReverificationWindow {
		err := NewReverificationRequiredError()
		f.auth.obs.observeOperation(ctx, time.Now(), "mfa_unenroll", err, map[string]any{"factor_id": factorID})
		return err
	}
	if err := f.unenroll(ctx, factorID); err != nil {
		return err
	}
	f.mu.Lock()
	f.verifiedAt = time.Time{}
	f.verifiedFactorID = ""
	f.mu.Unlock()
	return nil
}

func (f *StepUpFlow) unenroll(ctx context.Context, factorID string) (err error) {
	startedAt := time.Now()
	defer func() { f.auth.obs.observeOperation(ctx, startedAt, "mfa_unenroll", err, map[string]any{"factor_id": factorID}) }()

	session, err := f.auth.sessions.RequireSession(ctx)
	if err != nil {
		return err
	}
	mfa, err := f.auth.mfa()
	if err != nil {
		return err
	}
	callCtx, cancel := mergeCancel(ctx, f.ctx)
	defer cancel()
	if err := mfa.Unenroll(callCtx, session.AccessToken, factorID); err != nil {
		if errors.Is(err, ErrFactorNotFound) {
			return NewMFAChallengeError("factor not found", err)
		}
		return NewMFAEnrollmentError("factor could not be removed", err)
	}

	f.mu.Lock()
	kept := f.factors[:0]
	for _, factor := range f.factors {
		if factor.ID != factorID {
			kept = append(kept, factor)
		}
	}
	f.factors = kept
	if f.conflict != nil && f.conflict.ID == factorID {
		f.conflict = nil
	}
	f.mu.Unlock()

	if _, err := f.auth.sessions.RefreshAssurance(callCtx); err != nil {
		f.auth.obs.logWarn(ctx, "assurance refresh after unenroll failed", map[string]any{"error": err.Error()})
	}
	return nil
}

// Cancel moves an open flow to cancelled and stops its pending verification. A verified
// flow keeps its state but is released and can no longer unenroll.
func (f *StepUpFlow) Cancel() {
	f.mu.Lock()
	if !f.state.Terminal() {
		f.state = StepUpCancelled
		f.enteredCode = ""
	}
	f.verifiedAt = time.Time{}
	f.verifiedFactorID = ""
	f.mu.Unlock()
	f.debounce.Stop()
	f.cancel()
	f.auth.release(f)
}

func (f *StepUpFlow) friendlyName() (string, error) {
	f.mu.Lock()
	taken := make(map[string]struct{}, len(f.factors))
	for _, factor := range f.factors {
		taken[factor.FriendlyName] = struct{}{}
	}
	f.mu.Unlock()

	prefix := strings.TrimSpace(f.auth.cfg.FactorPrefix)
	for attempt := 0; attempt < maxFriendlyNameAttempts; attempt++ {
		candidate := prefix + "-" + f.auth.suffix()
		if _, exists := taken[candidate]; !exists {
			return candidate, nil
		}
	}
	return "", NewMFAEnrollmentError("could not generate a unique factor name", nil)
}

func (f *StepUpFlow) transition(next StepUpState, allowed ...StepUpState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, state := range allowed {
		if f.state == state {
			f.state = next
			return nil
		}
	}
	return invalidTransition(string(next), f.state)
}

func (f *StepUpFlow) require(allowed ...StepUpState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, state := range allowed {
		if f.state == state {
			return nil
		}
	}
	return invalidTransition("operation", f.state)
}

func (f *StepUpFlow) setState(state StepUpState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StepUpCancelled {
		f.state = state
	}
}

func invalidTransition(operation string, state StepUpState) *goerrors.Error {
	return NewBadInputError(fmt.Sprintf("step-up %s is not allowed in state %s", operation, state)).
		WithMetadata(map[string]any{"state": string(state)})
}
