package devkit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-loyalty/core"
	"github.com/goliatone/go-loyalty/security"
	"github.com/oklog/ulid/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultSigningKey   = "go-loyalty-devkit-signing-key"
	DefaultTokenTTL     = time.Hour
	DefaultChallengeTTL = 5 * time.Minute
	DefaultMaxFactors   = 10
	DefaultIssuer       = "Loyalty"
)

var (
	ErrUserExists          = errors.New("devkit: user already registered")
	ErrAssuranceRequired   = errors.New("devkit: aal2 required to unenroll a verified factor")
	ErrDuplicateFactorName = errors.New("devkit: a factor with this friendly name already exists")
)

// SecretSealer protects TOTP secrets held by the provider.
type SecretSealer interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type IdentityOption func(*MemoryIdentityProvider)

func WithIdentityClock(now func() time.Time) IdentityOption {
	return func(p *MemoryIdentityProvider) {
		if now != nil {
			p.now = now
		}
	}
}

func WithSigningKey(key string) IdentityOption {
	return func(p *MemoryIdentityProvider) {
		if strings.TrimSpace(key) != "" {
			p.signingKey = []byte(key)
		}
	}
}

func WithTokenTTL(ttl time.Duration) IdentityOption {
	return func(p *MemoryIdentityProvider) {
		if ttl > 0 {
			p.tokenTTL = ttl
		}
	}
}

func WithChallengeTTL(ttl time.Duration) IdentityOption {
	return func(p *MemoryIdentityProvider) {
		if ttl > 0 {
			p.challengeTTL = ttl
		}
	}
}

func WithMaxFactors(limit int) IdentityOption {
	return func(p *MemoryIdentityProvider) {
		if limit > 0 {
			p.maxFactors = limit
		}
	}
}

func WithTOTPPeriod(period time.Duration) IdentityOption {
	return func(p *MemoryIdentityProvider) {
		if period >= time.Second {
			p.period = uint(period / time.Second)
		}
	}
}

func WithPasswordCost(cost int) IdentityOption {
	return func(p *MemoryIdentityProvider) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			p.passwordCost = cost
		}
	}
}

func WithSecretSealer(sealer SecretSealer) IdentityOption {
	return func(p *MemoryIdentityProvider) {
		if sealer != nil {
			p.sealer = sealer
		}
	}
}

// WithEmailConfirmation makes SignUp hold new accounts until ConfirmUser is called.
func WithEmailConfirmation() IdentityOption {
	return func(p *MemoryIdentityProvider) {
		p.confirmSignUps = true
	}
}

type accessClaims struct {
	Email string `json:"email,omitempty"`
	AAL   string `json:"aal,omitempty"`
	jwt.RegisteredClaims
}

type memoryUser struct {
	id           string
	email        string
	passwordHash []byte
	confirmed    bool
	factors      []*memoryFactor
}

type memoryFactor struct {
	id           string
	friendlyName string
	status       core.FactorStatus
	sealedSecret []byte
	createdAt    time.Time
}

type memoryChallenge struct {
	id        string
	userID    string
	factorID  string
	expiresAt time.Time
}

// MemoryIdentityProvider is a development identity provider with password sign-in,
// HS256 access tokens carrying the aal claim, and TOTP factors.
type MemoryIdentityProvider struct {
	now            func() time.Time
	signingKey     []byte
	tokenTTL       time.Duration
	challengeTTL   time.Duration
	maxFactors     int
	period         uint
	passwordCost   int
	confirmSignUps bool
	sealer         SecretSealer

	mu          sync.Mutex
	users       map[string]*memoryUser
	usersByID   map[string]*memoryUser
	tokens      map[string]string
	current     *core.Session
	challenges  map[string]*memoryChallenge
	handlers    map[int]core.AuthStateHandler
	nextHandler int
}

func NewMemoryIdentityProvider(opts ...IdentityOption) (*MemoryIdentityProvider, error) {
	p := &MemoryIdentityProvider{
		now:          func() time.Time { return time.Now().UTC() },
		signingKey:   []byte(DefaultSigningKey),
		tokenTTL:     DefaultTokenTTL,
		challengeTTL: DefaultChallengeTTL,
		maxFactors:   DefaultMaxFactors,
		period:       uint(core.DefaultTOTPPeriod / time.Second),
		passwordCost: bcrypt.DefaultCost,
		users:        map[string]*memoryUser{},
		usersByID:    map[string]*memoryUser{},
		tokens:       map[string]string{},
		challenges:   map[string]*memoryChallenge{},
		handlers:     map[int]core.AuthStateHandler{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.sealer == nil {
		sealer, err := security.NewAppKeySecretProvider(p.signingKey, security.WithKeyID("devkit-totp"))
		if err != nil {
			return nil, err
		}
		p.sealer = sealer
	}
	return p, nil
}

// CreateUser seeds a confirmed account and returns its id.
func (p *MemoryIdentityProvider) CreateUser(email string, password string) (string, error) {
	user, err := p.register(email, password, true)
	if err != nil {
		return "", err
	}
	return user.id, nil
}

func (p *MemoryIdentityProvider) ConfirmUser(email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	user, ok := p.users[normalizeEmail(email)]
	if !ok {
		return fmt.Errorf("devkit: unknown user %q", email)
	}
	user.confirmed = true
	return nil
}

func (p *MemoryIdentityProvider) register(email string, password string, confirmed bool) (*memoryUser, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("devkit: email and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.passwordCost)
	if err != nil {
		return nil, fmt.Errorf("devkit: hash password: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.users[email]; exists {
		return nil, ErrUserExists
	}
	user := &memoryUser{
		id:           newID(),
		email:        email,
		passwordHash: hash,
		confirmed:    confirmed,
	}
	p.users[email] = user
	p.usersByID[user.id] = user
	return user, nil
}

func (p *MemoryIdentityProvider) GetSession(context.Context) (*core.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil, nil
	}
	if p.current.Expired(p.now()) {
		delete(p.tokens, p.current.AccessToken)
		p.current = nil
		return nil, nil
	}
	session := *p.current
	return &session, nil
}

func (p *MemoryIdentityProvider) OnAuthStateChange(handler core.AuthStateHandler) (core.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("devkit: auth state handler is required")
	}
	p.mu.Lock()
	id := p.nextHandler
	p.nextHandler++
	p.handlers[id] = handler
	p.mu.Unlock()
	return core.SubscriptionFunc(func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}), nil
}

func (p *MemoryIdentityProvider) SignInWithPassword(_ context.Context, email string, password string) (core.Session, error) {
	p.mu.Lock()
	user, ok := p.users[normalizeEmail(email)]
	confirmed := ok && user.confirmed
	p.mu.Unlock()
	if !confirmed {
		return core.Session{}, core.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(user.passwordHash, []byte(password)); err != nil {
		return core.Session{}, core.ErrInvalidCredentials
	}

	session, err := p.startSession(user, core.AssuranceLevel1)
	if err != nil {
		return core.Session{}, err
	}
	p.emit(core.AuthEventSignedIn, &session)
	return session, nil
}

func (p *MemoryIdentityProvider) SignUp(_ context.Context, email string, password string) (core.SignUpResult, error) {
	user, err := p.register(email, password, !p.confirmSignUps)
	if err != nil {
		return core.SignUpResult{}, err
	}
	if p.confirmSignUps {
		return core.SignUpResult{ConfirmationRequired: true}, nil
	}
	session, err := p.startSession(user, core.AssuranceLevel1)
	if err != nil {
		return core.SignUpResult{}, err
	}
	p.emit(core.AuthEventSignedIn, &session)
	return core.SignUpResult{Session: &session}, nil
}

func (p *MemoryIdentityProvider) SignOut(_ context.Context, accessToken string) error {
	p.mu.Lock()
	delete(p.tokens, strings.TrimSpace(accessToken))
	signedOut := p.current != nil
	p.current = nil
	p.mu.Unlock()
	if signedOut {
		p.emit(core.AuthEventSignedOut, nil)
	}
	return nil
}

func (p *MemoryIdentityProvider) MFA() core.MFAProvider {
	return &memoryMFA{provider: p}
}

// GenerateCode returns the current TOTP code for a factor, as an authenticator app would.
func (p *MemoryIdentityProvider) GenerateCode(ctx context.Context, factorID string) (string, error) {
	p.mu.Lock()
	var sealed []byte
	for _, user := range p.users {
		if factor := user.factor(factorID); factor != nil {
			sealed = factor.sealedSecret
			break
		}
	}
	p.mu.Unlock()
	if sealed == nil {
		return "", core.ErrFactorNotFound
	}
	secret, err := p.sealer.Decrypt(ctx, sealed)
	if err != nil {
		return "", err
	}
	return totp.GenerateCodeCustom(string(secret), p.now(), p.validateOpts())
}

// ExpireSession forces the current session past its expiry.
func (p *MemoryIdentityProvider) ExpireSession() {
	p.mu.Lock()
	if p.current != nil {
		p.current.ExpiresAt = p.now().Add(-time.Second)
	}
	p.mu.Unlock()
}

func (p *MemoryIdentityProvider) startSession(user *memoryUser, level core.AssuranceLevel) (core.Session, error) {
	now := p.now()
	expiresAt := now.Add(p.tokenTTL)
	claims := accessClaims{
		Email: user.email,
		AAL:   string(level),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        newID(),
			Subject:   user.id,
			Issuer:    "go-loyalty-devkit",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.signingKey)
	if err != nil {
		return core.Session{}, fmt.Errorf("devkit: sign access token: %w", err)
	}
	session := core.Session{
		UserID:         user.id,
		Email:          user.email,
		AccessToken:    token,
		AssuranceLevel: level,
		ExpiresAt:      jwt.NewNumericDate(expiresAt).Time.UTC(),
	}

	p.mu.Lock()
	if p.current != nil {
		delete(p.tokens, p.current.AccessToken)
	}
	p.tokens[token] = user.id
	current := session
	p.current = &current
	p.mu.Unlock()
	return session, nil
}

// authenticate resolves an access token to its user and assurance level. Revoked, expired or
// foreign tokens yield ErrSessionNotFound.
func (p *MemoryIdentityProvider) authenticate(accessToken string) (*memoryUser, core.AssuranceLevel, error) {
	accessToken = strings.TrimSpace(accessToken)
	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(accessToken, claims, func(token *jwt.Token) (any, error) {
		return p.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(p.now))
	if err != nil || !token.Valid {
		return nil, "", core.ErrSessionNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	userID, ok := p.tokens[accessToken]
	if !ok || userID != claims.Subject {
		return nil, "", core.ErrSessionNotFound
	}
	user, ok := p.usersByID[userID]
	if !ok {
		return nil, "", core.ErrSessionNotFound
	}
	return user, core.AssuranceLevel(claims.AAL), nil
}

func (p *MemoryIdentityProvider) emit(event core.AuthEvent, session *core.Session) {
	p.mu.Lock()
	ids := make([]int, 0, len(p.handlers))
	for id := range p.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]core.AuthStateHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, p.handlers[id])
	}
	p.mu.Unlock()

	for _, handler := range handlers {
		change := core.AuthStateChange{Event: event}
		if session != nil {
			copied := *session
			change.Session = &copied
		}
		handler(change)
	}
}

func (p *MemoryIdentityProvider) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    p.period,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

func (u *memoryUser) factor(factorID string) *memoryFactor {
	factorID = strings.TrimSpace(factorID)
	for _, factor := range u.factors {
		if factor.id == factorID {
			return factor
		}
	}
	return nil
}

func (u *memoryUser) hasVerifiedFactor() bool {
	for _, factor := range u.factors {
		if factor.status == core.FactorStatusVerified {
			return true
		}
	}
	return false
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newID() string {
	return strings.ToLower(ulid.Make().String())
}

var (
	_ core.IdentityProvider = (*MemoryIdentityProvider)(nil)
	_ core.MFAProvider      = (*memoryMFA)(nil)
)
