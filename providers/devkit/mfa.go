package devkit

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-loyalty/core"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

type memoryMFA struct {
	provider *MemoryIdentityProvider
}

func (m *memoryMFA) Enroll(ctx context.Context, accessToken string, req core.EnrollRequest) (core.Enrollment, error) {
	p := m.provider
	user, _, err := p.authenticate(accessToken)
	if err != nil {
		return core.Enrollment{}, err
	}
	if req.FactorType != "" && req.FactorType != core.FactorTypeTOTP {
		return core.Enrollment{}, fmt.Errorf("devkit: unsupported factor type %q", req.FactorType)
	}
	friendlyName := strings.TrimSpace(req.FriendlyName)
	issuer := strings.TrimSpace(req.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}

	p.mu.Lock()
	if len(user.factors) >= p.maxFactors {
		p.mu.Unlock()
		return core.Enrollment{}, core.ErrFactorLimitReached
	}
	for _, factor := range user.factors {
		if friendlyName != "" && factor.friendlyName == friendlyName {
			p.mu.Unlock()
			return core.Enrollment{}, ErrDuplicateFactorName
		}
	}
	email := user.email
	p.mu.Unlock()

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: email,
		Period:      p.period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return core.Enrollment{}, fmt.Errorf("devkit: generate totp secret: %w", err)
	}
	sealed, err := p.sealer.Encrypt(ctx, []byte(key.Secret()))
	if err != nil {
		return core.Enrollment{}, fmt.Errorf("devkit: seal totp secret: %w", err)
	}

	factor := &memoryFactor{
		id:           newID(),
		friendlyName: friendlyName,
		status:       core.FactorStatusUnverified,
		sealedSecret: sealed,
		createdAt:    p.now(),
	}
	p.mu.Lock()
	if len(user.factors) >= p.maxFactors {
		p.mu.Unlock()
		return core.Enrollment{}, core.ErrFactorLimitReached
	}
	user.factors = append(user.factors, factor)
	p.mu.Unlock()

	return core.Enrollment{
		FactorID:     factor.id,
		FriendlyName: factor.friendlyName,
		Secret:       key.Secret(),
		URI:          key.URL(),
	}, nil
}

func (m *memoryMFA) Challenge(_ context.Context, accessToken string, factorID string) (core.Challenge, error) {
	p := m.provider
	user, _, err := p.authenticate(accessToken)
	if err != nil {
		return core.Challenge{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	factor := user.factor(factorID)
	if factor == nil {
		return core.Challenge{}, core.ErrFactorNotFound
	}
	challenge := &memoryChallenge{
		id:        newID(),
		userID:    user.id,
		factorID:  factor.id,
		expiresAt: p.now().Add(p.challengeTTL),
	}
	p.challenges[challenge.id] = challenge
	return core.Challenge{
		ID:        challenge.id,
		FactorID:  challenge.factorID,
		ExpiresAt: challenge.expiresAt,
	}, nil
}

// Verify consumes the challenge on success and issues an aal2 session. A wrong code leaves the
// challenge open until it expires.
func (m *memoryMFA) Verify(ctx context.Context, accessToken string, req core.VerifyRequest) (core.Session, error) {
	p := m.provider
	user, _, err := p.authenticate(accessToken)
	if err != nil {
		return core.Session{}, err
	}

	p.mu.Lock()
	challenge, ok := p.challenges[strings.TrimSpace(req.ChallengeID)]
	if !ok || challenge.userID != user.id {
		p.mu.Unlock()
		return core.Session{}, core.ErrChallengeExpired
	}
	if !p.now().Before(challenge.expiresAt) {
		delete(p.challenges, challenge.id)
		p.mu.Unlock()
		return core.Session{}, core.ErrChallengeExpired
	}
	factor := user.factor(req.FactorID)
	if factor == nil || factor.id != challenge.factorID {
		p.mu.Unlock()
		return core.Session{}, core.ErrFactorNotFound
	}
	sealed := factor.sealedSecret
	p.mu.Unlock()

	secret, err := p.sealer.Decrypt(ctx, sealed)
	if err != nil {
		return core.Session{}, fmt.Errorf("devkit: unseal totp secret: %w", err)
	}
	valid, err := totp.ValidateCustom(strings.TrimSpace(req.Code), string(secret), p.now(), p.validateOpts())
	if err != nil || !valid {
		return core.Session{}, core.ErrInvalidCode
	}

	p.mu.Lock()
	if _, open := p.challenges[challenge.id]; !open {
		p.mu.Unlock()
		return core.Session{}, core.ErrChallengeExpired
	}
	delete(p.challenges, challenge.id)
	factor.status = core.FactorStatusVerified
	p.mu.Unlock()

	session, err := p.startSession(user, core.AssuranceLevel2)
	if err != nil {
		return core.Session{}, err
	}
	p.emit(core.AuthEventMFAChallengeVerified, &session)
	return session, nil
}

func (m *memoryMFA) Unenroll(_ context.Context, accessToken string, factorID string) error {
	p := m.provider
	user, level, err := p.authenticate(accessToken)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	factor := user.factor(factorID)
	if factor == nil {
		return core.ErrFactorNotFound
	}
	if factor.status == core.FactorStatusVerified && level != core.AssuranceLevel2 {
		return ErrAssuranceRequired
	}
	kept := user.factors[:0]
	for _, candidate := range user.factors {
		if candidate.id != factor.id {
			kept = append(kept, candidate)
		}
	}
	user.factors = kept
	for id, challenge := range p.challenges {
		if challenge.factorID == factor.id {
			delete(p.challenges, id)
		}
	}
	return nil
}

func (m *memoryMFA) ListFactors(_ context.Context, accessToken string) ([]core.MFAFactor, error) {
	p := m.provider
	user, _, err := p.authenticate(accessToken)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.MFAFactor, 0, len(user.factors))
	for _, factor := range user.factors {
		out = append(out, core.MFAFactor{
			ID:           factor.id,
			Type:         core.FactorTypeTOTP,
			FriendlyName: factor.friendlyName,
			Status:       factor.status,
			CreatedAt:    factor.createdAt,
		})
	}
	return out, nil
}

// GetAuthenticatorAssuranceLevel reports aal2 as the next level once any factor is verified.
func (m *memoryMFA) GetAuthenticatorAssuranceLevel(_ context.Context, accessToken string) (core.AssuranceLevels, error) {
	p := m.provider
	user, level, err := p.authenticate(accessToken)
	if err != nil {
		return core.AssuranceLevels{}, err
	}
	if !level.Valid() {
		level = core.AssuranceLevel1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	next := core.AssuranceLevel1
	if user.hasVerifiedFactor() {
		next = core.AssuranceLevel2
	}
	if level == core.AssuranceLevel2 {
		next = core.AssuranceLevel2
	}
	return core.AssuranceLevels{Current: level, Next: next}, nil
}
