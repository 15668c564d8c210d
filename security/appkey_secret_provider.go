package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
)

const DefaultKeyID = "loyalty-app-key"

type Option func(*AppKeySecretProvider) error

// AppKeySecretProvider seals TOTP factor secrets with AES-GCM under an application key.
// Factors outlive key rotations, so previous key versions can be kept for opening secrets
// sealed before the rotation; new secrets are always sealed under the active version.
type AppKeySecretProvider struct {
	keyID   string
	active  int
	ciphers map[int]cipher.AEAD
}

func WithKeyID(id string) Option {
	return func(p *AppKeySecretProvider) error {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			if strings.Contains(trimmed, ":") {
				return fmt.Errorf("security: key id %q must not contain ':'", trimmed)
			}
			p.keyID = trimmed
		}
		return nil
	}
}

// WithVersion numbers the active key. Versions start at 1.
func WithVersion(version int) Option {
	return func(p *AppKeySecretProvider) error {
		if version <= 0 {
			return fmt.Errorf("security: key version must be positive, got %d", version)
		}
		p.active = version
		return nil
	}
}

// WithPreviousKey keeps an older key version available for Decrypt.
func WithPreviousKey(version int, keyMaterial []byte) Option {
	return func(p *AppKeySecretProvider) error {
		if version <= 0 {
			return fmt.Errorf("security: key version must be positive, got %d", version)
		}
		aead, err := newAEAD(keyMaterial)
		if err != nil {
			return err
		}
		p.ciphers[version] = aead
		return nil
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	aead, err := newAEAD(keyMaterial)
	if err != nil {
		return nil, err
	}
	p := &AppKeySecretProvider{
		keyID:   DefaultKeyID,
		active:  1,
		ciphers: map[int]cipher.AEAD{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if _, clash := p.ciphers[p.active]; clash {
		return nil, fmt.Errorf("security: previous key reuses active version %d", p.active)
	}
	p.ciphers[p.active] = aead
	return p, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	aead := p.ciphers[p.active]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	env := envelope{keyID: p.keyID, version: p.active, nonce: nonce}
	env.ciphertext = aead.Seal(nil, nonce, plaintext, p.additionalData(env.version))
	return env.encode(), nil
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, sealed []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	env, err := decodeEnvelope(sealed)
	if err != nil {
		return nil, err
	}
	if env.keyID != p.keyID {
		return nil, fmt.Errorf("security: key id mismatch: got %q want %q", env.keyID, p.keyID)
	}
	aead, ok := p.ciphers[env.version]
	if !ok {
		return nil, fmt.Errorf("security: no key for version %d", env.version)
	}
	if len(env.nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("security: invalid nonce size %d", len(env.nonce))
	}
	plaintext, err := aead.Open(nil, env.nonce, env.ciphertext, p.additionalData(env.version))
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

// NeedsReseal reports whether sealed was produced under a key version other than the
// active one.
func (p *AppKeySecretProvider) NeedsReseal(sealed []byte) (bool, error) {
	meta, err := ParseEnvelopeMetadata(sealed)
	if err != nil {
		return false, err
	}
	return meta.KeyID != p.KeyID() || meta.Version != p.Version(), nil
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.keyID
}

func (p *AppKeySecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.active
}

// additionalData binds the ciphertext to its key id and version so header fields
// cannot be swapped between envelopes.
func (p *AppKeySecretProvider) additionalData(version int) []byte {
	return fmt.Appendf(nil, "%s:%d", p.keyID, version)
}

func newAEAD(keyMaterial []byte) (cipher.AEAD, error) {
	material := bytes.TrimSpace(keyMaterial)
	if len(material) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	block, err := aes.NewCipher(deriveKey(material))
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return aead, nil
}

// deriveKey uses 32-byte material as is and hashes anything else to AES-256 size.
func deriveKey(material []byte) []byte {
	if len(material) == 32 {
		return bytes.Clone(material)
	}
	sum := sha256.Sum256(material)
	return sum[:]
}
