package security

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Sealed secrets are stored as
//
//	loyalty.secret.v1:<key id>:<key version>:<nonce>:<ciphertext>
//
// with nonce and ciphertext in unpadded base64url.
const (
	envelopePrefix    = "loyalty.secret.v1:"
	envelopeAlgorithm = "aes-256-gcm"
)

var payloadEncoding = base64.RawURLEncoding

type envelope struct {
	keyID      string
	version    int
	nonce      []byte
	ciphertext []byte
}

type EnvelopeMetadata struct {
	KeyID     string
	Version   int
	Algorithm string
}

// ParseEnvelopeMetadata reads the key id and version of a sealed factor secret without
// decrypting it.
func ParseEnvelopeMetadata(sealed []byte) (EnvelopeMetadata, error) {
	env, err := decodeEnvelope(sealed)
	if err != nil {
		return EnvelopeMetadata{}, err
	}
	return EnvelopeMetadata{KeyID: env.keyID, Version: env.version, Algorithm: envelopeAlgorithm}, nil
}

func (e envelope) encode() []byte {
	var b strings.Builder
	b.WriteString(envelopePrefix)
	b.WriteString(e.keyID)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(e.version))
	b.WriteByte(':')
	b.WriteString(payloadEncoding.EncodeToString(e.nonce))
	b.WriteByte(':')
	b.WriteString(payloadEncoding.EncodeToString(e.ciphertext))
	return []byte(b.String())
}

func decodeEnvelope(sealed []byte) (envelope, error) {
	payload, ok := strings.CutPrefix(strings.TrimSpace(string(sealed)), envelopePrefix)
	if !ok {
		return envelope{}, fmt.Errorf("security: sealed secret has no %q prefix", envelopePrefix)
	}
	parts := strings.Split(payload, ":")
	if len(parts) != 4 {
		return envelope{}, fmt.Errorf("security: sealed secret has %d fields, want 4", len(parts))
	}
	keyID := strings.TrimSpace(parts[0])
	if keyID == "" {
		return envelope{}, fmt.Errorf("security: sealed secret has no key id")
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil || version <= 0 {
		return envelope{}, fmt.Errorf("security: sealed secret has invalid key version %q", parts[1])
	}
	nonce, err := payloadEncoding.DecodeString(parts[2])
	if err != nil {
		return envelope{}, fmt.Errorf("security: decode nonce: %w", err)
	}
	ciphertext, err := payloadEncoding.DecodeString(parts[3])
	if err != nil || len(ciphertext) == 0 {
		return envelope{}, fmt.Errorf("security: decode ciphertext: %v", err)
	}
	return envelope{keyID: keyID, version: version, nonce: nonce, ciphertext: ciphertext}, nil
}
