// Package crypto provides the credential sealer and the webhook signature
// verifiers used by the ingress pipelines.
//
// Sealing uses AES-256-GCM with the serialization hex(iv):hex(tag):hex(ct)
// so rows written by earlier deployments remain readable. The sealer never
// logs plaintext, ciphertext, or the key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// CREDENTIAL SEALER — AES-256-GCM at rest
// ============================================================================

const (
	sealerKeyLen   = 32 // AES-256
	sealerNonceLen = 12 // GCM standard nonce
	sealerTagLen   = 16 // GCM tag
)

var (
	// ErrMissingKey indicates no encryption key was configured.
	ErrMissingKey = errors.New("encryption key not configured")
	// ErrBadKeyLength indicates the key is not exactly 32 bytes.
	ErrBadKeyLength = errors.New("encryption key must be exactly 32 bytes")
	// ErrMalformedCiphertext indicates the stored value is not iv:tag:ct
	// with the expected component lengths.
	ErrMalformedCiphertext = errors.New("malformed sealed value")
	// ErrAuthFailure indicates GCM tag verification failed.
	ErrAuthFailure = errors.New("sealed value failed authentication")
)

// Sealer seals and opens long-lived secrets under a process-wide key.
type Sealer struct {
	key []byte
}

// NewSealer creates a sealer from a raw 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	if len(key) != sealerKeyLen {
		return nil, ErrBadKeyLength
	}
	k := make([]byte, sealerKeyLen)
	copy(k, key)
	return &Sealer{key: k}, nil
}

// NewSealerFromHex creates a sealer from a 64-hex-char key string, the form
// carried by TOKEN_ENCRYPTION_KEY.
func NewSealerFromHex(hexKey string) (*Sealer, error) {
	if hexKey == "" {
		return nil, ErrMissingKey
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not valid hex", ErrBadKeyLength)
	}
	return NewSealer(key)
}

// Seal encrypts plaintext and returns hex(iv):hex(tag):hex(ciphertext).
// A fresh random nonce is drawn per call, so Seal is never deterministic.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm init: %w", err)
	}

	nonce := make([]byte, sealerNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce generation: %w", err)
	}

	// Go appends the tag to the ciphertext; the wire format keeps them as
	// separate hex components.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-sealerTagLen]
	tag := sealed[len(sealed)-sealerTagLen:]

	return hex.EncodeToString(nonce) + ":" +
		hex.EncodeToString(tag) + ":" +
		hex.EncodeToString(ct), nil
}

// SealString seals a string value.
func (s *Sealer) SealString(plaintext string) (string, error) {
	return s.Seal([]byte(plaintext))
}

// Open decrypts a value produced by Seal. Returns ErrMalformedCiphertext for
// structural problems and ErrAuthFailure when the tag does not verify.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	parts := strings.Split(sealed, ":")
	if len(parts) != 3 {
		return nil, ErrMalformedCiphertext
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != sealerNonceLen {
		return nil, ErrMalformedCiphertext
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != sealerTagLen {
		return nil, ErrMalformedCiphertext
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformedCiphertext
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// OpenString opens a sealed value as a string.
func (s *Sealer) OpenString(sealed string) (string, error) {
	b, err := s.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
