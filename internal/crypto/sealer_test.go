package crypto

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// CREDENTIAL SEALER UNIT TESTS
// ============================================================================

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	s, err := NewSealer(key)
	require.NoError(t, err)
	return s
}

func TestSealer_RoundTrip(t *testing.T) {
	s := testSealer(t)

	for _, plaintext := range [][]byte{
		[]byte("shpat_0123456789abcdef"),
		[]byte(""),
		bytes.Repeat([]byte{0xAB}, 1<<20), // 1 MiB
	} {
		sealed, err := s.Seal(plaintext)
		require.NoError(t, err)

		opened, err := s.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestSealer_SerializationShape(t *testing.T) {
	s := testSealer(t)

	sealed, err := s.SealString("token-value")
	require.NoError(t, err)

	parts := strings.Split(sealed, ":")
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 24, "iv is 12 bytes hex-encoded")
	assert.Len(t, parts[1], 32, "tag is 16 bytes hex-encoded")
}

func TestSealer_NonceRegenerates(t *testing.T) {
	s := testSealer(t)

	a, err := s.SealString("same plaintext")
	require.NoError(t, err)
	b, err := s.SealString("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each seal must draw a fresh nonce")
}

func TestSealer_TamperDetection(t *testing.T) {
	s := testSealer(t)

	sealed, err := s.SealString("secret credential material")
	require.NoError(t, err)

	// Flip one hex nibble in each component: iv, tag, ciphertext.
	parts := strings.Split(sealed, ":")
	for i := range parts {
		tampered := make([]string, 3)
		copy(tampered, parts)
		component := []byte(tampered[i])
		if component[0] == 'a' {
			component[0] = 'b'
		} else {
			component[0] = 'a'
		}
		tampered[i] = string(component)

		_, err := s.Open(strings.Join(tampered, ":"))
		assert.ErrorIs(t, err, ErrAuthFailure, "tampered component %d must fail auth", i)
	}
}

func TestSealer_MalformedCiphertext(t *testing.T) {
	s := testSealer(t)

	for _, sealed := range []string{
		"",
		"abc",
		"aa:bb",
		"aa:bb:cc:dd",
		"zz:" + strings.Repeat("00", 16) + ":00", // non-hex iv
		strings.Repeat("00", 11) + ":" + strings.Repeat("00", 16) + ":00", // short iv
		strings.Repeat("00", 12) + ":" + strings.Repeat("00", 15) + ":00", // short tag
	}{
		_, err := s.Open(sealed)
		assert.ErrorIs(t, err, ErrMalformedCiphertext, "input %q", sealed)
	}
}

func TestSealer_KeyValidation(t *testing.T) {
	_, err := NewSealer(nil)
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = NewSealer(make([]byte, 16))
	assert.ErrorIs(t, err, ErrBadKeyLength)

	_, err = NewSealerFromHex("")
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = NewSealerFromHex("not-hex")
	assert.ErrorIs(t, err, ErrBadKeyLength)

	_, err = NewSealerFromHex(strings.Repeat("ab", 32))
	assert.NoError(t, err)
}

func TestSealer_CrossKeyOpenFails(t *testing.T) {
	a := testSealer(t)
	b := testSealer(t)

	sealed, err := a.SealString("sealed under key A")
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrAuthFailure)
}
