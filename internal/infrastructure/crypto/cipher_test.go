package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialCipherRoundTrip(t *testing.T) {
	c, err := NewCredentialCipher("master-passphrase", "test-salt")
	require.NoError(t, err)

	plaintext := []byte(`{"system_id":"firs","api_key":"secret"}`)
	sealed, err := c.Seal(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "secret")

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCredentialCipherNonceUniqueness(t *testing.T) {
	c, err := NewCredentialCipher("master-passphrase", "test-salt")
	require.NoError(t, err)

	a, err := c.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := c.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCredentialCipherRejectsTampering(t *testing.T) {
	c, err := NewCredentialCipher("master-passphrase", "test-salt")
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = c.Open("not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = c.Open("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	tampered := []byte(sealed)
	tampered[len(tampered)-5] ^= 'x'
	_, err = c.Open(string(tampered))
	assert.Error(t, err)
}

func TestCredentialCipherWrongKey(t *testing.T) {
	a, err := NewCredentialCipher("passphrase-a", "salt")
	require.NoError(t, err)
	b, err := NewCredentialCipher("passphrase-b", "salt")
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestCredentialCipherRequiresPassphrase(t *testing.T) {
	_, err := NewCredentialCipher("", "salt")
	assert.Error(t, err)
}
