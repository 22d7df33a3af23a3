package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestEncryptDecryptRoundtrip(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)

	ciphertext, err := v.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", ciphertext)

	plaintext, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plaintext)
}

func TestEncryptProducesDistinctCiphertexts(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)

	a, err := v.Encrypt("same secret")
	require.NoError(t, err)
	b, err := v.Encrypt("same secret")
	require.NoError(t, err)

	// Random nonce means identical plaintexts never collide
	assert.NotEqual(t, a, b)
}

func TestDecryptCorruptInput(t *testing.T) {
	v, err := New(testKey)
	require.NoError(t, err)

	_, err = v.Decrypt("not base64 at all !!!")
	assert.Error(t, err)

	_, err = v.Decrypt("AAAA")
	assert.Error(t, err)

	// Valid base64 but garbage ciphertext
	_, err = v.Decrypt("aW52YWxpZCBjaXBoZXJ0ZXh0IGxvbmcgZW5vdWdoIHRvIGhhdmUgYSBub25jZQ==")
	assert.Error(t, err)
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	_, err := New("too short")
	assert.Error(t, err)
}
