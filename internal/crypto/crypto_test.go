package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewEncryptor("")
	require.NoError(t, err)

	sealed, err := enc.Encrypt("test123")
	require.NoError(t, err)
	assert.NotEqual(t, "test123", sealed)

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "test123", plain)
}

func TestEmptyValuesPassThrough(t *testing.T) {
	enc, err := NewEncryptor("")
	require.NoError(t, err)

	sealed, err := enc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	plain, err := enc.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestDecryptWithOtherKeyFails(t *testing.T) {
	a, err := NewEncryptor("")
	require.NoError(t, err)
	b, err := NewEncryptor("")
	require.NoError(t, err)

	sealed, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestKeyRoundTripsThroughEnv(t *testing.T) {
	a, err := NewEncryptor("")
	require.NoError(t, err)
	sealed, err := a.Encrypt("secret")
	require.NoError(t, err)

	b, err := NewEncryptor(a.Key())
	require.NoError(t, err)
	plain, err := b.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)
}

func TestNewEncryptorRejectsGarbage(t *testing.T) {
	_, err := NewEncryptor("not-a-key")
	assert.Error(t, err)
}
