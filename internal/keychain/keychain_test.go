package keychain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_RoundTrip(t *testing.T) {
	store := NewMemoryStorage()

	require.NoError(t, store.Set(ServiceAPIKeys, "key-1", "secret"))

	secret, err := store.Get(ServiceAPIKeys, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "secret", secret)

	exists, err := store.Exists(ServiceAPIKeys, "key-1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ServiceAPIKeys, "key-1"))

	_, err = store.Get(ServiceAPIKeys, "key-1")
	assert.True(t, IsNotFound(err))

	exists, err = store.Exists(ServiceAPIKeys, "key-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStorage_ServicesAreDisjoint(t *testing.T) {
	store := NewMemoryStorage()
	require.NoError(t, store.Set(ServiceAPIKeys, "acct", "a"))
	require.NoError(t, store.Set(ServiceProviders, "acct", "b"))

	secret, err := store.Get(ServiceAPIKeys, "acct")
	require.NoError(t, err)
	assert.Equal(t, "a", secret)

	secret, err = store.Get(ServiceProviders, "acct")
	require.NoError(t, err)
	assert.Equal(t, "b", secret)
}

func TestMemoryStorage_DeleteAbsent(t *testing.T) {
	store := NewMemoryStorage()
	assert.True(t, IsNotFound(store.Delete(ServiceAPIKeys, "ghost")))
}

func TestGenerateSecret_Format(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		secret, err := GenerateSecret()
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(secret, SecretPrefix))
		// "lr-" + 43 base64url chars for 32 bytes without padding.
		assert.Len(t, secret, 46)
		assert.NotContains(t, secret[3:], "=")
		assert.False(t, seen[secret], "secrets must not repeat")
		seen[secret] = true
	}
}

func TestHashAndVerifySecret(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)

	hash, err := HashSecret(secret)
	require.NoError(t, err)
	assert.NotEqual(t, secret, hash)

	assert.True(t, VerifySecret(secret, hash))
	assert.False(t, VerifySecret("lr-wrong", hash))
	assert.False(t, VerifySecret(secret, "not-a-hash"))
}
