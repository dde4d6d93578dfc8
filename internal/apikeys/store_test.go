package apikeys

import (
	"testing"

	"localrouter/internal/api"
	"localrouter/internal/keychain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, keychain.KeychainStorage) {
	t.Helper()
	keych := keychain.NewMemoryStorage()
	store, err := NewStore(t.TempDir(), keych)
	require.NoError(t, err)
	return store, keych
}

func directSelection() api.ModelSelection {
	return api.ModelSelection{Direct: &api.DirectModel{Provider: "openai", Model: "gpt-4o-mini"}}
}

func TestCreate_StoresKeychainAndMetadata(t *testing.T) {
	store, keych := newTestStore(t)

	record, secret, err := store.Create("alpha", directSelection(), nil)
	require.NoError(t, err)
	assert.True(t, record.Enabled)
	assert.Equal(t, "alpha", record.Name)

	// The keychain holds the plaintext under (service, id).
	stored, err := keych.Get(keychain.ServiceAPIKeys, record.ID)
	require.NoError(t, err)
	assert.Equal(t, secret, stored)

	// The metadata stores only a hash.
	got, ok := store.Get(record.ID)
	require.True(t, ok)
	assert.NotEqual(t, secret, got.SecretHash)
	assert.True(t, keychain.VerifySecret(secret, got.SecretHash))
}

func TestDelete_RemovesBothHalves(t *testing.T) {
	store, keych := newTestStore(t)

	record, _, err := store.Create("alpha", directSelection(), nil)
	require.NoError(t, err)

	require.NoError(t, store.Delete(record.ID))

	_, ok := store.Get(record.ID)
	assert.False(t, ok)
	_, err = keych.Get(keychain.ServiceAPIKeys, record.ID)
	assert.True(t, keychain.IsNotFound(err))
}

func TestVerifyKey(t *testing.T) {
	store, _ := newTestStore(t)

	record, secret, err := store.Create("alpha", directSelection(), nil)
	require.NoError(t, err)

	ctx, ok := store.VerifyKey(secret)
	require.True(t, ok)
	assert.Equal(t, record.ID, ctx.APIKeyID)
	require.NotNil(t, ctx.Selection.Direct)
	assert.Equal(t, "gpt-4o-mini", ctx.Selection.Direct.Model)

	_, ok = store.VerifyKey("lr-nonexistent")
	assert.False(t, ok)
}

func TestVerifyKey_DisabledIsAbsent(t *testing.T) {
	store, _ := newTestStore(t)

	record, secret, err := store.Create("alpha", directSelection(), nil)
	require.NoError(t, err)

	_, err = store.Update(record.ID, func(r *Record) { r.Enabled = false })
	require.NoError(t, err)

	_, ok := store.VerifyKey(secret)
	assert.False(t, ok)
}

func TestCreate_RejectsEmptySelection(t *testing.T) {
	store, _ := newTestStore(t)
	_, _, err := store.Create("alpha", api.ModelSelection{}, nil)
	require.Error(t, err)
	assert.Equal(t, api.ErrKindInvalidParams, api.KindOf(err))
}

func TestLoad_DropsRecordsWithMissingKeychainEntry(t *testing.T) {
	keych := keychain.NewMemoryStorage()
	dir := t.TempDir()

	store, err := NewStore(dir, keych)
	require.NoError(t, err)
	record, _, err := store.Create("alpha", directSelection(), nil)
	require.NoError(t, err)

	// Simulate a partial delete from a previous run: keychain entry
	// gone, metadata still on disk.
	require.NoError(t, keych.Delete(keychain.ServiceAPIKeys, record.ID))

	reloaded, err := NewStore(dir, keych)
	require.NoError(t, err)
	_, ok := reloaded.Get(record.ID)
	assert.False(t, ok, "record with missing keychain entry must be absent after load")
}

func TestReload_PreservesRecords(t *testing.T) {
	keych := keychain.NewMemoryStorage()
	dir := t.TempDir()

	store, err := NewStore(dir, keych)
	require.NoError(t, err)
	record, secret, err := store.Create("alpha", directSelection(), nil)
	require.NoError(t, err)

	reloaded, err := NewStore(dir, keych)
	require.NoError(t, err)

	got, ok := reloaded.Get(record.ID)
	require.True(t, ok)
	assert.Equal(t, "alpha", got.Name)

	// Verification works after reload because secrets are re-indexed
	// from the keychain.
	ctx, ok := reloaded.VerifyKey(secret)
	require.True(t, ok)
	assert.Equal(t, record.ID, ctx.APIKeyID)
}

func TestClients_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	client, secret, err := store.CreateClient("ide-integration")
	require.NoError(t, err)
	assert.Contains(t, client.ID, "client-")

	id, ok := store.VerifyClientSecret(secret)
	require.True(t, ok)
	assert.Equal(t, client.ID, id)

	fetched, err := store.ClientSecret(client.ID)
	require.NoError(t, err)
	assert.Equal(t, secret, fetched)

	require.NoError(t, store.DeleteClient(client.ID))
	_, ok = store.VerifyClientSecret(secret)
	assert.False(t, ok)
}
