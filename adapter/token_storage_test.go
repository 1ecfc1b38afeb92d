package marketplace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store CredentialStore) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, KeyAccessToken)
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	require.NoError(t, store.Set(ctx, KeyAccessToken, "access"))
	require.NoError(t, store.Set(ctx, KeyRefreshToken, "refresh"))
	require.NoError(t, store.Set(ctx, KeyAccessToken, "access-2"))

	v, err := store.Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-2", v)

	v, err = store.Get(ctx, KeyRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh", v)

	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx))

	_, err = store.Get(ctx, KeyRefreshToken)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "creds")
	store, err := NewFileStore(dir, "session.json")
	require.NoError(t, err)

	exerciseStore(t, store)

	t.Run("survives reopen with owner-only permissions", func(t *testing.T) {
		require.NoError(t, store.Set(context.Background(), KeyUser, `{"id":"7"}`))

		info, err := os.Stat(store.Path())
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

		reopened, err := NewFileStore(dir, "session.json")
		require.NoError(t, err)
		v, err := reopened.Get(context.Background(), KeyUser)
		require.NoError(t, err)
		assert.Equal(t, `{"id":"7"}`, v)
	})

	t.Run("corrupt file is an error", func(t *testing.T) {
		require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0600))
		_, err := store.Get(context.Background(), KeyUser)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrCredentialNotFound)
	})
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	store, err := NewStore(ctx, StoreConfig{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = NewStore(ctx, StoreConfig{Driver: DriverFile, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)
	assert.Equal(t, "session.json", filepath.Base(store.(*FileStore).Path()))

	_, err = NewStore(ctx, StoreConfig{Driver: DriverRedis})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewStore(ctx, StoreConfig{Driver: "etcd"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
