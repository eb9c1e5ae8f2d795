package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/brokerlink/internal/credentials"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	sealer, err := credentials.NewSealer(make([]byte, 32))
	require.NoError(t, err)
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "creds.db"), sealer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutAndResolve(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "acct-1", "key-1", "secret-1"))
	creds, err := store.Credentials(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "key-1", creds.APIKey)
	require.Equal(t, "secret-1", creds.Secret())

	require.NoError(t, store.Put(ctx, "acct-1", "key-2", "secret-2"))
	creds, err = store.Credentials(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, "key-2", creds.APIKey)
	require.Equal(t, "secret-2", creds.Secret())
}

func TestMissingAndDeleted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Credentials(ctx, "nobody")
	require.True(t, errors.Is(err, credentials.ErrNotFound))

	require.NoError(t, store.Put(ctx, "acct-2", "key", "secret"))
	require.NoError(t, store.Delete(ctx, "acct-2"))
	_, err = store.Credentials(ctx, "acct-2")
	require.True(t, errors.Is(err, credentials.ErrNotFound))
}

func TestOpenRequiresSealer(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "x.db"), nil)
	require.Error(t, err)
}
