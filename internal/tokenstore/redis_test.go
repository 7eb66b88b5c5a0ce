package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjifire/mcp-gateway/internal/identity"
)

func newRedisTestBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	backend, err := NewRedisBackend("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend, mr
}

func TestRedisRoundtrip(t *testing.T) {
	ctx := context.Background()
	backend, _ := newRedisTestBackend(t)

	rec := &Record{
		ID:       "tok-1",
		Kind:     KindAccessToken,
		ClientID: "client-1",
		Scopes:   []string{"mcp.access"},
		Identity: &identity.Identity{Email: "user@example.org", Groups: []string{"g1"}},
	}
	require.NoError(t, backend.Set(ctx, rec, time.Hour))

	got, err := backend.Get(ctx, KindAccessToken, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, []string{"g1"}, got.Identity.Groups)

	_, err = backend.Get(ctx, KindRefreshToken, "tok-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisNativeTTL(t *testing.T) {
	ctx := context.Background()
	backend, mr := newRedisTestBackend(t)

	require.NoError(t, backend.Set(ctx, &Record{ID: "short", Kind: KindAuthCode}, 5*time.Minute))

	mr.FastForward(6 * time.Minute)

	_, err := backend.Get(ctx, KindAuthCode, "short")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisConsume(t *testing.T) {
	ctx := context.Background()
	backend, _ := newRedisTestBackend(t)

	require.NoError(t, backend.Set(ctx, &Record{ID: "code-1", Kind: KindAuthCode, ClientID: "client-1"}, time.Minute))

	rec, err := backend.Consume(ctx, KindAuthCode, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "code-1", rec.ID)

	_, err = backend.Consume(ctx, KindAuthCode, "code-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisDeleteByClient(t *testing.T) {
	ctx := context.Background()
	backend, _ := newRedisTestBackend(t)

	caller := &identity.Identity{Email: "user@example.org"}
	require.NoError(t, backend.Set(ctx, &Record{ID: "a1", Kind: KindAccessToken, ClientID: "client-1", Identity: caller}, time.Hour))
	require.NoError(t, backend.Set(ctx, &Record{ID: "a2", Kind: KindAccessToken, ClientID: "client-1", Identity: caller}, time.Hour))
	require.NoError(t, backend.Set(ctx, &Record{ID: "other", Kind: KindAccessToken, ClientID: "client-2"}, time.Hour))

	got, err := backend.DeleteByClient(ctx, KindAccessToken, "client-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user@example.org", got.Email)

	_, err = backend.Get(ctx, KindAccessToken, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = backend.Get(ctx, KindAccessToken, "a2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = backend.Get(ctx, KindAccessToken, "other")
	assert.NoError(t, err)

	got, err = backend.DeleteByClient(ctx, KindAccessToken, "client-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisDeletePrunesIndex(t *testing.T) {
	ctx := context.Background()
	backend, _ := newRedisTestBackend(t)

	require.NoError(t, backend.Set(ctx, &Record{ID: "a1", Kind: KindAccessToken, ClientID: "client-1"}, time.Hour))
	require.NoError(t, backend.Delete(ctx, KindAccessToken, "a1"))

	// The index no longer references the deleted record.
	got, err := backend.DeleteByClient(ctx, KindAccessToken, "client-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
