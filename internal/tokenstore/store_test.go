package tokenstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjifire/mcp-gateway/internal/identity"
)

func newTestStore() *Store {
	return New(NewMemoryBackend())
}

func TestStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	rec := &Record{
		ID:        "tok-1",
		Kind:      KindAccessToken,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		ClientID:  "client-1",
		Scopes:    []string{"mcp.access"},
		Identity:  &identity.Identity{Email: "user@example.org"},
	}
	require.NoError(t, store.Set(ctx, rec, time.Hour))

	got, err := store.Get(ctx, KindAccessToken, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, "user@example.org", got.Identity.Email)

	// Kinds are separate namespaces.
	_, err = store.Get(ctx, KindRefreshToken, "tok-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreExpiredRecordIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	rec := &Record{
		ID:        "tok-exp",
		Kind:      KindAccessToken,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}
	require.NoError(t, store.Set(ctx, rec, time.Hour))

	// The record stays physically present in the backend and the cache;
	// only the clock moves.
	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err := store.Get(ctx, KindAccessToken, "tok-exp")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Consume(ctx, KindAccessToken, "tok-exp")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	at := time.Now().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, store.Set(ctx, &Record{ID: "b", Kind: KindAuthCode, ExpiresAt: at.Unix()}, time.Minute))

	// expires_at exactly equal to now counts as expired.
	store.now = func() time.Time { return at }
	_, err := store.Get(ctx, KindAuthCode, "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreNoExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	require.NoError(t, store.Set(ctx, &Record{ID: "client-1", Kind: KindClient}, 0))

	store.now = func() time.Time { return time.Now().Add(1000 * time.Hour) }
	_, err := store.Get(ctx, KindClient, "client-1")
	assert.NoError(t, err)
}

func TestStoreDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	require.NoError(t, store.Set(ctx, &Record{ID: "d", Kind: KindAccessToken}, time.Hour))
	require.NoError(t, store.Delete(ctx, KindAccessToken, "d"))
	require.NoError(t, store.Delete(ctx, KindAccessToken, "d"))

	_, err := store.Get(ctx, KindAccessToken, "d")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreConsumeSingleUse(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	require.NoError(t, store.Set(ctx, &Record{ID: "code-1", Kind: KindAuthCode, ExpiresAt: time.Now().Add(time.Minute).Unix()}, time.Minute))

	rec, err := store.Consume(ctx, KindAuthCode, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "code-1", rec.ID)

	_, err = store.Consume(ctx, KindAuthCode, "code-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreConsumeConcurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	require.NoError(t, store.Set(ctx, &Record{ID: "race", Kind: KindAuthCode, ExpiresAt: time.Now().Add(time.Minute).Unix()}, time.Minute))

	const workers = 16
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(ctx, KindAuthCode, "race"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	assert.Len(t, successes, 1)
}

func TestStoreDeleteByClient(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	caller := &identity.Identity{Email: "user@example.org", SubjectID: "oid-1"}
	require.NoError(t, store.Set(ctx, &Record{ID: "a1", Kind: KindAccessToken, ClientID: "client-1", Identity: caller}, time.Hour))
	require.NoError(t, store.Set(ctx, &Record{ID: "a2", Kind: KindAccessToken, ClientID: "client-1", Identity: caller}, time.Hour))
	require.NoError(t, store.Set(ctx, &Record{ID: "other", Kind: KindAccessToken, ClientID: "client-2"}, time.Hour))

	got, err := store.DeleteByClient(ctx, KindAccessToken, "client-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user@example.org", got.Email)

	_, err = store.Get(ctx, KindAccessToken, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, KindAccessToken, "a2")
	assert.ErrorIs(t, err, ErrNotFound)

	// Unrelated client untouched.
	_, err = store.Get(ctx, KindAccessToken, "other")
	assert.NoError(t, err)

	// No matches: no identity, no error.
	got, err = store.DeleteByClient(ctx, KindAccessToken, "client-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// faultyBackend wraps the memory backend and can be switched into a
// failing state, standing in for a Postgres/Redis outage.
type faultyBackend struct {
	*MemoryBackend
	down bool
}

var errBackendDown = errors.New("backend down")

func (f *faultyBackend) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	if f.down {
		return nil, errBackendDown
	}
	return f.MemoryBackend.Get(ctx, kind, id)
}

func (f *faultyBackend) Set(ctx context.Context, rec *Record, ttl time.Duration) error {
	if f.down {
		return errBackendDown
	}
	return f.MemoryBackend.Set(ctx, rec, ttl)
}

func TestStoreBackendOutage(t *testing.T) {
	ctx := context.Background()
	backend := &faultyBackend{MemoryBackend: NewMemoryBackend()}
	store := New(backend)

	require.NoError(t, store.Set(ctx, &Record{ID: "warm", Kind: KindAccessToken, ClientID: "client-1"}, time.Hour))

	backend.down = true

	// Cached reads keep serving through the outage.
	got, err := store.Get(ctx, KindAccessToken, "warm")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)

	// Uncached reads surface the backend error, not ErrNotFound.
	_, err = store.Get(ctx, KindAccessToken, "cold")
	assert.ErrorIs(t, err, errBackendDown)

	// A failed durable write fails fast and leaves no trace in the
	// cache: the record is gone once the backend recovers.
	err = store.Set(ctx, &Record{ID: "lost", Kind: KindAccessToken}, time.Hour)
	assert.ErrorIs(t, err, errBackendDown)

	backend.down = false
	_, err = store.Get(ctx, KindAccessToken, "lost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCacheRepopulation(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := New(backend)

	// Written directly to the backend, bypassing the cache.
	require.NoError(t, backend.Set(ctx, &Record{ID: "cold", Kind: KindAccessToken, ClientID: "client-1"}, time.Hour))

	got, err := store.Get(ctx, KindAccessToken, "cold")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)

	// Now served from L1 even after the backend forgets it.
	require.NoError(t, backend.Delete(ctx, KindAccessToken, "cold"))
	_, err = store.Get(ctx, KindAccessToken, "cold")
	assert.NoError(t, err)
}
