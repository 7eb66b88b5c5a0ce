package tokenstore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/sjifire/mcp-gateway/internal/identity"
)

// ErrNotFound is returned for absent, expired, and already-consumed
// records alike, so callers cannot distinguish "expired" from "never
// issued".
var ErrNotFound = errors.New("tokenstore: not found")

// l1TTL bounds how long the in-process cache may serve a record
// without consulting the backing store.
const l1TTL = 2 * time.Minute

// Backend is the durable layer under the in-process cache. Production
// wiring backs it with Postgres or Redis; tests and local development
// use the in-memory implementation.
type Backend interface {
	// Get returns the record or ErrNotFound. Expiry is enforced by the
	// Store on top; backends only report physical presence.
	Get(ctx context.Context, kind Kind, id string) (*Record, error)
	// Set writes the record. ttl > 0 lets the backend auto-expire it.
	Set(ctx context.Context, rec *Record, ttl time.Duration) error
	// Delete removes the record; absent records are not an error.
	Delete(ctx context.Context, kind Kind, id string) error
	// Consume atomically reads and deletes the record, so two racing
	// consumers observe exactly one success.
	Consume(ctx context.Context, kind Kind, id string) (*Record, error)
	// DeleteByClient removes all records of a kind for a client and
	// returns the first matching record's identity, if any.
	DeleteByClient(ctx context.Context, kind Kind, clientID string) (*identity.Identity, error)
	Ping(ctx context.Context) error
	Close() error
}

// Store is the two-tier token store: a fast in-process TTL cache over
// a durable backend. Open one per process and share it so the cache is
// shared across requests.
type Store struct {
	l1      *ttlCache
	backend Backend
	now     func() time.Time
}

// New creates a store over the given backend.
func New(backend Backend) *Store {
	return &Store{
		l1:      newTTLCache(l1TTL),
		backend: backend,
		now:     time.Now,
	}
}

// NewFromEnv selects the durable backend from the environment:
// Postgres when OAUTH_DATABASE_URL or DATABASE_URL is set, Redis when
// REDIS_URL is set, otherwise ephemeral in-memory storage for local
// development.
func NewFromEnv() (*Store, error) {
	if connString := firstEnv("OAUTH_DATABASE_URL", "DATABASE_URL"); connString != "" {
		backend, err := NewPostgresBackend(connString)
		if err != nil {
			return nil, err
		}
		return New(backend), nil
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		backend, err := NewRedisBackend(redisURL)
		if err != nil {
			return nil, err
		}
		return New(backend), nil
	}

	slog.Warn("no OAUTH_DATABASE_URL or REDIS_URL set, using in-memory token store (dev only)")
	return New(NewMemoryBackend()), nil
}

// Get returns a live record or ErrNotFound. The fast cache is checked
// first; on miss the backing store is consulted and the cache
// repopulated. Expired records are not-found even when still
// physically present.
func (s *Store) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	key := cacheKey(kind, id)

	if rec, ok := s.l1.get(key); ok {
		if rec.Expired(s.now()) {
			s.l1.delete(key)
			return nil, ErrNotFound
		}
		return rec, nil
	}

	rec, err := s.backend.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, ErrNotFound
	}

	s.l1.set(key, rec)
	return rec, nil
}

// Set writes the record to the backing store and then the cache. A
// failed durable write leaves the cache untouched so the store never
// serves state it could not persist.
func (s *Store) Set(ctx context.Context, rec *Record, ttl time.Duration) error {
	if err := s.backend.Set(ctx, rec, ttl); err != nil {
		return err
	}
	s.l1.set(cacheKey(rec.Kind, rec.ID), rec)
	return nil
}

// Delete removes the record from both layers. Deleting an absent
// record is a no-op.
func (s *Store) Delete(ctx context.Context, kind Kind, id string) error {
	s.l1.delete(cacheKey(kind, id))
	return s.backend.Delete(ctx, kind, id)
}

// Consume atomically reads and deletes a record. Exactly one of two
// racing consumers succeeds; the other observes ErrNotFound. Expired
// records are consumed but reported as not-found.
func (s *Store) Consume(ctx context.Context, kind Kind, id string) (*Record, error) {
	s.l1.delete(cacheKey(kind, id))

	rec, err := s.backend.Consume(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// DeleteByClient removes all records of a kind associated with the
// client id and returns the first matching record's identity, used by
// refresh rotation to carry the identity forward.
func (s *Store) DeleteByClient(ctx context.Context, kind Kind, clientID string) (*identity.Identity, error) {
	s.l1.deleteWhere(func(rec *Record) bool {
		return rec.Kind == kind && rec.ClientID == clientID
	})
	return s.backend.DeleteByClient(ctx, kind, clientID)
}

// Ping verifies backing store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases backend connections.
func (s *Store) Close() error {
	return s.backend.Close()
}

func cacheKey(kind Kind, id string) string {
	return string(kind) + ":" + id
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return ""
}
