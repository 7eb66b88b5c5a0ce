package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sjifire/mcp-gateway/internal/identity"
)

// RedisBackend stores records as JSON payloads with native TTL
// expiry. A per-(kind, client) index set supports DeleteByClient.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to the given Redis URL and verifies
// connectivity.
func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

func recordKey(kind Kind, id string) string {
	return fmt.Sprintf("oauth:%s:%s", kind, id)
}

func clientIndexKey(kind Kind, clientID string) string {
	return fmt.Sprintf("oauth:idx:%s:%s", kind, clientID)
}

func (r *RedisBackend) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	val, err := r.client.Get(ctx, recordKey(kind, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalRecord([]byte(val))
}

func (r *RedisBackend) Set(ctx context.Context, rec *Record, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, recordKey(rec.Kind, rec.ID), payload, ttl)
	if rec.ClientID != "" {
		idx := clientIndexKey(rec.Kind, rec.ClientID)
		pipe.SAdd(ctx, idx, rec.ID)
		if ttl > 0 {
			// Keep the index alive at least as long as its newest member.
			pipe.Expire(ctx, idx, ttl)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisBackend) Delete(ctx context.Context, kind Kind, id string) error {
	// Fetch-and-delete so the client index can be pruned too.
	val, err := r.client.GetDel(ctx, recordKey(kind, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	if rec, err := unmarshalRecord([]byte(val)); err == nil && rec.ClientID != "" {
		_ = r.client.SRem(ctx, clientIndexKey(kind, rec.ClientID), id).Err()
	}
	return nil
}

// Consume relies on GETDEL's atomicity: of two racing consumers only
// one receives the payload, the other sees redis.Nil.
func (r *RedisBackend) Consume(ctx context.Context, kind Kind, id string) (*Record, error) {
	val, err := r.client.GetDel(ctx, recordKey(kind, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec, err := unmarshalRecord([]byte(val))
	if err != nil {
		return nil, err
	}
	if rec.ClientID != "" {
		_ = r.client.SRem(ctx, clientIndexKey(kind, rec.ClientID), id).Err()
	}
	return rec, nil
}

func (r *RedisBackend) DeleteByClient(ctx context.Context, kind Kind, clientID string) (*identity.Identity, error) {
	idx := clientIndexKey(kind, clientID)
	ids, err := r.client.SMembers(ctx, idx).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var first *identity.Identity
	for _, id := range ids {
		val, err := r.client.GetDel(ctx, recordKey(kind, id)).Result()
		if errors.Is(err, redis.Nil) {
			continue // index entry outlived its record
		}
		if err != nil {
			return first, err
		}
		if first == nil {
			if rec, err := unmarshalRecord([]byte(val)); err == nil {
				first = rec.Identity
			}
		}
	}

	if err := r.client.Del(ctx, idx).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return first, err
	}
	return first, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
