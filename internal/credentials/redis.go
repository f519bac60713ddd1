// ABOUTME: Redis-backed credential Store for gateways sharing storage across restarts
// ABOUTME: Keys are <prefix><session id>; material is stored as a raw string value

package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "courier:credentials:"

// RedisStore implements Store on a Redis client.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed credential store. An empty prefix
// selects the default key namespace.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) key(sessionID string) string {
	return r.prefix + sessionID
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context, sessionID string) ([]byte, error) {
	if err := checkID(sessionID); err != nil {
		return nil, err
	}
	val, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	return val, nil
}

// Save implements Store. Material never expires on its own; the inactivity
// sweep owns deletion.
func (r *RedisStore) Save(ctx context.Context, sessionID string, material []byte) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(sessionID), material, 0).Err(); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	return nil
}

// Exists implements Store.
func (r *RedisStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if !ValidID(sessionID) {
		return false, nil
	}
	n, err := r.client.Exists(ctx, r.key(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking credentials: %w", err)
	}
	return n > 0, nil
}

// List implements Store using SCAN so large keyspaces are walked incrementally.
func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning credentials: %w", err)
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, r.prefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
