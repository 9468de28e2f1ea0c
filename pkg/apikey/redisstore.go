package apikey

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/shipgate/shipgate/pkg/config"
	"github.com/shipgate/shipgate/pkg/redisconn"
)

const credentialKeyPrefix = "app_connection_credential:"

// RedisStore is the authoritative credential store backed by the dedicated
// credentials Redis. Records are JSON values under a fixed, unversioned
// prefix; this store is the source of truth, not a cache, so no epoch applies.
type RedisStore struct {
	rdb redis.Cmdable
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore acquires the credentials store from the connection manager.
func NewRedisStore(mgr *redisconn.Manager) (*RedisStore, error) {
	rdb, err := mgr.Acquire(config.StoreCredentials)
	if err != nil {
		return nil, err
	}
	return &RedisStore{rdb: rdb}, nil
}

// Lookup fetches and decodes one credential record.
func (s *RedisStore) Lookup(ctx context.Context, key string) (*AuthorizationRecord, error) {
	raw, err := s.rdb.Get(ctx, credentialKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("apikey: credential lookup: %w", err)
	}

	var rec AuthorizationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("apikey: credential decode: %w", err)
	}
	return &rec, nil
}
