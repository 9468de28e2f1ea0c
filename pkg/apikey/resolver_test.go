package apikey

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipgate/shipgate/pkg/config"
	"github.com/shipgate/shipgate/pkg/redisconn"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*AuthorizationRecord
	err     error
	lookups int
}

func (s *fakeStore) Lookup(_ context.Context, key string) (*AuthorizationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

type resolverFixture struct {
	server   *miniredis.Miniredis
	mgr      *redisconn.Manager
	store    *fakeStore
	resolver *Resolver
	now      *time.Time
}

func newFixture(t *testing.T) *resolverFixture {
	t.Helper()

	server := miniredis.RunT(t)
	port, err := strconv.Atoi(server.Port())
	require.NoError(t, err)

	cfg := config.Default()
	for name, sc := range cfg.Stores {
		sc.Host = server.Host()
		sc.Port = port
		sc.DB = 0
		cfg.Stores[name] = sc
	}

	mgr := redisconn.NewManager(cfg)
	t.Cleanup(func() { mgr.Close() })

	store := &fakeStore{records: map[string]*AuthorizationRecord{
		"good-key": {KeyID: "ak_1", OwnerID: "u_1", PlanID: "AS_TRIAL", Status: StatusActive},
	}}

	now := time.Unix(1700000000, 0)
	resolver, err := NewResolver(mgr, store, cfg, WithNow(func() time.Time { return now }))
	require.NoError(t, err)

	return &resolverFixture{server: server, mgr: mgr, store: store, resolver: resolver, now: &now}
}

func TestResolveWriteThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.resolver.Resolve(ctx, "good-key")
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Equal(t, "ak_1", res.Record.KeyID)
	assert.Equal(t, "v4", res.Record.CacheVersion)
	assert.False(t, res.Stale)
	assert.Equal(t, 1, f.store.count())

	// write-through landed in the distributed tier under the current prefix
	raw, err := f.server.Get("api_key:v4:good-key")
	require.NoError(t, err)
	var payload cachePayload
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	assert.Equal(t, "u_1", payload.Record.OwnerID)
}

func TestResolveMemoryHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, "good-key")
	require.NoError(t, err)
	require.Equal(t, 1, f.store.count())

	// drop the distributed tier: a second resolve inside the memory TTL must
	// not need it, nor the authoritative store
	f.server.FlushAll()

	res, err := f.resolver.Resolve(ctx, "good-key")
	require.NoError(t, err)
	assert.Equal(t, "ak_1", res.Record.KeyID)
	assert.Equal(t, 1, f.store.count(), "no extra round trip on a warm key")
}

func TestResolveDistributedHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &AuthorizationRecord{KeyID: "ak_9", OwnerID: "u_9", Status: StatusActive, CacheVersion: "v4"}
	raw, err := json.Marshal(cachePayload{Record: rec})
	require.NoError(t, err)
	f.server.Set("api_key:v4:seeded-key", string(raw))

	res, err := f.resolver.Resolve(ctx, "seeded-key")
	require.NoError(t, err)
	assert.Equal(t, "ak_9", res.Record.KeyID)
	assert.Equal(t, 0, f.store.count(), "authoritative store untouched on a cache hit")
}

func TestResolveUnknownKeyNegativeCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, "no-such-key")
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.Equal(t, 1, f.store.count())

	// repeated misses are damped by the negative cache
	_, err = f.resolver.Resolve(ctx, "no-such-key")
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, 1, f.store.count())
}

func TestEpochBumpInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, "good-key")
	require.NoError(t, err)
	require.Equal(t, 1, f.store.count())

	f.resolver.SetEpoch("v5")
	assert.Equal(t, "v5", f.resolver.Epoch())

	res, err := f.resolver.Resolve(ctx, "good-key")
	require.NoError(t, err)
	assert.Equal(t, "v5", res.Record.CacheVersion)
	assert.Equal(t, 2, f.store.count(), "previously cached entries are unreachable after the bump")
}

func TestPreviousPrefixFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// entry only exists under the previous epoch's prefix, as after a bump
	rec := &AuthorizationRecord{KeyID: "ak_old", OwnerID: "u_old", Status: StatusActive, CacheVersion: "v1"}
	raw, err := json.Marshal(cachePayload{Record: rec})
	require.NoError(t, err)
	f.server.Set("api_key:v1:migrated-key", string(raw))

	res, err := f.resolver.Resolve(ctx, "migrated-key")
	require.NoError(t, err)
	assert.Equal(t, "ak_old", res.Record.KeyID)
	assert.Equal(t, "v4", res.Record.CacheVersion)
	assert.Equal(t, 0, f.store.count())

	// the fallback hit was re-written under the current prefix
	assert.True(t, f.server.Exists("api_key:v4:migrated-key"))
}

func TestStaleFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, "good-key")
	require.NoError(t, err)

	// age the memory entry past its TTL, drop the distributed tier and take
	// the authoritative store down
	*f.now = f.now.Add(2 * time.Minute)
	f.server.FlushAll()
	f.store.err = errors.New("credential store down")

	res, err := f.resolver.Resolve(ctx, "good-key")
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, "ak_1", res.Record.KeyID)
}

func TestResolutionUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.err = errors.New("credential store down")

	_, err := f.resolver.Resolve(ctx, "never-seen-key")
	assert.ErrorIs(t, err, ErrResolutionUnavailable)
}

func TestResolveDegradedCacheTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// cache store degraded: the resolver skips the distributed tier instead
	// of blocking on it, and still resolves through the authoritative store
	f.mgr.ReportFailure(config.StoreAPI)
	f.mgr.ReportFailure(config.StoreAPI)
	f.mgr.ReportFailure(config.StoreAPI)
	require.True(t, f.mgr.Degraded(config.StoreAPI))

	res, err := f.resolver.Resolve(ctx, "good-key")
	require.NoError(t, err)
	assert.Equal(t, "ak_1", res.Record.KeyID)
	assert.Equal(t, 1, f.store.count())
	assert.False(t, f.server.Exists("api_key:v4:good-key"), "no write-through while degraded")
}
