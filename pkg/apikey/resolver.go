package apikey

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/shipgate/shipgate/pkg/config"
	"github.com/shipgate/shipgate/pkg/redisconn"
)

// cachePayload is the distributed-tier value. A NotFound payload dampens
// repeated-miss storms for keys that do not exist.
type cachePayload struct {
	NotFound bool                 `json:"not_found,omitempty"`
	Record   *AuthorizationRecord `json:"record,omitempty"`
}

type epochPair struct {
	current  string
	previous string
}

// Resolver maps an opaque API key to its AuthorizationRecord through a
// two-tier cache: an in-process LRU in front of a shared Redis tier in front
// of the authoritative store. Safe for concurrent use.
type Resolver struct {
	store      Store
	mgr        *redisconn.Manager
	cacheStore string
	rdb        redis.Cmdable
	mem        *memoryCache
	cfg        config.APIKeyCacheConfig
	epochs     atomic.Value // epochPair
	opTimeout  time.Duration
	now        func() time.Time
}

type ResolverOption func(*Resolver)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver builds a resolver over the api cache store and the given
// authoritative store.
func NewResolver(mgr *redisconn.Manager, store Store, cfg *config.Config, opts ...ResolverOption) (*Resolver, error) {
	rdb, err := mgr.Acquire(config.StoreAPI)
	if err != nil {
		return nil, err
	}

	r := &Resolver{
		store:      store,
		mgr:        mgr,
		cacheStore: config.StoreAPI,
		rdb:        rdb,
		mem:        newMemoryCache(cfg.APIKeyCache.MemorySize, cfg.APIKeyCache.TTL),
		cfg:        cfg.APIKeyCache,
		opTimeout:  cfg.OpTimeout,
		now:        time.Now,
	}
	r.epochs.Store(epochPair{current: cfg.APIKeyCache.Epoch, previous: cfg.APIKeyCache.PreviousEpoch})

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// SetEpoch bumps the cache epoch, invalidating every entry cached under the
// old one: new lookups use the new prefix, so old keys become unreachable and
// expire by TTL with no delete traffic. A bump also clears the
// previous-prefix fallback, which exists only for the configured migration
// window.
func (r *Resolver) SetEpoch(epoch string) {
	old := r.epochs.Load().(epochPair)
	if old.current == epoch {
		return
	}
	r.epochs.Store(epochPair{current: epoch})
	log.Info().Str("epoch", epoch).Str("invalidated", old.current).Msg("apikey: cache epoch bumped")
}

// Epoch returns the current cache epoch.
func (r *Resolver) Epoch() string {
	return r.epochs.Load().(epochPair).current
}

// Resolve returns the authorization record for an API key. ErrKeyNotFound
// means the key does not exist; ErrResolutionUnavailable means the
// authoritative store is down and nothing cached can stand in for it.
func (r *Resolver) Resolve(ctx context.Context, apiKey string) (Resolution, error) {
	now := r.now()
	ep := r.epochs.Load().(epochPair)

	// in-process tier, no I/O
	if entry, fresh := r.mem.get(apiKey, ep.current, now); fresh {
		if entry.notFound {
			return Resolution{}, ErrKeyNotFound
		}
		return Resolution{Record: entry.record}, nil
	}

	// shared Redis tier
	if !r.mgr.Degraded(r.cacheStore) {
		res, found, err := r.lookupCache(ctx, apiKey, ep, now)
		if err == nil && found {
			return res, nil
		}
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			log.Ctx(ctx).Warn().Err(err).Msg("apikey: cache tier lookup failed")
		} else if errors.Is(err, ErrKeyNotFound) {
			return Resolution{}, ErrKeyNotFound
		}
	}

	return r.lookupAuthoritative(ctx, apiKey, ep, now)
}

// lookupCache consults the distributed cache under the current prefix, then
// the previous prefix; a fallback hit is re-written under the current prefix.
func (r *Resolver) lookupCache(ctx context.Context, apiKey string, ep epochPair, now time.Time) (Resolution, bool, error) {
	payload, err := r.cacheGet(ctx, r.cfg.Prefix(ep.current)+apiKey)
	if err != nil && !errors.Is(err, redis.Nil) {
		r.mgr.ReportFailure(r.cacheStore)
		return Resolution{}, false, err
	}

	if errors.Is(err, redis.Nil) && ep.previous != "" {
		payload, err = r.cacheGet(ctx, r.cfg.Prefix(ep.previous)+apiKey)
		if err == nil && !payload.NotFound && payload.Record != nil {
			payload.Record.CacheVersion = ep.current
			r.cacheSet(ctx, r.cfg.Prefix(ep.current)+apiKey, payload, r.cfg.TTL)
		}
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Resolution{}, false, nil
		}
		r.mgr.ReportFailure(r.cacheStore)
		return Resolution{}, false, err
	}
	r.mgr.ReportSuccess(r.cacheStore)

	if payload.NotFound {
		r.mem.put(apiKey, &memoryEntry{notFound: true, epoch: ep.current, insertedAt: now, ttl: r.cfg.NegativeTTL})
		return Resolution{}, false, ErrKeyNotFound
	}
	if payload.Record == nil || payload.Record.CacheVersion != ep.current {
		// stale projection from a prior epoch, treat as a miss
		return Resolution{}, false, nil
	}

	r.mem.put(apiKey, &memoryEntry{record: payload.Record, epoch: ep.current, insertedAt: now, ttl: r.cfg.MemoryTTL})
	return Resolution{Record: payload.Record}, true, nil
}

// lookupAuthoritative queries the credential store, writing through both cache
// tiers on success and falling back to the last-known cached value when the
// store is unreachable.
func (r *Resolver) lookupAuthoritative(ctx context.Context, apiKey string, ep epochPair, now time.Time) (Resolution, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	rec, err := r.store.Lookup(opCtx, apiKey)
	cancel()

	switch {
	case err == nil:
		rec.CacheVersion = ep.current
		r.cacheSet(ctx, r.cfg.Prefix(ep.current)+apiKey, cachePayload{Record: rec}, r.cfg.TTL)
		r.mem.put(apiKey, &memoryEntry{record: rec, epoch: ep.current, insertedAt: now, ttl: r.cfg.MemoryTTL})
		return Resolution{Record: rec}, nil

	case errors.Is(err, ErrKeyNotFound):
		r.cacheSet(ctx, r.cfg.Prefix(ep.current)+apiKey, cachePayload{NotFound: true}, r.cfg.NegativeTTL)
		r.mem.put(apiKey, &memoryEntry{notFound: true, epoch: ep.current, insertedAt: now, ttl: r.cfg.NegativeTTL})
		return Resolution{}, ErrKeyNotFound

	default:
		if entry, _ := r.mem.get(apiKey, ep.current, now); entry != nil && entry.record != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("apikey: authoritative store unreachable, serving stale record")
			return Resolution{Record: entry.record, Stale: true}, nil
		}
		return Resolution{}, fmt.Errorf("%w: %v", ErrResolutionUnavailable, err)
	}
}

func (r *Resolver) cacheGet(ctx context.Context, key string) (cachePayload, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	raw, err := r.rdb.Get(opCtx, key).Bytes()
	if err != nil {
		return cachePayload{}, err
	}
	var payload cachePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cachePayload{}, err
	}
	return payload, nil
}

// cacheSet is best-effort; a failed write only costs a future cache miss.
func (r *Resolver) cacheSet(ctx context.Context, key string, payload cachePayload, ttl time.Duration) {
	if r.mgr.Degraded(r.cacheStore) {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.rdb.Set(opCtx, key, raw, ttl).Err(); err != nil {
		r.mgr.ReportFailure(r.cacheStore)
		log.Ctx(ctx).Debug().Err(err).Str("key", key).Msg("apikey: cache write-through failed")
	}
}
