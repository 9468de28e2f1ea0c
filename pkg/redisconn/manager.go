package redisconn

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/shipgate/shipgate/pkg/config"
)

var (
	ErrUnknownStore = errors.New("redisconn: unknown logical store")
)

// Manager owns one Redis client per logical store for the process lifetime.
// Clients are shared by all callers and are never owned by a single one.
// Sustained failures flip a store into the degraded state; dependents check
// Degraded before blocking on the store and apply their own fallback policy.
type Manager struct {
	clients   map[string]*redis.Client
	health    map[string]*storeHealth
	threshold int32

	keepAlive time.Duration
	isClosed  atomic.Bool
	closeChan chan struct{}
}

type storeHealth struct {
	failures atomic.Int32
	degraded atomic.Bool
}

type Option func(*Manager)

// WithKeepAlive starts a background ping loop with the given interval so the
// degraded state recovers without waiting for request traffic.
func WithKeepAlive(d time.Duration) Option {
	return func(m *Manager) {
		m.keepAlive = d
	}
}

// NewManager creates one client per configured logical store.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		clients:   make(map[string]*redis.Client, len(cfg.Stores)),
		health:    make(map[string]*storeHealth, len(cfg.Stores)),
		threshold: int32(cfg.DegradedThreshold),
		closeChan: make(chan struct{}),
	}
	if m.threshold <= 0 {
		m.threshold = 3
	}

	for _, opt := range opts {
		opt(m)
	}

	for name, sc := range cfg.Stores {
		m.clients[name] = redis.NewClient(clientOptions(sc))
		m.health[name] = &storeHealth{}
		log.Debug().Str("store", name).Str("addr", sc.Addr()).Int("db", sc.DB).Msg("redisconn: store registered")
	}

	if m.keepAlive > 0 {
		go m.keepAliveLoop()
	}

	return m
}

// clientOptions maps the named reconnect/retry policies onto go-redis client
// settings.
func clientOptions(sc config.StoreConfig) *redis.Options {
	opts := &redis.Options{
		Addr: sc.Addr(),
		DB:   sc.DB,
	}

	switch sc.RetryPolicy {
	case config.PolicyNone:
		opts.MaxRetries = -1
	case config.PolicyAggressive:
		opts.MaxRetries = 5
		opts.MinRetryBackoff = 5 * time.Millisecond
		opts.MaxRetryBackoff = time.Second
	default: // standard
		opts.MaxRetries = 3
		opts.MinRetryBackoff = 8 * time.Millisecond
		opts.MaxRetryBackoff = 512 * time.Millisecond
	}

	switch sc.ReconnectPolicy {
	case config.PolicyNone:
		opts.DialTimeout = time.Second
		opts.ConnMaxIdleTime = time.Minute
	case config.PolicyAggressive:
		opts.DialTimeout = 500 * time.Millisecond
		opts.ConnMaxIdleTime = 10 * time.Minute
		opts.MinIdleConns = 2
	default:
		opts.DialTimeout = 2 * time.Second
		opts.ConnMaxIdleTime = 5 * time.Minute
	}

	return opts
}

// Acquire returns the shared client for a logical store.
func (m *Manager) Acquire(name string) (redis.Cmdable, error) {
	client, ok := m.clients[name]
	if !ok {
		return nil, ErrUnknownStore
	}
	return client, nil
}

// Degraded reports whether a store has crossed the failure ceiling. Unknown
// stores are reported degraded so dependents fall back instead of blocking.
func (m *Manager) Degraded(name string) bool {
	h, ok := m.health[name]
	if !ok {
		return true
	}
	return h.degraded.Load()
}

// ReportFailure records a failed round trip against a store. Crossing the
// configured ceiling marks the store degraded.
func (m *Manager) ReportFailure(name string) {
	h, ok := m.health[name]
	if !ok {
		return
	}
	if h.failures.Add(1) >= m.threshold {
		if h.degraded.CompareAndSwap(false, true) {
			log.Warn().Str("store", name).Int32("failures", h.failures.Load()).Msg("redisconn: store degraded")
		}
	}
}

// ReportSuccess records a successful round trip, clearing the degraded state.
func (m *Manager) ReportSuccess(name string) {
	h, ok := m.health[name]
	if !ok {
		return
	}
	h.failures.Store(0)
	if h.degraded.CompareAndSwap(true, false) {
		log.Info().Str("store", name).Msg("redisconn: store recovered")
	}
}

func (m *Manager) keepAliveLoop() {
	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeChan:
			return
		case <-ticker.C:
			for name, client := range m.clients {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				err := client.Ping(ctx).Err()
				cancel()
				if err != nil {
					m.ReportFailure(name)
					continue
				}
				m.ReportSuccess(name)
			}
		}
	}
}

// Close stops the keepalive loop and closes every client.
func (m *Manager) Close() error {
	if !m.isClosed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.closeChan)

	var firstErr error
	for _, client := range m.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
