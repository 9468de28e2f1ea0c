package quota

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipgate/shipgate/pkg/config"
	"github.com/shipgate/shipgate/pkg/policy"
	"github.com/shipgate/shipgate/pkg/redisconn"
)

func testSetup(t *testing.T, mutate func(*config.Config)) (*miniredis.Miniredis, *redisconn.Manager, *Enforcer) {
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
	if mutate != nil {
		mutate(cfg)
	}

	mgr := redisconn.NewManager(cfg)
	t.Cleanup(func() { mgr.Close() })

	now := time.Unix(1700000000, 0)
	enforcer, err := NewEnforcer(mgr, cfg, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return server, mgr, enforcer
}

func TestWindowCeiling(t *testing.T) {
	_, _, enforcer := testSetup(t, nil)
	ctx := context.Background()

	pol := policy.Policy{
		Scope:         policy.ScopeAPIKeyDefault,
		Window:        time.Minute,
		WindowCeiling: 3,
	}

	// the ceiling-th request is still admitted
	for i := 0; i < 3; i++ {
		verdict, err := enforcer.CheckAndIncrement(ctx, "key-1", pol)
		require.NoError(t, err)
		assert.True(t, verdict.Allowed, "request %d", i+1)
		assert.Equal(t, int64(i+1), verdict.Count)
	}

	verdict, err := enforcer.CheckAndIncrement(ctx, "key-1", pol)
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, int64(4), verdict.Count, "the rejected attempt still costs one unit")
	assert.Greater(t, verdict.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, verdict.RetryAfter, time.Minute)

	// a different identity has its own counter
	verdict, err = enforcer.CheckAndIncrement(ctx, "key-2", pol)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
}

func TestSubWindowCeiling(t *testing.T) {
	_, _, enforcer := testSetup(t, nil)
	ctx := context.Background()

	// per-minute far from reached, per-second ceiling of 2 still rejects
	pol := policy.Policy{
		Scope:            policy.ScopeAPIKeyDefault,
		Window:           time.Minute,
		WindowCeiling:    600,
		SubWindow:        time.Second,
		SubWindowCeiling: 2,
	}

	first, err := enforcer.CheckAndIncrement(ctx, "key-1", pol)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := enforcer.CheckAndIncrement(ctx, "key-1", pol)
	require.NoError(t, err)
	assert.True(t, second.Allowed)

	third, err := enforcer.CheckAndIncrement(ctx, "key-1", pol)
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Greater(t, third.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, third.RetryAfter, time.Second)
}

func TestRetryAfterBothCeilings(t *testing.T) {
	_, _, enforcer := testSetup(t, nil)
	ctx := context.Background()

	pol := policy.Policy{
		Scope:            policy.ScopeAPIKeyDefault,
		Window:           time.Minute,
		WindowCeiling:    1,
		SubWindow:        time.Second,
		SubWindowCeiling: 1,
	}

	first, err := enforcer.CheckAndIncrement(ctx, "key-1", pol)
	require.NoError(t, err)
	require.True(t, first.Allowed)

	// both ceilings exceeded in one call: the window remainder outlives the
	// sub-window remainder and must win the retry hint
	second, err := enforcer.CheckAndIncrement(ctx, "key-1", pol)
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Greater(t, second.RetryAfter, time.Second)
	assert.LessOrEqual(t, second.RetryAfter, time.Minute)
}

func TestWindowExpiry(t *testing.T) {
	server, _, enforcer := testSetup(t, nil)
	ctx := context.Background()

	pol := policy.Policy{
		Scope:         policy.ScopeAPIKeyDefault,
		Window:        time.Minute,
		WindowCeiling: 1,
	}

	verdict, err := enforcer.CheckAndIncrement(ctx, "key-1", pol)
	require.NoError(t, err)
	require.True(t, verdict.Allowed)

	verdict, err = enforcer.CheckAndIncrement(ctx, "key-1", pol)
	require.NoError(t, err)
	require.False(t, verdict.Allowed)

	// the counter expires with the window TTL and the state resets
	server.FastForward(time.Minute)

	verdict, err = enforcer.CheckAndIncrement(ctx, "key-1", pol)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
	assert.Equal(t, int64(1), verdict.Count)
}

func TestConcurrentCeiling(t *testing.T) {
	_, _, enforcer := testSetup(t, nil)
	ctx := context.Background()

	const (
		ceiling = 10
		workers = 50
	)
	pol := policy.Policy{
		Scope:         policy.ScopeAPIKeyDefault,
		Window:        time.Minute,
		WindowCeiling: ceiling,
	}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdict, err := enforcer.CheckAndIncrement(ctx, "key-1", pol)
			if err == nil && verdict.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(ceiling), admitted.Load(), "admitted count never exceeds the ceiling under concurrency")
}

func TestTrialPrefixKeyspace(t *testing.T) {
	server, _, enforcer := testSetup(t, nil)
	ctx := context.Background()

	pol := policy.Policy{
		Scope:         policy.ScopeNewFreeUser,
		Window:        24 * time.Hour,
		WindowCeiling: 100,
		KeyPrefix:     "new_free_user:",
	}

	_, err := enforcer.CheckAndIncrement(ctx, "user-7", pol)
	require.NoError(t, err)

	found := false
	for _, key := range server.Keys() {
		if len(key) > len("new_free_user:") && key[:len("new_free_user:")] == "new_free_user:" {
			found = true
		}
	}
	assert.True(t, found, "trial counters live under their own prefix")
}

func TestDegradedFailOpenFailClosed(t *testing.T) {
	server, mgr, enforcer := testSetup(t, func(cfg *config.Config) {
		cfg.DegradedThreshold = 1
		cfg.OpTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	server.Close()

	sslPol := policy.Policy{Scope: policy.ScopeSSL, Window: time.Hour, WindowCeiling: 600}
	defPol := policy.Policy{Scope: policy.ScopeAPIKeyDefault, Window: time.Minute, WindowCeiling: 600}

	// first call trips the failure ceiling and fails closed for SSL scopes
	verdict, err := enforcer.CheckAndIncrement(ctx, "key-1", sslPol)
	require.NoError(t, err, "store failures never surface as errors")
	assert.False(t, verdict.Allowed)
	assert.True(t, verdict.Degraded)
	require.True(t, mgr.Degraded(config.StoreAPI))

	// same failure for a default-class scope fails open
	verdict, err = enforcer.CheckAndIncrement(ctx, "key-1", defPol)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
	assert.True(t, verdict.Degraded)

	// premium user scopes are fail-closed by default too
	verdict, err = enforcer.CheckAndIncrement(ctx, "user-1", policy.Policy{
		Scope: policy.ScopeUserPremium, Window: time.Minute, WindowCeiling: 600,
	})
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
}
