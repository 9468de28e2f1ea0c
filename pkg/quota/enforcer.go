package quota

import (
	"context"
	_ "embed"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/shipgate/shipgate/pkg/config"
	"github.com/shipgate/shipgate/pkg/policy"
	"github.com/shipgate/shipgate/pkg/redisconn"
)

//go:embed window.lua
var windowLua string

var windowScript = redis.NewScript(windowLua)

const defaultKeyPrefix = "ratelimit:"

// Verdict is the outcome of one check-and-increment.
type Verdict struct {
	Allowed    bool
	Count      int64
	Remaining  int64
	RetryAfter time.Duration

	// Degraded marks a verdict produced by the fail-open/fail-closed policy
	// instead of a counter round trip.
	Degraded bool
}

// Enforcer applies fixed-window quotas against the shared counter store. The
// increment-and-compare is a single atomic round trip, so the ceiling holds
// across every process instance; counters are never cached locally.
type Enforcer struct {
	mgr        *redisconn.Manager
	storeName  string
	rdb        redis.Cmdable
	failClosed map[policy.Scope]bool
	opTimeout  time.Duration
	now        func() time.Time
}

type EnforcerOption func(*Enforcer)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) EnforcerOption {
	return func(e *Enforcer) {
		e.now = now
	}
}

// NewEnforcer builds an enforcer over the api counter store.
func NewEnforcer(mgr *redisconn.Manager, cfg *config.Config, opts ...EnforcerOption) (*Enforcer, error) {
	rdb, err := mgr.Acquire(config.StoreAPI)
	if err != nil {
		return nil, err
	}

	e := &Enforcer{
		mgr:        mgr,
		storeName:  config.StoreAPI,
		rdb:        rdb,
		failClosed: make(map[policy.Scope]bool, len(cfg.FailClosedScopes)),
		opTimeout:  cfg.OpTimeout,
		now:        time.Now,
	}
	for _, scope := range cfg.FailClosedScopes {
		e.failClosed[policy.Scope(scope)] = true
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CheckAndIncrement charges one unit against every counter of the policy and
// reports whether the request is admitted. Both the window and the sub-window
// ceiling must pass. Every attempt costs exactly one unit whether or not it is
// admitted; rejected attempts are not refunded. Store failures never surface
// as errors: the per-scope fail-open/fail-closed policy decides instead.
func (e *Enforcer) CheckAndIncrement(ctx context.Context, identity string, pol policy.Policy) (Verdict, error) {
	if e.mgr.Degraded(e.storeName) {
		return e.degradedVerdict(ctx, pol), nil
	}

	now := e.now()

	count, ttl, err := e.increment(ctx, e.counterKey(identity, pol, pol.Window, now), pol.Window)
	if err != nil {
		e.mgr.ReportFailure(e.storeName)
		log.Ctx(ctx).Warn().Err(err).Str("scope", string(pol.Scope)).Msg("quota: counter increment failed")
		return e.degradedVerdict(ctx, pol), nil
	}

	verdict := Verdict{Allowed: true, Count: count, Remaining: max(pol.WindowCeiling-count, 0)}
	if count > pol.WindowCeiling {
		verdict.Allowed = false
		verdict.RetryAfter = ttl
	}

	if pol.HasSubWindow() {
		subCount, subTTL, err := e.increment(ctx, e.counterKey(identity, pol, pol.SubWindow, now)+":sub", pol.SubWindow)
		if err != nil {
			e.mgr.ReportFailure(e.storeName)
			log.Ctx(ctx).Warn().Err(err).Str("scope", string(pol.Scope)).Msg("quota: sub-window increment failed")
			return e.degradedVerdict(ctx, pol), nil
		}
		// when both ceilings are exceeded the longer remainder governs the
		// retry hint
		if subCount > pol.SubWindowCeiling {
			verdict.Allowed = false
			verdict.RetryAfter = max(verdict.RetryAfter, subTTL)
		}
	}

	e.mgr.ReportSuccess(e.storeName)
	return verdict, nil
}

// increment runs the atomic conditional increment with TTL-on-create and
// returns the post-increment count and the window remainder.
func (e *Enforcer) increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error) {
	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	res, err := windowScript.Run(opCtx, e.rdb, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, err
	}

	count, _ = res[0].(int64)
	pttl, _ := res[1].(int64)
	return count, time.Duration(pttl) * time.Millisecond, nil
}

// counterKey builds scope:identity:window_start under the policy's namespace.
// Identities never share counters across scopes.
func (e *Enforcer) counterKey(identity string, pol policy.Policy, window time.Duration, now time.Time) string {
	prefix := pol.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	secs := int64(window.Seconds())
	if secs <= 0 {
		secs = 1
	}
	windowStart := now.Unix() - now.Unix()%secs
	return prefix + string(pol.Scope) + ":" + identity + ":" + strconv.FormatInt(windowStart, 10)
}

// degradedVerdict applies the configured admission policy while the counter
// store is unreachable: reject for fail-closed scopes, admit otherwise.
func (e *Enforcer) degradedVerdict(ctx context.Context, pol policy.Policy) Verdict {
	if e.failClosed[pol.Scope] {
		log.Ctx(ctx).Warn().Str("scope", string(pol.Scope)).Msg("quota: counter store degraded, failing closed")
		return Verdict{Allowed: false, RetryAfter: pol.Window, Degraded: true}
	}
	log.Ctx(ctx).Warn().Str("scope", string(pol.Scope)).Msg("quota: counter store degraded, failing open")
	return Verdict{Allowed: true, Degraded: true}
}
