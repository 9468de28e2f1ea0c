package config

import (
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// FromViper builds a Config from an already populated viper instance. How the
// instance is populated (files, environment, remote) is the caller's problem;
// only keys that are present override the defaults, so a partial settings
// document is fine.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := Default()

	for name, def := range cfg.Stores {
		key := "redis_local_config." + name
		if !v.IsSet(key) {
			continue
		}
		sub := v.GetStringMap(key)
		cfg.Stores[name] = storeFromMap(sub, def)
	}

	if v.IsSet("rate_limit.duration") {
		cfg.RateLimit.Duration = secondsOf(v.Get("rate_limit.duration"))
	}
	if v.IsSet("rate_limit.duration_sec") {
		cfg.RateLimit.DurationSec = secondsOf(v.Get("rate_limit.duration_sec"))
	}
	if v.IsSet("rate_limit.default_api_rate_limit") {
		cfg.RateLimit.DefaultAPIRateLimit = v.GetInt64("rate_limit.default_api_rate_limit")
	}
	if v.IsSet("rate_limit.default_api_rate_limit_sec") {
		cfg.RateLimit.DefaultAPIRateLimitSec = v.GetInt64("rate_limit.default_api_rate_limit_sec")
	}

	if v.IsSet("ssl_rate_limit.limit") {
		cfg.SSLRateLimit.Limit = v.GetInt64("ssl_rate_limit.limit")
	}
	if v.IsSet("ssl_rate_limit.duration") {
		cfg.SSLRateLimit.Duration = secondsOf(v.Get("ssl_rate_limit.duration"))
	}

	if v.IsSet("user_rate_limit.default_rate_limit") {
		cfg.UserRateLimit.DefaultRateLimit = v.GetInt64("user_rate_limit.default_rate_limit")
	}
	if v.IsSet("user_rate_limit.premium_rate_limit") {
		cfg.UserRateLimit.PremiumRateLimit = v.GetInt64("user_rate_limit.premium_rate_limit")
	}
	if v.IsSet("user_rate_limit_sec.default_rate_limit") {
		cfg.UserRateLimitSec.DefaultRateLimit = v.GetInt64("user_rate_limit_sec.default_rate_limit")
	}
	if v.IsSet("user_rate_limit_sec.premium_rate_limit") {
		cfg.UserRateLimitSec.PremiumRateLimit = v.GetInt64("user_rate_limit_sec.premium_rate_limit")
	}

	if v.IsSet("new_free_user_setting.unlimited_plan.plan_id") {
		cfg.NewFreeUser.UnlimitedPlanID = v.GetString("new_free_user_setting.unlimited_plan.plan_id")
	}
	if v.IsSet("new_free_user_setting.free_trial_plan.plan_id") {
		cfg.NewFreeUser.TrialPlanID = v.GetString("new_free_user_setting.free_trial_plan.plan_id")
	}
	if v.IsSet("new_free_user_setting.free_trial_plan.rate_limit.api_rate_limit") {
		cfg.NewFreeUser.RateLimit = v.GetInt64("new_free_user_setting.free_trial_plan.rate_limit.api_rate_limit")
	}
	if v.IsSet("new_free_user_setting.free_trial_plan.rate_limit.duration") {
		cfg.NewFreeUser.Duration = secondsOf(v.Get("new_free_user_setting.free_trial_plan.rate_limit.duration"))
	}
	if v.IsSet("new_free_user_setting.free_trial_plan.limit_redis_key_prefix") {
		cfg.NewFreeUser.KeyPrefix = v.GetString("new_free_user_setting.free_trial_plan.limit_redis_key_prefix")
	}

	if v.IsSet("cache.api_key.prefix") {
		base, epoch := splitPrefix(v.GetString("cache.api_key.prefix"))
		cfg.APIKeyCache.Base = base
		cfg.APIKeyCache.Epoch = epoch
	}
	if v.IsSet("cache.api_key.prefix_v1") {
		_, epoch := splitPrefix(v.GetString("cache.api_key.prefix_v1"))
		cfg.APIKeyCache.PreviousEpoch = epoch
	}
	if v.IsSet("cache.api_key.ttl") {
		cfg.APIKeyCache.TTL = secondsOf(v.Get("cache.api_key.ttl"))
	}
	if v.IsSet("cache.api_key.memory_cache_ttl") {
		cfg.APIKeyCache.MemoryTTL = secondsOf(v.Get("cache.api_key.memory_cache_ttl"))
	}

	if v.IsSet("premium_plan_ids") {
		cfg.PremiumPlanIDs = v.GetStringSlice("premium_plan_ids")
	}
	if v.IsSet("fail_closed_scopes") {
		cfg.FailClosedScopes = v.GetStringSlice("fail_closed_scopes")
	}
	if v.IsSet("degraded_threshold") {
		cfg.DegradedThreshold = v.GetInt("degraded_threshold")
	}
	if v.IsSet("op_timeout") {
		cfg.OpTimeout = v.GetDuration("op_timeout")
	}

	return cfg, nil
}

func storeFromMap(m map[string]any, def StoreConfig) StoreConfig {
	out := def
	if h, ok := m["host"]; ok {
		out.Host = cast.ToString(h)
	}
	if p, ok := m["port"]; ok {
		out.Port = cast.ToInt(p)
	}
	if db, ok := m["db"]; ok {
		out.DB = cast.ToInt(db)
	}
	if rp, ok := m["reconnect_policy"]; ok {
		out.ReconnectPolicy = cast.ToString(rp)
	}
	if rp, ok := m["retry_policy"]; ok {
		out.RetryPolicy = cast.ToString(rp)
	}
	return out
}

// secondsOf accepts either a bare number of seconds or a duration string.
func secondsOf(raw any) time.Duration {
	if n := cast.ToInt64(raw); n != 0 {
		return time.Duration(n) * time.Second
	}
	return cast.ToDuration(raw)
}

// splitPrefix splits a versioned prefix like "api_key:v4:" into its base and
// epoch parts.
func splitPrefix(prefix string) (base, epoch string) {
	trimmed := prefix
	if n := len(trimmed); n > 0 && trimmed[n-1] == ':' {
		trimmed = trimmed[:n-1]
	}
	for i := len(trimmed) - 1; i >= 0; i-- {
		if trimmed[i] == ':' {
			return trimmed[:i+1], trimmed[i+1:]
		}
	}
	return "", trimmed
}
