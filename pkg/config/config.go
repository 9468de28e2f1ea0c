package config

import (
	"fmt"
	"time"
)

// Logical store names. One Redis client is kept per logical store; callers
// acquire them by name from the connection manager.
const (
	StoreAPI           = "api"
	StoreLogger        = "logger"
	StoreSubscriptions = "subscriptions_aws"
	StoreCredentials   = "app_connection_credentials"
)

// Reconnect / retry policy names. Policies are selected by name from
// configuration instead of passing callbacks across component boundaries.
const (
	PolicyNone       = "none"
	PolicyStandard   = "standard"
	PolicyAggressive = "aggressive"
)

// StoreConfig describes one logical Redis store.
type StoreConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	DB              int    `json:"db"`
	ReconnectPolicy string `json:"reconnect_policy"`
	RetryPolicy     string `json:"retry_policy"`
}

// Addr returns the host:port dial address for the store.
func (s StoreConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RateLimitConfig holds the API-key level fixed-window limits. The per-minute
// and per-second ceilings are siblings and are enforced conjunctively.
type RateLimitConfig struct {
	Duration               time.Duration `json:"duration"`
	DurationSec            time.Duration `json:"duration_sec"`
	DefaultAPIRateLimit    int64         `json:"default_api_rate_limit"`
	DefaultAPIRateLimitSec int64         `json:"default_api_rate_limit_sec"`
}

// SSLRateLimitConfig holds the ceiling for SSL-class endpoints.
type SSLRateLimitConfig struct {
	Limit    int64         `json:"limit"`
	Duration time.Duration `json:"duration"`
}

// UserRateLimitConfig holds per-user-tier ceilings for one window length.
type UserRateLimitConfig struct {
	DefaultRateLimit int64 `json:"default_rate_limit"`
	PremiumRateLimit int64 `json:"premium_rate_limit"`
}

// NewFreeUserConfig describes the trial and unlimited plan handling for
// recently registered free users.
type NewFreeUserConfig struct {
	UnlimitedPlanID string        `json:"unlimited_plan_id"`
	TrialPlanID     string        `json:"trial_plan_id"`
	RateLimit       int64         `json:"rate_limit"`
	Duration        time.Duration `json:"duration"`
	KeyPrefix       string        `json:"key_prefix"`
}

// APIKeyCacheConfig describes the two-tier API key cache. Cache keys are
// namespaced by Base+Epoch so a global invalidation is a single epoch bump;
// PreviousEpoch is still consulted during a migration window.
type APIKeyCacheConfig struct {
	Base          string        `json:"base"`
	Epoch         string        `json:"epoch"`
	PreviousEpoch string        `json:"previous_epoch"`
	TTL           time.Duration `json:"ttl"`
	MemoryTTL     time.Duration `json:"memory_cache_ttl"`
	NegativeTTL   time.Duration `json:"negative_ttl"`
	MemorySize    int           `json:"memory_size"`
}

// Prefix returns the versioned key prefix for the given epoch.
func (c APIKeyCacheConfig) Prefix(epoch string) string {
	return c.Base + epoch + ":"
}

// Config is the immutable configuration of the admission subsystem. It is
// built once at process start and passed by reference to every constructor.
type Config struct {
	Stores           map[string]StoreConfig `json:"redis_local_config"`
	RateLimit        RateLimitConfig        `json:"rate_limit"`
	SSLRateLimit     SSLRateLimitConfig     `json:"ssl_rate_limit"`
	UserRateLimit    UserRateLimitConfig    `json:"user_rate_limit"`
	UserRateLimitSec UserRateLimitConfig    `json:"user_rate_limit_sec"`
	NewFreeUser      NewFreeUserConfig      `json:"new_free_user_setting"`
	APIKeyCache      APIKeyCacheConfig      `json:"api_key_cache"`

	// PremiumPlanIDs lists the plan IDs billed as premium for user-tier limits.
	PremiumPlanIDs []string `json:"premium_plan_ids"`

	// FailClosedScopes lists scope kinds that reject instead of admit when the
	// counter store is degraded.
	FailClosedScopes []string `json:"fail_closed_scopes"`

	// DegradedThreshold is the number of consecutive store failures after
	// which a store is marked degraded.
	DegradedThreshold int `json:"degraded_threshold"`

	// OpTimeout is the per-call budget for a single store round trip.
	OpTimeout time.Duration `json:"op_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Stores: map[string]StoreConfig{
			StoreAPI:           {Host: "localhost", Port: 6379, DB: 3, ReconnectPolicy: PolicyStandard, RetryPolicy: PolicyStandard},
			StoreLogger:        {Host: "localhost", Port: 6379, DB: 15, ReconnectPolicy: PolicyStandard, RetryPolicy: PolicyNone},
			StoreSubscriptions: {Host: "localhost", Port: 6379, DB: 14, ReconnectPolicy: PolicyStandard, RetryPolicy: PolicyStandard},
			StoreCredentials:   {Host: "localhost", Port: 6379, DB: 8, ReconnectPolicy: PolicyAggressive, RetryPolicy: PolicyStandard},
		},
		RateLimit: RateLimitConfig{
			Duration:               time.Minute,
			DurationSec:            time.Second,
			DefaultAPIRateLimit:    600,
			DefaultAPIRateLimitSec: 2,
		},
		SSLRateLimit: SSLRateLimitConfig{
			Limit:    600,
			Duration: time.Hour,
		},
		UserRateLimit: UserRateLimitConfig{
			DefaultRateLimit: 120,
			PremiumRateLimit: 600,
		},
		UserRateLimitSec: UserRateLimitConfig{
			DefaultRateLimit: 2,
			PremiumRateLimit: 10,
		},
		NewFreeUser: NewFreeUserConfig{
			UnlimitedPlanID: "AS_UNLIMITED_FREE_2020JUN",
			TrialPlanID:     "AS_TRIAL",
			RateLimit:       100,
			Duration:        24 * time.Hour,
			KeyPrefix:       "new_free_user:",
		},
		APIKeyCache: APIKeyCacheConfig{
			Base:          "api_key:",
			Epoch:         "v4",
			PreviousEpoch: "v1",
			TTL:           24 * time.Hour,
			MemoryTTL:     time.Minute,
			NegativeTTL:   5 * time.Second,
			MemorySize:    100000,
		},
		FailClosedScopes:  []string{"ssl", "user_premium"},
		DegradedThreshold: 3,
		OpTimeout:         200 * time.Millisecond,
	}
}
