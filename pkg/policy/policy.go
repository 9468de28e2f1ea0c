package policy

import (
	"time"

	"github.com/shipgate/shipgate/pkg/config"
)

// Scope is the dimension a rate limit is applied along.
type Scope string

const (
	ScopeGlobal        Scope = "global"
	ScopeSSL           Scope = "ssl"
	ScopeAPIKeyDefault Scope = "api_key_default"
	ScopeUserDefault   Scope = "user_default"
	ScopeUserPremium   Scope = "user_premium"
	ScopeNewFreeUser   Scope = "new_free_user"
)

// IdentityKind selects which part of a resolved identity keys the counter.
type IdentityKind int

const (
	IdentityAPIKey IdentityKind = iota
	IdentityUser
)

// Policy is one immutable quota definition. A zero SubWindowCeiling means the
// policy has no sub-window; otherwise both ceilings are enforced and a request
// is admitted only when neither is exceeded.
type Policy struct {
	Scope            Scope
	Identity         IdentityKind
	Window           time.Duration
	WindowCeiling    int64
	SubWindow        time.Duration
	SubWindowCeiling int64

	// KeyPrefix overrides the enforcer's default counter namespace. Used by
	// the trial-plan policy, which keeps its counters under its own prefix.
	KeyPrefix string
}

// HasSubWindow reports whether the secondary, shorter-period ceiling applies.
func (p Policy) HasSubWindow() bool {
	return p.SubWindowCeiling > 0 && p.SubWindow > 0
}

// Table is the static scope → policy mapping, loaded once from configuration.
// Lookups are deterministic and perform no I/O.
type Table struct {
	policies        map[Scope]Policy
	trialPlanID     string
	unlimitedPlanID string
	premiumPlans    map[string]struct{}
}

// NewTable builds the policy table from the immutable configuration.
func NewTable(cfg *config.Config) *Table {
	t := &Table{
		policies:        make(map[Scope]Policy, 6),
		trialPlanID:     cfg.NewFreeUser.TrialPlanID,
		unlimitedPlanID: cfg.NewFreeUser.UnlimitedPlanID,
		premiumPlans:    make(map[string]struct{}, len(cfg.PremiumPlanIDs)),
	}
	for _, id := range cfg.PremiumPlanIDs {
		t.premiumPlans[id] = struct{}{}
	}

	// the global default applies per API key; it is the ceiling every key
	// gets unless a more specific scope overrides it
	t.policies[ScopeGlobal] = Policy{
		Scope:            ScopeGlobal,
		Identity:         IdentityAPIKey,
		Window:           cfg.RateLimit.Duration,
		WindowCeiling:    cfg.RateLimit.DefaultAPIRateLimit,
		SubWindow:        cfg.RateLimit.DurationSec,
		SubWindowCeiling: cfg.RateLimit.DefaultAPIRateLimitSec,
	}
	t.policies[ScopeSSL] = Policy{
		Scope:         ScopeSSL,
		Identity:      IdentityAPIKey,
		Window:        cfg.SSLRateLimit.Duration,
		WindowCeiling: cfg.SSLRateLimit.Limit,
	}
	t.policies[ScopeAPIKeyDefault] = Policy{
		Scope:            ScopeAPIKeyDefault,
		Identity:         IdentityAPIKey,
		Window:           cfg.RateLimit.Duration,
		WindowCeiling:    cfg.RateLimit.DefaultAPIRateLimit,
		SubWindow:        cfg.RateLimit.DurationSec,
		SubWindowCeiling: cfg.RateLimit.DefaultAPIRateLimitSec,
	}
	t.policies[ScopeUserDefault] = Policy{
		Scope:            ScopeUserDefault,
		Identity:         IdentityUser,
		Window:           cfg.RateLimit.Duration,
		WindowCeiling:    cfg.UserRateLimit.DefaultRateLimit,
		SubWindow:        cfg.RateLimit.DurationSec,
		SubWindowCeiling: cfg.UserRateLimitSec.DefaultRateLimit,
	}
	t.policies[ScopeUserPremium] = Policy{
		Scope:            ScopeUserPremium,
		Identity:         IdentityUser,
		Window:           cfg.RateLimit.Duration,
		WindowCeiling:    cfg.UserRateLimit.PremiumRateLimit,
		SubWindow:        cfg.RateLimit.DurationSec,
		SubWindowCeiling: cfg.UserRateLimitSec.PremiumRateLimit,
	}
	t.policies[ScopeNewFreeUser] = Policy{
		Scope:         ScopeNewFreeUser,
		Identity:      IdentityUser,
		Window:        cfg.NewFreeUser.Duration,
		WindowCeiling: cfg.NewFreeUser.RateLimit,
		KeyPrefix:     cfg.NewFreeUser.KeyPrefix,
	}

	return t
}

// For returns the policy for a scope. The user-tier scopes resolve through the
// plan ID, with unknown plans falling back to the default tier; any other
// unknown scope falls back to the API-key default policy.
func (t *Table) For(scope Scope, planID string) Policy {
	if scope == ScopeUserDefault || scope == ScopeUserPremium {
		if t.Premium(planID) {
			return t.policies[ScopeUserPremium]
		}
		return t.policies[ScopeUserDefault]
	}
	if p, ok := t.policies[scope]; ok {
		return p
	}
	return t.policies[ScopeAPIKeyDefault]
}

// keyPolicy returns the policy charged against the API key: the key-default
// override when configured, else the global default.
func (t *Table) keyPolicy() Policy {
	if p, ok := t.policies[ScopeAPIKeyDefault]; ok {
		return p
	}
	return t.policies[ScopeGlobal]
}

// Premium reports whether a plan is billed as premium.
func (t *Table) Premium(planID string) bool {
	_, ok := t.premiumPlans[planID]
	return ok
}

// Unlimited reports whether a plan bypasses the user-tier ceilings.
func (t *Table) Unlimited(planID string) bool {
	return planID != "" && planID == t.unlimitedPlanID
}

// Trial reports whether a plan is the free trial plan with a daily ceiling.
func (t *Table) Trial(planID string) bool {
	return planID != "" && planID == t.trialPlanID
}

// ForRequest returns the applicable policies for one request in precedence
// order: the SSL class when it applies, the per-key policy, then the
// user-tier policy. A more specific scope overrides the global default
// instead of charging a second counter beside it, so exactly one per-key
// policy appears in the chain. Unlimited plans skip the user tier entirely;
// the trial plan additionally carries its daily ceiling.
func (t *Table) ForRequest(planID string, ssl bool) []Policy {
	out := make([]Policy, 0, 4)
	if ssl {
		out = append(out, t.policies[ScopeSSL])
	}
	out = append(out, t.keyPolicy())

	if t.Unlimited(planID) {
		return out
	}

	if t.Premium(planID) {
		out = append(out, t.policies[ScopeUserPremium])
	} else {
		out = append(out, t.policies[ScopeUserDefault])
	}
	if t.Trial(planID) {
		out = append(out, t.policies[ScopeNewFreeUser])
	}
	return out
}
