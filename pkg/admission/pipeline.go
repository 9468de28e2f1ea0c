package admission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shipgate/shipgate/pkg/apikey"
	"github.com/shipgate/shipgate/pkg/policy"
	"github.com/shipgate/shipgate/pkg/quota"
)

// EndpointClass partitions endpoints for rate limiting purposes.
type EndpointClass string

const (
	ClassDefault EndpointClass = "default"
	ClassSSL     EndpointClass = "ssl"
)

// Reason explains a rejection (or admission) to the serving layer.
type Reason string

const (
	ReasonOK          Reason = "ok"
	ReasonUnknownKey  Reason = "unknown_key"
	ReasonKeyInactive Reason = "key_inactive"
	ReasonThrottled   Reason = "throttled"
	ReasonUnavailable Reason = "resolution_unavailable"
)

// Result is the admission verdict. Identity is populated whenever resolution
// succeeded, even for rejected requests, so the caller can attribute them.
type Result struct {
	Identity   *apikey.AuthorizationRecord
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
	Stale      bool
}

// Pipeline orchestrates resolution, policy selection and quota enforcement.
// It is the only component a serving layer needs to call.
type Pipeline struct {
	resolver *apikey.Resolver
	table    *policy.Table
	enforcer *quota.Enforcer
	auditor  *Auditor
}

type PipelineOption func(*Pipeline)

// WithAuditor enables best-effort audit logging of admission outcomes.
func WithAuditor(a *Auditor) PipelineOption {
	return func(p *Pipeline) {
		p.auditor = a
	}
}

func NewPipeline(resolver *apikey.Resolver, table *policy.Table, enforcer *quota.Enforcer, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		resolver: resolver,
		table:    table,
		enforcer: enforcer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Admit resolves the key, selects the applicable policies and evaluates them
// in precedence order, short-circuiting on the first throttle. Unknown keys
// are rejected without consuming any quota. The only error Admit returns is
// resolution unavailability with no cached fallback; every other condition
// yields a definite verdict.
func (p *Pipeline) Admit(ctx context.Context, key string, class EndpointClass) (Result, error) {
	decisionID := uuid.NewString()
	logger := log.Ctx(ctx).With().Str("decision_id", decisionID).Str("class", string(class)).Logger()

	res, err := p.resolver.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, apikey.ErrKeyNotFound) {
			logger.Debug().Msg("admission: unknown api key")
			result := Result{Allowed: false, Reason: ReasonUnknownKey}
			p.audit(ctx, decisionID, result)
			return result, nil
		}
		logger.Error().Err(err).Msg("admission: resolution unavailable")
		return Result{Allowed: false, Reason: ReasonUnavailable}, err
	}

	rec := res.Record
	if !rec.Active() {
		logger.Debug().Str("key_id", rec.KeyID).Str("status", string(rec.Status)).Msg("admission: inactive key rejected")
		result := Result{Identity: rec, Allowed: false, Reason: ReasonKeyInactive, Stale: res.Stale}
		p.audit(ctx, decisionID, result)
		return result, nil
	}

	for _, pol := range p.table.ForRequest(rec.PlanID, class == ClassSSL) {
		verdict, err := p.enforcer.CheckAndIncrement(ctx, p.identityFor(pol, rec), pol)
		if err != nil {
			return Result{Identity: rec, Allowed: false, Reason: ReasonUnavailable, Stale: res.Stale}, err
		}
		if !verdict.Allowed {
			logger.Info().
				Str("key_id", rec.KeyID).
				Str("scope", string(pol.Scope)).
				Int64("count", verdict.Count).
				Dur("retry_after", verdict.RetryAfter).
				Bool("degraded", verdict.Degraded).
				Msg("admission: throttled")
			result := Result{Identity: rec, Allowed: false, Reason: ReasonThrottled, RetryAfter: verdict.RetryAfter, Stale: res.Stale}
			p.audit(ctx, decisionID, result)
			return result, nil
		}
	}

	result := Result{Identity: rec, Allowed: true, Reason: ReasonOK, Stale: res.Stale}
	p.audit(ctx, decisionID, result)
	return result, nil
}

// identityFor picks the counter identity for a policy scope. Every counter is
// keyed by the resolved identity; no scope shares a counter across callers.
func (p *Pipeline) identityFor(pol policy.Policy, rec *apikey.AuthorizationRecord) string {
	if pol.Identity == policy.IdentityUser {
		return rec.OwnerID
	}
	return rec.KeyID
}

func (p *Pipeline) audit(ctx context.Context, decisionID string, result Result) {
	if p.auditor == nil {
		return
	}
	p.auditor.Record(ctx, decisionID, result)
}
