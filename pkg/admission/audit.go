package admission

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/shipgate/shipgate/pkg/config"
	"github.com/shipgate/shipgate/pkg/redisconn"
)

const (
	auditStream = "api_admission_log"
	auditMaxLen = 100000
)

// auditEvent is one admission outcome written to the logger store.
type auditEvent struct {
	DecisionID string `json:"decision_id"`
	KeyID      string `json:"api_key_id,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	RetryAfter int64  `json:"retry_after_ms,omitempty"`
	Stale      bool   `json:"stale,omitempty"`
	At         int64  `json:"at"`
}

// Auditor writes admission outcomes to a capped stream on the dedicated
// logger store. Writes are best-effort: audit failure never affects the
// verdict.
type Auditor struct {
	mgr       *redisconn.Manager
	storeName string
	rdb       redis.Cmdable
}

// NewAuditor acquires the logger store from the connection manager.
func NewAuditor(mgr *redisconn.Manager) (*Auditor, error) {
	rdb, err := mgr.Acquire(config.StoreLogger)
	if err != nil {
		return nil, err
	}
	return &Auditor{mgr: mgr, storeName: config.StoreLogger, rdb: rdb}, nil
}

// Record appends one outcome to the audit stream. The raw API key is never
// written, only the resolved identity.
func (a *Auditor) Record(ctx context.Context, decisionID string, result Result) {
	if a.mgr.Degraded(a.storeName) {
		return
	}

	event := auditEvent{
		DecisionID: decisionID,
		Allowed:    result.Allowed,
		Reason:     string(result.Reason),
		RetryAfter: result.RetryAfter.Milliseconds(),
		Stale:      result.Stale,
		At:         time.Now().UnixMilli(),
	}
	if result.Identity != nil {
		event.KeyID = result.Identity.KeyID
		event.OwnerID = result.Identity.OwnerID
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	err = a.rdb.XAdd(opCtx, &redis.XAddArgs{
		Stream: auditStream,
		MaxLen: auditMaxLen,
		Approx: true,
		Values: map[string]any{"event": raw},
	}).Err()
	if err != nil {
		a.mgr.ReportFailure(a.storeName)
		log.Ctx(ctx).Debug().Err(err).Msg("admission: audit write failed")
		return
	}
	a.mgr.ReportSuccess(a.storeName)
}
