package apikey

import "context"

// Status of an authorization record.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// AuthorizationRecord is the resolved identity behind an opaque API key.
// Cached copies are read-only projections of the authoritative row;
// CacheVersion pins the cache epoch the copy was written under.
type AuthorizationRecord struct {
	KeyID        string `json:"api_key_id"`
	OwnerID      string `json:"owner_id"`
	PlanID       string `json:"plan_id"`
	Status       Status `json:"status"`
	CacheVersion string `json:"cache_version"`
}

// Active reports whether the record admits traffic at all.
func (r *AuthorizationRecord) Active() bool {
	return r != nil && r.Status == StatusActive
}

// Resolution is the outcome of resolving an API key. Stale is set when the
// authoritative store was unreachable and a logically expired cached copy was
// served instead.
type Resolution struct {
	Record *AuthorizationRecord
	Stale  bool
}

// Store is the authoritative credential store. Implementations return
// ErrKeyNotFound when the key genuinely does not exist; any other error means
// the store was unreachable.
type Store interface {
	Lookup(ctx context.Context, key string) (*AuthorizationRecord, error)
}
