package apikey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
)

// credentialRow is the SQL projection of an app connection credential.
type credentialRow struct {
	bun.BaseModel `bun:"table:app_connection_credentials,alias:acc"`

	APIKey  string `bun:"api_key,pk"`
	KeyID   string `bun:"api_key_id"`
	OwnerID string `bun:"owner_id"`
	PlanID  string `bun:"plan_id"`
	Status  string `bun:"status"`
}

// BunStore is the authoritative credential store backed by a SQL database,
// for deployments where credentials live in a relational table instead of the
// credentials Redis.
type BunStore struct {
	db *bun.DB
}

var _ Store = (*BunStore)(nil)

func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db}
}

// Lookup selects one credential row by API key.
func (s *BunStore) Lookup(ctx context.Context, key string) (*AuthorizationRecord, error) {
	var row credentialRow
	err := s.db.NewSelect().Model(&row).Where("api_key = ?", key).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("apikey: credential query: %w", err)
	}

	return &AuthorizationRecord{
		KeyID:   row.KeyID,
		OwnerID: row.OwnerID,
		PlanID:  row.PlanID,
		Status:  Status(row.Status),
	}, nil
}

// QueryHook logs credential queries through zerolog, flagging slow ones.
type QueryHook struct {
	LogSlow time.Duration
}

var _ bun.QueryHook = (*QueryHook)(nil)

func (h *QueryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *QueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	dur := time.Since(event.StartTime)

	logger := log.Ctx(ctx).With().Dur("duration", dur).Str("sql", event.Query).Logger()
	if event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows) {
		logger.Error().Err(event.Err).Msg("credential query failed")
		return
	}
	if h.LogSlow > 0 && dur > h.LogSlow {
		logger.Warn().Msg("slow credential query")
	}
}
