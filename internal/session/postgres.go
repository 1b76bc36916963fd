package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/memohai/dingtalk-bridge/internal/channel/inbound"
)

// Querier is the subset of a pgx pool the Postgres store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS dingtalk_sessions (
	store_path  TEXT        NOT NULL,
	session_key TEXT        NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	entry       JSONB       NOT NULL,
	last_route  JSONB,
	PRIMARY KEY (store_path, session_key)
)`

// PostgresStore keeps sessions in the dingtalk_sessions table; the store path
// is the agent id.
type PostgresStore struct {
	db  Querier
	now func() time.Time
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// EnsureSchema creates the sessions table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("session: ensure schema: %w", err)
	}
	return nil
}

// ResolveStorePath returns the normalized agent id.
func (s *PostgresStore) ResolveStorePath(agentID string) string {
	return normalizeAgent(agentID)
}

// ReadSessionUpdatedAt returns when sessionKey was last recorded.
func (s *PostgresStore) ReadSessionUpdatedAt(ctx context.Context, storePath, sessionKey string) (time.Time, bool, error) {
	query := `SELECT updated_at FROM dingtalk_sessions WHERE store_path = $1 AND session_key = $2`
	var updatedAt time.Time
	if err := s.db.QueryRow(ctx, query, storePath, sessionKey).Scan(&updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("session: read updated_at: %w", err)
	}
	return updatedAt, true, nil
}

// RecordInboundSession upserts the session entry for ictx. A nil last route
// keeps the stored one.
func (s *PostgresStore) RecordInboundSession(ctx context.Context, storePath, sessionKey string, ictx inbound.InboundContext, last *inbound.LastRoute) error {
	if strings.TrimSpace(sessionKey) == "" {
		return fmt.Errorf("session key is required")
	}
	entry := newEntry(sessionKey, ictx, last, nil, s.now())
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	var lastJSON []byte
	if last != nil {
		if lastJSON, err = json.Marshal(last); err != nil {
			return err
		}
	}
	query := `
		INSERT INTO dingtalk_sessions (store_path, session_key, updated_at, entry, last_route)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (store_path, session_key) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			entry = EXCLUDED.entry,
			last_route = COALESCE(EXCLUDED.last_route, dingtalk_sessions.last_route)
	`
	if _, err := s.db.Exec(ctx, query, storePath, sessionKey, entry.UpdatedAt, entryJSON, lastJSON); err != nil {
		return fmt.Errorf("session: upsert: %w", err)
	}
	return nil
}
