// Package postgres provides a PostgreSQL-backed [journal.Writer].
//
// Usage:
//
//	w, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer w.Close()
//	_ = w.Write(ctx, entry)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurnJournal = `
CREATE TABLE IF NOT EXISTS turn_journal (
    id                 BIGSERIAL         PRIMARY KEY,
    session_id         TEXT              NOT NULL,
    seq                INTEGER           NOT NULL,
    agent              TEXT              NOT NULL DEFAULT '',
    raw_text           TEXT              NOT NULL DEFAULT '',
    corrected_text     TEXT              NOT NULL DEFAULT '',
    confidence         DOUBLE PRECISION  NOT NULL DEFAULT 0,
    language_detected  TEXT              NOT NULL DEFAULT '',
    needs_human_review BOOLEAN           NOT NULL DEFAULT false,
    user_text          TEXT              NOT NULL DEFAULT '',
    reply              TEXT              NOT NULL DEFAULT '',
    outcome            TEXT              NOT NULL DEFAULT '',
    started_at         TIMESTAMPTZ       NOT NULL DEFAULT now(),
    duration_ns        BIGINT            NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_turn_journal_session
    ON turn_journal (session_id, seq);

CREATE INDEX IF NOT EXISTS idx_turn_journal_review
    ON turn_journal (started_at)
    WHERE needs_human_review;
`

// Migrate creates the journal table and indexes. It is idempotent and safe
// to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurnJournal); err != nil {
		return fmt.Errorf("postgres journal: migrate: %w", err)
	}
	return nil
}
