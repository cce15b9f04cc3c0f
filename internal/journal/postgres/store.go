package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/carevox/internal/journal"
)

var _ journal.Writer = (*Store)(nil)

// Store writes journal entries to the turn_journal table. All methods are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, verifies the connection, and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres journal: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Write implements [journal.Writer].
func (s *Store) Write(ctx context.Context, e journal.Entry) error {
	const q = `
		INSERT INTO turn_journal
		    (session_id, seq, agent, raw_text, corrected_text, confidence,
		     language_detected, needs_human_review, user_text, reply, outcome,
		     started_at, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		e.Seq,
		e.Agent,
		e.RawText,
		e.CorrectedText,
		e.Confidence,
		e.LanguageDetected,
		e.NeedsHumanReview,
		e.UserText,
		e.Reply,
		e.Outcome,
		e.StartedAt,
		e.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres journal: write: %w", err)
	}
	return nil
}

// Ping implements [journal.Writer].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres journal: ping: %w", err)
	}
	return nil
}

// Close implements [journal.Writer].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
