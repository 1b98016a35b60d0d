package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Repository = (*Store)(nil)

// Store is the PostgreSQL [Repository]. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("records store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("records store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("records store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Ping checks database connectivity. Used as a readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Put inserts or replaces a record.
func (s *Store) Put(ctx context.Context, r Record) error {
	const q = `
		INSERT INTO records (id, user_id, image_key, analysis_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		   SET user_id = EXCLUDED.user_id,
		       image_key = EXCLUDED.image_key,
		       analysis_key = EXCLUDED.analysis_key`

	userID := r.UserID
	if userID == "" {
		userID = "anonymous"
	}
	if _, err := s.pool.Exec(ctx, q, r.ID, userID, r.ImageKey, r.AnalysisKey, r.CreatedAt); err != nil {
		return fmt.Errorf("records store: put %s: %w", r.ID, err)
	}
	return nil
}

// Get implements [Repository].
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	const q = `
		SELECT id, user_id, image_key, analysis_key, created_at
		FROM   records
		WHERE  id = $1`

	var r Record
	err := s.pool.QueryRow(ctx, q, id).Scan(&r.ID, &r.UserID, &r.ImageKey, &r.AnalysisKey, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("records store: get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("records store: get %s: %w", id, err)
	}
	return r, nil
}

// List implements [Repository].
func (s *Store) List(ctx context.Context, userID string, limit int) ([]Record, error) {
	const q = `
		SELECT id, user_id, image_key, analysis_key, created_at
		FROM   records
		WHERE  user_id = $1
		ORDER  BY created_at DESC
		LIMIT  $2`

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("records store: list: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.ID, &r.UserID, &r.ImageKey, &r.AnalysisKey, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("records store: list: %w", err)
	}
	return recs, nil
}

// SaveTurn implements [Repository].
func (s *Store) SaveTurn(ctx context.Context, t Turn) error {
	const q = `
		INSERT INTO session_turns (session_id, idx, record_id, role, text, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (session_id, idx) DO UPDATE
		   SET text = EXCLUDED.text,
		       role = EXCLUDED.role,
		       updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, t.SessionID, t.Index, t.RecordID, t.Role, t.Text); err != nil {
		return fmt.Errorf("records store: save turn: %w", err)
	}
	return nil
}

// Turns implements [Repository].
func (s *Store) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	const q = `
		SELECT session_id, record_id, idx, role, text, updated_at
		FROM   session_turns
		WHERE  session_id = $1
		ORDER  BY idx`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("records store: turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var t Turn
		err := row.Scan(&t.SessionID, &t.RecordID, &t.Index, &t.Role, &t.Text, &t.UpdatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("records store: turns: %w", err)
	}
	return turns, nil
}
