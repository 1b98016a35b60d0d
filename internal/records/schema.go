package records

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRecords = `
CREATE TABLE IF NOT EXISTS records (
    id            TEXT         PRIMARY KEY,
    user_id       TEXT         NOT NULL DEFAULT 'anonymous',
    image_key     TEXT         NOT NULL,
    analysis_key  TEXT         NOT NULL,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_records_user_created
    ON records (user_id, created_at DESC);
`

const ddlSessionTurns = `
CREATE TABLE IF NOT EXISTS session_turns (
    session_id  TEXT         NOT NULL,
    idx         INTEGER      NOT NULL,
    record_id   TEXT         NOT NULL DEFAULT '',
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_session_turns_record
    ON session_turns (record_id);
`

// Migrate creates the records and session_turns tables if they do not exist.
// It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlRecords, ddlSessionTurns} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("records: migrate: %w", err)
		}
	}
	return nil
}
