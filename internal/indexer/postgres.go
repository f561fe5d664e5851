package indexer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddl = `
CREATE TABLE IF NOT EXISTS brain_dump_sessions (
    id          TEXT         PRIMARY KEY,
    title       TEXT         NOT NULL DEFAULT '',
    source_app  TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS brain_dump_segments (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES brain_dump_sessions (id) ON DELETE CASCADE,
    segment_id  TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    source      TEXT         NOT NULL,
    speaker     TEXT         NOT NULL DEFAULT '',
    t0          DOUBLE PRECISION NOT NULL,
    t1          DOUBLE PRECISION NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_brain_dump_segments_session
    ON brain_dump_segments (session_id, t0);

CREATE INDEX IF NOT EXISTS idx_brain_dump_segments_fts
    ON brain_dump_segments USING GIN (to_tsvector('english', text));
`

// Postgres is an [Indexer] backed by two tables in a PostgreSQL database.
// All methods are safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Indexer = (*Postgres)(nil)

// NewPostgres connects to dsn, pings the server and creates the tables if
// they do not exist.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("indexer: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("indexer: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("indexer: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// SessionStart inserts a session row under a new UUID.
func (p *Postgres) SessionStart(ctx context.Context, title, sourceApp string) (string, error) {
	id := uuid.NewString()
	const q = `INSERT INTO brain_dump_sessions (id, title, source_app) VALUES ($1, $2, $3)`
	if _, err := p.pool.Exec(ctx, q, id, title, sourceApp); err != nil {
		return "", fmt.Errorf("indexer: session start: %w", err)
	}
	return id, nil
}

// Transcript inserts one segment row.
func (p *Postgres) Transcript(ctx context.Context, sessionID string, e Entry) error {
	const q = `
		INSERT INTO brain_dump_segments
		    (session_id, segment_id, text, source, speaker, t0, t1, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := p.pool.Exec(ctx, q, sessionID, e.SegmentID, e.Text, e.Source, e.Speaker, e.T0, e.T1, e.Confidence)
	if err != nil {
		return fmt.Errorf("indexer: transcript: %w", err)
	}
	return nil
}

// SessionEnd stamps the session's end time.
func (p *Postgres) SessionEnd(ctx context.Context, sessionID string) error {
	const q = `UPDATE brain_dump_sessions SET ended_at = now() WHERE id = $1`
	tag, err := p.pool.Exec(ctx, q, sessionID)
	if err != nil {
		return fmt.Errorf("indexer: session end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("indexer: session end: unknown session %q", sessionID)
	}
	return nil
}

// Segments returns the stored lines of a session ordered by start time.
func (p *Postgres) Segments(ctx context.Context, sessionID string) ([]Entry, error) {
	const q = `
		SELECT segment_id, text, source, speaker, t0, t1, confidence
		FROM   brain_dump_segments
		WHERE  session_id = $1
		ORDER  BY t0, id`
	rows, err := p.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("indexer: segments: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.SegmentID, &e.Text, &e.Source, &e.Speaker, &e.T0, &e.T1, &e.Confidence)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("indexer: segments: %w", err)
	}
	return entries, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
