package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the archive tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment. The GIN
// index backs the full-text Search.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
    session_id    TEXT PRIMARY KEY,
    tenant        TEXT NOT NULL,
    language      TEXT NOT NULL DEFAULT '',
    transcript    TEXT NOT NULL DEFAULT '',
    audio_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    tokens        INTEGER NOT NULL DEFAULT 0,
    started_at    TIMESTAMPTZ NOT NULL,
    ended_at      TIMESTAMPTZ NOT NULL,
    archived_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_calls_tenant_ended ON calls(tenant, ended_at DESC);
CREATE INDEX IF NOT EXISTS idx_calls_transcript_fts
    ON calls USING GIN (to_tsvector('simple', transcript));

CREATE TABLE IF NOT EXISTS call_batches (
    session_id       TEXT NOT NULL REFERENCES calls(session_id) ON DELETE CASCADE,
    batch_index      INTEGER NOT NULL,
    text             TEXT NOT NULL DEFAULT '',
    tokens           INTEGER NOT NULL DEFAULT 0,
    duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    completed_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, batch_index)
);

CREATE TABLE IF NOT EXISTS call_insights (
    session_id   TEXT NOT NULL REFERENCES calls(session_id) ON DELETE CASCADE,
    seq          INTEGER NOT NULL,
    insight_type TEXT NOT NULL,
    text         TEXT NOT NULL,
    confidence   DOUBLE PRECISION NOT NULL,
    model        TEXT NOT NULL DEFAULT '',
    generated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db   DB
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// Connect opens a pgx pool against dsn and returns a store over it. The
// caller should run Migrate before the first Save.
func Connect(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	return &PostgresStore{db: pool, pool: pool}, nil
}

// NewPostgresStore wraps an existing connection or pool, mainly for tests.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Save persists rec, replacing any earlier record for the same session id.
// Child rows are rewritten wholesale; the record is small and arrives once
// per call.
func (s *PostgresStore) Save(ctx context.Context, rec *CallRecord) error {
	const upsertCall = `
		INSERT INTO calls (session_id, tenant, language, transcript,
		                   audio_seconds, tokens, started_at, ended_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (session_id) DO UPDATE SET
			tenant        = EXCLUDED.tenant,
			language      = EXCLUDED.language,
			transcript    = EXCLUDED.transcript,
			audio_seconds = EXCLUDED.audio_seconds,
			tokens        = EXCLUDED.tokens,
			started_at    = EXCLUDED.started_at,
			ended_at      = EXCLUDED.ended_at,
			archived_at   = now()`

	if _, err := s.db.Exec(ctx, upsertCall,
		rec.SessionID, rec.Tenant, rec.Language, rec.Transcript,
		rec.AudioSeconds, rec.Tokens, rec.StartedAt, rec.EndedAt,
	); err != nil {
		return fmt.Errorf("archive: save call: %w", err)
	}

	if _, err := s.db.Exec(ctx,
		`DELETE FROM call_batches WHERE session_id = $1`, rec.SessionID); err != nil {
		return fmt.Errorf("archive: clear batches: %w", err)
	}
	for _, b := range rec.Batches {
		if _, err := s.db.Exec(ctx,
			`INSERT INTO call_batches (session_id, batch_index, text, tokens,
			                           duration_seconds, completed_at)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			rec.SessionID, b.Index, b.Text, b.Tokens, b.DurationSeconds, b.CompletedAt,
		); err != nil {
			return fmt.Errorf("archive: save batch %d: %w", b.Index, err)
		}
	}

	if _, err := s.db.Exec(ctx,
		`DELETE FROM call_insights WHERE session_id = $1`, rec.SessionID); err != nil {
		return fmt.Errorf("archive: clear insights: %w", err)
	}
	for i, ins := range rec.Insights {
		if _, err := s.db.Exec(ctx,
			`INSERT INTO call_insights (session_id, seq, insight_type, text,
			                            confidence, model, generated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			rec.SessionID, i, ins.Type, ins.Text, ins.Confidence, ins.Model, ins.GeneratedAt,
		); err != nil {
			return fmt.Errorf("archive: save insight %d: %w", i, err)
		}
	}
	return nil
}

const summaryColumns = `
	c.session_id, c.tenant, c.language, c.audio_seconds,
	(SELECT count(*) FROM call_insights i WHERE i.session_id = c.session_id),
	c.started_at, c.ended_at`

// Recent returns up to limit calls for the tenant, newest first.
func (s *PostgresStore) Recent(ctx context.Context, tenant string, limit int) ([]CallSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+summaryColumns+`
		FROM calls c
		WHERE c.tenant = $1
		ORDER BY c.ended_at DESC
		LIMIT $2`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	return scanSummaries(rows)
}

// Search runs a full-text query over the tenant's transcripts.
func (s *PostgresStore) Search(ctx context.Context, tenant, query string, limit int) ([]CallSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+summaryColumns+`
		FROM calls c
		WHERE c.tenant = $1
		  AND to_tsvector('simple', c.transcript) @@ plainto_tsquery('simple', $2)
		ORDER BY c.ended_at DESC
		LIMIT $3`, tenant, query, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	return scanSummaries(rows)
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool != nil {
		if err := s.pool.Ping(ctx); err != nil {
			return fmt.Errorf("archive: ping: %w", err)
		}
		return nil
	}
	if _, err := s.db.Exec(ctx, `SELECT 1`); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close releases the pool when this store owns one.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func scanSummaries(rows pgx.Rows) ([]CallSummary, error) {
	defer rows.Close()

	var out []CallSummary
	for rows.Next() {
		var cs CallSummary
		if err := rows.Scan(
			&cs.SessionID, &cs.Tenant, &cs.Language, &cs.AudioSeconds,
			&cs.Insights, &cs.StartedAt, &cs.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("archive: scan summary: %w", err)
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate summaries: %w", err)
	}
	return out, nil
}
