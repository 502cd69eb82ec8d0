package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS pulse_sessions (
    id          UUID         PRIMARY KEY,
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ,
    summary     JSONB
);
`

const ddlFrames = `
CREATE TABLE IF NOT EXISTS pulse_frames (
    session_id    UUID     NOT NULL REFERENCES pulse_sessions (id) ON DELETE CASCADE,
    timestamp_us  BIGINT   NOT NULL,
    bpm           REAL     NOT NULL,
    envelope      REAL     NOT NULL,
    scene         TEXT     NOT NULL,
    fallback      BOOLEAN  NOT NULL,
    blend         REAL     NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pulse_frames_session
    ON pulse_frames (session_id, timestamp_us);
`

const ddlBeats = `
CREATE TABLE IF NOT EXISTS pulse_beats (
    session_id    UUID    NOT NULL REFERENCES pulse_sessions (id) ON DELETE CASCADE,
    timestamp_us  BIGINT  NOT NULL,
    participant   TEXT    NOT NULL,
    bpm           REAL    NOT NULL,
    envelope      REAL    NOT NULL,
    sequence_id   BIGINT  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pulse_beats_session
    ON pulse_beats (session_id, participant, timestamp_us);
`

// Migrate creates the telemetry tables. It is idempotent and safe to call on
// every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlFrames, ddlBeats} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("telemetry migrate: %w", err)
		}
	}
	return nil
}

// PostgresSink stores a session in PostgreSQL. Frames and beats are appended
// with COPY; the summary lands in the session row on Finish.
type PostgresSink struct {
	pool    *pgxpool.Pool
	session pgtype.UUID
}

// NewPostgresSink connects to dsn, runs [Migrate] and inserts the session row.
func NewPostgresSink(ctx context.Context, dsn string, session uuid.UUID, started time.Time) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: parse dsn: %w", err)
	}
	cfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: %w", err)
	}

	s := &PostgresSink{pool: pool, session: pgtype.UUID{Bytes: session, Valid: true}}
	if _, err := pool.Exec(ctx,
		`INSERT INTO pulse_sessions (id, started_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		s.session, started.UTC(),
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: insert session: %w", err)
	}
	return s, nil
}

// Name implements [Sink].
func (s *PostgresSink) Name() string { return "postgres" }

// Ping checks the connection. It backs the readiness probe.
func (s *PostgresSink) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Write implements [Sink].
func (s *PostgresSink) Write(ctx context.Context, b Batch) error {
	if len(b.Frames) > 0 {
		rows := make([][]any, len(b.Frames))
		for i, f := range b.Frames {
			rows[i] = []any{s.session, f.TimestampUS, f.BPM, f.Envelope, f.Scene, f.Fallback, f.Blend}
		}
		if _, err := s.pool.CopyFrom(ctx,
			pgx.Identifier{"pulse_frames"},
			[]string{"session_id", "timestamp_us", "bpm", "envelope", "scene", "fallback", "blend"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("postgres sink: copy frames: %w", err)
		}
	}
	if len(b.Beats) > 0 {
		if _, err := s.pool.CopyFrom(ctx,
			pgx.Identifier{"pulse_beats"},
			[]string{"session_id", "timestamp_us", "participant", "bpm", "envelope", "sequence_id"},
			pgx.CopyFromSlice(len(b.Beats), func(i int) ([]any, error) {
				e := b.Beats[i]
				return []any{s.session, int64(e.TimestampSec * 1e6), e.Participant.String(), e.BPM, e.Envelope, int64(e.SequenceID)}, nil
			}),
		); err != nil {
			return fmt.Errorf("postgres sink: copy beats: %w", err)
		}
	}
	return nil
}

// Finish implements [Sink]. The pool is closed even when the update fails.
func (s *PostgresSink) Finish(ctx context.Context, sum Summary) error {
	defer s.pool.Close()
	if _, err := s.pool.Exec(ctx,
		`UPDATE pulse_sessions SET ended_at = now(), summary = $2 WHERE id = $1`,
		s.session, sum,
	); err != nil {
		return fmt.Errorf("postgres sink: store summary: %w", err)
	}
	return nil
}
