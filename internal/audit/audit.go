// Package audit implements the optional Postgres-backed append-only
// event log (supplemented feature, SPEC_FULL.md §III.2): a historical
// record of lifecycle transitions, batch summaries, and reload diffs for
// post-hoc diagnostics. It is deliberately not a source of truth for
// in-flight provider state — only a diagnostic tail, consistent with the
// Non-goal that rules out persisted in-flight state.
//
// Grounded on internal/vectorstore/pgvector.go's connect/migrate/insert
// idiom: pgxpool connection, CREATE TABLE IF NOT EXISTS migration run
// once at startup, one parameterized insert per event.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Log is a Postgres-backed append-only event sink. Satisfies the same
// Emit(event, fields) shape as events.Sink, so it can be added to an
// events.Multi alongside the in-memory ring buffer and the metrics hook.
type Log struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Open connects to connURL, runs the migration, and returns a ready Log.
// Callers should only call Open when a connection string is configured;
// the audit log is opt-in.
func Open(ctx context.Context, connURL string, log zerolog.Logger) (*Log, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("audit log connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit log ping: %w", err)
	}
	l := &Log{pool: pool, log: log.With().Str("component", "audit").Logger()}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit log migrate: %w", err)
	}
	return l, nil
}

func (l *Log) migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS hangar_events (
			id         BIGSERIAL PRIMARY KEY,
			name       TEXT NOT NULL,
			fields     JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_hangar_events_name ON hangar_events (name);
		CREATE INDEX IF NOT EXISTS idx_hangar_events_created_at ON hangar_events (created_at);
	`
	_, err := l.pool.Exec(ctx, ddl)
	return err
}

// Emit inserts one event row. Errors are logged, not returned — a
// transient database hiccup must never propagate back into a lifecycle
// transition or a tool invocation path (the audit log is diagnostic
// only, per its package doc).
func (l *Log) Emit(event string, fields map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if fields == nil {
		fields = map[string]any{}
	}
	if _, err := l.pool.Exec(ctx,
		`INSERT INTO hangar_events (name, fields) VALUES ($1, $2)`, event, fields); err != nil {
		l.log.Warn().Err(err).Str("event", event).Msg("audit log insert failed")
	}
}

// Close releases the connection pool.
func (l *Log) Close() {
	l.pool.Close()
}

// Recent returns the n most-recent events, newest first (100 when n is
// not positive). No RPC handler calls it.
func (l *Log) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := l.pool.Query(ctx,
		`SELECT name, fields, created_at FROM hangar_events ORDER BY id DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("audit log query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Name, &e.Fields, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit log scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Entry is one row read back from the audit log.
type Entry struct {
	Name      string         `json:"name"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
}
