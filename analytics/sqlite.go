/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Local SQLite mirror sink — a durable, zero-dependency
             fallback for usage/evaluation events when no ClickHouse
             cluster is configured. Schema is owned by goose
             migrations, mirroring the warehouse schema's shape.
Root Cause:  Sprint task G081 — observability fan-out needs a sink
             that actually persists without an external service.
Suitability: L2 — CGo-free SQLite wiring via database/sql.
──────────────────────────────────────────────────────────────
*/

package analytics

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteSink persists usage and evaluation events to a local SQLite
// database, migrated with goose at open time.
type SQLiteSink struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteSink opens (creating if necessary) the SQLite database at
// path and applies any pending migrations.
func NewSQLiteSink(path string, logger zerolog.Logger) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite mirror: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite migrations: %w", err)
	}

	return &SQLiteSink{db: db, logger: logger.With().Str("sink", "sqlite").Logger()}, nil
}

func (s *SQLiteSink) WriteUsage(ctx context.Context, events []UsageEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_events (
			request_id, trace_id, project, model, provider, endpoint,
			input_tokens, output_tokens, total_tokens, cost_usd, estimated,
			stream, is_cached, cache_similarity, latency_ms, status_code,
			failure_category, variant, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`)
	if err != nil {
		return fmt.Errorf("prepare usage insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.RequestID, e.TraceID, e.Project, e.Model, e.Provider, e.Endpoint,
			e.InputTokens, e.OutputTokens, e.TotalTokens, e.CostUSD, e.Estimated,
			e.Stream, e.IsCached, e.CacheSimilarity, e.LatencyMs, e.StatusCode,
			e.FailureCategory, e.Variant, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert usage event %s: %w", e.RequestID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteSink) WriteEvaluations(ctx context.Context, events []EvaluationEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin evaluation tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO evaluation_events (
			event_id, request_id, rule_set_id, passed, score, failures, created_at
		) VALUES (?,?,?,?,?,?,?)
	`)
	if err != nil {
		return fmt.Errorf("prepare evaluation insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		failures, _ := json.Marshal(e.Failures)
		if _, err := stmt.ExecContext(ctx,
			e.EventID, e.RequestID, e.RuleSetID, e.Passed, e.Score, string(failures), e.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert evaluation event %s: %w", e.EventID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
