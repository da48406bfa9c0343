// Package history records deployment runs and their per-api outcomes in Postgres.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
)

// Schema creates the history tables when they do not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS deployment_runs (
	id          UUID PRIMARY KEY,
	service     TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	received    INT NOT NULL DEFAULT 0,
	succeeded   INT NOT NULL DEFAULT 0,
	failed      INT NOT NULL DEFAULT 0,
	by_kind     JSONB
);
CREATE TABLE IF NOT EXISTS deployment_results (
	run_id      UUID NOT NULL REFERENCES deployment_runs(id),
	api_id      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status_code INT,
	detail      TEXT,
	finished_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, api_id)
);`

// PGStore persists runs for one gateway service.
type PGStore struct {
	db      *sql.DB
	service string
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPGStore(db *sql.DB, service string) *PGStore {
	return &PGStore{db: db, service: service}
}

// EnsureSchema applies Schema.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply history schema: %w", err)
	}
	return nil
}

func (p *PGStore) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	q := `INSERT INTO deployment_runs (id, service, started_at) VALUES ($1, $2, $3)`
	if _, err := p.db.ExecContext(ctx, q, runID, p.service, startedAt); err != nil {
		return fmt.Errorf("insert deployment_run: %w", err)
	}
	return nil
}

func (p *PGStore) RecordResult(ctx context.Context, runID string, rec models.Record) error {
	var status sql.NullInt64
	if rec.Outcome.StatusCode != 0 {
		status = sql.NullInt64{Int64: int64(rec.Outcome.StatusCode), Valid: true}
	}
	q := `
		INSERT INTO deployment_results (run_id, api_id, kind, status_code, detail, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := p.db.ExecContext(ctx, q, runID, rec.APIID, string(rec.Outcome.Kind), status, rec.Outcome.Detail, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert deployment_result %s: %w", rec.APIID, err)
	}
	return nil
}

func (p *PGStore) FinishRun(ctx context.Context, summary models.Summary, finishedAt time.Time) error {
	byKind, err := json.Marshal(summary.ByKind)
	if err != nil {
		return fmt.Errorf("marshal by_kind: %w", err)
	}
	q := `
		UPDATE deployment_runs
		SET finished_at = $2, received = $3, succeeded = $4, failed = $5, by_kind = $6
		WHERE id = $1
	`
	res, err := p.db.ExecContext(ctx, q, summary.RunID, finishedAt, summary.Received, summary.Succeeded, summary.Failed, byKind)
	if err != nil {
		return fmt.Errorf("update deployment_run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("deployment_run %s not found", summary.RunID)
	}
	return nil
}

// LastOutcome returns the most recent recorded outcome for apiID on this service.
func (p *PGStore) LastOutcome(ctx context.Context, apiID string) (models.Outcome, time.Time, error) {
	q := `
		SELECT r.kind, r.status_code, r.detail, r.finished_at
		FROM deployment_results r
		JOIN deployment_runs d ON d.id = r.run_id
		WHERE d.service = $1 AND r.api_id = $2
		ORDER BY r.finished_at DESC
		LIMIT 1
	`
	var (
		kind   string
		status sql.NullInt64
		detail sql.NullString
		at     time.Time
	)
	if err := p.db.QueryRowContext(ctx, q, p.service, apiID).Scan(&kind, &status, &detail, &at); err != nil {
		if err == sql.ErrNoRows {
			return models.Outcome{}, time.Time{}, fmt.Errorf("no history for %s: %w", apiID, err)
		}
		return models.Outcome{}, time.Time{}, fmt.Errorf("query last outcome: %w", err)
	}
	return models.Outcome{Kind: models.OutcomeKind(kind), StatusCode: int(status.Int64), Detail: detail.String}, at, nil
}
