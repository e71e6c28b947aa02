// Package storage provides the persistent archives for the audit chain.
//
// Two backends implement audit.Archive: Postgres (pgxpool, for shared
// deployments) and SQLite (for single-node installs). Both store the full
// hash-chained entry so the chain stays verifiable across the in-memory
// window boundary.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetohq/veto/internal/model"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    seq           BIGSERIAL PRIMARY KEY,
    id            UUID        NOT NULL UNIQUE,
    ts            TIMESTAMPTZ NOT NULL,
    event_type    TEXT        NOT NULL,
    action_id     UUID        NOT NULL,
    decision_id   UUID,
    data          JSONB       NOT NULL DEFAULT '{}'::jsonb,
    hash          TEXT        NOT NULL,
    previous_hash TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_entries_ts_idx ON audit_entries (ts);
CREATE INDEX IF NOT EXISTS audit_entries_action_idx ON audit_entries (action_id);
`

// Postgres is the pgxpool-backed audit archive.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects, pings, and ensures the audit schema exists.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, auditSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ensure schema: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Append persists one audit entry. The audit logger calls this in chain
// order under its own mutex; transient serialization errors are retried.
func (p *Postgres) Append(ctx context.Context, e model.AuditEntry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("storage: marshal audit data: %w", err)
	}
	err = WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, execErr := p.pool.Exec(ctx,
			`INSERT INTO audit_entries (id, ts, event_type, action_id, decision_id, data, hash, previous_hash)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
			e.ID, e.Timestamp, string(e.Type), e.ActionID, e.DecisionID, data, e.Hash, e.PreviousHash,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("storage: insert audit entry: %w", err)
	}
	return nil
}

// List returns entries in append order, oldest first. limit <= 0 means all.
func (p *Postgres) List(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	q := `SELECT id, ts, event_type, action_id, decision_id, data, hash, previous_hash
	      FROM audit_entries ORDER BY seq`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit entries: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// Prune deletes entries with a timestamp before cutoff.
func (p *Postgres) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM audit_entries WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: prune audit entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func scanAuditRows(rows pgx.Rows) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	for rows.Next() {
		var (
			e         model.AuditEntry
			eventType string
			data      []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &eventType, &e.ActionID, &e.DecisionID,
			&data, &e.Hash, &e.PreviousHash); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		e.Type = model.AuditEventType(eventType)
		e.Timestamp = e.Timestamp.UTC()
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("storage: unmarshal audit data: %w", err)
			}
		}
		if len(e.Data) == 0 {
			e.Data = nil
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate audit entries: %w", err)
	}
	return out, nil
}
