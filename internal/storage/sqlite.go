package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vetohq/veto/internal/model"
)

const sqliteAuditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    id            TEXT NOT NULL UNIQUE,
    ts            TEXT NOT NULL,
    event_type    TEXT NOT NULL,
    action_id     TEXT NOT NULL,
    decision_id   TEXT,
    data          TEXT NOT NULL DEFAULT '{}',
    hash          TEXT NOT NULL,
    previous_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_entries_ts_idx ON audit_entries (ts);
`

// sqliteTimeLayout is fixed-width so lexicographic comparison in SQL
// matches chronological order. RFC3339Nano trims trailing zeros and
// would not.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite is the single-file audit archive for single-node installs.
// The audit logger serializes appends, so one writer connection suffices.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (creating if needed) the archive at path. Use ":memory:"
// for an ephemeral archive in tests.
func NewSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// The chain has exactly one writer; a second connection would only
	// race the journal.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: sqlite pragmas: %w", err)
	}
	if _, err := db.Exec(sqliteAuditSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ensure schema: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

// Append persists one audit entry.
func (s *SQLite) Append(ctx context.Context, e model.AuditEntry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("storage: marshal audit data: %w", err)
	}
	var decisionID any
	if e.DecisionID != nil {
		decisionID = e.DecisionID.String()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, ts, event_type, action_id, decision_id, data, hash, previous_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Timestamp.UTC().Format(sqliteTimeLayout), string(e.Type),
		e.ActionID.String(), decisionID, string(data), e.Hash, e.PreviousHash,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit entry: %w", err)
	}
	return nil
}

// List returns entries in append order, oldest first. limit <= 0 means all.
func (s *SQLite) List(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	q := `SELECT id, ts, event_type, action_id, decision_id, data, hash, previous_hash
	      FROM audit_entries ORDER BY seq`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e          model.AuditEntry
			id         string
			ts         string
			eventType  string
			actionID   string
			decisionID sql.NullString
			data       string
		)
		if err := rows.Scan(&id, &ts, &eventType, &actionID, &decisionID,
			&data, &e.Hash, &e.PreviousHash); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("storage: parse entry id: %w", err)
		}
		if e.Timestamp, err = time.Parse(sqliteTimeLayout, ts); err != nil {
			return nil, fmt.Errorf("storage: parse entry timestamp: %w", err)
		}
		if e.ActionID, err = uuid.Parse(actionID); err != nil {
			return nil, fmt.Errorf("storage: parse action id: %w", err)
		}
		if decisionID.Valid {
			did, err := uuid.Parse(decisionID.String)
			if err != nil {
				return nil, fmt.Errorf("storage: parse decision id: %w", err)
			}
			e.DecisionID = &did
		}
		e.Type = model.AuditEventType(eventType)
		if data != "" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
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

// Prune deletes entries with a timestamp before cutoff.
func (s *SQLite) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE ts < ?`,
		cutoff.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return 0, fmt.Errorf("storage: prune audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: prune rows affected: %w", err)
	}
	return int(n), nil
}

// Ping checks the connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the archive.
func (s *SQLite) Close() error {
	return s.db.Close()
}
