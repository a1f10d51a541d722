// Package store persists the settings table and the two append-only log
// tables behind the gateway: error_logs and request_logs.
//
// SQLite (WAL mode, single writer) is sufficient here — the gateway is a
// single-instance deployment and pool health state is in-process by design,
// so only configuration and logs need to survive restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/OnlineMo/OpenAi-Balance/internal/sink"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS error_logs (
	id                TEXT PRIMARY KEY,
	provider          TEXT NOT NULL,
	credential_digest TEXT NOT NULL,
	egress            TEXT NOT NULL,
	status            INTEGER NOT NULL,
	message           TEXT NOT NULL,
	request_body      BLOB,
	created_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_logs_created_at ON error_logs(created_at);
CREATE TABLE IF NOT EXISTS request_logs (
	id         TEXT PRIMARY KEY,
	provider   TEXT NOT NULL,
	model      TEXT NOT NULL,
	status     INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at);
`

// Store is the SQLite-backed settings and log store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadSettings returns the persisted key→value mapping.
func (s *Store) LoadSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("store: load settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SaveSettings upserts every entry of vals into the settings table.
func (s *Store) SaveSettings(ctx context.Context, vals map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save settings: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("store: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for k, v := range vals {
		if _, err := stmt.ExecContext(ctx, k, v); err != nil {
			return fmt.Errorf("store: upsert %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// SaveErrorLogs appends a batch of error records.
func (s *Store) SaveErrorLogs(ctx context.Context, recs []sink.ErrorRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: error logs: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO error_logs
		 (id, provider, credential_digest, egress, status, message, request_body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare error log: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			r.ID.String(), r.Provider, r.CredentialDigest, r.Egress,
			r.Status, r.Message, r.RequestBody, r.CreatedAt,
		); err != nil {
			return fmt.Errorf("store: insert error log: %w", err)
		}
	}
	return tx.Commit()
}

// SaveRequestLogs appends a batch of request records.
func (s *Store) SaveRequestLogs(ctx context.Context, recs []sink.RequestRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: request logs: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO request_logs
		 (id, provider, model, status, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare request log: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			r.ID.String(), r.Provider, r.Model, r.Status, r.LatencyMs, r.CreatedAt,
		); err != nil {
			return fmt.Errorf("store: insert request log: %w", err)
		}
	}
	return tx.Commit()
}

// PruneLogs deletes log rows older than the retention window and returns the
// number of rows removed.
func (s *Store) PruneLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	var total int64
	for _, table := range []string{"error_logs", "request_logs"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE created_at < ?`, table), cutoff)
		if err != nil {
			return total, fmt.Errorf("store: prune %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}
