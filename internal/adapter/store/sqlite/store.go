// Package sqlite persists the per-request audit log and the daily spend
// ledger. Single-row inserts only; there are no inter-row dependencies, so
// the store needs no coordination beyond what SQLite provides.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaygate/circuit/internal/core/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	request_id    TEXT PRIMARY KEY,
	timestamp     TEXT,
	provider      TEXT,
	model         TEXT,
	status_code   INTEGER,
	latency_ms    INTEGER,
	tokens_input  INTEGER,
	tokens_output INTEGER,
	cost_usd      REAL
);

CREATE TABLE IF NOT EXISTS quota_usage (
	client_key_hash TEXT,
	date            TEXT,
	usd_spent       REAL,
	PRIMARY KEY (client_key_hash, date)
);
`

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating db directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// modernc sqlite serialises writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent request settlement.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// RecordRequest writes one audit row. Rows are write-once keyed by
// request_id; replaying the same id is a no-op.
func (s *Store) RecordRequest(ctx context.Context, row ports.AuditRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO requests (
			request_id, timestamp, provider, model,
			status_code, latency_ms, tokens_input, tokens_output, cost_usd
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.RequestID, row.Timestamp, row.Provider, row.Model,
		row.StatusCode, row.LatencyMs,
		nullableInt(row.TokensInput), nullableInt(row.TokensOutput),
		nullableFloat(row.CostUSD),
	)
	if err != nil {
		return fmt.Errorf("recording request %s: %w", row.RequestID, err)
	}
	return nil
}

// DailySpend returns the USD accrued for a client on a UTC date, zero when
// no ledger row exists.
func (s *Store) DailySpend(ctx context.Context, clientHash, date string) (float64, error) {
	var spent float64
	err := s.db.QueryRowContext(ctx, `
		SELECT usd_spent FROM quota_usage
		WHERE client_key_hash = ? AND date = ?`,
		clientHash, date,
	).Scan(&spent)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading daily spend for %s: %w", clientHash, err)
	}
	return spent, nil
}

// AddSpend adds amount to the (client, date) ledger row. The upsert keeps
// concurrent accruals additive; no update is lost.
func (s *Store) AddSpend(ctx context.Context, clientHash, date string, amount float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_usage (client_key_hash, date, usd_spent)
		VALUES (?, ?, ?)
		ON CONFLICT(client_key_hash, date)
		DO UPDATE SET usd_spent = usd_spent + excluded.usd_spent`,
		clientHash, date, amount,
	)
	if err != nil {
		return fmt.Errorf("accruing spend for %s: %w", clientHash, err)
	}
	return nil
}

// AuditRow reads one audit row back by request id; used by tests and the
// occasional support query.
func (s *Store) AuditRow(ctx context.Context, requestID string) (ports.AuditRow, error) {
	var row ports.AuditRow
	var tokensIn, tokensOut sql.NullInt64
	var cost sql.NullFloat64

	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, timestamp, provider, model,
		       status_code, latency_ms, tokens_input, tokens_output, cost_usd
		FROM requests WHERE request_id = ?`,
		requestID,
	).Scan(&row.RequestID, &row.Timestamp, &row.Provider, &row.Model,
		&row.StatusCode, &row.LatencyMs, &tokensIn, &tokensOut, &cost)
	if err != nil {
		return ports.AuditRow{}, err
	}

	if tokensIn.Valid {
		v := int(tokensIn.Int64)
		row.TokensInput = &v
	}
	if tokensOut.Valid {
		v := int(tokensOut.Int64)
		row.TokensOutput = &v
	}
	if cost.Valid {
		v := cost.Float64
		row.CostUSD = &v
	}

	return row, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
