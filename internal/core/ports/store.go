package ports

import "context"

// AuditRow is one durable per-request record. Rows are write-once keyed by
// RequestID; re-inserting the same id is a no-op.
type AuditRow struct {
	RequestID    string
	Timestamp    string
	Provider     string
	Model        string
	StatusCode   int
	LatencyMs    int64
	TokensInput  *int
	TokensOutput *int
	CostUSD      *float64
}

// AuditStore persists audit rows and the daily spend ledger. Failures here
// are non-fatal to the request path; callers log and move on.
type AuditStore interface {
	RecordRequest(ctx context.Context, row AuditRow) error
	// DailySpend returns the USD accrued for a client on a UTC calendar
	// date (YYYY-MM-DD); zero when no row exists.
	DailySpend(ctx context.Context, clientHash, date string) (float64, error)
	// AddSpend adds amount to the (clientHash, date) ledger row with
	// upsert semantics.
	AddSpend(ctx context.Context, clientHash, date string, amount float64) error
	Close() error
}
