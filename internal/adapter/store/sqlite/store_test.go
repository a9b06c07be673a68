package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/circuit/internal/core/ports"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_RecordRequestRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tokensIn, tokensOut := 42, 17
	cost := 0.00123

	err := store.RecordRequest(ctx, ports.AuditRow{
		RequestID:    "req-1",
		Timestamp:    "2025-06-01T12:00:00Z",
		Provider:     "openai",
		Model:        "gpt-4o",
		StatusCode:   200,
		LatencyMs:    38,
		TokensInput:  &tokensIn,
		TokensOutput: &tokensOut,
		CostUSD:      &cost,
	})
	require.NoError(t, err)

	row, err := store.AuditRow(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "openai", row.Provider)
	assert.Equal(t, 200, row.StatusCode)
	require.NotNil(t, row.TokensInput)
	assert.Equal(t, 42, *row.TokensInput)
	require.NotNil(t, row.CostUSD)
	assert.InDelta(t, 0.00123, *row.CostUSD, 1e-9)
}

func TestStore_RecordRequestIsWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := ports.AuditRow{RequestID: "req-1", StatusCode: 200}
	replay := ports.AuditRow{RequestID: "req-1", StatusCode: 503}

	require.NoError(t, store.RecordRequest(ctx, first))
	require.NoError(t, store.RecordRequest(ctx, replay), "replaying an id is a no-op, not an error")

	row, err := store.AuditRow(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 200, row.StatusCode, "the original row wins")
}

func TestStore_NullableColumns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordRequest(ctx, ports.AuditRow{
		RequestID:  "req-nulls",
		StatusCode: 429,
	}))

	row, err := store.AuditRow(ctx, "req-nulls")
	require.NoError(t, err)
	assert.Nil(t, row.TokensInput)
	assert.Nil(t, row.TokensOutput)
	assert.Nil(t, row.CostUSD)
}

func TestStore_DailySpendStartsAtZero(t *testing.T) {
	store := newTestStore(t)

	spent, err := store.DailySpend(context.Background(), "abc123", "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, 0.0, spent)
}

func TestStore_AddSpendAccumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddSpend(ctx, "abc123", "2025-06-01", 0.10))
	require.NoError(t, store.AddSpend(ctx, "abc123", "2025-06-01", 0.25))

	spent, err := store.DailySpend(ctx, "abc123", "2025-06-01")
	require.NoError(t, err)
	assert.InDelta(t, 0.35, spent, 1e-9)

	// Other days and clients are separate ledger rows.
	spent, err = store.DailySpend(ctx, "abc123", "2025-06-02")
	require.NoError(t, err)
	assert.Equal(t, 0.0, spent)

	spent, err = store.DailySpend(ctx, "def456", "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, 0.0, spent)
}
