// Package quota enforces the per-client daily USD spend limit over the
// audit store's ledger. Days are UTC calendar days; accrual always lands on
// the day of the settlement moment, so a request that crosses midnight
// accrues to the new day.
package quota

import (
	"context"
	"fmt"

	"github.com/relaygate/circuit/internal/clock"
	"github.com/relaygate/circuit/internal/core/ports"
)

const dateLayout = "2006-01-02"

type Enforcer struct {
	store    ports.AuditStore
	clock    clock.Clock
	limitUSD float64
}

func NewEnforcer(store ports.AuditStore, limitUSD float64, clk clock.Clock) *Enforcer {
	return &Enforcer{store: store, clock: clk, limitUSD: limitUSD}
}

// Today returns the current UTC calendar date.
func (e *Enforcer) Today() string {
	return e.clock.Now().UTC().Format(dateLayout)
}

// Check reports whether spending deltaCost more today would stay within the
// limit, along with the amount already spent and the configured limit.
func (e *Enforcer) Check(ctx context.Context, clientHash string, deltaCost float64) (allowed bool, spent, limit float64, err error) {
	spent, err = e.store.DailySpend(ctx, clientHash, e.Today())
	if err != nil {
		return false, 0, e.limitUSD, fmt.Errorf("quota check: %w", err)
	}
	return spent+deltaCost <= e.limitUSD, spent, e.limitUSD, nil
}

// Accrue adds delta to today's ledger row for the client.
func (e *Enforcer) Accrue(ctx context.Context, clientHash string, delta float64) error {
	if err := e.store.AddSpend(ctx, clientHash, e.Today(), delta); err != nil {
		return fmt.Errorf("quota accrual: %w", err)
	}
	return nil
}

// Limit returns the configured daily limit in USD.
func (e *Enforcer) Limit() float64 {
	return e.limitUSD
}
