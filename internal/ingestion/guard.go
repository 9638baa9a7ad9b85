package ingestion

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IdempotencyGuard owns a batch's ledger entry: it claims the (partition, facility, batch)
// key before any write and settles the entry once every event has run.
type IdempotencyGuard struct {
	ledger         Ledger
	maxErrorLength int
}

// NewIdempotencyGuard creates a guard over ledger. Stored error messages are truncated to
// maxErrorLength runes.
func NewIdempotencyGuard(ledger Ledger, maxErrorLength int) *IdempotencyGuard {
	return &IdempotencyGuard{ledger: ledger, maxErrorLength: maxErrorLength}
}

// Claim begins processing key. A duplicate key returns the stored entry untouched.
func (g *IdempotencyGuard) Claim(
	ctx context.Context,
	key LedgerKey,
	payload PayloadSummary,
) (*LedgerEntry, bool, error) {
	entry, duplicate, err := g.ledger.Begin(ctx, key, payload)
	if err != nil {
		return nil, false, fmt.Errorf("%w: begin %s/%s/%s: %w", ErrLedger, key.Partition, key.FacilityID, key.BatchID, err)
	}

	return entry, duplicate, nil
}

// Settle marks the entry processed when every event succeeded and failed otherwise, and
// returns the status written.
func (g *IdempotencyGuard) Settle(ctx context.Context, id uuid.UUID, results []EventResult) (LedgerStatus, error) {
	message := FailureMessage(results)

	if message == "" {
		if err := g.ledger.Complete(ctx, id, results); err != nil {
			return StatusProcessing, fmt.Errorf("%w: complete %s: %w", ErrLedger, id, err)
		}

		return StatusProcessed, nil
	}

	if err := g.ledger.Fail(ctx, id, TruncateMessage(message, g.maxErrorLength), results); err != nil {
		return StatusProcessing, fmt.Errorf("%w: fail %s: %w", ErrLedger, id, err)
	}

	return StatusFailed, nil
}

// FailureMessage joins the errors of failed events, e.g.
// "events[1] (visit): unknown diagnosis codes: Z99". Empty when nothing failed.
func FailureMessage(results []EventResult) string {
	var parts []string

	for i, r := range results {
		if !r.OK {
			parts = append(parts, fmt.Sprintf("events[%d] (%s): %s", i, r.Type, r.Error))
		}
	}

	return strings.Join(parts, "; ")
}
