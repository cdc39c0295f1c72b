package paloma

import (
	"context"
	"log/slog"
)

// DedupLedger records inbound provider message ids first-wins so that
// duplicate webhook deliveries cost at most one pipeline run.
type DedupLedger struct {
	store  Store
	logger *slog.Logger
}

// NewDedupLedger creates a ledger backed by the store's processed-message set.
func NewDedupLedger(store Store, logger *slog.Logger) *DedupLedger {
	if logger == nil {
		logger = nopLogger
	}
	return &DedupLedger{store: store, logger: logger}
}

// Claim atomically records providerID. Exactly one caller per id observes
// true. A persistence failure surfaces as claimed: fail-open, so the first
// webhook is never lost; a duplicate then costs one extra pipeline run but
// not two replies, because egress message-id uniqueness compensates.
func (d *DedupLedger) Claim(ctx context.Context, providerID string) bool {
	claimed, err := d.store.ClaimProcessedMessage(ctx, providerID)
	if err != nil {
		d.logger.Warn("dedup claim failed, treating as claimed", "provider_id", providerID, "error", err)
		return true
	}
	return claimed
}
