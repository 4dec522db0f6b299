// Package jobs runs the background lifecycle work: sweeping stale attempts,
// selecting pending ones, confirming them against the mirror node, and
// handing confirmed attempts to the event publisher.
package jobs

import (
	"context"
	"log"
	"time"

	"hashmarket/market"
	"hashmarket/models"
)

// Sweeper removes attempts stuck in one state past a timeout. The four
// instances differ only in data: which state they watch, how long they wait,
// and how the removal rolls back listing rows (listing-side removal deletes
// them, purchase-side removal releases them).
type Sweeper struct {
	Name    string
	State   models.TxnState
	Timeout time.Duration

	// Expired selects attempt ids whose last update is at or before cutoff.
	Expired func(ctx context.Context, state models.TxnState, cutoff int64) ([]string, error)
	// Remove deletes the attempts and applies the rollback, returning
	// (attempts removed, listing rows affected).
	Remove func(ctx context.Context, txnIDs []string) (int64, int64, error)

	Now    func() time.Time
	Logger *log.Logger
}

// NewListingSweeper expires listing attempts, deleting their listing rows.
func NewListingSweeper(store *market.Store, state models.TxnState, timeout time.Duration, now func() time.Time, logger *log.Logger) *Sweeper {
	return &Sweeper{
		Name:    "listing-" + string(state),
		State:   state,
		Timeout: timeout,
		Expired: store.ExpiredListingTxnIDs,
		Remove:  store.RemoveListingAttempts,
		Now:     now,
		Logger:  logger,
	}
}

// NewPurchaseSweeper expires purchase attempts, releasing the listings they
// had claimed.
func NewPurchaseSweeper(store *market.Store, state models.TxnState, timeout time.Duration, now func() time.Time, logger *log.Logger) *Sweeper {
	return &Sweeper{
		Name:    "purchase-" + string(state),
		State:   state,
		Timeout: timeout,
		Expired: store.ExpiredPurchaseTxnIDs,
		Remove:  store.RemovePurchaseAttempts,
		Now:     now,
		Logger:  logger,
	}
}

// Run performs one sweep pass and returns the number of attempts removed.
func (s *Sweeper) Run(ctx context.Context) int64 {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	cutoff := now().Add(-s.Timeout).UnixMilli()
	ids, err := s.Expired(ctx, s.State, cutoff)
	if err != nil {
		logger.Printf("sweep %s: select expired: %v", s.Name, err)
		return 0
	}
	if len(ids) == 0 {
		return 0
	}
	attempts, rows, err := s.Remove(ctx, ids)
	if err != nil {
		logger.Printf("sweep %s: remove %d attempts: %v", s.Name, len(ids), err)
		return attempts
	}
	if attempts != int64(len(ids)) {
		logger.Printf("sweep %s: selected %d attempts but removed %d", s.Name, len(ids), attempts)
	}
	logger.Printf("sweep %s: removed %d attempts, %d listing rows affected", s.Name, attempts, rows)
	updateJobMetrics().recordSwept(s.Name, attempts)
	return attempts
}
