package jobs

import (
	"context"
	"fmt"
	"log"

	"hashmarket/market"
	"hashmarket/mirror"
)

// finalizer is the slice of the store the validator needs.
type finalizer interface {
	FinalizeListing(ctx context.Context, txnID string) (bool, error)
	FinalizePurchase(ctx context.Context, txnID string) (bool, error)
}

// Validator checks pending attempts against the mirror node and finalizes
// the ones that reached consensus.
type Validator struct {
	store  finalizer
	mirror mirror.Reader
	logger *log.Logger
}

func NewValidator(store finalizer, reader mirror.Reader, logger *log.Logger) *Validator {
	if logger == nil {
		logger = log.Default()
	}
	return &Validator{store: store, mirror: reader, logger: logger}
}

// Confirm resolves one pending attempt. It returns true only when this call
// moved the attempt to its terminal state: an attempt still awaiting
// consensus, or one already finalized or swept by a concurrent pass,
// returns false.
func (v *Validator) Confirm(ctx context.Context, pending market.PendingAttempt) (bool, error) {
	mirrorID, err := mirror.TranslateTransactionID(pending.TxnID)
	if err != nil {
		return false, fmt.Errorf("validate %s: %w", pending.TxnID, err)
	}
	record, err := v.mirror.Transaction(ctx, mirrorID)
	if err != nil {
		return false, fmt.Errorf("validate %s: %w", pending.TxnID, err)
	}
	if record == nil || record.ConsensusTimestamp == "" {
		return false, nil
	}
	var changed bool
	switch pending.Kind {
	case market.KindList:
		changed, err = v.store.FinalizeListing(ctx, pending.TxnID)
	case market.KindPurchase:
		changed, err = v.store.FinalizePurchase(ctx, pending.TxnID)
	default:
		return false, fmt.Errorf("validate %s: unknown attempt kind %v", pending.TxnID, pending.Kind)
	}
	if err != nil {
		return false, err
	}
	if changed {
		updateJobMetrics().recordFinalized(pending.Kind.String(), 1)
	}
	return changed, nil
}
