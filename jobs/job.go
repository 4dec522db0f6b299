package jobs

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"hashmarket/market"
)

// ConfirmedPublisher sends outbound events for confirmed attempts.
type ConfirmedPublisher interface {
	PublishConfirmed(ctx context.Context, confirmed []market.PendingAttempt) error
}

// pendingSelector is the slice of the store the job selects from.
type pendingSelector interface {
	PendingAttempts(ctx context.Context, cutoff int64) ([]market.PendingAttempt, error)
}

// Config wires an UpdateJob.
type Config struct {
	Store     *market.Store
	Validator *Validator
	Publisher ConfirmedPublisher
	Sweepers  []*Sweeper

	// Interval between ticks; default 5s.
	Interval time.Duration
	// FinalityWindow keeps just-approved attempts out of the selector until
	// the mirror node had a chance to see them; default 5s.
	FinalityWindow time.Duration

	Now    func() time.Time
	Logger *log.Logger
}

// UpdateJob drives the attempt lifecycle on a fixed tick: sweep stale
// attempts, select pending ones, confirm them against the mirror node, and
// publish events for the ones confirmed this tick.
type UpdateJob struct {
	store          pendingSelector
	validator      *Validator
	publisher      ConfirmedPublisher
	sweepers       []*Sweeper
	interval       time.Duration
	finalityWindow time.Duration
	now            func() time.Time
	logger         *log.Logger

	// held for the duration of a tick so ticks never overlap; a tick that
	// fires while the previous one still runs is skipped.
	running sync.Mutex
}

func New(cfg Config) (*UpdateJob, error) {
	if cfg.Store == nil {
		return nil, errors.New("jobs: store is required")
	}
	if cfg.Validator == nil {
		return nil, errors.New("jobs: validator is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("jobs: publisher is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	finality := cfg.FinalityWindow
	if finality <= 0 {
		finality = 5 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &UpdateJob{
		store:          cfg.Store,
		validator:      cfg.Validator,
		publisher:      cfg.Publisher,
		sweepers:       cfg.Sweepers,
		interval:       interval,
		finalityWindow: finality,
		now:            now,
		logger:         logger,
	}, nil
}

// Run ticks until ctx is cancelled.
func (j *UpdateJob) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single tick. A tick already in progress makes this call
// a no-op.
func (j *UpdateJob) RunOnce(ctx context.Context) {
	if !j.running.TryLock() {
		j.logger.Printf("update: previous tick still running, skipping")
		return
	}
	defer j.running.Unlock()

	var swept int64
	for _, sweeper := range j.sweepers {
		swept += sweeper.Run(ctx)
	}

	cutoff := j.now().Add(-j.finalityWindow).UnixMilli()
	pending, err := j.store.PendingAttempts(ctx, cutoff)
	if err != nil {
		j.logger.Printf("update: select pending: %v", err)
		return
	}

	confirmed := make([]market.PendingAttempt, 0, len(pending))
	for _, attempt := range pending {
		done, err := j.validator.Confirm(ctx, attempt)
		if err != nil {
			j.logger.Printf("update: confirm %s: %v", attempt.TxnID, err)
			continue
		}
		if done {
			confirmed = append(confirmed, attempt)
		}
	}

	if len(confirmed) > 0 {
		if err := j.publisher.PublishConfirmed(ctx, confirmed); err != nil {
			j.logger.Printf("update: publish %d confirmed attempts: %v", len(confirmed), err)
		}
	}
	j.logger.Printf("update: swept=%d pending=%d confirmed=%d", swept, len(pending), len(confirmed))
}
