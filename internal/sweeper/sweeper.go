// Package sweeper purges uploads whose scheduled deletion time has passed.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/honeydew/honeydew/internal/ledger"
	"github.com/honeydew/honeydew/internal/metrics"
)

// Purger removes one upload. *upload.Engine satisfies it.
type Purger interface {
	Purge(ctx context.Context, rec *ledger.UploadRecord) error
}

// Sweeper runs the deletion loop.
type Sweeper struct {
	ledger   ledger.Ledger
	purger   Purger
	interval func() time.Duration
	now      func() time.Time
}

// New creates a Sweeper. interval is read before every wait, so a change in
// configuration applies from the next iteration.
func New(l ledger.Ledger, p Purger, interval func() time.Duration) *Sweeper {
	return &Sweeper{ledger: l, purger: p, interval: interval, now: time.Now}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		wait := s.interval()
		if wait <= 0 {
			wait = time.Minute
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("Deletion sweeper stopped")
			return
		case <-timer.C:
		}

		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Deletion sweep failed", "error", err)
		}
	}
}

// RunOnce purges every record due for deletion and returns how many were
// purged. A failure to purge one record is logged and does not stop the
// others.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	metrics.SweepRunsTotal.Inc()

	due, err := s.ledger.ListDueForDeletion(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}

	deleted := 0
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		rec := &due[i]
		if err := s.purger.Purge(ctx, rec); err != nil {
			slog.Warn("Failed to purge upload", "upload_id", rec.ID, "error", err)
			continue
		}
		deleted++
	}

	metrics.SweepDeletedTotal.Add(float64(deleted))
	if len(due) > 0 {
		slog.Info("Deletion sweep finished", "found", len(due), "deleted", deleted)
	} else {
		slog.Debug("Deletion sweep finished", "found", 0)
	}
	return deleted, nil
}
