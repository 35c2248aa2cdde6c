package archive

import (
	"context"
	"log"
	"time"

	"fieldops/api/internal/util"
)

type messageMover interface {
	MoveExpiredMessages(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper runs the archival process on a fixed schedule, independent of
// request handling. Readers querying history are unaffected mid-sweep
// because each row moves atomically between tiers.
type Sweeper struct {
	store     messageMover
	lock      *Lock
	retention time.Duration
	interval  time.Duration
}

// NewSweeper creates a sweeper. lock may be nil when running a single
// replica without Redis.
func NewSweeper(store messageMover, lock *Lock, retention, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, lock: lock, retention: retention, interval: interval}
}

// Run sweeps once per interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Printf("archive: sweep error: %v", err)
			}
		}
	}
}

// SweepOnce moves every live message older than the retention window into
// the archive tier. Overlap with a concurrent sweep is prevented by the
// Redis lock; even without it the per-row move stays safe.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	if s.lock != nil {
		token := util.NewID("sweep")
		acquired, err := s.lock.Acquire(ctx, token)
		if err != nil {
			return err
		}
		if !acquired {
			return nil
		}
		defer func() {
			if err := s.lock.Release(ctx, token); err != nil {
				log.Printf("archive: release lock: %v", err)
			}
		}()
	}

	cutoff := time.Now().Add(-s.retention)
	moved, err := s.store.MoveExpiredMessages(ctx, cutoff)
	if err != nil {
		return err
	}
	if moved > 0 {
		log.Printf("archive: moved %d messages older than %s", moved, cutoff.Format(time.RFC3339))
	}
	return nil
}
