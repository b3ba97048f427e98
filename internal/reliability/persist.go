package reliability

import (
	"context"
	"log/slog"
	"time"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/domain/ports"
)

// SyncLedger copies the in-memory ledger to a store on an interval.
type SyncLedger struct {
	Tracker  *Tracker
	Store    ports.ReliabilityStore
	Logger   *slog.Logger
	Interval time.Duration
}

// Restore loads the persisted ledger into the tracker.
func (s SyncLedger) Restore(ctx context.Context) error {
	entries, err := s.Store.Load(ctx)
	if err != nil {
		return err
	}
	s.Tracker.Restore(entries)
	s.logger().Info("reliability ledger restored", slog.Int("entries", len(entries)))
	return nil
}

// Run saves periodically and once more after ctx is cancelled.
func (s SyncLedger) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			s.save(flushCtx)
			cancel()
			return
		case <-ticker.C:
			s.save(ctx)
		}
	}
}

func (s SyncLedger) save(ctx context.Context) {
	entries := s.Tracker.Snapshot()
	if entries == nil {
		entries = []domain.ReliabilityEntry{}
	}
	if err := s.Store.Save(ctx, entries); err != nil {
		s.logger().Warn("reliability sync failed", slog.String("error", err.Error()))
	}
}

func (s SyncLedger) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
