package usecase

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

const (
	defaultDiskCheckInterval = 30 * time.Second
	defaultActiveWindow      = 30 * time.Second
)

// SessionStore is the part of the session registry the disk guard evicts from.
type SessionStore interface {
	List() []domain.SessionDescriptor
	Delete(id string) error
}

// DiskPressure periodically checks free space on the torrent data and HLS
// directories. While free space is below MinFreeBytes it destroys the least
// recently accessed session on each tick. Sessions accessed within
// ActiveWindow are being watched and are never evicted.
type DiskPressure struct {
	Sessions     SessionStore
	Logger       *slog.Logger
	Dirs         []string
	MinFreeBytes int64
	Interval     time.Duration
	ActiveWindow time.Duration
	FreeBytes    func(path string) (int64, error)
	Now          func() time.Time
}

// Run blocks until ctx is cancelled. A non-positive MinFreeBytes disables it.
func (dp DiskPressure) Run(ctx context.Context) {
	if dp.MinFreeBytes <= 0 || len(dp.Dirs) == 0 {
		return
	}
	interval := dp.Interval
	if interval <= 0 {
		interval = defaultDiskCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dp.Check()
		}
	}
}

// Check runs one pass and returns the id of the evicted session, if any.
func (dp DiskPressure) Check() string {
	logger := dp.Logger
	if logger == nil {
		logger = slog.Default()
	}
	freeFn := dp.FreeBytes
	if freeFn == nil {
		freeFn = diskFreeBytes
	}

	lowest := int64(-1)
	lowestDir := ""
	for _, dir := range dp.Dirs {
		free, err := freeFn(dir)
		if err != nil {
			logger.Warn("disk_pressure: failed to check disk space",
				slog.String("path", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		if lowest < 0 || free < lowest {
			lowest, lowestDir = free, dir
		}
	}
	if lowest < 0 || lowest >= dp.MinFreeBytes {
		return ""
	}

	victim, ok := dp.pickVictim()
	if !ok {
		logger.Warn("disk_pressure: low disk space, no idle session to evict",
			slog.String("path", lowestDir),
			slog.Int64("freeBytes", lowest),
			slog.Int64("thresholdBytes", dp.MinFreeBytes),
		)
		return ""
	}
	if err := dp.Sessions.Delete(victim.SessionID); err != nil {
		logger.Warn("disk_pressure: evict session failed",
			slog.String("sessionId", victim.SessionID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	logger.Warn("disk_pressure: low disk space, evicted session",
		slog.String("sessionId", victim.SessionID),
		slog.String("path", lowestDir),
		slog.Int64("freeBytes", lowest),
		slog.Int64("thresholdBytes", dp.MinFreeBytes),
	)
	return victim.SessionID
}

func (dp DiskPressure) pickVictim() (domain.SessionDescriptor, bool) {
	now := time.Now
	if dp.Now != nil {
		now = dp.Now
	}
	window := dp.ActiveWindow
	if window <= 0 {
		window = defaultActiveWindow
	}
	cutoff := now().Add(-window)

	var idle []domain.SessionDescriptor
	for _, d := range dp.Sessions.List() {
		if d.LastAccessAt.Before(cutoff) {
			idle = append(idle, d)
		}
	}
	if len(idle) == 0 {
		return domain.SessionDescriptor{}, false
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastAccessAt.Before(idle[j].LastAccessAt)
	})
	return idle[0], true
}
