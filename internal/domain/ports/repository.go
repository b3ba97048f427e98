package ports

import (
	"context"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

// ReliabilityStore persists ledger snapshots across restarts.
type ReliabilityStore interface {
	Load(ctx context.Context) ([]domain.ReliabilityEntry, error)
	Save(ctx context.Context, entries []domain.ReliabilityEntry) error
}
