package ports

import (
	"context"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

// TorrentEngine adds swarms by magnet URI. Implementations own the network
// connections; handles are dropped individually.
type TorrentEngine interface {
	Add(ctx context.Context, magnet string) (TorrentHandle, error)
	Close() error
}

// TorrentHandle is one swarm inside the engine.
type TorrentHandle interface {
	InfoHash() string
	Name() string
	// GotInfo is closed once metadata is available.
	GotInfo() <-chan struct{}
	Files() []domain.FileRef
	NewReader(index int) (StreamReader, error)
	Stats() domain.TorrentStats
	Drop()
}
