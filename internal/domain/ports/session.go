package ports

import (
	"context"
	"io"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

// MediaProber inspects codecs and resolution of a local stream or remote URL.
type MediaProber interface {
	Probe(ctx context.Context, input string) (domain.MediaInfo, error)
	ProbeReader(ctx context.Context, r io.Reader) (domain.MediaInfo, error)
}

// SubtitleSelector picks subtitle files that ship with a torrent.
type SubtitleSelector interface {
	Select(sessionID string, files []domain.FileRef, video domain.FileRef) []domain.SubtitleTrack
}

// ReliabilityRecorder receives per-source outcomes.
type ReliabilityRecorder interface {
	Record(providerID, sourceKey string, ok bool, reason string)
	IsOpen(providerID, sourceKey string) bool
}

type AttemptRecorder interface {
	Append(event domain.AttemptEvent)
}
