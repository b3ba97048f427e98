package session

import (
	"context"
	"io"
	"time"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/domain/ports"
	"github.com/ezerobledo91/streams-sub000/internal/transcode"
)

// Transcoder is the segmented-output pipeline a session owns.
type Transcoder interface {
	Start(ctx context.Context, in transcode.Input) error
	WaitReady(ctx context.Context, alive func() bool) error
	Observe(now time.Time) transcode.ManifestState
	Stalled(now time.Time, in transcode.StallInput) bool
	SegmentCount() int
	Dir() string
	Close()
}

// TranscoderFactory builds the pipeline for one session id.
type TranscoderFactory func(sessionID string) Transcoder

// CreateParams describes a torrent-backed session.
type CreateParams struct {
	Magnet           string
	SourceKey        string
	ProviderID       string
	PreferredFileIdx *int
	EpisodeKey       string
	ForceTranscode   bool
	HeightHint       int
}

// DirectParams describes a session that transcodes a remote URL.
type DirectParams struct {
	URL        string
	SourceKey  string
	ProviderID string
	HeightHint int
}

type hlsState struct {
	enabled  bool
	status   domain.HLSStatus
	err      string
	pipeline Transcoder
}

type session struct {
	id             string
	status         domain.SessionStatus
	errText        string
	kind           domain.StreamKind
	magnet         string
	directURL      string
	providerID     string
	sourceKey      string
	preferredIdx   *int
	episodeKey     string
	forceTranscode bool
	createdAt      time.Time
	lastAccessAt   time.Time
	readyAt        time.Time

	file      *domain.FileRef
	subtitles []domain.SubtitleTrack
	hls       hlsState
	handle    ports.TorrentHandle
	stats     domain.TorrentStats
	readers   map[io.Closer]struct{}
	cancel    context.CancelFunc
}

func (s *session) matches(sourceKey string, preferredIdx *int, episodeKey string) bool {
	if s.sourceKey != sourceKey || s.episodeKey != episodeKey {
		return false
	}
	if (s.preferredIdx == nil) != (preferredIdx == nil) {
		return false
	}
	return s.preferredIdx == nil || *s.preferredIdx == *preferredIdx
}

// transcoding reports whether the session is, or will be, served as HLS.
func (s *session) transcoding() bool {
	return s.forceTranscode || s.kind == domain.StreamHLS || s.directURL != ""
}

// planned reports whether the direct or HLS decision has been made. Until
// then a forced request can still be honoured in place.
func (s *session) planned() bool {
	return s.kind != "" || s.status != domain.SessionLoading
}

func evictionRank(status domain.SessionStatus) int {
	switch status {
	case domain.SessionLoading:
		return 0
	case domain.SessionFailed:
		return 1
	default:
		return 2
	}
}

func (s *session) descriptor() domain.SessionDescriptor {
	d := domain.SessionDescriptor{
		SessionID:    s.id,
		Status:       s.status,
		Error:        s.errText,
		CreatedAt:    s.createdAt,
		LastAccessAt: s.lastAccessAt,
		StreamKind:   s.kind,
		Subtitles:    append([]domain.SubtitleTrack{}, s.subtitles...),
		ProviderID:   s.providerID,
		SourceKey:    s.sourceKey,
		HLS: domain.SessionHLS{
			Enabled: s.hls.enabled,
			Status:  s.hls.status,
			Error:   s.hls.err,
		},
	}
	switch s.kind {
	case domain.StreamDirect:
		d.StreamURL = "/sessions/" + s.id + "/stream"
	case domain.StreamHLS:
		d.StreamURL = "/sessions/" + s.id + "/hls/" + transcode.PlaylistName
		d.HLS.PlaylistURL = d.StreamURL
	}
	if s.hls.pipeline != nil {
		d.HLS.SegmentCount = s.hls.pipeline.SegmentCount()
	}
	if s.file != nil {
		d.File = &domain.SessionFile{
			Name:      s.file.Name(),
			Length:    s.file.Length,
			Extension: s.file.Extension(),
		}
	}
	if s.handle != nil {
		d.Torrent = &domain.SessionTorrent{
			NumPeers:      s.stats.ActivePeers,
			DownloadSpeed: s.stats.DownloadSpeed,
		}
		if s.file != nil {
			d.Torrent.Progress = fileProgress(s.handle, s.file.Index)
		}
	}
	return d
}

func fileProgress(h ports.TorrentHandle, index int) float64 {
	for _, f := range h.Files() {
		if f.Index == index {
			return f.Progress()
		}
	}
	return 0
}
