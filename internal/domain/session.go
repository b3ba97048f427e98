package domain

import "time"

type SessionStatus string

const (
	SessionLoading SessionStatus = "loading"
	SessionReady   SessionStatus = "ready"
	SessionFailed  SessionStatus = "error"
)

type StreamKind string

const (
	StreamDirect StreamKind = "direct"
	StreamHLS    StreamKind = "hls"
)

type HLSStatus string

const (
	HLSIdle    HLSStatus = "idle"
	HLSLoading HLSStatus = "loading"
	HLSReady   HLSStatus = "ready"
	HLSError   HLSStatus = "error"
)

type SubtitleTrack struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Language  string `json:"language"`
	Extension string `json:"extension"`
	URL       string `json:"url"`
	FileIndex int    `json:"-"`
}

type SessionFile struct {
	Name      string `json:"name"`
	Length    int64  `json:"length"`
	Extension string `json:"extension"`
}

type SessionTorrent struct {
	Progress      float64 `json:"progress"`
	NumPeers      int     `json:"numPeers"`
	DownloadSpeed int64   `json:"downloadSpeed"`
}

type SessionHLS struct {
	Enabled      bool      `json:"enabled"`
	Status       HLSStatus `json:"status"`
	Error        string    `json:"error,omitempty"`
	PlaylistURL  string    `json:"playlistUrl,omitempty"`
	SegmentCount int       `json:"segmentCount"`
}

// SessionDescriptor is the read-only public snapshot of a session.
type SessionDescriptor struct {
	SessionID    string          `json:"sessionId"`
	Status       SessionStatus   `json:"status"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastAccessAt time.Time       `json:"lastAccessAt"`
	StreamURL    string          `json:"streamUrl,omitempty"`
	StreamKind   StreamKind      `json:"streamKind"`
	Subtitles    []SubtitleTrack `json:"subtitles"`
	File         *SessionFile    `json:"file"`
	Torrent      *SessionTorrent `json:"torrent"`
	HLS          SessionHLS      `json:"hls"`
	ProviderID   string          `json:"providerId,omitempty"`
	SourceKey    string          `json:"sourceKey,omitempty"`
	// Reused is set on a create call that returned an existing session.
	Reused bool `json:"reused,omitempty"`
}

// TorrentStats is a point-in-time view of a torrent handle.
type TorrentStats struct {
	ActivePeers   int   `json:"activePeers"`
	BytesRead     int64 `json:"bytesRead"`
	DownloadSpeed int64 `json:"downloadSpeed"`
}
