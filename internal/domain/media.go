package domain

import "strings"

type MediaTrack struct {
	Index    int    `json:"index"`
	Type     string `json:"type"`
	Codec    string `json:"codec"`
	Language string `json:"language"`
	Title    string `json:"title"`
	Default  bool   `json:"default"`
	Height   int    `json:"height,omitempty"`
}

type MediaInfo struct {
	Tracks   []MediaTrack `json:"tracks"`
	Duration float64      `json:"duration"`
}

// VideoTrack returns the first video track.
func (m MediaInfo) VideoTrack() (MediaTrack, bool) {
	for _, t := range m.Tracks {
		if t.Type == "video" {
			return t, true
		}
	}
	return MediaTrack{}, false
}

// IsHEVC reports whether the primary video stream is H.265.
func (m MediaInfo) IsHEVC() bool {
	v, ok := m.VideoTrack()
	if !ok {
		return false
	}
	switch strings.ToLower(v.Codec) {
	case "hevc", "h265", "h.265":
		return true
	}
	return false
}
