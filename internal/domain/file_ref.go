package domain

import (
	"path"
	"strings"
)

// FileRef describes one file inside a torrent.
type FileRef struct {
	Index          int    `json:"index"`
	Path           string `json:"path"`
	Length         int64  `json:"length"`
	BytesCompleted int64  `json:"bytesCompleted"`
}

func (f FileRef) Name() string {
	return path.Base(strings.ReplaceAll(f.Path, "\\", "/"))
}

// Extension returns the lower-case extension without the leading dot.
func (f FileRef) Extension() string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(f.Name())), ".")
}

func (f FileRef) Progress() float64 {
	if f.Length <= 0 {
		return 0
	}
	p := float64(f.BytesCompleted) / float64(f.Length)
	if p > 1 {
		return 1
	}
	return p
}
