package transcode

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// ManifestState is what a reader can learn from the live playlist.
type ManifestState struct {
	HasHeader bool
	Segments  int
	Ended     bool
}

// ReadManifest parses the playlist at path. A missing file is returned as an
// error wrapping os.ErrNotExist.
func ReadManifest(path string) (ManifestState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ManifestState{}, err
	}
	return ParseManifest(data), nil
}

// ParseManifest reads a media playlist. In-progress event playlists that
// gohlslib rejects are line-scanned instead.
func ParseManifest(data []byte) ManifestState {
	if media, err := unmarshalMedia(data); err == nil {
		return ManifestState{
			HasHeader: true,
			Segments:  len(media.Segments),
			Ended:     media.Endlist,
		}
	}
	return scanManifest(data)
}

func unmarshalMedia(data []byte) (*playlist.Media, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist, got %T", pl)
	}
	return media, nil
}

func scanManifest(data []byte) ManifestState {
	var state ManifestState
	sc := bufio.NewScanner(bytes.NewReader(data))
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			state.HasHeader = line == "#EXTM3U"
			first = false
			continue
		}
		switch {
		case line == "#EXT-X-ENDLIST":
			state.Ended = true
		case strings.HasPrefix(line, "#"):
		default:
			state.Segments++
		}
	}
	if !state.HasHeader {
		state.Segments = 0
	}
	return state
}
