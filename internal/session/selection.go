package session

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

const (
	weakExtraMaxBytes = 120 << 20
	nativeMaxBytes    = 12 << 30
)

var videoExtensions = map[string]bool{
	"mp4": true, "webm": true, "m4v": true, "mkv": true, "mov": true, "avi": true,
	"ts": true, "m2ts": true, "wmv": true, "flv": true, "mpg": true, "mpeg": true,
}

var nativeExtensions = map[string]bool{"mp4": true, "webm": true, "m4v": true}

var fallbackExtensions = map[string]bool{"mkv": true, "mov": true, "avi": true}

var (
	strongExtra = regexp.MustCompile(`(^|[^a-z])(sample|trailer|featurette|behind[ ._-]the[ ._-]scenes|deleted[ ._-]scenes?|extras|bonus)([^a-z]|$)`)
	weakExtra   = regexp.MustCompile(`(^|[^a-z])(preview|promo|teaser|clip|ncop|nced|extra)([^a-z]|$)`)

	episodeSE = regexp.MustCompile(`(?i)(?:^|[^a-z0-9])s(\d{1,2})[ ._-]?e(\d{1,3})(?:[^0-9]|$)`)
	episodeX  = regexp.MustCompile(`(?i)(?:^|[^a-z0-9])(\d{1,2})x(\d{2,3})(?:[^0-9]|$)`)

	hevcMarker = regexp.MustCompile(`(?i)(^|[^a-z0-9])(hevc|x265|h265|h\.265)([^a-z0-9]|$)`)
)

// SelectOptions narrows file selection inside a torrent.
type SelectOptions struct {
	PreferredIdx *int
	EpisodeKey   string
}

// EpisodeKey formats season and episode as S01E02.
func EpisodeKey(season, episode int) string {
	if season <= 0 || episode <= 0 {
		return ""
	}
	return fmt.Sprintf("S%02dE%02d", season, episode)
}

// EpisodeKeyOf extracts a normalized SxxEyy key from a name, or "".
func EpisodeKeyOf(name string) string {
	for _, re := range []*regexp.Regexp{episodeSE, episodeX} {
		if m := re.FindStringSubmatch(name); m != nil {
			season, _ := strconv.Atoi(m[1])
			episode, _ := strconv.Atoi(m[2])
			return EpisodeKey(season, episode)
		}
	}
	return ""
}

// NormalizeEpisodeKey accepts S1E2, s01e02 or 1x02 and returns S01E02.
func NormalizeEpisodeKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return EpisodeKeyOf(" " + raw + " ")
}

// HasHEVCMarker reports whether a release name advertises H.265 video.
func HasHEVCMarker(name string) bool {
	return hevcMarker.MatchString(name)
}

func isExtra(f domain.FileRef) bool {
	lower := strings.ToLower(strings.ReplaceAll(f.Path, "\\", "/"))
	if strongExtra.MatchString(lower) {
		return true
	}
	return f.Length < weakExtraMaxBytes && weakExtra.MatchString(strings.ToLower(f.Name()))
}

// SelectFile picks the file to play from a torrent's file list.
func SelectFile(files []domain.FileRef, opts SelectOptions) (domain.FileRef, error) {
	pool := make([]domain.FileRef, 0, len(files))
	for _, f := range files {
		if videoExtensions[f.Extension()] && !isExtra(f) {
			pool = append(pool, f)
		}
	}
	if len(pool) == 0 {
		return domain.FileRef{}, domain.NewSessionError(domain.SessionNoPlayableFile, fmt.Errorf("%d files, none playable", len(files)))
	}

	if want := NormalizeEpisodeKey(opts.EpisodeKey); want != "" {
		var exact, unknown []domain.FileRef
		for _, f := range pool {
			switch EpisodeKeyOf(f.Name()) {
			case want:
				exact = append(exact, f)
			case "":
				unknown = append(unknown, f)
			}
		}
		switch {
		case len(exact) > 0:
			pool = exact
		case len(unknown) > 0:
			pool = unknown
		default:
			return domain.FileRef{}, domain.NewSessionError(domain.SessionEpisodeNotFound, fmt.Errorf("no file for %s", want))
		}
	}

	if opts.PreferredIdx != nil {
		for _, f := range pool {
			if f.Index == *opts.PreferredIdx {
				return f, nil
			}
		}
	}
	if f, ok := largest(pool, func(f domain.FileRef) bool {
		return nativeExtensions[f.Extension()] && f.Length <= nativeMaxBytes
	}); ok {
		return f, nil
	}
	if f, ok := largest(pool, func(f domain.FileRef) bool { return fallbackExtensions[f.Extension()] }); ok {
		return f, nil
	}
	f, _ := largest(pool, func(domain.FileRef) bool { return true })
	return f, nil
}

func largest(files []domain.FileRef, keep func(domain.FileRef) bool) (domain.FileRef, bool) {
	var best domain.FileRef
	found := false
	for _, f := range files {
		if !keep(f) {
			continue
		}
		if !found || f.Length > best.Length || (f.Length == best.Length && f.Index < best.Index) {
			best, found = f, true
		}
	}
	return best, found
}

// streamPlan is the direct-vs-HLS decision for a selected file.
type streamPlan struct {
	hls       bool
	copyVideo bool
	reason    string
}

func planStream(file domain.FileRef, info *domain.MediaInfo, force bool) streamPlan {
	hevc := HasHEVCMarker(file.Name()) || (info != nil && info.IsHEVC())
	native := nativeExtensions[file.Extension()]
	switch {
	case force:
		return streamPlan{hls: true, reason: "forced"}
	case hevc:
		return streamPlan{hls: true, reason: "hevc"}
	case !native:
		plan := streamPlan{hls: true, reason: "container"}
		if info != nil {
			if v, ok := info.VideoTrack(); ok && strings.EqualFold(v.Codec, "h264") {
				plan.copyVideo = true
			}
		}
		return plan
	}
	return streamPlan{}
}
