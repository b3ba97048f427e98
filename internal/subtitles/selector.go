package subtitles

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

const maxTracks = 16

var subtitleExtensions = map[string]bool{
	"srt": true,
	"vtt": true,
}

// languageNames covers release-name spellings that are not ISO codes.
var languageNames = map[string]string{
	"english":    "en",
	"spanish":    "es",
	"espanol":    "es",
	"latino":     "es",
	"castellano": "es",
	"french":     "fr",
	"german":     "de",
	"italian":    "it",
	"portuguese": "pt",
	"brazilian":  "pt",
	"russian":    "ru",
	"japanese":   "ja",
	"korean":     "ko",
	"chinese":    "zh",
	"arabic":     "ar",
	"dutch":      "nl",
	"polish":     "pl",
	"turkish":    "tr",
}

var flagTokens = map[string]string{
	"forced": "Forced",
	"sdh":    "SDH",
	"cc":     "CC",
}

// Selector picks the external subtitle files that ship next to a video.
type Selector struct{}

func NewSelector() *Selector { return &Selector{} }

// Select returns the subtitle tracks for video, those sharing its name first.
func (s *Selector) Select(sessionID string, files []domain.FileRef, video domain.FileRef) []domain.SubtitleTrack {
	videoStem := strings.ToLower(stem(video.Name()))

	type match struct {
		file    domain.FileRef
		sibling bool
	}
	var matches []match
	for _, f := range files {
		if f.Index == video.Index || !subtitleExtensions[f.Extension()] {
			continue
		}
		name := strings.ToLower(stem(f.Name()))
		matches = append(matches, match{file: f, sibling: videoStem != "" && strings.HasPrefix(name, videoStem)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].sibling != matches[j].sibling {
			return matches[i].sibling
		}
		return matches[i].file.Path < matches[j].file.Path
	})
	if len(matches) > maxTracks {
		matches = matches[:maxTracks]
	}

	tracks := make([]domain.SubtitleTrack, 0, len(matches))
	for _, m := range matches {
		lang, label := Describe(m.file.Name(), videoStem)
		tracks = append(tracks, domain.SubtitleTrack{
			ID:        fmt.Sprintf("sub-%d", m.file.Index),
			Label:     label,
			Language:  lang,
			Extension: m.file.Extension(),
			URL:       fmt.Sprintf("/sessions/%s/subtitles/%d", sessionID, m.file.Index),
			FileIndex: m.file.Index,
		})
	}
	return tracks
}

// Describe derives a BCP 47 language and a display label from a subtitle
// filename. Tokens shared with the video name are ignored.
func Describe(filename, videoStem string) (string, string) {
	base := strings.ToLower(stem(filename))
	rest := strings.TrimPrefix(base, videoStem)
	tokens := strings.FieldsFunc(rest, func(r rune) bool {
		switch r {
		case '.', '_', '-', ' ', '[', ']', '(', ')':
			return true
		}
		return false
	})

	var lang string
	var flags []string
	for i := len(tokens) - 1; i >= 0; i-- {
		tok := tokens[i]
		if flag, ok := flagTokens[tok]; ok {
			flags = append([]string{flag}, flags...)
			continue
		}
		lang = parseLanguage(tok)
		break
	}

	label := stem(filename)
	if lang != "" {
		tag := language.Make(lang)
		if name := display.English.Tags().Name(tag); name != "" {
			label = name
		}
	}
	if len(flags) > 0 {
		label += " (" + strings.Join(flags, ", ") + ")"
	}
	return lang, label
}

func parseLanguage(tok string) string {
	if code, ok := languageNames[tok]; ok {
		return code
	}
	if len(tok) != 2 && len(tok) != 3 {
		return ""
	}
	base, err := language.ParseBase(tok)
	if err != nil {
		return ""
	}
	tag, err := language.Compose(base)
	if err != nil {
		return ""
	}
	return tag.String()
}

func stem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}
