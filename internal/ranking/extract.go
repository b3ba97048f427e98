package ranking

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

const (
	mib = int64(1) << 20
	gib = int64(1) << 30
)

var (
	seedersPattern  = regexp.MustCompile(`seeders?\D{1,12}?(\d+)`)
	seedGlyph       = regexp.MustCompile(`👤\s*(\d+)`)
	peersPattern    = regexp.MustCompile(`peers?\D{1,12}?(\d+)`)
	sizePattern     = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*(tib|gib|mib|tb|gb|mb)\b`)
	titleExtPattern = regexp.MustCompile(`\.(mp4|m4v|webm|mkv|avi|mov|wmv|flv|m2ts|ts|mpe?g|m3u8)\b`)
	hevcPattern     = regexp.MustCompile(`\b(hevc|x265|h\.?265)\b`)
)

var knownExtensions = map[string]bool{
	"mp4": true, "m4v": true, "webm": true, "mkv": true, "avi": true, "mov": true,
	"wmv": true, "flv": true, "ts": true, "m2ts": true, "mpg": true, "mpeg": true,
	"m3u8": true,
}

var webFriendlyExtensions = map[string]bool{"mp4": true, "webm": true, "m4v": true}

var unavailablePhrases = []string{
	"non-debrid",
	"disabled",
	"premium required",
	"not available",
	"download to debrid",
}

// IsWebFriendlyExtension reports whether browsers play the container natively.
func IsWebFriendlyExtension(ext string) bool {
	return webFriendlyExtensions[strings.ToLower(ext)]
}

func descriptorText(desc domain.StreamDescriptor) string {
	parts := make([]string, 0, 3)
	for _, v := range []string{desc.Title, desc.Name, desc.Description} {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.ToLower(strings.Join(parts, "\n"))
}

func firstInt(pattern *regexp.Regexp, text string) (int, bool) {
	m := pattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func extractSeeders(desc domain.StreamDescriptor, text string) int {
	if desc.BehaviorHints.Seeders != nil {
		return max(*desc.BehaviorHints.Seeders, 0)
	}
	if n, ok := firstInt(seedersPattern, text); ok {
		return n
	}
	n, _ := firstInt(seedGlyph, text)
	return n
}

func extractPeers(desc domain.StreamDescriptor, text string) int {
	if desc.BehaviorHints.Peers != nil {
		return max(*desc.BehaviorHints.Peers, 0)
	}
	n, _ := firstInt(peersPattern, text)
	return n
}

func extractResolution(text string) int {
	switch {
	case strings.Contains(text, "2160") || strings.Contains(text, "4k"):
		return 2160
	case strings.Contains(text, "1440"):
		return 1440
	case strings.Contains(text, "1080"):
		return 1080
	case strings.Contains(text, "720"):
		return 720
	case strings.Contains(text, "480"):
		return 480
	}
	return 0
}

func extractSize(desc domain.StreamDescriptor, text string) int64 {
	if desc.BehaviorHints.VideoSize != nil && *desc.BehaviorHints.VideoSize > 0 {
		return *desc.BehaviorHints.VideoSize
	}
	m := sizePattern.FindStringSubmatch(text)
	if len(m) < 3 {
		return 0
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	if err != nil || value < 0 {
		return 0
	}
	multiplier := float64(mib)
	switch m[2] {
	case "gb", "gib":
		multiplier = float64(gib)
	case "tb", "tib":
		multiplier = float64(gib) * 1024
	}
	return int64(value * multiplier)
}

func extensionOf(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(strings.TrimSpace(name))), ".")
	if knownExtensions[ext] {
		return ext
	}
	return ""
}

func extractExtension(desc domain.StreamDescriptor, text string) string {
	if ext := extensionOf(desc.BehaviorHints.Filename); ext != "" {
		return ext
	}
	if m := titleExtPattern.FindStringSubmatch(text); len(m) == 2 {
		return m[1]
	}
	if u, err := url.Parse(strings.TrimSpace(desc.URL)); err == nil && u.Path != "" {
		return extensionOf(u.Path)
	}
	return ""
}

func likelyUnavailable(text string) bool {
	for _, phrase := range unavailablePhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

func directURLOf(desc domain.StreamDescriptor) string {
	raw := strings.TrimSpace(desc.URL)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return raw
}

// magnetOf returns the magnet, its infohash and the number of provider-supplied trackers.
func magnetOf(desc domain.StreamDescriptor, displayName string) (string, string, int) {
	var trackers []string
	candidates := append([]string{desc.URL}, desc.Sources...)
	for _, src := range candidates {
		src = strings.TrimSpace(src)
		lower := strings.ToLower(src)
		switch {
		case strings.HasPrefix(lower, "magnet:"):
			if hash := InfoHashFromMagnet(src); hash != "" {
				return src, hash, len(TrackersFromMagnet(src))
			}
		case strings.HasPrefix(lower, "tracker:"):
			if tr := strings.TrimSpace(src[len("tracker:"):]); tr != "" {
				trackers = append(trackers, tr)
			}
		}
	}
	hash := NormalizeInfoHash(desc.InfoHash)
	if hash == "" {
		return "", "", 0
	}
	return BuildMagnet(hash, displayName, trackers), hash, len(trackers)
}

func displayNameOf(desc domain.StreamDescriptor) string {
	if name := strings.TrimSpace(desc.BehaviorHints.Filename); name != "" {
		return name
	}
	for _, v := range []string{desc.Title, desc.Description, desc.Name} {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if i := strings.IndexByte(v, '\n'); i > 0 {
			v = strings.TrimSpace(v[:i])
		}
		return v
	}
	return ""
}

// ExtractCandidate mines a descriptor into an unscored candidate. ok is false
// when the descriptor cannot be played at all.
func ExtractCandidate(provider domain.Provider, desc domain.StreamDescriptor) (domain.Candidate, bool) {
	text := descriptorText(desc)
	name := displayNameOf(desc)
	magnet, hash, trackerCount := magnetOf(desc, name)
	direct := directURLOf(desc)
	if magnet == "" && direct == "" {
		return domain.Candidate{}, false
	}
	if magnet == "" && likelyUnavailable(text) {
		return domain.Candidate{}, false
	}

	ext := extractExtension(desc, text)
	webFriendly := IsWebFriendlyExtension(ext) || (direct != "" && ext == "m3u8")
	m := domain.Metrics{
		Seeders:            extractSeeders(desc, text),
		Peers:              extractPeers(desc, text),
		Resolution:         extractResolution(text),
		SizeBytes:          extractSize(desc, text),
		Extension:          ext,
		WebFriendly:        webFriendly,
		LikelyIncompatible: ext == "mkv" || ext == "avi" || hevcPattern.MatchString(text),
		TrackerCount:       trackerCount,
		HasTorrent:         magnet != "",
	}

	c := domain.Candidate{
		ProviderID:   provider.ID,
		ProviderName: provider.Name,
		DisplayName:  name,
		Magnet:       magnet,
		InfoHash:     hash,
		DirectURL:    direct,
		FileIdx:      desc.FileIdx,
		Metrics:      m,
		Source:       desc,
	}
	if desc.BehaviorHints.ReliabilityPenalty != nil {
		c.ReliabilityPenalty = *desc.BehaviorHints.ReliabilityPenalty
	}
	c.SourceKey = IdentityKey(c)
	return c, true
}

func infoHashKey(hash string, fileIdx *int) string {
	if fileIdx != nil {
		return "ih:" + hash + ":" + strconv.Itoa(*fileIdx)
	}
	return "ih:" + hash
}

func urlKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return "url:" + strings.ToLower(u.Scheme+"://"+u.Host+u.Path)
}

// IdentityKey is the dedupe and reliability key: infohash(+fileIdx), then the
// direct URL origin+path, then a normalized name/resolution/size tuple.
func IdentityKey(c domain.Candidate) string {
	if c.InfoHash != "" {
		return infoHashKey(c.InfoHash, c.FileIdx)
	}
	if key := urlKey(c.DirectURL); key != "" {
		return key
	}
	idx := "-"
	if c.FileIdx != nil {
		idx = strconv.Itoa(*c.FileIdx)
	}
	return "name:" + normalizeName(c.DisplayName) + "|" + strconv.Itoa(c.Metrics.Resolution) +
		"|" + strconv.FormatInt(c.Metrics.SizeBytes, 10) + "|" + idx
}

// normalizeName folds accents and punctuation so cosmetic variants collide.
func normalizeName(name string) string {
	folder := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)
	return strings.Join(strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}
