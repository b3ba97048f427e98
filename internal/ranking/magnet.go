package ranking

import (
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"strings"
)

// DefaultTrackers is used when a provider supplies an infohash without trackers.
var DefaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://open.demonii.com:1337/announce",
	"udp://explodie.org:6969/announce",
	"https://tracker.tamersunion.org:443/announce",
}

// NormalizeInfoHash returns a lower-case 40-char hex infohash, or "" when the
// input is neither hex nor base32 encoded.
func NormalizeInfoHash(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(strings.ToLower(value), "urn:btih:")
	switch len(value) {
	case 40:
		if _, err := hex.DecodeString(value); err != nil {
			return ""
		}
		return value
	case 32:
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(value))
		if err != nil || len(decoded) != 20 {
			return ""
		}
		return hex.EncodeToString(decoded)
	}
	return ""
}

// BuildMagnet assembles a magnet URI. Empty trackers fall back to DefaultTrackers.
func BuildMagnet(infoHash, name string, trackers []string) string {
	hash := NormalizeInfoHash(infoHash)
	if hash == "" {
		return ""
	}
	if len(trackers) == 0 {
		trackers = DefaultTrackers
	}
	var builder strings.Builder
	builder.WriteString("magnet:?xt=urn:btih:")
	builder.WriteString(hash)
	if strings.TrimSpace(name) != "" {
		builder.WriteString("&dn=")
		builder.WriteString(url.QueryEscape(strings.TrimSpace(name)))
	}
	for _, tracker := range trackers {
		value := strings.TrimSpace(tracker)
		if value == "" {
			continue
		}
		builder.WriteString("&tr=")
		builder.WriteString(url.QueryEscape(value))
	}
	return builder.String()
}

func parseMagnet(magnet string) (url.Values, bool) {
	raw := strings.TrimSpace(magnet)
	if !strings.HasPrefix(strings.ToLower(raw), "magnet:?") {
		return nil, false
	}
	values, err := url.ParseQuery(raw[len("magnet:?"):])
	if err != nil {
		return nil, false
	}
	return values, true
}

// InfoHashFromMagnet extracts the normalized btih of a magnet URI.
func InfoHashFromMagnet(magnet string) string {
	values, ok := parseMagnet(magnet)
	if !ok {
		return ""
	}
	for _, xt := range values["xt"] {
		if hash := NormalizeInfoHash(xt); hash != "" {
			return hash
		}
	}
	return ""
}

// TrackersFromMagnet returns the tr= parameters of a magnet URI.
func TrackersFromMagnet(magnet string) []string {
	values, ok := parseMagnet(magnet)
	if !ok {
		return nil
	}
	var out []string
	for _, tr := range values["tr"] {
		if tr = strings.TrimSpace(tr); tr != "" {
			out = append(out, tr)
		}
	}
	return out
}

// SourceKeyFor derives a reliability key for callers that only hold a magnet
// or a URL.
func SourceKeyFor(magnet, directURL string, fileIdx *int) string {
	if hash := InfoHashFromMagnet(magnet); hash != "" {
		return infoHashKey(hash, fileIdx)
	}
	if key := urlKey(directURL); key != "" {
		return key
	}
	return ""
}
