package ranking

import (
	"sort"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

// preferred reports whether a should survive over b within one identity group.
func preferred(a, b domain.Candidate) bool {
	am, bm := a.Metrics, b.Metrics
	if am.WebFriendly != bm.WebFriendly {
		return am.WebFriendly
	}
	if (am.Extension != "") != (bm.Extension != "") {
		return am.Extension != ""
	}
	if am.Score != bm.Score {
		return am.Score > bm.Score
	}
	if am.Seeders != bm.Seeders {
		return am.Seeders > bm.Seeders
	}
	if am.Resolution != bm.Resolution {
		return am.Resolution > bm.Resolution
	}
	if am.SizeBytes != bm.SizeBytes {
		return am.SizeBytes > bm.SizeBytes
	}
	if a.ProviderID != b.ProviderID {
		return a.ProviderID < b.ProviderID
	}
	if a.DisplayName != b.DisplayName {
		return a.DisplayName < b.DisplayName
	}
	if a.DirectURL != b.DirectURL {
		return a.DirectURL < b.DirectURL
	}
	return a.Magnet < b.Magnet
}

// Dedupe keeps one candidate per identity key. The result is sorted by key.
func Dedupe(cands []domain.Candidate) []domain.Candidate {
	best := make(map[string]domain.Candidate, len(cands))
	for _, c := range cands {
		key := c.SourceKey
		if key == "" {
			key = IdentityKey(c)
			c.SourceKey = key
		}
		cur, ok := best[key]
		if !ok || preferred(c, cur) {
			best[key] = c
		}
	}
	out := make([]domain.Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceKey < out[j].SourceKey })
	return out
}
