package ranking

import (
	"sort"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

// PenaltySource supplies historical reliability penalties.
type PenaltySource interface {
	Penalty(providerID, sourceKey string) float64
}

type Ranker struct {
	penalties     PenaltySource
	providerBonus map[string]float64
}

func NewRanker(penalties PenaltySource, providerBonus map[string]float64) *Ranker {
	return &Ranker{penalties: penalties, providerBonus: providerBonus}
}

// Rank turns provider results into scored, deduplicated, ordered candidates.
func (r *Ranker) Rank(results []domain.ProviderResult) []domain.Candidate {
	var cands []domain.Candidate
	for _, result := range results {
		for _, desc := range result.Streams {
			c, ok := ExtractCandidate(result.Provider, desc)
			if !ok {
				continue
			}
			if r.penalties != nil {
				c.ReliabilityPenalty = max(c.ReliabilityPenalty, r.penalties.Penalty(c.ProviderID, c.SourceKey))
			}
			c.Metrics.Score = Score(c.Metrics, c.ReliabilityPenalty, r.providerBonus[c.ProviderID])
			cands = append(cands, c)
		}
	}
	cands = Dedupe(cands)
	for i := range cands {
		cands[i].Rank = AutoRank(cands[i])
	}
	Sort(cands)
	return cands
}

func less(a, b domain.Candidate) bool {
	if ba, bb := bucketOf(a.Rank), bucketOf(b.Rank); ba != bb {
		return ba > bb
	}
	if a.HasDirect() != b.HasDirect() {
		return a.HasDirect()
	}
	if a.Metrics.Resolution != b.Metrics.Resolution {
		return a.Metrics.Resolution > b.Metrics.Resolution
	}
	if a.Metrics.Seeders != b.Metrics.Seeders {
		return a.Metrics.Seeders > b.Metrics.Seeders
	}
	if a.Metrics.Score != b.Metrics.Score {
		return a.Metrics.Score > b.Metrics.Score
	}
	return a.SourceKey < b.SourceKey
}

// Sort orders candidates by auto-mode rank and puts direct URLs first.
func Sort(cands []domain.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return less(cands[i], cands[j]) })
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].HasDirect() && !cands[j].HasDirect()
	})
}

// FilterQuality keeps candidates of the requested tier. When none match the
// full list is returned as the fallback.
func FilterQuality(cands []domain.Candidate, q domain.Quality) []domain.Candidate {
	if q == "" {
		return cands
	}
	var out []domain.Candidate
	for _, c := range cands {
		if c.Quality() == q {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return cands
	}
	return out
}
