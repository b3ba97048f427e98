package ranking

import (
	"math"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

// swarmCap bounds how many seeders and peers count towards the score. Past
// this point a larger swarm does not start playback any faster.
const swarmCap = 50

// rankBucket is the tie margin of the auto-mode ordering.
const rankBucket = 0.25

func formatBonus(ext string) float64 {
	switch ext {
	case "mp4", "webm", "m4v":
		return 10
	case "mkv":
		return -12
	case "avi":
		return -16
	}
	return -4
}

// Score computes the raw candidate score.
func Score(m domain.Metrics, reliabilityPenalty, providerBonus float64) float64 {
	seeders := float64(min(m.Seeders, swarmCap))
	peers := float64(min(m.Peers, swarmCap))
	sizeGB := m.SizeGB()

	score := seeders*6 + peers*2 + float64(m.Resolution)/120 + float64(m.TrackerCount)*1.5
	if m.HasTorrent {
		score += 8
	} else {
		score += 4
	}
	score += providerBonus + formatBonus(m.Extension)
	score -= sizeGB*1.4 + reliabilityPenalty
	if m.Extension == "mkv" || m.Extension == "avi" {
		score -= 8
	}
	if sizeGB > 12 {
		score -= 16
	}
	return score
}

// AutoRank is the ordering value used to pick which candidate to try first.
func AutoRank(c domain.Candidate) float64 {
	m := c.Metrics
	sizeGB := m.SizeGB()
	rank := m.Score - 1.5*c.ReliabilityPenalty

	switch {
	case c.HasDirect() && m.WebFriendly:
		rank += 120
	case c.HasDirect():
		rank += 75
	default:
		rank += 18
		if m.WebFriendly {
			rank += 140
		}
	}

	rank -= 5.5 * sizeGB
	if !c.HasDirect() {
		switch {
		case sizeGB > 14:
			rank -= 42
		case sizeGB > 8:
			rank -= 26
		}
	}

	switch {
	case m.Resolution >= 2160:
		rank += 9
	case m.Resolution >= 1080:
		rank += 7
	case m.Resolution >= 720:
		rank += 5
	}

	if m.LikelyIncompatible {
		rank -= 8
	}
	if sizeGB > 20 {
		rank -= 6
	}
	if m.Seeders == 0 && m.Peers == 0 {
		rank -= 6
	}
	return rank
}

func bucketOf(rank float64) float64 {
	return math.Floor(rank / rankBucket)
}

// RanksTie reports whether two ranks fall within the tie margin.
func RanksTie(a, b float64) bool {
	return math.Abs(a-b) <= rankBucket
}
