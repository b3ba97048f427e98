package domain

// Quality is a coarse resolution tier used for pinning and result grouping.
type Quality string

const (
	Quality4K    Quality = "4k"
	Quality1080p Quality = "1080p"
	Quality720p  Quality = "720p"
	QualitySD    Quality = "sd"
)

// QualityForResolution buckets a vertical resolution into a tier.
func QualityForResolution(resolution int) Quality {
	switch {
	case resolution >= 2160:
		return Quality4K
	case resolution >= 1080:
		return Quality1080p
	case resolution >= 720:
		return Quality720p
	default:
		return QualitySD
	}
}

// ParseQuality normalizes user input into a tier. Unknown values return "".
func ParseQuality(raw string) Quality {
	switch raw {
	case "4k", "4K", "2160p", "2160":
		return Quality4K
	case "1080p", "1080":
		return Quality1080p
	case "720p", "720":
		return Quality720p
	case "sd", "SD", "480p", "480":
		return QualitySD
	}
	return ""
}

// Metrics holds the values mined from a stream descriptor.
type Metrics struct {
	Score              float64 `json:"score"`
	Seeders            int     `json:"seeders"`
	Peers              int     `json:"peers"`
	Resolution         int     `json:"resolution"`
	SizeBytes          int64   `json:"sizeBytes"`
	Extension          string  `json:"extension,omitempty"`
	WebFriendly        bool    `json:"webFriendly"`
	LikelyIncompatible bool    `json:"likelyIncompatible"`
	TrackerCount       int     `json:"trackerCount"`
	HasTorrent         bool    `json:"hasTorrent"`
}

const gib = float64(1 << 30)

func (m Metrics) SizeGB() float64 {
	return float64(m.SizeBytes) / gib
}

// Candidate is a ranked, deduplicated playable source.
type Candidate struct {
	ProviderID         string           `json:"providerId"`
	ProviderName       string           `json:"providerName"`
	DisplayName        string           `json:"displayName"`
	Magnet             string           `json:"magnet,omitempty"`
	InfoHash           string           `json:"infoHash,omitempty"`
	DirectURL          string           `json:"directUrl,omitempty"`
	FileIdx            *int             `json:"fileIdx,omitempty"`
	Metrics            Metrics          `json:"metrics"`
	ReliabilityPenalty float64          `json:"reliabilityPenalty"`
	Rank               float64          `json:"rank"`
	SourceKey          string           `json:"sourceKey"`
	Source             StreamDescriptor `json:"-"`
}

func (c Candidate) HasDirect() bool  { return c.DirectURL != "" }
func (c Candidate) HasTorrent() bool { return c.Magnet != "" }

func (c Candidate) Quality() Quality {
	return QualityForResolution(c.Metrics.Resolution)
}

// CandidateSummary is the public view of a candidate in orchestration results.
type CandidateSummary struct {
	ProviderID   string  `json:"providerId"`
	ProviderName string  `json:"providerName"`
	DisplayName  string  `json:"displayName"`
	SourceKey    string  `json:"sourceKey"`
	Quality      Quality `json:"quality"`
	Resolution   int     `json:"resolution"`
	Seeders      int     `json:"seeders"`
	SizeBytes    int64   `json:"sizeBytes"`
	Extension    string  `json:"extension,omitempty"`
	Rank         float64 `json:"rank"`
	Mode         string  `json:"mode,omitempty"`
	StreamURL    string  `json:"streamUrl,omitempty"`
	StreamKind   string  `json:"streamKind,omitempty"`
	SessionID    string  `json:"sessionId,omitempty"`
}

func (c Candidate) Summary() CandidateSummary {
	return CandidateSummary{
		ProviderID:   c.ProviderID,
		ProviderName: c.ProviderName,
		DisplayName:  c.DisplayName,
		SourceKey:    c.SourceKey,
		Quality:      c.Quality(),
		Resolution:   c.Metrics.Resolution,
		Seeders:      c.Metrics.Seeders,
		SizeBytes:    c.Metrics.SizeBytes,
		Extension:    c.Metrics.Extension,
		Rank:         c.Rank,
	}
}
