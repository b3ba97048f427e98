package domain

// Provider identifies the catalog source that produced a set of streams.
type Provider struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// BehaviorHints carries optional provider-supplied metrics for a stream.
type BehaviorHints struct {
	Seeders            *int     `json:"seeders,omitempty"`
	Peers              *int     `json:"peers,omitempty"`
	VideoSize          *int64   `json:"videoSize,omitempty"`
	Filename           string   `json:"filename,omitempty"`
	ReliabilityPenalty *float64 `json:"reliabilityPenalty,omitempty"`
}

// StreamDescriptor is a raw stream entry as returned by a catalog provider.
type StreamDescriptor struct {
	Title         string        `json:"title,omitempty"`
	Name          string        `json:"name,omitempty"`
	Description   string        `json:"description,omitempty"`
	InfoHash      string        `json:"infoHash,omitempty"`
	Sources       []string      `json:"sources,omitempty"`
	URL           string        `json:"url,omitempty"`
	FileIdx       *int          `json:"fileIdx,omitempty"`
	BehaviorHints BehaviorHints `json:"behaviorHints"`
}

type ProviderResult struct {
	Provider Provider           `json:"provider"`
	Streams  []StreamDescriptor `json:"streams"`
}
