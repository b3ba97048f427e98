package domain

type PlayMode string

const (
	ModeDirect  PlayMode = "direct"
	ModeSession PlayMode = "session"
)

// PlayRequest asks the orchestrator for one playable stream of an item.
type PlayRequest struct {
	Type            string           `json:"type"`
	ItemID          string           `json:"itemId"`
	Season          int              `json:"season,omitempty"`
	Episode         int              `json:"episode,omitempty"`
	Quality         Quality          `json:"quality,omitempty"`
	Audio           string           `json:"audio,omitempty"`
	CandidateBudget int              `json:"candidateBudget,omitempty"`
	ForceTranscode  bool             `json:"forceTranscode,omitempty"`
	Results         []ProviderResult `json:"results"`
}

type PlayResult struct {
	Mode               PlayMode           `json:"mode"`
	StreamURL          string             `json:"streamUrl"`
	StreamKind         StreamKind         `json:"streamKind"`
	SessionID          string             `json:"sessionId,omitempty"`
	Chosen             CandidateSummary   `json:"chosen"`
	SelectedQuality    Quality            `json:"selectedQuality"`
	Alternatives       []CandidateSummary `json:"alternatives"`
	AvailableQualities []Quality          `json:"availableQualities"`
}
