package domain

import "time"

// ReliabilityEntry is the persisted form of one (provider, source) ledger row.
// An empty SourceKey denotes the provider-level aggregate.
type ReliabilityEntry struct {
	ProviderID   string    `json:"providerId" bson:"providerId"`
	SourceKey    string    `json:"sourceKey" bson:"sourceKey"`
	Samples      int       `json:"samples" bson:"samples"`
	Failures     int       `json:"failures" bson:"failures"`
	Consecutive  int       `json:"consecutiveFailures" bson:"consecutiveFailures"`
	OpenUntil    time.Time `json:"openUntil,omitempty" bson:"openUntil,omitempty"`
	LastError    string    `json:"lastError,omitempty" bson:"lastError,omitempty"`
	LastSeenAt   time.Time `json:"lastSeenAt" bson:"lastSeenAt"`
	LastOKAt     time.Time `json:"lastOkAt,omitempty" bson:"lastOkAt,omitempty"`
	LastFailedAt time.Time `json:"lastFailedAt,omitempty" bson:"lastFailedAt,omitempty"`
}

type ProviderReliability struct {
	ProviderID          string    `json:"providerId"`
	Samples             int       `json:"samples"`
	Failures            int       `json:"failures"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	SuccessRate         float64   `json:"successRate"`
	CircuitOpen         bool      `json:"circuitOpen"`
	OpenUntil           time.Time `json:"openUntil,omitempty"`
	TrackedSources      int       `json:"trackedSources"`
	OpenSources         int       `json:"openSources"`
	LastError           string    `json:"lastError,omitempty"`
}
