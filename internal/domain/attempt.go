package domain

import "time"

type AttemptKind string

const (
	AttemptProbe          AttemptKind = "probe"
	AttemptSessionCreated AttemptKind = "session_created"
	AttemptSessionReady   AttemptKind = "session_ready"
	AttemptSessionError   AttemptKind = "session_error"
	AttemptSessionEvicted AttemptKind = "session_evicted"
	AttemptTranscodeStart AttemptKind = "transcode_start"
	AttemptTranscodeReady AttemptKind = "transcode_ready"
	AttemptTranscodeExit  AttemptKind = "transcode_exit"
	AttemptTranscodeStall AttemptKind = "transcode_stalled"
	AttemptOrchestration  AttemptKind = "orchestration"
	AttemptCircuitSkipped AttemptKind = "circuit_skipped"
)

// AttemptEvent is one entry of the orchestration attempt log.
type AttemptEvent struct {
	At         time.Time   `json:"at"`
	Kind       AttemptKind `json:"kind"`
	OK         bool        `json:"ok"`
	ProviderID string      `json:"providerId,omitempty"`
	SourceKey  string      `json:"sourceKey,omitempty"`
	SessionID  string      `json:"sessionId,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}
