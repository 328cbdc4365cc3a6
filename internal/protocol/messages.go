package protocol

import "time"

// Outcome values for RequestSummary.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeMalformed   = "malformed"
	OutcomeInterrupted = "interrupted"
)

// BridgeStatus is broadcast on every lifecycle transition.
type BridgeStatus struct {
	NodeID       string    `json:"node_id"`
	ConnectionID string    `json:"connection_id,omitempty"`
	State        string    `json:"state"`
	SampleRate   int       `json:"sample_rate,omitempty"`
	Channels     int       `json:"channels,omitempty"`
	SampleFormat string    `json:"sample_format,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// RequestSummary describes one finished request.
type RequestSummary struct {
	ConnectionID string    `json:"connection_id"`
	RequestID    string    `json:"request_id"`
	Language     string    `json:"language,omitempty"`
	TextChars    int       `json:"text_chars"`
	Chunks       int       `json:"chunks"`
	AudioBytes   int64     `json:"audio_bytes"`
	Outcome      string    `json:"outcome"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

func (s RequestSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

const (
	SubjectBridgeStatus        = "tts.bridge.status"
	SubjectBridgeRequestPrefix = "tts.bridge.request"
)

// RequestSubject returns the subject a summary with the given outcome is published on.
func RequestSubject(outcome string) string {
	return SubjectBridgeRequestPrefix + "." + outcome
}
