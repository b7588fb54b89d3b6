package protocol

import "time"

// Transcript is one recognized clip broadcast on the bus.
type Transcript struct {
	SessionID    string    `json:"session_id"`
	Cycle        int       `json:"cycle"`
	ModelID      string    `json:"model_id"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	Score        float64   `json:"score,omitempty"`
	AudioSeconds float64   `json:"audio_seconds"`
}

const (
	SubjectTranscriptFinal = "stt.text.final"
	// StreamTranscripts retains final transcripts when JetStream is available.
	StreamTranscripts = "TRANSCRIPTS"
)
