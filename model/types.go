package model

import "fmt"

// AudioChunk represents a chunk of encoded audio received from the client.
type AudioChunk []byte

// TranscriptResult is one hypothesis from a recognition event, normalised
// across speech backends.
type TranscriptResult struct {
	Transcript string  `json:"transcript"`
	IsFinal    bool    `json:"is_final"`
	Stability  float64 `json:"stability"`
}

// NewTranscriptResult builds a result with stability clamped to [0,1].
func NewTranscriptResult(text string, final bool, stability float64) TranscriptResult {
	switch {
	case stability < 0:
		stability = 0
	case stability > 1:
		stability = 1
	}
	return TranscriptResult{Transcript: text, IsFinal: final, Stability: stability}
}

// SessionState is the lifecycle stage of one client connection.
// States are ordered; a session only ever moves to a higher state.
type SessionState int32

const (
	Connecting SessionState = iota
	Active
	Draining
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
