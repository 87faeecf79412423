package types

// Reasons carried by the terminal status message.
const (
	ReasonClientStop     = "client_stop"
	ReasonUpstreamClosed = "upstream_closed"
	ReasonUpstreamError  = "upstream_error"
	ReasonDrainTimeout   = "drain_timeout"
	ReasonShutdown       = "shutdown"
)

// StatusMessage is the last message a client receives on a transcription
// socket. Transcripts are sent as JSON arrays, status as a JSON object, so
// clients can tell them apart by the first byte.
type StatusMessage struct {
	Event  string `json:"event"`
	State  string `json:"state"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// ControlMessage is a text frame sent by the client on the transcription socket.
type ControlMessage struct {
	Event string `json:"event"` // "stop"
}

// CleanRequest is the body of POST /clean.
type CleanRequest struct {
	Username      string `json:"username"`
	Timestamp     string `json:"timestamp"`
	RawTranscript string `json:"raw_transcript"`
}

// CleanResponse is the reply of POST /clean.
type CleanResponse struct {
	Cleaned []string `json:"cleaned"`
}

// PredictRequest is the optional JSON body of POST /predict.
type PredictRequest struct {
	Text string `json:"text"`
}
