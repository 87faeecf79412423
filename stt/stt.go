// Package stt adapts streaming speech-to-text services to a single
// send/receive stream shape.
package stt

import (
	"context"

	"github.com/mrsingh-rishi/broca/model"
)

// Stream is one open streaming recognition session.
//
// Send and CloseSend are called from one goroutine and Recv from another.
// Recv returns io.EOF once the service has delivered its last result.
type Stream interface {
	Send(audio []byte) error
	CloseSend() error
	Recv() ([]model.TranscriptResult, error)
}

// Recognizer opens recognition streams. Streams end when ctx is cancelled.
type Recognizer interface {
	Open(ctx context.Context) (Stream, error)
}

// Config holds the connection-level audio settings shared by every backend.
type Config struct {
	Language       string
	Encoding       string
	SampleRate     int
	Model          string
	InterimResults bool
}
