package stt

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mrsingh-rishi/broca/model"
)

// MockClient reports how much audio it has received instead of transcribing.
// Useful for local development when no speech service is configured.
type MockClient struct{}

func (MockClient) Open(ctx context.Context) (Stream, error) {
	return &mockStream{
		ctx:     ctx,
		results: make(chan []model.TranscriptResult, 16),
	}, nil
}

type mockStream struct {
	ctx     context.Context
	results chan []model.TranscriptResult

	mu     sync.Mutex
	blobs  int
	bytes  int
	closed bool
}

func (s *mockStream) Send(audio []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("send after close")
	}
	s.blobs++
	s.bytes += len(audio)
	text := fmt.Sprintf("mock heard %d bytes", s.bytes)
	s.mu.Unlock()

	return s.emit([]model.TranscriptResult{model.NewTranscriptResult(text, false, 0.5)})
}

func (s *mockStream) CloseSend() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	text := fmt.Sprintf("mock transcript of %d bytes in %d blobs", s.bytes, s.blobs)
	s.mu.Unlock()

	err := s.emit([]model.TranscriptResult{model.NewTranscriptResult(text, true, 1)})
	close(s.results)
	return err
}

func (s *mockStream) emit(results []model.TranscriptResult) error {
	select {
	case s.results <- results:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *mockStream) Recv() ([]model.TranscriptResult, error) {
	select {
	case results, ok := <-s.results:
		if !ok {
			return nil, io.EOF
		}
		return results, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}
