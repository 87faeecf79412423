package worker

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrsingh-rishi/broca/metrics"
	"github.com/mrsingh-rishi/broca/model"
	"github.com/mrsingh-rishi/broca/queue"
	"github.com/mrsingh-rishi/broca/stt"
)

// echoRecognizer answers every blob with one result carrying the blob text.
type echoRecognizer struct {
	openErr error
	sendErr error
	recvErr error

	mu     sync.Mutex
	stream *echoStream
}

func (r *echoRecognizer) Open(ctx context.Context) (stt.Stream, error) {
	if r.openErr != nil {
		return nil, r.openErr
	}
	s := &echoStream{
		ctx:     ctx,
		results: make(chan []model.TranscriptResult, 64),
		sendErr: r.sendErr,
		recvErr: r.recvErr,
	}
	r.mu.Lock()
	r.stream = s
	r.mu.Unlock()
	return s, nil
}

type echoStream struct {
	ctx     context.Context
	results chan []model.TranscriptResult
	sendErr error
	recvErr error

	mu         sync.Mutex
	sent       []string
	closedSend bool
}

func (s *echoStream) Send(audio []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.mu.Lock()
	s.sent = append(s.sent, string(audio))
	s.mu.Unlock()
	s.results <- []model.TranscriptResult{model.NewTranscriptResult(string(audio), false, 0.5)}
	return nil
}

func (s *echoStream) CloseSend() error {
	s.mu.Lock()
	s.closedSend = true
	s.mu.Unlock()
	s.results <- []model.TranscriptResult{model.NewTranscriptResult("done", true, 1)}
	close(s.results)
	return nil
}

func (s *echoStream) Recv() ([]model.TranscriptResult, error) {
	if s.recvErr != nil {
		return nil, s.recvErr
	}
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

type recordingSink struct {
	closed  atomic.Bool
	sendErr error

	mu       sync.Mutex
	messages [][]model.TranscriptResult
}

func (s *recordingSink) Closed() bool { return s.closed.Load() }

func (s *recordingSink) SendTranscripts(results []model.TranscriptResult) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, results)
	return nil
}

func (s *recordingSink) transcripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, msg := range s.messages {
		for _, r := range msg {
			out = append(out, r.Transcript)
		}
	}
	return out
}

func newTestWorker(rec stt.Recognizer, q *queue.Queue[model.AudioChunk], sink TranscriptSink) *TranscriberWorker {
	return NewTranscriberWorker(rec, NewDrainer(q), sink, log.New(io.Discard), metrics.NewNop())
}

func newCountingWorker(rec stt.Recognizer, q *queue.Queue[model.AudioChunk], sink TranscriptSink) (*TranscriberWorker, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewTranscriberWorker(rec, NewDrainer(q), sink, log.New(io.Discard), metrics.New(reg)), reg
}

func upstreamErrors(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "broca_upstream_errors_total" {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func runWorker(t *testing.T, tw *TranscriberWorker) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- tw.Run(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish")
		return nil
	}
}

func TestTranscriberWorkerForwardsResultsInOrder(t *testing.T) {
	q := queue.New[model.AudioChunk]()
	q.Push(model.AudioChunk("AA"))
	q.Push(model.AudioChunk("BB"))
	q.Close()

	rec := &echoRecognizer{}
	sink := &recordingSink{}
	if err := runWorker(t, newTestWorker(rec, q, sink)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := strings.Join(sink.transcripts(), ",")
	if got != "AABB,done" {
		t.Fatalf("forwarded transcripts = %s, want AABB,done", got)
	}
	if !rec.stream.closedSend {
		t.Fatal("audio stream was not closed after the queue ended")
	}
}

func TestTranscriberWorkerReturnsUpstreamError(t *testing.T) {
	q := queue.New[model.AudioChunk]()
	q.Push(model.AudioChunk("A"))

	rec := &echoRecognizer{recvErr: errors.New("stream duration exceeded")}
	tw, reg := newCountingWorker(rec, q, &recordingSink{})
	err := runWorker(t, tw)
	if err == nil || !strings.Contains(err.Error(), "stream duration exceeded") {
		t.Fatalf("Run error = %v, want upstream error", err)
	}
	if n := upstreamErrors(t, reg); n != 1 {
		t.Fatalf("upstream errors = %v, want 1", n)
	}
}

func TestTranscriberWorkerClientWriteErrorIsNotUpstream(t *testing.T) {
	q := queue.New[model.AudioChunk]()
	q.Push(model.AudioChunk("A"))

	sink := &recordingSink{sendErr: errors.New("broken pipe")}
	tw, reg := newCountingWorker(&echoRecognizer{}, q, sink)
	err := runWorker(t, tw)

	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("Run error = %v, want *ClientError", err)
	}
	if n := upstreamErrors(t, reg); n != 0 {
		t.Fatalf("upstream errors = %v, want 0 for a client write failure", n)
	}
}

func TestTranscriberWorkerReturnsSendError(t *testing.T) {
	q := queue.New[model.AudioChunk]()
	q.Push(model.AudioChunk("A"))

	rec := &echoRecognizer{sendErr: errors.New("broken pipe")}
	err := runWorker(t, newTestWorker(rec, q, &recordingSink{}))
	if err == nil || !strings.Contains(err.Error(), "send audio") {
		t.Fatalf("Run error = %v, want send error", err)
	}
}

func TestTranscriberWorkerReturnsOpenError(t *testing.T) {
	q := queue.New[model.AudioChunk]()
	rec := &echoRecognizer{openErr: errors.New("permission denied")}
	err := runWorker(t, newTestWorker(rec, q, &recordingSink{}))
	if err == nil || !strings.Contains(err.Error(), "open recognition stream") {
		t.Fatalf("Run error = %v, want open error", err)
	}
}

func TestTranscriberWorkerDropsResultsForClosedClient(t *testing.T) {
	q := queue.New[model.AudioChunk]()
	q.Push(model.AudioChunk("A"))

	sink := &recordingSink{}
	sink.closed.Store(true)

	// The queue is never closed: a closed client must still end the worker.
	if err := runWorker(t, newTestWorker(&echoRecognizer{}, q, sink)); err != nil {
		t.Fatalf("Run: %v, want nil for closed client", err)
	}
	if got := sink.transcripts(); len(got) != 0 {
		t.Fatalf("forwarded %v to a closed client", got)
	}
}

func TestTranscriberWorkerStopsOnCancel(t *testing.T) {
	q := queue.New[model.AudioChunk]()
	tw, reg := newCountingWorker(&echoRecognizer{}, q, &recordingSink{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tw.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run error = %v, want context.Canceled", err)
		}
		if n := upstreamErrors(t, reg); n != 0 {
			t.Fatalf("upstream errors = %v, want 0 after cancellation", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker ignored cancellation")
	}
}
