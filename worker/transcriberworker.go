package worker

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mrsingh-rishi/broca/metrics"
	"github.com/mrsingh-rishi/broca/model"
	"github.com/mrsingh-rishi/broca/stt"
)

// TranscriptSink receives transcript messages on behalf of a client.
type TranscriptSink interface {
	// Closed reports whether the client connection is gone.
	Closed() bool
	SendTranscripts(results []model.TranscriptResult) error
}

// ClientError reports that transcripts could not be delivered to the client.
// It is not an upstream failure.
type ClientError struct {
	Err error
}

func (e *ClientError) Error() string {
	return "forward transcripts: " + e.Err.Error()
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// TranscriberWorker relays drained audio to a speech recognizer and forwards
// every recognition event to the sink.
type TranscriberWorker struct {
	recognizer stt.Recognizer
	drainer    *Drainer
	sink       TranscriptSink
	logger     *log.Logger
	metrics    *metrics.Metrics
}

func NewTranscriberWorker(
	recognizer stt.Recognizer,
	drainer *Drainer,
	sink TranscriptSink,
	logger *log.Logger,
	m *metrics.Metrics,
) *TranscriberWorker {
	return &TranscriberWorker{
		recognizer: recognizer,
		drainer:    drainer,
		sink:       sink,
		logger:     logger,
		metrics:    m,
	}
}

// Run streams until the audio ends and the recognizer has delivered its last
// result, the sink closes, or ctx is cancelled. Upstream and forwarding
// failures are returned rather than logged away so the caller can tell the
// client why transcription stopped. A closed sink is not an error.
func (tw *TranscriberWorker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	stream, err := tw.recognizer.Open(gctx)
	if err != nil {
		err = errors.Wrap(err, "open recognition stream")
		if upstreamFailure(err) {
			tw.metrics.UpstreamErrors.Inc()
		}
		return err
	}

	g.Go(func() error {
		return tw.sendAudio(gctx, stream)
	})
	g.Go(func() error {
		// Once nothing more will be received the sender has no reason to
		// keep waiting for audio.
		defer cancel()
		return tw.forward(gctx, stream)
	})

	err = g.Wait()
	if upstreamFailure(err) {
		tw.metrics.UpstreamErrors.Inc()
	}
	return err
}

// upstreamFailure reports whether err came from the speech service rather
// than from cancellation or the client.
func upstreamFailure(err error) bool {
	var clientErr *ClientError
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, &clientErr):
		return false
	}
	return true
}

func (tw *TranscriberWorker) sendAudio(ctx context.Context, stream stt.Stream) error {
	for {
		blob, ok := tw.drainer.Next(ctx)
		if !ok {
			break
		}
		if err := stream.Send(blob); err != nil {
			return errors.Wrap(err, "send audio")
		}
		tw.metrics.BlobsSent.Inc()
		tw.metrics.ChunksPerBlob.Observe(float64(tw.drainer.lastBatch))
		tw.logger.Debug("sent", "bytes", len(blob), "chunks", tw.drainer.lastBatch)
	}

	if ctx.Err() != nil {
		return nil
	}
	tw.logger.Debug("audio ended")
	return errors.Wrap(stream.CloseSend(), "close audio stream")
}

func (tw *TranscriberWorker) forward(ctx context.Context, stream stt.Stream) error {
	for {
		results, err := stream.Recv()
		if err == io.EOF {
			tw.logger.Debug("recognition ended")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "receive transcripts")
		}

		if tw.sink.Closed() {
			tw.metrics.TranscriptsDropped.Inc()
			tw.logger.Debug("client gone, dropping transcripts", "count", len(results))
			return nil
		}
		if err := tw.sink.SendTranscripts(results); err != nil {
			return &ClientError{Err: err}
		}
		tw.metrics.TranscriptMessages.Inc()
		for _, r := range results {
			if r.IsFinal {
				tw.logger.Info("hear", "txt", r.Transcript)
			} else {
				tw.logger.Debug("hear", "tmp", r.Transcript, "stability", r.Stability)
			}
		}
	}
}
