package call

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/broca/metrics"
	"github.com/mrsingh-rishi/broca/model"
	"github.com/mrsingh-rishi/broca/output"
	"github.com/mrsingh-rishi/broca/queue"
	"github.com/mrsingh-rishi/broca/stt"
	"github.com/mrsingh-rishi/broca/types"
	"github.com/mrsingh-rishi/broca/worker"
)

const (
	DefaultDrainTimeout = 10 * time.Second

	reasonClientGone = "client_gone"
)

var errClientStop = errors.New("client requested stop")

// Conn is a client websocket. *websocket.Conn from gofiber satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Worker is the per-session transcription loop.
type Worker interface {
	Run(ctx context.Context) error
}

type Config struct {
	// DrainTimeout bounds how long a closing session waits for the
	// transcriber to deliver its final results.
	DrainTimeout time.Duration
}

// Session supervises one client connection: it feeds client audio to the
// transcriber, notices when the transcriber stops, and tears everything down.
// State only moves forward: connecting, active, draining, closed.
type Session struct {
	ID string

	conn         Conn
	out          *output.ClientWriter
	queue        *queue.Queue[model.AudioChunk]
	worker       Worker
	state        atomic.Int32
	drainTimeout time.Duration
	logger       *log.Logger
	metrics      *metrics.Metrics
}

func NewSession(
	conn Conn,
	recognizer stt.Recognizer,
	cfg Config,
	logger *log.Logger,
	m *metrics.Metrics,
) (*Session, error) {
	if recognizer == nil {
		return nil, errors.New("recognizer is required")
	}
	id := uuid.NewString()
	logger = logger.With("session", id)

	out, err := output.NewClientWriter(conn, logger)
	if err != nil {
		return nil, err
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	q := queue.New[model.AudioChunk]()
	s := &Session{
		ID:           id,
		conn:         conn,
		out:          out,
		queue:        q,
		worker:       worker.NewTranscriberWorker(recognizer, worker.NewDrainer(q), out, logger, m),
		drainTimeout: cfg.DrainTimeout,
		logger:       logger,
		metrics:      m,
	}
	s.state.Store(int32(model.Connecting))
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState {
	return model.SessionState(s.state.Load())
}

// transition moves the session to next. Moves that would go backwards or
// stay put are refused.
func (s *Session) transition(next model.SessionState) bool {
	for {
		cur := model.SessionState(s.state.Load())
		if next <= cur {
			s.logger.Warn("refused state change", "from", cur, "to", next)
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(next)) {
			s.logger.Debug("state", "from", cur, "to", next)
			return true
		}
	}
}

// Run drives the session until the client leaves, asks to stop, the
// transcriber ends, or ctx is cancelled. It returns the transcriber's error,
// if any; the client has already been told about it. The connection is not
// touched once Run returns.
func (s *Session) Run(ctx context.Context) error {
	started := time.Now()
	s.metrics.SessionsStarted.Inc()
	s.metrics.ActiveSessions.Inc()
	defer s.metrics.ActiveSessions.Dec()
	s.logger.Info("connected")

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	done := make(chan error, 1)
	go func() {
		done <- s.worker.Run(workerCtx)
	}()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readFrames(frames, readErr, stop)
	}()

	s.transition(model.Active)
	reason, exited, err := s.pump(ctx, done, frames, readErr)

	s.transition(model.Draining)
	s.queue.Close()
	if !exited {
		var timedOut bool
		timedOut, err = s.await(done, cancelWorker)
		if timedOut {
			reason, err = types.ReasonDrainTimeout, nil
		}
	}
	var clientErr *worker.ClientError
	switch {
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// The worker shares ctx and may notice shutdown before pump does.
		reason, err = types.ReasonShutdown, nil
	case errors.As(err, &clientErr):
		s.logger.Debug("client write failed", "error", err)
		reason, err = reasonClientGone, nil
	case err != nil && reason != reasonClientGone:
		reason = types.ReasonUpstreamError
	}

	s.finish(reason, err)
	s.transition(model.Closed)
	_ = s.out.Close()

	// The socket belongs to the caller again once Run returns.
	close(stop)
	<-readerDone

	s.metrics.SessionsEnded.WithLabelValues(reason).Inc()
	s.metrics.SessionDuration.Observe(time.Since(started).Seconds())
	return err
}

// pump moves client frames into the queue while the session is active.
// It reports why the session is ending and, when the transcriber ended
// first, its result.
func (s *Session) pump(
	ctx context.Context,
	done <-chan error,
	frames <-chan []byte,
	readErr <-chan error,
) (reason string, exited bool, err error) {
	for {
		// A dead transcriber ends the session before another frame is taken.
		select {
		case err := <-done:
			return workerReason(err), true, err
		default:
		}

		select {
		case err := <-done:
			return workerReason(err), true, err

		case frame := <-frames:
			select {
			case err := <-done:
				return workerReason(err), true, err
			default:
			}
			s.queue.Push(model.AudioChunk(frame))
			s.metrics.ChunksReceived.Inc()
			s.metrics.BytesReceived.Add(float64(len(frame)))

		case err := <-readErr:
			if errors.Is(err, errClientStop) {
				s.logger.Info("client stop")
				return types.ReasonClientStop, false, nil
			}
			s.out.MarkClosed()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("client closed", "reason", err)
			} else {
				s.logger.Warn("read error", "error", err)
			}
			return reasonClientGone, false, nil

		case <-ctx.Done():
			return types.ReasonShutdown, false, nil
		}
	}
}

func workerReason(err error) string {
	var clientErr *worker.ClientError
	switch {
	case err == nil:
		return types.ReasonUpstreamClosed
	case errors.As(err, &clientErr):
		return reasonClientGone
	default:
		return types.ReasonUpstreamError
	}
}

// readFrames owns the read side of the connection. Binary frames are handed
// over one at a time; a {"event":"stop"} text frame ends the session
// gracefully. It returns when the connection fails or stop is closed, and
// never reads again after stop is closed.
func (s *Session) readFrames(frames chan<- []byte, readErr chan<- error, stop <-chan struct{}) {
	for {
		messageType, msg, err := s.conn.ReadMessage()
		select {
		case <-stop:
			return
		default:
		}
		if err != nil {
			readErr <- err
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(msg) == 0 {
				continue
			}
			select {
			case frames <- msg:
			case <-stop:
				return
			}

		case websocket.TextMessage:
			var ctrl types.ControlMessage
			if err := json.Unmarshal(msg, &ctrl); err == nil && ctrl.Event == "stop" {
				readErr <- errClientStop
				return
			}
			s.logger.Debug("ignored text frame", "bytes", len(msg))
		}
	}
}

// await waits for the transcriber to flush its last results, cancelling it
// once the drain timeout passes.
func (s *Session) await(done <-chan error, cancel context.CancelFunc) (bool, error) {
	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return false, err
	case <-timer.C:
		s.logger.Warn("drain timeout", "after", s.drainTimeout)
		cancel()
		return true, <-done
	}
}

// finish tells a still-connected client why transcription stopped.
func (s *Session) finish(reason string, err error) {
	status := types.StatusMessage{
		State:  model.Closed.String(),
		Reason: reason,
	}
	if err != nil {
		status.Error = err.Error()
		s.logger.Error("transcription stopped", "reason", reason, "error", err)
	} else {
		s.logger.Info("disconnected", "reason", reason)
	}

	if s.out.Closed() {
		return
	}
	if sendErr := s.out.SendStatus(status); sendErr != nil {
		s.logger.Debug("status not delivered", "error", sendErr)
	}
}
