package output

import (
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/mrsingh-rishi/broca/model"
	"github.com/mrsingh-rishi/broca/types"
)

// Conn is the write side of a client websocket.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// ClientWriter serialises writes to one client connection. The transcriber
// and the session supervisor both write through it.
type ClientWriter struct {
	mu     sync.Mutex
	conn   Conn
	closed atomic.Bool
	once   sync.Once
	logger *log.Logger
}

func NewClientWriter(conn Conn, logger *log.Logger) (*ClientWriter, error) {
	if conn == nil {
		return nil, errors.New("client connection is required")
	}
	return &ClientWriter{conn: conn, logger: logger}, nil
}

// Closed reports whether the client has gone away or the writer was closed.
func (w *ClientWriter) Closed() bool {
	return w.closed.Load()
}

// MarkClosed records that the client side is gone without closing the socket.
func (w *ClientWriter) MarkClosed() {
	w.closed.Store(true)
}

// SendTranscripts writes one recognition event as a JSON array.
func (w *ClientWriter) SendTranscripts(results []model.TranscriptResult) error {
	if results == nil {
		results = []model.TranscriptResult{}
	}
	return w.write(results)
}

// SendStatus writes the terminal status object.
func (w *ClientWriter) SendStatus(status types.StatusMessage) error {
	status.Event = "status"
	return w.write(status)
}

func (w *ClientWriter) write(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return nil
	}
	if err := w.conn.WriteJSON(v); err != nil {
		w.closed.Store(true)
		return errors.Wrap(err, "client write")
	}
	return nil
}

// Close closes the connection once. It does not wait for an in-flight write;
// closing the socket unblocks it.
func (w *ClientWriter) Close() error {
	var err error
	w.once.Do(func() {
		w.closed.Store(true)
		err = w.conn.Close()
		if err != nil {
			w.logger.Debug("client close", "error", err)
		}
	})
	return err
}
