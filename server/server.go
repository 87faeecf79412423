package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrsingh-rishi/broca/call"
	"github.com/mrsingh-rishi/broca/journal"
	"github.com/mrsingh-rishi/broca/metrics"
	"github.com/mrsingh-rishi/broca/stt"
)

// Cleaner produces cleaned transcripts and continuations.
type Cleaner interface {
	Clean(ctx context.Context, label, text string) ([]string, error)
	Predict(ctx context.Context, text string) ([]string, error)
}

type Options struct {
	Recognizer stt.Recognizer
	// Cleaner may be nil, in which case /clean and /predict answer 503.
	Cleaner Cleaner
	Journal journal.Journal
	// History backs GET /journal/:username. Nil answers 503.
	History History
	Session call.Config
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
	Metrics  *metrics.Metrics
}

// History reads back journalled cleanups.
type History interface {
	Recent(ctx context.Context, username string, limit int) ([]journal.Entry, error)
}

type Server struct {
	app     *fiber.App
	opts    Options
	logger  *log.Logger
	metrics *metrics.Metrics

	// ctx is the parent of every websocket session; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

func New(opts Options) (*Server, error) {
	if opts.Recognizer == nil {
		return nil, errors.New("recognizer is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.app.Use(recover.New())
	s.app.Use(cors.New())
	s.app.Use(s.logRequests)

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	s.app.Post("/clean", s.handleClean)
	s.app.Post("/predict", s.handlePredict)
	s.app.Get("/journal/:username", s.handleHistory)

	// Middleware to require WebSocket upgrade on /ws
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.handleAudio))
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	s.logger.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

func (s *Server) Listener(ln net.Listener) error {
	s.logger.Info("listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Shutdown ends every open session, telling clients why, waits for the
// sessions to finish, then stops the HTTP server. Sessions still running
// when ctx expires are abandoned and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()

	waited := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(waited)
	}()

	var waitErr error
	select {
	case <-waited:
	case <-ctx.Done():
		waitErr = errors.Wrap(ctx.Err(), "waiting for sessions")
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil && waitErr == nil {
		return errors.Wrap(err, "http shutdown")
	}
	return waitErr
}

// handleAudio blocks until the session ends; the connection is recycled
// when it returns.
func (s *Server) handleAudio(conn *websocket.Conn) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	session, err := call.NewSession(conn, s.opts.Recognizer, s.opts.Session, s.logger, s.metrics)
	if err != nil {
		s.logger.Error("session setup", "error", err)
		_ = conn.Close()
		return
	}
	_ = session.Run(s.ctx)
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	if c.Path() == "/ws" {
		return err
	}
	s.logger.Debug("http", "method", c.Method(), "path", c.Path(), "status", c.Response().StatusCode(), "took", time.Since(start))
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
