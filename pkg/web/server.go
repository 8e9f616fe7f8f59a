// Package web provides the operator dashboard for a running experiment:
// session status and events over HTTP and websockets, plus buttons that
// request recalibration or stop the run.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-vrgaze/pkg/hub"
	"github.com/teslashibe/go-vrgaze/pkg/input"
	"github.com/teslashibe/go-vrgaze/pkg/session"
)

// maxEvents is how many events the dashboard keeps for late joiners.
const maxEvents = 500

// ErrNoSession is returned by handlers before a session is attached.
var ErrNoSession = errors.New("web: no session attached")

// Controller is the part of a session the dashboard drives.
type Controller interface {
	Status() session.Status
	Recalibrate() bool
	Stop()
}

// Config holds dashboard settings.
type Config struct {
	Addr string `yaml:"addr" json:"addr"`

	// StatusInterval is how often the status websocket is refreshed.
	StatusInterval time.Duration `yaml:"status_interval" json:"status_interval"`

	// StaticDir serves dashboard assets at / when set.
	StaticDir string `yaml:"static_dir" json:"static_dir"`
}

// DefaultConfig returns a dashboard on :8181 refreshing five times a second.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8181",
		StatusInterval: 200 * time.Millisecond,
	}
}

// Server is the web dashboard server
type Server struct {
	cfg    Config
	app    *fiber.App
	logger *slog.Logger

	ctrlMu sync.RWMutex
	ctrl   Controller
	ready  *input.ChanReady

	// Event buffer (last maxEvents entries)
	events   []session.Event
	eventsMu sync.RWMutex

	// Hubs for websocket broadcast
	statusHub  *hub.Hub
	eventHub   *hub.Hub
	previewHub *hub.Hub
}

// NewServer creates the dashboard. ready may be nil, in which case the
// dashboard cannot confirm fixation.
func NewServer(cfg Config, ready *input.ChanReady, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultConfig().StatusInterval
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger.With("component", "web"),
		ready:      ready,
		events:     make([]session.Event, 0, maxEvents),
		statusHub:  hub.New("status", logger),
		eventHub:   hub.New("events", logger),
		previewHub: hub.New("preview", logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "vrgaze dashboard",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	// CORS for a dashboard served from another origin
	app.Use(cors.New())

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	app.Get("/health", s.handleHealth)

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/events", s.handleGetEvents)
	api.Post("/recalibrate", s.handleRecalibrate)
	api.Post("/stop", s.handleStop)
	api.Post("/ready", s.handleReady)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/status", websocket.New(s.handleStatusWS))
	app.Get("/ws/events", websocket.New(s.handleEventsWS))
	app.Get("/ws/preview", websocket.New(s.handlePreviewWS))

	s.app = app
	return s
}

// App returns the underlying fiber app so other packages can add routes.
func (s *Server) App() *fiber.App {
	return s.app
}

// Attach connects the dashboard to a session.
func (s *Server) Attach(ctrl Controller) {
	s.ctrlMu.Lock()
	s.ctrl = ctrl
	s.ctrlMu.Unlock()
}

func (s *Server) controller() Controller {
	s.ctrlMu.RLock()
	defer s.ctrlMu.RUnlock()
	return s.ctrl
}

// Run serves the dashboard until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("web dashboard listening", "addr", s.cfg.Addr)

	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.statusHub.Run(hubCtx)
	go s.eventHub.Run(hubCtx)
	go s.previewHub.Run(hubCtx)
	go s.pushStatus(hubCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(s.cfg.Addr) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("web: listen %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	return nil
}

// pushStatus broadcasts the session status while anyone is watching.
func (s *Server) pushStatus(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ctrl := s.controller()
			if ctrl == nil || s.statusHub.ClientCount() == 0 {
				continue
			}
			if err := s.statusHub.BroadcastJSON(ctrl.Status()); err != nil {
				s.logger.Warn("encode status", "error", err)
			}
		}
	}
}

// Event records a session event and broadcasts it. It implements
// session.Sink.
func (s *Server) Event(e session.Event) {
	s.eventsMu.Lock()
	s.events = append(s.events, e)
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
	s.eventsMu.Unlock()

	if err := s.eventHub.BroadcastJSON(e); err != nil {
		s.logger.Warn("encode event", "error", err)
	}
}

// Events returns the buffered events, oldest first.
func (s *Server) Events() []session.Event {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	return append([]session.Event(nil), s.events...)
}

// SendPreview broadcasts a JPEG preview of the displayed frame.
func (s *Server) SendPreview(jpeg []byte) {
	if s.previewHub.ClientCount() == 0 {
		return
	}
	s.previewHub.BroadcastBinary(jpeg)
}

// PreviewWanted reports whether anyone is watching the preview.
func (s *Server) PreviewWanted() bool {
	return s.previewHub.ClientCount() > 0
}
