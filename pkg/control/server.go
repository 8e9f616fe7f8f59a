// Package control serves the operator console: a websocket over which an
// operator confirms fixation during calibration, requests recalibration or
// stops the experiment, and receives session state and events.
package control

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-vrgaze/pkg/input"
	"github.com/teslashibe/go-vrgaze/pkg/protocol"
	"github.com/teslashibe/go-vrgaze/pkg/session"
)

// outboxSize is how many messages may queue for one console.
const outboxSize = 64

// ErrNotConnected is returned when sending to an unknown console.
var ErrNotConnected = errors.New("control: console not connected")

// Controller is the part of a session the console drives.
type Controller interface {
	Status() session.Status
	Recalibrate() bool
	Stop()
}

// Console is one connected operator console.
type Console struct {
	ID        string
	Connected time.Time

	conn     *websocket.Conn
	out      chan []byte
	lastSeen atomic.Int64
	dropped  atomic.Uint64
}

// LastSeen returns when the console last sent a message.
func (c *Console) LastSeen() time.Time {
	return time.UnixMilli(c.lastSeen.Load())
}

// enqueue queues data without blocking. It reports false when the outbox
// is full.
func (c *Console) enqueue(data []byte) bool {
	select {
	case c.out <- data:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// writeLoop is the only writer to the connection.
func (c *Console) writeLoop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// Server accepts console connections.
type Server struct {
	logger *slog.Logger
	ready  *input.ChanReady

	ctrlMu sync.RWMutex
	ctrl   Controller

	mu       sync.RWMutex
	consoles map[string]*Console

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	commands         atomic.Uint64
}

// NewServer creates a console server. ready receives "ready" commands and
// may be nil.
func NewServer(ready *input.ChanReady, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger.With("component", "control"),
		ready:    ready,
		consoles: make(map[string]*Console),
	}
}

// Attach connects the console server to a session.
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

// RegisterRoutes registers the console websocket on a Fiber app
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Use("/ws/control", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/control", websocket.New(s.handleConsole))
	app.Get("/ws/control/:id", websocket.New(s.handleConsole))
}

// RegisterAPIRoutes registers console management routes
func (s *Server) RegisterAPIRoutes(api fiber.Router) {
	consoles := api.Group("/consoles")

	consoles.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"consoles": s.ConsoleInfos(),
			"count":    s.ConsoleCount(),
		})
	})

	consoles.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.GetStats())
	})
}

// handleConsole serves one console connection
func (s *Server) handleConsole(c *websocket.Conn) {
	id := c.Params("id")
	if id == "" {
		id = uuid.NewString()
	}

	console := &Console{
		ID:        id,
		Connected: time.Now(),
		conn:      c,
		out:       make(chan []byte, outboxSize),
	}
	console.lastSeen.Store(time.Now().UnixMilli())

	s.mu.Lock()
	if old, ok := s.consoles[id]; ok {
		old.conn.Close()
	}
	s.consoles[id] = console
	count := len(s.consoles)
	s.mu.Unlock()
	s.logger.Info("console connected", "console", id, "consoles", count)

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		console.writeLoop(done)
		close(writerDone)
	}()

	defer func() {
		close(done)
		<-writerDone
		s.mu.Lock()
		if s.consoles[id] == console {
			delete(s.consoles, id)
		}
		count := len(s.consoles)
		s.mu.Unlock()
		s.logger.Info("console disconnected", "console", id, "consoles", count)
	}()

	if ctrl := s.controller(); ctrl != nil {
		s.sendTo(console, stateMessage(ctrl.Status()))
	}

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			s.logger.Debug("console read ended", "console", id, "error", err)
			return
		}
		console.lastSeen.Store(time.Now().UnixMilli())
		s.messagesReceived.Add(1)
		s.handleMessage(console, data)
	}
}

// handleMessage processes one message from a console
func (s *Server) handleMessage(console *Console, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.logger.Warn("bad console message", "console", console.ID, "error", err)
		return
	}

	if msg.Type == protocol.TypePing {
		var ping protocol.PingData
		msg.ParseData(&ping)
		pingTS := ping.Timestamp
		if pingTS == 0 {
			pingTS = msg.Timestamp
		}
		pong, err := protocol.NewPongMessage(ping.ID, pingTS, time.Now().UnixMilli())
		if err == nil {
			s.sendTo(console, pong)
		}
		return
	}

	if !msg.Type.IsCommand() {
		s.logger.Debug("ignoring console message", "console", console.ID, "type", msg.Type)
		return
	}

	s.commands.Add(1)
	accepted, reason := s.execute(msg.Type)
	s.logger.Info("console command", "console", console.ID, "command", msg.Type, "accepted", accepted)
	if ack, err := protocol.NewAckMessage(msg.Type, accepted, reason); err == nil {
		s.sendTo(console, ack)
	}
}

func (s *Server) execute(cmd protocol.MessageType) (bool, string) {
	if cmd == protocol.TypeReady {
		if s.ready == nil {
			return false, "remote ready is disabled"
		}
		if !s.ready.Signal() {
			return false, "no marker is waiting for confirmation"
		}
		return true, ""
	}

	ctrl := s.controller()
	if ctrl == nil {
		return false, "no session"
	}
	switch cmd {
	case protocol.TypeRecalibrate:
		if !ctrl.Recalibrate() {
			return false, "recalibration already pending"
		}
	case protocol.TypeStop:
		ctrl.Stop()
	}
	return true, ""
}

func (s *Server) sendTo(console *Console, msg *protocol.Message) {
	if msg == nil {
		return
	}
	data, err := msg.Bytes()
	if err != nil {
		return
	}
	if console.enqueue(data) {
		s.messagesSent.Add(1)
	}
}

// Send queues msg for one console.
func (s *Server) Send(consoleID string, msg *protocol.Message) error {
	s.mu.RLock()
	console, ok := s.consoles[consoleID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	s.sendTo(console, msg)
	return nil
}

// Broadcast queues msg for every console. It never blocks.
func (s *Server) Broadcast(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.consoles {
		if c.enqueue(data) {
			s.messagesSent.Add(1)
		}
	}
}

// Event forwards a session event to every console. It implements
// session.Sink.
func (s *Server) Event(e session.Event) {
	if s.ConsoleCount() == 0 {
		return
	}
	ev := protocol.EventData{
		Time:      e.Time.UnixMilli(),
		Category:  string(e.Category),
		Component: e.Component,
		Message:   e.Message,
	}
	if e.Err != nil {
		ev.Error = e.Err.Error()
	}
	if msg, err := protocol.NewEventMessage(ev); err == nil {
		s.Broadcast(msg)
	}
}

// Run pushes the session state to consoles every interval until ctx ends.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ctrl := s.controller()
			if ctrl == nil || s.ConsoleCount() == 0 {
				continue
			}
			s.Broadcast(stateMessage(ctrl.Status()))
		}
	}
}

func stateMessage(st session.Status) *protocol.Message {
	msg, err := protocol.NewStateMessage(protocol.StateData{
		SessionID:    st.SessionID,
		Calibration:  st.Calibration,
		Calibrating:  st.Calibrating,
		Calibrated:   st.Calibrated,
		PoseStream:   st.PoseStream,
		Masked:       st.Frame.Masked,
		Stale:        st.Frame.Stale,
		ScreenX:      st.Frame.ScreenX,
		ScreenY:      st.Frame.ScreenY,
		Ticks:        st.Stats.Ticks,
		MaskedFrames: st.Stats.Masked,
		StaleFrames:  st.Stats.Stale,
		GazeTimeouts: st.Stats.GazeTimeouts,
		Overruns:     st.Stats.Overruns,
	})
	if err != nil {
		return nil
	}
	return msg
}

// ConsoleCount returns the number of connected consoles
func (s *Server) ConsoleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.consoles)
}

// Stats contains console server statistics
type Stats struct {
	ConsoleCount     int    `json:"console_count"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	Commands         uint64 `json:"commands"`
}

// GetStats returns console server statistics
func (s *Server) GetStats() Stats {
	return Stats{
		ConsoleCount:     s.ConsoleCount(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		Commands:         s.commands.Load(),
	}
}

// ConsoleInfo describes a connected console
type ConsoleInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
	Dropped   uint64    `json:"dropped"`
}

// ConsoleInfos returns info about all connected consoles
func (s *Server) ConsoleInfos() []ConsoleInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ConsoleInfo, 0, len(s.consoles))
	for _, c := range s.consoles {
		infos = append(infos, ConsoleInfo{
			ID:        c.ID,
			Connected: c.Connected,
			LastSeen:  c.LastSeen(),
			Dropped:   c.dropped.Load(),
		})
	}
	return infos
}
