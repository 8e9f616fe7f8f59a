package web

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-vrgaze/pkg/hub"
)

// handleHealth reports liveness and whether a session is attached
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"session": s.controller() != nil,
	})
}

// handleStatus returns the session's current status
func (s *Server) handleStatus(c *fiber.Ctx) error {
	ctrl := s.controller()
	if ctrl == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": ErrNoSession.Error()})
	}
	return c.JSON(ctrl.Status())
}

// handleGetEvents returns recent session events
func (s *Server) handleGetEvents(c *fiber.Ctx) error {
	return c.JSON(s.Events())
}

// handleRecalibrate queues a recalibration
func (s *Server) handleRecalibrate(c *fiber.Ctx) error {
	ctrl := s.controller()
	if ctrl == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": ErrNoSession.Error()})
	}
	if !ctrl.Recalibrate() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "recalibration already pending"})
	}
	s.logger.Info("recalibration requested from dashboard")
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued"})
}

// handleStop asks the session to end
func (s *Server) handleStop(c *fiber.Ctx) error {
	ctrl := s.controller()
	if ctrl == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": ErrNoSession.Error()})
	}
	ctrl.Stop()
	s.logger.Info("stop requested from dashboard")
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "stopping"})
}

// handleReady confirms fixation on the current calibration marker
func (s *Server) handleReady(c *fiber.Ctx) error {
	if s.ready == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "remote ready is disabled"})
	}
	if !s.ready.Signal() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no marker is waiting for confirmation"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// handleStatusWS streams status snapshots, starting with the current one
func (s *Server) handleStatusWS(c *websocket.Conn) {
	client := hub.NewClient(s.statusHub, c)
	if ctrl := s.controller(); ctrl != nil {
		if data, err := json.Marshal(ctrl.Status()); err == nil {
			client.Send(hub.NewJSONMessage(data))
		}
	}
	client.Run()
}

// handleEventsWS streams events, starting with the buffered backlog
func (s *Server) handleEventsWS(c *websocket.Conn) {
	client := hub.NewClient(s.eventHub, c)
	backlog := s.Events()
	if len(backlog) > hub.SendBuffer/2 {
		backlog = backlog[len(backlog)-hub.SendBuffer/2:]
	}
	for _, e := range backlog {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if !client.Send(hub.NewJSONMessage(data)) {
			break
		}
	}
	client.Run()
}

// handlePreviewWS streams JPEG previews of the displayed frame
func (s *Server) handlePreviewWS(c *websocket.Conn) {
	hub.NewClient(s.previewHub, c).Run()
}
