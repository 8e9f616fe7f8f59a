package control

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-vrgaze/pkg/input"
	"github.com/teslashibe/go-vrgaze/pkg/protocol"
	"github.com/teslashibe/go-vrgaze/pkg/session"
)

type fakeController struct {
	recal   atomic.Int32
	stopped atomic.Bool
}

func (f *fakeController) Status() session.Status {
	return session.Status{SessionID: "s-1", Calibration: "ready", Calibrated: true}
}

func (f *fakeController) Recalibrate() bool {
	return f.recal.Add(1) == 1
}

func (f *fakeController) Stop() { f.stopped.Store(true) }

func startServer(t *testing.T, s *Server, port string) {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	s.RegisterRoutes(app)
	s.RegisterAPIRoutes(app.Group("/api"))

	go app.Listen("127.0.0.1:" + port)
	t.Cleanup(func() { app.Shutdown() })
	time.Sleep(100 * time.Millisecond)
}

func dial(t *testing.T, port, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:"+port+path, nil)
	if err != nil {
		t.Fatalf("WebSocket dial error: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, typ protocol.MessageType) {
	t.Helper()
	msg, _ := protocol.NewCommandMessage(typ)
	data, _ := msg.Bytes()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

// next reads messages until one of type want arrives.
func next(t *testing.T, ws *websocket.Conn, want protocol.MessageType) *protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func TestNewServer(t *testing.T) {
	s := NewServer(nil, nil)
	if s.ConsoleCount() != 0 {
		t.Error("ConsoleCount should be 0 initially")
	}
	st := s.GetStats()
	if st.MessagesReceived != 0 || st.MessagesSent != 0 || st.Commands != 0 {
		t.Errorf("stats = %+v", st)
	}
	if len(s.ConsoleInfos()) != 0 {
		t.Error("ConsoleInfos should be empty")
	}
	if err := s.Send("nobody", &protocol.Message{Type: protocol.TypePing}); err != ErrNotConnected {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
	// No consoles: must not panic.
	s.Event(session.Event{Message: "x"})
}

func TestConsoleLifecycle(t *testing.T) {
	s := NewServer(nil, nil)
	s.Attach(&fakeController{})
	startServer(t, s, "18281")

	ws := dial(t, "18281", "/ws/control/desk-1")

	// The current state is sent on connect.
	st, err := next(t, ws, protocol.TypeState).GetStateData()
	if err != nil {
		t.Fatal(err)
	}
	if st.SessionID != "s-1" || !st.Calibrated {
		t.Errorf("state = %+v", st)
	}
	if s.ConsoleCount() != 1 || s.ConsoleInfos()[0].ID != "desk-1" {
		t.Errorf("consoles = %+v", s.ConsoleInfos())
	}

	ws.Close()
	time.Sleep(100 * time.Millisecond)
	if s.ConsoleCount() != 0 {
		t.Errorf("ConsoleCount = %d, want 0 after disconnect", s.ConsoleCount())
	}
}

func TestCommands(t *testing.T) {
	ready := input.NewChanReady()
	ctrl := &fakeController{}
	s := NewServer(ready, nil)
	s.Attach(ctrl)
	startServer(t, s, "18282")
	ws := dial(t, "18282", "/ws/control")

	send(t, ws, protocol.TypeRecalibrate)
	ack, _ := next(t, ws, protocol.TypeAck).GetAckData()
	if ack.Command != protocol.TypeRecalibrate || !ack.Accepted {
		t.Errorf("ack = %+v", ack)
	}

	send(t, ws, protocol.TypeRecalibrate)
	ack, _ = next(t, ws, protocol.TypeAck).GetAckData()
	if ack.Accepted {
		t.Error("duplicate recalibrate should be rejected")
	}

	// Nobody waiting: ready is refused.
	send(t, ws, protocol.TypeReady)
	ack, _ = next(t, ws, protocol.TypeAck).GetAckData()
	if ack.Accepted {
		t.Error("ready with no marker shown should be rejected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ready.WaitReady(ctx) }()
	for !ready.Waiting() {
		time.Sleep(time.Millisecond)
	}
	send(t, ws, protocol.TypeReady)
	ack, _ = next(t, ws, protocol.TypeAck).GetAckData()
	if !ack.Accepted {
		t.Errorf("ready ack = %+v", ack)
	}
	if err := <-done; err != nil {
		t.Errorf("WaitReady = %v", err)
	}

	send(t, ws, protocol.TypeStop)
	next(t, ws, protocol.TypeAck)
	if !ctrl.stopped.Load() {
		t.Error("stop not forwarded")
	}
	if got := s.GetStats().Commands; got != 5 {
		t.Errorf("commands = %d, want 5", got)
	}
}

func TestPingPong(t *testing.T) {
	s := NewServer(nil, nil)
	startServer(t, s, "18283")
	ws := dial(t, "18283", "/ws/control/ping-test")

	msg, _ := protocol.NewPingMessage("p1", time.Now().UnixMilli())
	data, _ := msg.Bytes()
	ws.WriteMessage(websocket.TextMessage, data)

	pong, err := next(t, ws, protocol.TypePong).GetPongData()
	if err != nil {
		t.Fatal(err)
	}
	if pong.ID != "p1" || pong.LatencyMs < 0 {
		t.Errorf("pong = %+v", pong)
	}
}

func TestEventsReachConsoles(t *testing.T) {
	s := NewServer(nil, nil)
	startServer(t, s, "18284")
	ws := dial(t, "18284", "/ws/control")
	for s.ConsoleCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	s.Event(session.Event{
		Time:      time.Now(),
		Category:  session.CategoryTransient,
		Component: "gaze",
		Message:   "gaze channel closed",
		Err:       io.EOF,
	})
	ev, err := next(t, ws, protocol.TypeEvent).GetEventData()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Component != "gaze" || ev.Error != "EOF" || ev.Category != "transient" {
		t.Errorf("event = %+v", ev)
	}
}

func TestStatePush(t *testing.T) {
	s := NewServer(nil, nil)
	s.Attach(&fakeController{})
	startServer(t, s, "18285")
	ws := dial(t, "18285", "/ws/control")
	next(t, ws, protocol.TypeState) // on connect

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, 20*time.Millisecond)

	next(t, ws, protocol.TypeState)
}

func TestAPIRoutes(t *testing.T) {
	s := NewServer(nil, nil)
	app := fiber.New()
	s.RegisterRoutes(app)
	s.RegisterAPIRoutes(app.Group("/api"))

	resp, err := app.Test(httptest.NewRequest("GET", "/api/consoles/", nil))
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "consoles") {
		t.Error("Response should contain 'consoles' field")
	}

	resp, _ = app.Test(httptest.NewRequest("GET", "/ws/control", nil))
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("plain GET = %d, want 426", resp.StatusCode)
	}
}
