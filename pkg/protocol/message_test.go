package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    any
		wantErr bool
	}{
		{
			name:    "state message",
			msgType: TypeState,
			data:    StateData{SessionID: "abc", Calibrated: true, Ticks: 10},
		},
		{
			name:    "event message",
			msgType: TypeEvent,
			data:    EventData{Category: "transient", Component: "gaze", Message: "timeout"},
		},
		{
			name:    "nil data",
			msgType: TypeRecalibrate,
			data:    nil,
		},
		{
			name:    "unencodable data",
			msgType: TypeState,
			data:    make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if msg.Type != tt.msgType {
				t.Errorf("NewMessage() type = %v, want %v", msg.Type, tt.msgType)
			}
			if msg.Timestamp == 0 {
				t.Error("NewMessage() timestamp should be set")
			}
			if tt.data == nil && msg.Data != nil {
				t.Errorf("nil data encoded as %s", msg.Data)
			}
		})
	}
}

func TestStateRoundTrip(t *testing.T) {
	want := StateData{
		SessionID:    "6f1c",
		Calibration:  "ready",
		Calibrated:   true,
		PoseStream:   "connected",
		Masked:       true,
		ScreenX:      0.25,
		ScreenY:      0.75,
		Ticks:        900,
		MaskedFrames: 850,
		GazeTimeouts: 50,
	}
	msg, err := NewStateMessage(want)
	if err != nil {
		t.Fatal(err)
	}
	data, err := msg.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if parsed.Type != TypeState {
		t.Errorf("Type = %v", parsed.Type)
	}
	got, err := parsed.GetStateData()
	if err != nil {
		t.Fatal(err)
	}
	if *got != want {
		t.Errorf("state = %+v, want %+v", *got, want)
	}
}

func TestFrameMessage(t *testing.T) {
	jpegData := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}

	msg, err := NewFrameMessage(640, 480, jpegData, 7)
	if err != nil {
		t.Fatalf("NewFrameMessage() error = %v", err)
	}
	frame, err := msg.GetFrameData()
	if err != nil {
		t.Fatal(err)
	}
	if frame.Format != "jpeg" || frame.FrameID != 7 {
		t.Errorf("frame = %+v", frame)
	}
	decoded, err := frame.DecodeFrameData()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, jpegData) {
		t.Errorf("decoded = %x, want %x", decoded, jpegData)
	}
}

func TestAckMessage(t *testing.T) {
	msg, err := NewAckMessage(TypeReady, false, "no marker shown")
	if err != nil {
		t.Fatal(err)
	}
	ack, err := msg.GetAckData()
	if err != nil {
		t.Fatal(err)
	}
	if ack.Command != TypeReady || ack.Accepted || ack.Reason != "no marker shown" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestPingPong(t *testing.T) {
	ping, err := NewPingMessage("p1", 1000)
	if err != nil {
		t.Fatal(err)
	}
	pd, err := ping.GetPingData()
	if err != nil {
		t.Fatal(err)
	}
	if pd.ID != "p1" || pd.Timestamp != 1000 {
		t.Errorf("ping = %+v", pd)
	}

	pong, err := NewPongMessage("p1", 1000, 1012)
	if err != nil {
		t.Fatal(err)
	}
	po, err := pong.GetPongData()
	if err != nil {
		t.Fatal(err)
	}
	if po.LatencyMs != 12 {
		t.Errorf("latency = %d, want 12", po.LatencyMs)
	}
}

func TestParseMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "hello"},
		{"missing type", `{"ts":1}`},
		{"truncated", `{"type":"ready"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMessage([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseCommandFromConsole(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"recalibrate"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Type.IsCommand() {
		t.Error("recalibrate should be a command")
	}
	// Commands carry no data; parsing into a struct is a no-op.
	var v struct{ X int }
	if err := msg.ParseData(&v); err != nil {
		t.Errorf("ParseData on empty data: %v", err)
	}
}

func TestIsCommand(t *testing.T) {
	for _, typ := range []MessageType{TypeReady, TypeRecalibrate, TypeStop} {
		if !typ.IsCommand() {
			t.Errorf("%s should be a command", typ)
		}
	}
	for _, typ := range []MessageType{TypeState, TypeEvent, TypePing, TypePong, TypeAck, TypeFrame} {
		if typ.IsCommand() {
			t.Errorf("%s should not be a command", typ)
		}
	}
}

func TestEventJSONFieldNames(t *testing.T) {
	msg, _ := NewEventMessage(EventData{Time: 5, Category: "init", Component: "gaze", Message: "m", Error: "boom"})
	var raw map[string]any
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"time", "category", "component", "message", "error"} {
		if _, ok := raw[k]; !ok {
			t.Errorf("missing field %q in %s", k, msg.Data)
		}
	}
}
