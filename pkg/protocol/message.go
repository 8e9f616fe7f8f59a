// Package protocol defines the WebSocket message types exchanged between a
// running experiment and the operator console.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Console → session commands
	TypeReady       MessageType = "ready"       // Subject is fixating the marker
	TypeRecalibrate MessageType = "recalibrate" // Calibrate again before the next tick
	TypeStop        MessageType = "stop"        // End the experiment

	// Session → console messages
	TypeState MessageType = "state" // Periodic session snapshot
	TypeEvent MessageType = "event" // Session event (errors, calibration, lifecycle)
	TypeFrame MessageType = "frame" // Preview of the displayed frame
	TypeAck   MessageType = "ack"   // Outcome of a command

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// IsCommand reports whether t is sent by the console to control the session.
func (t MessageType) IsCommand() bool {
	switch t {
	case TypeReady, TypeRecalibrate, TypeStop:
		return true
	}
	return false
}

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Session → Console Message Types
// =============================================================================

// StateData is a snapshot of the running session
type StateData struct {
	SessionID   string `json:"session_id"`
	Calibration string `json:"calibration"` // calibration engine state
	Calibrating bool   `json:"calibrating"`
	Calibrated  bool   `json:"calibrated"`
	PoseStream  string `json:"pose_stream"` // connected, lost, closed

	// Last tick
	Masked  bool    `json:"masked"`
	Stale   bool    `json:"stale"`
	ScreenX float64 `json:"screen_x"` // calibrated gaze, bottom-left origin
	ScreenY float64 `json:"screen_y"`

	// Counters
	Ticks        uint64 `json:"ticks"`
	MaskedFrames uint64 `json:"masked_frames"`
	StaleFrames  uint64 `json:"stale_frames"`
	GazeTimeouts uint64 `json:"gaze_timeouts"`
	Overruns     uint64 `json:"overruns"`
}

// EventData mirrors a session event
type EventData struct {
	Time      int64  `json:"time"` // Unix milliseconds
	Category  string `json:"category"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}

// FrameData contains a preview frame
type FrameData struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Format  string `json:"format"` // "jpeg"
	Data    string `json:"data"`   // base64 encoded
	FrameID uint64 `json:"frame_id,omitempty"`
}

// AckData reports the outcome of a console command
type AckData struct {
	Command  MessageType `json:"command"`
	Accepted bool        `json:"accepted"`
	Reason   string      `json:"reason,omitempty"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
