package gaze

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// RecordSize is the size of one gaze record on the wire: x then y as
// little-endian float32.
const RecordSize = 8

// Sample is one raw gaze position in the tracker's native range.
type Sample struct {
	X  float32   `json:"x"`
	Y  float32   `json:"y"`
	At time.Time `json:"at"`
}

// Finite reports whether both coordinates are finite numbers.
func (s Sample) Finite() bool {
	x, y := float64(s.X), float64(s.Y)
	return !math.IsNaN(x) && !math.IsInf(x, 0) && !math.IsNaN(y) && !math.IsInf(y, 0)
}

// DecodeSample parses one 8-byte record.
func DecodeSample(buf []byte) (Sample, error) {
	if len(buf) != RecordSize {
		return Sample{}, fmt.Errorf("gaze: record must be %d bytes, got %d", RecordSize, len(buf))
	}
	return Sample{
		X: math.Float32frombits(binary.LittleEndian.Uint32(buf[0:4])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

// EncodeSample is the inverse of DecodeSample. Trackers and test fixtures
// use it to produce records.
func EncodeSample(x, y float32) [RecordSize]byte {
	var buf [RecordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(x))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(y))
	return buf
}

// Kind classifies the outcome of a timed read.
type Kind int

const (
	// Data means a complete sample was read.
	Data Kind = iota
	// Timeout means no complete sample arrived in time; the connection is intact.
	Timeout
	// Closed means the connection is gone and no more samples will arrive.
	Closed
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "data"
	case Timeout:
		return "timeout"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of Channel.Read.
type Result struct {
	Kind   Kind
	Sample Sample
	Err    error
}
