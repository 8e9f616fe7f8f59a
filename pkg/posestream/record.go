// Package posestream sends the head pose to the rendering engine as fixed
// size binary records over a TCP stream.
//
// A record is seven little-endian float32 values: the rotation quaternion
// (w, x, y, z) followed by the position (x, y, z). There is no header and no
// length prefix; the receiver reads RecordSize bytes at a time. When
// sequencing is enabled a little-endian uint32 counter is appended.
package posestream

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	// RecordSize is the size of a pose record on the wire.
	RecordSize = 7 * 4
	// SequencedRecordSize is the size of a record carrying a sequence number.
	SequencedRecordSize = RecordSize + 4
)

// Encode writes rot and pos into a 28-byte record.
func Encode(rot mgl64.Quat, pos mgl64.Vec3) [RecordSize]byte {
	var buf [RecordSize]byte
	put(buf[:], rot, pos)
	return buf
}

// EncodeSequenced writes rot, pos and seq into a 32-byte record.
func EncodeSequenced(rot mgl64.Quat, pos mgl64.Vec3, seq uint32) [SequencedRecordSize]byte {
	var buf [SequencedRecordSize]byte
	put(buf[:], rot, pos)
	binary.LittleEndian.PutUint32(buf[RecordSize:], seq)
	return buf
}

func put(buf []byte, rot mgl64.Quat, pos mgl64.Vec3) {
	fields := [7]float64{rot.W, rot.V[0], rot.V[1], rot.V[2], pos[0], pos[1], pos[2]}
	for i, v := range fields {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
}

// Decode parses a record produced by Encode. A 32-byte record also yields
// its sequence number.
func Decode(buf []byte) (rot mgl64.Quat, pos mgl64.Vec3, seq uint32, err error) {
	if len(buf) != RecordSize && len(buf) != SequencedRecordSize {
		return rot, pos, 0, fmt.Errorf("posestream: record must be %d or %d bytes, got %d",
			RecordSize, SequencedRecordSize, len(buf))
	}
	var f [7]float64
	for i := range f {
		f[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
	}
	rot = mgl64.Quat{W: f[0], V: mgl64.Vec3{f[1], f[2], f[3]}}
	pos = mgl64.Vec3{f[4], f[5], f[6]}
	if len(buf) == SequencedRecordSize {
		seq = binary.LittleEndian.Uint32(buf[RecordSize:])
	}
	return rot, pos, seq, nil
}
