//go:build linux || darwin

package texture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/teslashibe/go-vrgaze/pkg/frame"
)

// Segment layout:
//
//	0  magic "GTEX"
//	4  width    uint32 LE
//	8  height   uint32 LE
//	12 channels uint32 LE
//	16 sequence uint64, native order, odd while a write is in progress
//	24 pixels, row-major, row 0 at the top
const (
	headerSize = 24
	seqOffset  = 16
	magic      = "GTEX"

	// readAttempts bounds retries when a read races a write.
	readAttempts = 4
)

func segmentPath(cfg Config) string {
	return filepath.Join(cfg.Dir, cfg.Name)
}

func seqPtr(mem []byte) *uint64 {
	return (*uint64)(unsafe.Pointer(&mem[seqOffset]))
}

// ShmReceiver reads frames from a shared-memory segment. The segment is
// mapped lazily so the receiver can be created before the renderer starts.
type ShmReceiver struct {
	path     string
	width    int
	height   int
	channels int
	logger   *slog.Logger

	mem     []byte
	lastSeq uint64
	closed  bool
}

// OpenShm creates a receiver for the configured segment.
func OpenShm(cfg Config, logger *slog.Logger) (*ShmReceiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ShmReceiver{
		path:     segmentPath(cfg),
		width:    cfg.Width,
		height:   cfg.Height,
		channels: cfg.Channels,
		logger:   logger.With("component", "texture", "segment", segmentPath(cfg)),
	}
	if err := r.attach(); err != nil && !errors.Is(err, ErrNoSender) {
		return nil, err
	}
	return r, nil
}

func (r *ShmReceiver) attach() error {
	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoSender
		}
		return fmt.Errorf("texture: open segment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("texture: stat segment: %w", err)
	}
	if info.Size() < headerSize {
		return ErrNoSender
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("texture: map segment: %w", err)
	}
	// The sender writes the magic last; until then the segment is not ready.
	if string(mem[:4]) != magic {
		unix.Munmap(mem)
		return ErrNoSender
	}
	r.mem = mem
	r.logger.Info("attached to texture segment",
		"width", binary.LittleEndian.Uint32(mem[4:8]),
		"height", binary.LittleEndian.Uint32(mem[8:12]),
	)
	return nil
}

// Receive copies the latest published frame into dst.
func (r *ShmReceiver) Receive(dst *frame.Frame) error {
	if r.closed {
		return ErrClosed
	}
	if r.mem == nil {
		if err := r.attach(); err != nil {
			return err
		}
	}
	if dst.Width != r.width || dst.Height != r.height || dst.Channels != r.channels {
		return fmt.Errorf("%w: destination %dx%dx%d, channel %dx%dx%d", ErrSizeMismatch,
			dst.Width, dst.Height, dst.Channels, r.width, r.height, r.channels)
	}

	w := int(binary.LittleEndian.Uint32(r.mem[4:8]))
	h := int(binary.LittleEndian.Uint32(r.mem[8:12]))
	c := int(binary.LittleEndian.Uint32(r.mem[12:16]))
	if w != r.width || h != r.height || c != r.channels {
		return fmt.Errorf("%w: sender publishes %dx%dx%d, want %dx%dx%d", ErrSizeMismatch,
			w, h, c, r.width, r.height, r.channels)
	}
	n := w * h * c
	if headerSize+n > len(r.mem) {
		return fmt.Errorf("%w: segment truncated", ErrSizeMismatch)
	}

	seq := seqPtr(r.mem)
	for attempt := 0; attempt < readAttempts; attempt++ {
		before := atomic.LoadUint64(seq)
		if before&1 == 1 {
			continue
		}
		if before == r.lastSeq {
			return ErrNoNewFrame
		}
		copy(dst.Pix[:n], r.mem[headerSize:headerSize+n])
		if atomic.LoadUint64(seq) == before {
			r.lastSeq = before
			return nil
		}
	}
	return ErrNoNewFrame
}

// Close unmaps the segment.
func (r *ShmReceiver) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	if err != nil {
		return fmt.Errorf("texture: unmap segment: %w", err)
	}
	return nil
}

// ShmSender publishes frames to a shared-memory segment. The renderer
// simulator and tests use it; the real renderer writes the same layout.
type ShmSender struct {
	path   string
	width  int
	height int
	chans  int
	mem    []byte
	remove bool
}

// CreateShm creates (or truncates) the configured segment for writing. When
// remove is set the file is deleted on Close.
func CreateShm(cfg Config, remove bool) (*ShmSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("texture: invalid config: %w", err)
	}
	path := segmentPath(cfg)
	size := headerSize + cfg.Width*cfg.Height*cfg.Channels

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("texture: create segment: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("texture: size segment: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("texture: map segment: %w", err)
	}

	binary.LittleEndian.PutUint32(mem[4:8], uint32(cfg.Width))
	binary.LittleEndian.PutUint32(mem[8:12], uint32(cfg.Height))
	binary.LittleEndian.PutUint32(mem[12:16], uint32(cfg.Channels))
	atomic.StoreUint64(seqPtr(mem), 0)
	copy(mem[:4], magic)

	return &ShmSender{
		path:   path,
		width:  cfg.Width,
		height: cfg.Height,
		chans:  cfg.Channels,
		mem:    mem,
		remove: remove,
	}, nil
}

// Send publishes f and returns the new sequence number.
func (s *ShmSender) Send(f *frame.Frame) (uint64, error) {
	if s.mem == nil {
		return 0, ErrClosed
	}
	if f.Width != s.width || f.Height != s.height || f.Channels != s.chans {
		return 0, ErrSizeMismatch
	}
	seq := seqPtr(s.mem)
	atomic.AddUint64(seq, 1)
	copy(s.mem[headerSize:], f.Pix)
	return atomic.AddUint64(seq, 1), nil
}

// Path returns the segment file path.
func (s *ShmSender) Path() string {
	return s.path
}

// Close unmaps the segment and removes it if requested.
func (s *ShmSender) Close() error {
	if s.mem == nil {
		return nil
	}
	var errs []error
	if err := unix.Munmap(s.mem); err != nil {
		errs = append(errs, fmt.Errorf("texture: unmap segment: %w", err))
	}
	s.mem = nil
	if s.remove {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("texture: remove segment: %w", err))
		}
	}
	return errors.Join(errs...)
}
