//go:build !linux && !darwin

package texture

import (
	"log/slog"

	"github.com/teslashibe/go-vrgaze/pkg/frame"
)

// ShmReceiver is unavailable on this platform.
type ShmReceiver struct{}

// OpenShm returns ErrUnsupported.
func OpenShm(Config, *slog.Logger) (*ShmReceiver, error) {
	return nil, ErrUnsupported
}

func (*ShmReceiver) Receive(*frame.Frame) error { return ErrUnsupported }
func (*ShmReceiver) Close() error               { return nil }

// ShmSender is unavailable on this platform.
type ShmSender struct{}

// CreateShm returns ErrUnsupported.
func CreateShm(Config, bool) (*ShmSender, error) {
	return nil, ErrUnsupported
}

func (*ShmSender) Send(*frame.Frame) (uint64, error) { return 0, ErrUnsupported }
func (*ShmSender) Path() string                      { return "" }
func (*ShmSender) Close() error                      { return nil }
