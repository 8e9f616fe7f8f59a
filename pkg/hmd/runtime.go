package hmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backend names a Runtime implementation.
type Backend string

const (
	// BackendScripted replays a fixed list of poses.
	BackendScripted Backend = "scripted"
	// BackendBridge follows a pose bridge process over a websocket.
	BackendBridge Backend = "bridge"
)

// Config selects and configures the pose runtime.
type Config struct {
	// Backend is "scripted" or "bridge".
	Backend Backend `yaml:"backend" json:"backend"`

	// Device is the tracked-device index of the headset.
	Device int `yaml:"device" json:"device"`

	// BridgeURL is the websocket endpoint of the pose bridge.
	// Example: "ws://127.0.0.1:8765/poses"
	BridgeURL string `yaml:"bridge_url" json:"bridge_url"`

	// ConnectTimeout bounds the bridge handshake and the wait for a first pose.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// StaleAfter marks the runtime lost when the bridge has been silent this long.
	// 0 disables the check.
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`
}

// DefaultConfig returns a bridge configuration on localhost.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendBridge,
		Device:         HMDIndex,
		BridgeURL:      "ws://127.0.0.1:8765/poses",
		ConnectTimeout: 5 * time.Second,
		StaleAfter:     2 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendScripted:
	case BackendBridge:
		if c.BridgeURL == "" {
			return fmt.Errorf("bridge_url is required for the bridge backend")
		}
		if c.ConnectTimeout <= 0 {
			return fmt.Errorf("connect_timeout must be positive, got %v", c.ConnectTimeout)
		}
	default:
		return fmt.Errorf("unsupported hmd backend: %q", c.Backend)
	}
	if c.Device < 0 {
		return fmt.Errorf("device index must be non-negative, got %d", c.Device)
	}
	return nil
}

// NewRuntime creates the runtime named by cfg.Backend. The scripted backend
// starts at the identity pose and loops.
func NewRuntime(ctx context.Context, cfg Config, logger *slog.Logger) (Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid config: %v", ErrRuntimeUnavailable, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("creating hmd runtime", "backend", cfg.Backend, "device", cfg.Device)

	switch cfg.Backend {
	case BackendScripted:
		return NewScriptedRuntime([]PoseMatrix{Identity()}, true), nil
	case BackendBridge:
		return DialBridge(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported backend %q", ErrRuntimeUnavailable, cfg.Backend)
	}
}
