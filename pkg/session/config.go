package session

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-vrgaze/pkg/calibration"
	"github.com/teslashibe/go-vrgaze/pkg/compositor"
	"github.com/teslashibe/go-vrgaze/pkg/display"
	"github.com/teslashibe/go-vrgaze/pkg/gaze"
	"github.com/teslashibe/go-vrgaze/pkg/hmd"
	"github.com/teslashibe/go-vrgaze/pkg/posestream"
	"github.com/teslashibe/go-vrgaze/pkg/texture"
)

// Config gathers the settings of every session component.
type Config struct {
	HMD         hmd.Config         `yaml:"hmd" json:"hmd"`
	Pose        posestream.Config  `yaml:"pose" json:"pose"`
	Gaze        gaze.Config        `yaml:"gaze" json:"gaze"`
	Calibration calibration.Config `yaml:"calibration" json:"calibration"`
	Texture     texture.Config     `yaml:"texture" json:"texture"`
	Compositor  compositor.Config  `yaml:"compositor" json:"compositor"`
	Display     display.Config     `yaml:"display" json:"display"`

	// TickRate is the frame period.
	TickRate time.Duration `yaml:"tick_rate" json:"tick_rate"`

	// RecordDir receives calibration records. Empty disables persistence.
	RecordDir string `yaml:"record_dir" json:"record_dir"`

	// CalibrationFile preloads a transform from an earlier record so the
	// session can start without calibrating.
	CalibrationFile string `yaml:"calibration_file" json:"calibration_file"`

	// ErrorLogInterval throttles repeated per-tick error events.
	ErrorLogInterval time.Duration `yaml:"error_log_interval" json:"error_log_interval"`
}

// DefaultConfig returns the settings for a 90 Hz headset session.
func DefaultConfig() Config {
	cal := calibration.DefaultConfig()
	tex := texture.DefaultConfig()
	cal.Width, cal.Height, cal.Channels = tex.Width, tex.Height, tex.Channels

	return Config{
		HMD:              hmd.DefaultConfig(),
		Pose:             posestream.DefaultConfig(),
		Gaze:             gaze.DefaultConfig(),
		Calibration:      cal,
		Texture:          tex,
		Compositor:       compositor.DefaultConfig(),
		Display:          display.DefaultConfig(),
		TickRate:         time.Second / 90,
		RecordDir:        "records",
		ErrorLogInterval: 5 * time.Second,
	}
}

// Validate checks every component configuration.
func (c *Config) Validate() error {
	checks := []struct {
		name string
		err  error
	}{
		{"hmd", c.HMD.Validate()},
		{"pose", c.Pose.Validate()},
		{"gaze", c.Gaze.Validate()},
		{"calibration", c.Calibration.Validate()},
		{"texture", c.Texture.Validate()},
		{"compositor", c.Compositor.Validate()},
		{"display", c.Display.Validate()},
	}
	for _, ch := range checks {
		if ch.err != nil {
			return fmt.Errorf("%s: %w", ch.name, ch.err)
		}
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("tick_rate must be positive, got %v", c.TickRate)
	}
	if c.Compositor.GazeTimeout >= c.TickRate {
		return fmt.Errorf("compositor gaze_timeout %v must be shorter than tick_rate %v",
			c.Compositor.GazeTimeout, c.TickRate)
	}
	return nil
}
