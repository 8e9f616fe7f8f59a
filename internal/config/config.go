// Package config loads the experiment configuration for go-vrgaze commands.
//
// Settings come from three layers, later ones winning: built-in defaults, an
// optional YAML file and VRGAZE_* environment variables. Commands apply their
// flags on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-vrgaze/pkg/display"
	"github.com/teslashibe/go-vrgaze/pkg/hmd"
	"github.com/teslashibe/go-vrgaze/pkg/session"
	"github.com/teslashibe/go-vrgaze/pkg/texture"
)

// DefaultWebAddr is the dashboard listen address.
const DefaultWebAddr = ":8181"

// Web configures the operator dashboard and console.
type Web struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// Experiment is the full configuration of one experiment run.
type Experiment struct {
	// LogLevel is "debug", "info", "warn" or "error".
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DryRun swaps every external collaborator for an in-process stand-in.
	DryRun bool `yaml:"dry_run" json:"dry_run"`

	Session session.Config `yaml:"session" json:"session"`
	Web     Web            `yaml:"web" json:"web"`
}

// Default returns the built-in configuration.
func Default() Experiment {
	return Experiment{
		LogLevel: "info",
		Session:  session.DefaultConfig(),
		Web: Web{
			Enabled: true,
			Addr:    DefaultWebAddr,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Experiment, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg)
	return cfg, nil
}

// Env returns the value of the environment variable key.
// Falls back to the provided default if not set.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ApplyEnv overrides cfg from VRGAZE_* environment variables.
func ApplyEnv(cfg *Experiment) {
	s := &cfg.Session
	cfg.LogLevel = Env("VRGAZE_LOG_LEVEL", cfg.LogLevel)
	s.Gaze.Addr = Env("VRGAZE_GAZE_ADDR", s.Gaze.Addr)
	s.Pose.Addr = Env("VRGAZE_POSE_ADDR", s.Pose.Addr)
	s.HMD.BridgeURL = Env("VRGAZE_BRIDGE_URL", s.HMD.BridgeURL)
	s.HMD.Backend = hmd.Backend(Env("VRGAZE_HMD_BACKEND", string(s.HMD.Backend)))
	s.Texture.Backend = texture.Backend(Env("VRGAZE_TEXTURE_BACKEND", string(s.Texture.Backend)))
	s.Texture.Source = Env("VRGAZE_TEXTURE_SOURCE", s.Texture.Source)
	s.Display.Backend = display.Backend(Env("VRGAZE_DISPLAY_BACKEND", string(s.Display.Backend)))
	s.RecordDir = Env("VRGAZE_RECORD_DIR", s.RecordDir)
	s.CalibrationFile = Env("VRGAZE_CALIBRATION_FILE", s.CalibrationFile)
	cfg.Web.Addr = Env("VRGAZE_WEB_ADDR", cfg.Web.Addr)

	if tracker := os.Getenv("VRGAZE_TRACKER"); tracker != "" {
		fields := strings.Fields(tracker)
		s.Gaze.TrackerCommand = fields[0]
		s.Gaze.TrackerArgs = fields[1:]
	}
}

// Validate checks the whole configuration.
func (c *Experiment) Validate() error {
	var errs []error
	if err := c.Session.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	if c.Web.Enabled && c.Web.Addr == "" {
		errs = append(errs, errors.New("web: addr is required when the dashboard is enabled"))
	}
	return errors.Join(errs...)
}

// Save writes cfg as YAML, for `vrgaze -dump-config`.
func Save(path string, cfg Experiment) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
