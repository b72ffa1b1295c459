// Package config loads the loadswitch YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/nvr-ai/loadswitch/controller"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Argument styles understood by the launcher.
const (
	// StylePositional passes weights and source as the first two positional arguments.
	StylePositional = "positional"
	// StyleFlags passes weights, source and output location as named flags.
	StyleFlags = "flags"
)

// Restart policies for a child that exits on its own in watch mode.
const (
	RestartNever     = "never"
	RestartOnFailure = "on-failure"
	RestartAlways    = "always"
)

// DefaultConfidence is the confidence threshold passed to flags-style
// detectors that do not set one.
const DefaultConfidence = 0.25

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete loadswitch configuration.
type Config struct {
	Thresholds  ThresholdsConfig `yaml:"thresholds"`
	Sampling    SamplingConfig   `yaml:"sampling"`
	Source      string           `yaml:"source"`
	OutputDir   string           `yaml:"output_dir"`
	Interpreter string           `yaml:"interpreter"`
	Profiles    ProfilesConfig   `yaml:"profiles"`
	Supervisor  SupervisorConfig `yaml:"supervisor"`
	HistoryPath string           `yaml:"history_path"` // empty disables the run ledger
	MetricsAddr string           `yaml:"metrics_addr"` // empty disables /metrics
	LogLevel    string           `yaml:"log_level"`
}

// ThresholdsConfig contains the load thresholds in percent.
type ThresholdsConfig struct {
	CPUPercent     float64 `yaml:"cpu_percent"`
	RAMPercent     float64 `yaml:"ram_percent"`
	ReleaseMargin  float64 `yaml:"release_margin"`
	ConfirmSamples int     `yaml:"confirm_samples"`
}

// SamplingConfig contains monitor settings.
type SamplingConfig struct {
	Interval   time.Duration `yaml:"interval"`
	CPUWindow  time.Duration `yaml:"cpu_window"`
	MaxSamples int           `yaml:"max_samples"`
}

// ProfilesConfig holds the two detector profiles.
type ProfilesConfig struct {
	Heavy Profile `yaml:"heavy"`
	Light Profile `yaml:"light"`
}

// Profile describes how to launch one detector script.
type Profile struct {
	Name       string            `yaml:"name"`
	Script     string            `yaml:"script"`
	Weights    string            `yaml:"weights"`
	Style      string            `yaml:"style"`      // positional, flags
	Confidence float64           `yaml:"confidence"` // flags style only
	RunName    string            `yaml:"run_name"`   // defaults to <name>_output
	ExtraArgs  string            `yaml:"extra_args"` // shell-quoted, appended last
	Env        map[string]string `yaml:"env,omitempty"`
	WorkDir    string            `yaml:"workdir"`
}

// SupervisorConfig contains watch mode settings.
type SupervisorConfig struct {
	GracePeriod  time.Duration `yaml:"grace_period"`
	Restart      string        `yaml:"restart"` // never, on-failure, always
	RestartDelay time.Duration `yaml:"restart_delay"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Thresholds: ThresholdsConfig{
			CPUPercent:     40,
			RAMPercent:     60,
			ReleaseMargin:  5,
			ConfirmSamples: 3,
		},
		Sampling: SamplingConfig{
			Interval:   2 * time.Second,
			CPUWindow:  time.Second,
			MaxSamples: 600,
		},
		Source:      "210801775.jpg",
		OutputDir:   "runs",
		Interpreter: "python3",
		Profiles: ProfilesConfig{
			Heavy: Profile{
				Name:       "yolov7",
				Script:     "yolov7/detect.py",
				Weights:    "weights/yolov7x.pt",
				Style:      StyleFlags,
				Confidence: DefaultConfidence,
			},
			Light: Profile{
				Name:    "yolov11",
				Script:  "yolov11/predict_11s.py",
				Weights: "weights/yolo11s.pt",
				Style:   StylePositional,
			},
		},
		Supervisor: SupervisorConfig{
			GracePeriod:  5 * time.Second,
			Restart:      RestartNever,
			RestartDelay: 2 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file and overlays it on the defaults.
//
// Arguments:
// - path: Path to the YAML file.
//
// Returns:
// - *Config: The validated configuration.
// - error: Error if the file cannot be read, parsed or validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse overlays YAML data on the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	cfg.Profiles.Heavy.Confidence = cfg.Profiles.Heavy.ConfThreshold()
	cfg.Profiles.Light.Confidence = cfg.Profiles.Light.ConfThreshold()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the controller or launcher cannot use.
func (c *Config) Validate() error {
	t := c.Thresholds
	if t.CPUPercent <= 0 || t.CPUPercent > 100 {
		return invalid("thresholds.cpu_percent must be in (0, 100], got %v", t.CPUPercent)
	}
	if t.RAMPercent <= 0 || t.RAMPercent > 100 {
		return invalid("thresholds.ram_percent must be in (0, 100], got %v", t.RAMPercent)
	}
	if t.ReleaseMargin < 0 {
		return invalid("thresholds.release_margin must not be negative, got %v", t.ReleaseMargin)
	}
	if t.ReleaseMargin >= t.CPUPercent || t.ReleaseMargin >= t.RAMPercent {
		return invalid("thresholds.release_margin %v must be below both thresholds", t.ReleaseMargin)
	}
	if t.ConfirmSamples < 1 {
		return invalid("thresholds.confirm_samples must be at least 1, got %d", t.ConfirmSamples)
	}

	if c.Sampling.Interval <= 0 {
		return invalid("sampling.interval must be positive, got %v", c.Sampling.Interval)
	}
	if c.Sampling.CPUWindow <= 0 {
		return invalid("sampling.cpu_window must be positive, got %v", c.Sampling.CPUWindow)
	}
	if c.Sampling.MaxSamples < 1 {
		return invalid("sampling.max_samples must be at least 1, got %d", c.Sampling.MaxSamples)
	}

	if c.Source == "" {
		return invalid("source is required")
	}
	if c.Interpreter == "" {
		return invalid("interpreter is required")
	}

	for _, p := range []struct {
		key     string
		profile Profile
	}{{"heavy", c.Profiles.Heavy}, {"light", c.Profiles.Light}} {
		if err := p.profile.Validate(); err != nil {
			return errors.Wrapf(err, "profiles.%s", p.key)
		}
	}

	switch c.Supervisor.Restart {
	case RestartNever, RestartOnFailure, RestartAlways:
	default:
		return invalid("supervisor.restart must be never, on-failure or always, got %q", c.Supervisor.Restart)
	}
	if c.Supervisor.GracePeriod < 0 || c.Supervisor.RestartDelay < 0 {
		return invalid("supervisor durations must not be negative")
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// Validate checks a single profile.
func (p Profile) Validate() error {
	if p.Name == "" {
		return invalid("name is required")
	}
	if p.Script == "" {
		return invalid("script is required")
	}
	if p.Weights == "" {
		return invalid("weights is required")
	}
	switch p.Style {
	case StylePositional, StyleFlags:
	default:
		return invalid("style must be %s or %s, got %q", StylePositional, StyleFlags, p.Style)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return invalid("confidence must be in [0, 1], got %v", p.Confidence)
	}
	if _, err := p.SplitExtraArgs(); err != nil {
		return err
	}
	return nil
}

// SplitExtraArgs splits the shell-quoted extra arguments.
func (p Profile) SplitExtraArgs() ([]string, error) {
	if strings.TrimSpace(p.ExtraArgs) == "" {
		return nil, nil
	}
	args, err := shlex.Split(p.ExtraArgs)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "extra_args %q: %v", p.ExtraArgs, err)
	}
	return args, nil
}

// ConfThreshold returns the confidence handed to the detector. A flags-style
// profile without one gets DefaultConfidence.
func (p Profile) ConfThreshold() float64 {
	if p.Style == StyleFlags && p.Confidence == 0 {
		return DefaultConfidence
	}
	return p.Confidence
}

// OutputName returns the run directory name under the output dir.
func (p Profile) OutputName() string {
	if p.RunName != "" {
		return p.RunName
	}
	return p.Name + "_output"
}

// Profile returns the profile for a mode.
func (c *Config) Profile(mode controller.Mode) Profile {
	if mode == controller.ModeLight {
		return c.Profiles.Light
	}
	return c.Profiles.Heavy
}

// ControllerThresholds converts the threshold section for the controller.
func (c *Config) ControllerThresholds() controller.Thresholds {
	return controller.Thresholds{
		CPUPercent:     c.Thresholds.CPUPercent,
		RAMPercent:     c.Thresholds.RAMPercent,
		ReleaseMargin:  c.Thresholds.ReleaseMargin,
		ConfirmSamples: c.Thresholds.ConfirmSamples,
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, invalid("log_level %q: %v", s, err)
	}
	return level, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrap(ErrInvalid, fmt.Sprintf(format, args...))
}
