// ABOUTME: YAML configuration parsing, .env overlay and validation
// ABOUTME: Defines the structure for a multi-session motion streaming setup
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/ossrs/go-oryx-lib/errors"
	"gopkg.in/yaml.v3"

	"github.com/harper/motion-cue-streamer/internal/domain/fault"
	"github.com/harper/motion-cue-streamer/internal/domain/filter"
	"github.com/harper/motion-cue-streamer/internal/domain/format"
)

// DefaultDeviceID is used only when neither the file nor the environment
// names a device.
const DefaultDeviceID = 11

const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 8090
	DefaultUpdateMs = 20
)

type Config struct {
	Listen   ListenConfig    `yaml:"listen"`
	Logging  LoggingConfig   `yaml:"logging"`
	Sessions []SessionConfig `yaml:"sessions"`
}

type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LoggingConfig struct {
	Quiet bool `yaml:"quiet"`
}

type SessionConfig struct {
	ID        string          `yaml:"id"`
	DeviceID  int             `yaml:"device_id"`
	SlaveID   int             `yaml:"slave_id"`
	Emulation bool            `yaml:"emulation"`
	Profile   ProfileConfig   `yaml:"profile"`
	Master    MasterConfig    `yaml:"master"`
	Filters   []FilterConfig  `yaml:"filters"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ProfileConfig struct {
	Name         string    `yaml:"name"`
	Mask         uint8     `yaml:"mask"`
	AxisMap      []int     `yaml:"axis_map"`
	RateLimit    int       `yaml:"rate_limit"`
	Version      int       `yaml:"version"`
	Options      []string  `yaml:"options"`
	AmplitudeMax []float64 `yaml:"amplitude_max"`
}

type MasterConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Samples    int `yaml:"samples"`
	Buffers    int `yaml:"buffers"`
}

type FilterConfig struct {
	Type   string               `yaml:"type"`
	Params map[string][]float64 `yaml:"params"`
}

type PlaybackConfig struct {
	Mode      string    `yaml:"mode"`
	LoopCount int       `yaml:"loop_count"`
	File      string    `yaml:"file"`
	Key       string    `yaml:"key"`
	Position  []float64 `yaml:"position"`
	Frequency []float64 `yaml:"frequency"`
	Amplitude []float64 `yaml:"amplitude"`
	UpdateMs  int       `yaml:"update_ms"`
}

type TelemetryConfig struct {
	URL       string   `yaml:"url"`
	PollMs    int      `yaml:"poll_ms"`
	TimeoutMs int      `yaml:"timeout_ms"`
	Keys      []string `yaml:"keys"`
	Scale     float64  `yaml:"scale"`
}

// Load reads the YAML file at path, loads a .env file next to it when
// present, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(fault.ConfigurationError, "read config: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(fault.ConfigurationError, "parse yaml: %v", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(fault.ConfigurationError, "load %v: %v", envFile, err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides file values from the environment. MOTION_DEVICE_ID
// names the device of the first session.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("MOTION_LISTEN_HOST"); v != "" {
		c.Listen.Host = v
	}
	if v := getenv("MOTION_LISTEN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(fault.ConfigurationError, "MOTION_LISTEN_PORT %q", v)
		}
		c.Listen.Port = port
	}
	if v := getenv("MOTION_DEVICE_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(fault.ConfigurationError, "MOTION_DEVICE_ID %q", v)
		}
		if len(c.Sessions) == 0 {
			c.Sessions = append(c.Sessions, SessionConfig{})
		}
		c.Sessions[0].DeviceID = id
	}
	if v := getenv("MOTION_EMULATION"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(fault.ConfigurationError, "MOTION_EMULATION %q", v)
		}
		for i := range c.Sessions {
			c.Sessions[i].Emulation = on
		}
	}
	return nil
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.Listen.Host == "" {
		c.Listen.Host = DefaultHost
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if len(c.Sessions) == 0 {
		c.Sessions = append(c.Sessions, SessionConfig{})
	}
	for i := range c.Sessions {
		s := &c.Sessions[i]
		if s.ID == "" {
			s.ID = "session" + strconv.Itoa(i+1)
		}
		if s.DeviceID == 0 {
			s.DeviceID = DefaultDeviceID
		}
		if s.Master.SampleRate == 0 {
			s.Master.SampleRate = format.DefaultSampleRate
		}
		if s.Master.Samples == 0 {
			s.Master.Samples = 2
		}
		if s.Master.Buffers == 0 {
			s.Master.Buffers = 1
		}
		if s.Playback.Mode == "" {
			s.Playback.Mode = "direct"
		}
		if s.Playback.UpdateMs == 0 {
			s.Playback.UpdateMs = DefaultUpdateMs
		}
		if s.Telemetry.URL != "" && s.Telemetry.PollMs == 0 {
			s.Telemetry.PollMs = 1000 / s.Master.SampleRate
		}
	}
}

func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return errors.Wrapf(fault.ConfigurationError, "listen port %v", c.Listen.Port)
	}
	seen := make(map[string]bool)
	for _, s := range c.Sessions {
		if seen[s.ID] {
			return errors.Wrapf(fault.ConfigurationError, "duplicate session %q", s.ID)
		}
		seen[s.ID] = true
		if err := s.Validate(); err != nil {
			return errors.Wrapf(err, "session %v", s.ID)
		}
	}
	return nil
}

func (s SessionConfig) Validate() error {
	if s.DeviceID <= 0 {
		return errors.Wrapf(fault.ConfigurationError, "device id %v", s.DeviceID)
	}
	if s.SlaveID < 0 || (s.SlaveID != 0 && s.SlaveID == s.DeviceID) {
		return errors.Wrapf(fault.ConfigurationError, "slave id %v", s.SlaveID)
	}
	if s.Master.SampleRate < 1 || s.Master.SampleRate > 200 {
		return errors.Wrapf(fault.ConfigurationError, "master sample rate %v", s.Master.SampleRate)
	}
	if s.Master.Samples < 1 || s.Master.Buffers < 1 {
		return errors.Wrapf(fault.ConfigurationError, "master %v samples x %v buffers", s.Master.Samples, s.Master.Buffers)
	}
	if len(s.Profile.AxisMap) > format.MaxChannels || len(s.Profile.AmplitudeMax) > format.MaxChannels {
		return errors.Wrapf(fault.ConfigurationError, "profile lists more than %v axes", format.MaxChannels)
	}
	for _, a := range s.Profile.AmplitudeMax {
		if a < 0 {
			return errors.Wrapf(fault.ConfigurationError, "negative amplitude max %v", a)
		}
	}
	for _, o := range s.Profile.Options {
		switch strings.ToLower(o) {
		case "debug", "async", "force":
		default:
			return errors.Wrapf(fault.ConfigurationError, "profile option %q", o)
		}
	}
	for _, f := range s.Filters {
		kind, ok := filter.ParseKind(f.Type)
		if !ok || kind == filter.KindCustom || kind == filter.KindGroup {
			return errors.Wrapf(fault.ConfigurationError, "filter type %q", f.Type)
		}
	}

	p := s.Playback
	switch strings.ToLower(p.Mode) {
	case "direct", "sine", "file", "frame", "double":
	default:
		return errors.Wrapf(fault.ConfigurationError, "playback mode %q", p.Mode)
	}
	if (p.LoopCount < 0 || p.LoopCount > 254) && p.LoopCount != 255 {
		return errors.Wrapf(fault.ConfigurationError, "loop count %v", p.LoopCount)
	}
	if p.UpdateMs < 1 {
		return errors.Wrapf(fault.ConfigurationError, "update interval %vms", p.UpdateMs)
	}
	for _, v := range [][]float64{p.Position, p.Frequency, p.Amplitude} {
		if len(v) > format.MaxChannels {
			return errors.Wrapf(fault.ConfigurationError, "%v values for %v DOF", len(v), format.MaxChannels)
		}
	}
	switch strings.ToLower(p.Mode) {
	case "file", "frame", "double":
		if p.File == "" {
			return errors.Wrapf(fault.ConfigurationError, "%v mode needs a file", p.Mode)
		}
	}

	t := s.Telemetry
	if t.URL != "" {
		if len(t.Keys) == 0 {
			return errors.Wrapf(fault.ConfigurationError, "telemetry needs keys")
		}
		if t.PollMs < 1 {
			return errors.Wrapf(fault.ConfigurationError, "telemetry poll %vms", t.PollMs)
		}
	}
	return nil
}

// DOFMask is the profile DOF mask, or format.MaskDefault when unset.
func (p ProfileConfig) DOFMask() format.Mask {
	if p.Mask == 0 {
		return format.MaskDefault
	}
	return format.Mask(p.Mask)
}
