// Package config loads and validates the server configuration: one root
// Config struct with a nested XxxConfig per component, read from a YAML
// file and overridable by the CLI flags the launcher parses.
package config

import (
	"fmt"
	"os"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/cwsl/groundstation/internal/ferr"
)

// MinSchemaVersion is the oldest config schema this binary accepts. Configs
// declaring an older schema_version fail fast at startup.
const MinSchemaVersion = "1.0.0"

// Config represents the application configuration
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Audio     AudioConfig     `yaml:"audio"`
	FFT       FFTConfig       `yaml:"fft"`
	Recording RecordingConfig `yaml:"recording"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Rotctl    RotctlConfig    `yaml:"rotctl"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
	Soapy     SoapyConfig     `yaml:"soapy"`

	SDRs []SDRDeviceConfig `yaml:"sdrs"`
}

// ServerConfig contains web server settings
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	SecretKey string `yaml:"secret_key"` // JWT signing key for the login flow

	MaxSessions    int `yaml:"max_sessions"`
	SessionTimeout int `yaml:"session_timeout"` // Seconds of inactivity before a session is reaped (0 = unlimited)
}

// DatabaseConfig names the embedded SQL database file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig contains log verbosity settings
type LoggingConfig struct {
	Level      string `yaml:"level"`       // error, warn, info, debug
	ConfigPath string `yaml:"config_path"` // Optional per-component override file

	// Components maps a component name (broadcaster, sdrworker, demod,
	// fftproc, decoder, tracker, scheduler, procman, eventrouter) to a
	// level overriding Level. Populated from ConfigPath.
	Components map[string]string `yaml:"components"`
}

// AudioConfig contains audio output settings
type AudioConfig struct {
	SampleRate  int        `yaml:"sample_rate"`
	BufferSize  int        `yaml:"buffer_size"` // Per-subscriber audio queue capacity
	Opus        OpusConfig `yaml:"opus"`
	DeemphasisUs int       `yaml:"deemphasis_us"`  // FM de-emphasis time constant in microseconds (75 default, 50 for CCIR regions)
	PilotThreshold float64 `yaml:"pilot_threshold"` // WFM stereo pilot detection threshold, compared with the 19 kHz Goertzel bin power divided by the squared block length
}

// OpusConfig contains Opus compression settings
type OpusConfig struct {
	Enabled    bool `yaml:"enabled"`
	Bitrate    int  `yaml:"bitrate"`
	Complexity int  `yaml:"complexity"`
}

// FFTConfig contains default waterfall processor settings
type FFTConfig struct {
	Size      int    `yaml:"size"`
	Window    string `yaml:"window"`
	Averaging int    `yaml:"averaging"`
	Overlap   string `yaml:"overlap"` // "none" or "50%"
}

// RecordingConfig names where recorders write.
type RecordingConfig struct {
	IQDir    string `yaml:"iq_dir"`
	AudioDir string `yaml:"audio_dir"`
}

// TrackerConfig contains satellite tracking settings
type TrackerConfig struct {
	GroupID         string  `yaml:"group_id"`
	IntervalSeconds int     `yaml:"interval_seconds"`
	LatitudeDeg     float64 `yaml:"latitude_deg"`
	LongitudeDeg    float64 `yaml:"longitude_deg"`
	AltitudeM       float64 `yaml:"altitude_m"`
	TLEURL          string  `yaml:"tle_url"`
	TLERefreshHours int     `yaml:"tle_refresh_hours"`
	DataDir         string  `yaml:"data_dir"`
}

// SchedulerConfig contains observation scheduling settings
type SchedulerConfig struct {
	Enabled          bool    `yaml:"enabled"`
	RegenerateHours  int     `yaml:"regenerate_hours"`  // Pass regeneration period (default 12)
	LookaheadHours   int     `yaml:"lookahead_hours"`
	MinElevationDeg  float64 `yaml:"min_elevation_deg"`
	ConflictStrategy string  `yaml:"conflict_strategy"` // priority, skip, force
	LeadSeconds      int     `yaml:"lead_seconds"`      // How far before task_start the executor begins setup
}

// RotctlConfig contains rotctld connection settings
type RotctlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MQTTConfig contains MQTT publishing settings
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	PublishInterval int    `yaml:"publish_interval"` // Metrics publish period in seconds
}

// GeoIPConfig contains the optional MaxMind database path
type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// SoapyConfig contains SoapySDR network discovery settings
type SoapyConfig struct {
	DiscoveryEnabled bool     `yaml:"discovery_enabled"`
	Hosts            []string `yaml:"hosts"` // host:port endpoints probed during discovery
}

// SDRDeviceConfig declares one SDR device available to the process manager.
type SDRDeviceConfig struct {
	ID           string  `yaml:"id"`
	Driver       string  `yaml:"driver"` // rtlsdr, soapy-local, soapy-remote, sigmf-playback
	Host         string  `yaml:"host"`
	Port         int     `yaml:"port"`
	Serial       string  `yaml:"serial"`
	Antenna      string  `yaml:"antenna"`
	CenterFreqHz float64 `yaml:"center_freq_hz"`
	SampleRateHz float64 `yaml:"sample_rate_hz"`
	GainDb       float64 `yaml:"gain_db"`
	AGC          bool    `yaml:"agc"`
	BiasT        bool    `yaml:"bias_t"`
	PPMError     float64 `yaml:"ppm_error"`
	FFTHintSize  int     `yaml:"fft_hint_size"`

	RecordingPath string `yaml:"recording_path"` // sigmf-playback
	LoopPlayback  bool   `yaml:"loop_playback"`  // sigmf-playback
	OffsetFreqHz  float64 `yaml:"offset_freq_hz"`
}

// Default returns a Config with working defaults for every component.
func Default() *Config {
	return &Config{
		SchemaVersion: MinSchemaVersion,
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			MaxSessions:    50,
			SessionTimeout: 300,
		},
		Database: DatabaseConfig{Path: "data/groundstation.db"},
		Logging:  LoggingConfig{Level: "info"},
		Audio: AudioConfig{
			SampleRate:     44100,
			BufferSize:     25,
			DeemphasisUs:   75,
			PilotThreshold: 0.05,
			Opus:           OpusConfig{Bitrate: 64000, Complexity: 5},
		},
		FFT: FFTConfig{
			Size:      4096,
			Window:    "hanning",
			Averaging: 4,
			Overlap:   "none",
		},
		Recording: RecordingConfig{IQDir: "data/iq", AudioDir: "data/audio"},
		Tracker: TrackerConfig{
			GroupID:         "default",
			IntervalSeconds: 1,
			TLEURL:          "https://celestrak.org/NORAD/elements/gp.php?GROUP=amateur&FORMAT=tle",
			TLERefreshHours: 12,
			DataDir:         "data",
		},
		Scheduler: SchedulerConfig{
			RegenerateHours:  12,
			LookaheadHours:   24,
			MinElevationDeg:  10,
			ConflictStrategy: "priority",
			LeadSeconds:      30,
		},
		Rotctl: RotctlConfig{Host: "localhost", Port: 4533},
		MQTT:   MQTTConfig{TopicPrefix: "groundstation", PublishInterval: 60},
	}
}

// Load reads path into a Config on top of Default. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and the schema version.
func (c *Config) Validate() error {
	if c.SchemaVersion != "" {
		declared, err := goversion.NewVersion(c.SchemaVersion)
		if err != nil {
			return ferr.Configurationf("config", "invalid schema_version %q: %v", c.SchemaVersion, err)
		}
		min := goversion.Must(goversion.NewVersion(MinSchemaVersion))
		if declared.LessThan(min) {
			return ferr.Configurationf("config", "schema_version %s is older than the minimum supported %s", c.SchemaVersion, MinSchemaVersion)
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return ferr.Configurationf("config", "invalid server port %d", c.Server.Port)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Scheduler.ConflictStrategy {
	case "", "priority", "skip", "force":
	default:
		return ferr.Configurationf("config", "unknown conflict_strategy %q", c.Scheduler.ConflictStrategy)
	}
	seen := make(map[string]bool, len(c.SDRs))
	for _, s := range c.SDRs {
		if s.ID == "" {
			return ferr.Configurationf("config", "sdr entry with empty id")
		}
		if seen[s.ID] {
			return ferr.Configurationf("config", "duplicate sdr id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// LoadLogOverrides reads the --log-config YAML file (component -> level)
// into c.Logging.Components.
func (c *Config) LoadLogOverrides(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read log config: %w", err)
	}
	overrides := make(map[string]string)
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("failed to parse log config: %w", err)
	}
	for component, level := range overrides {
		if _, err := ParseLevel(level); err != nil {
			return err
		}
		if c.Logging.Components == nil {
			c.Logging.Components = make(map[string]string)
		}
		c.Logging.Components[component] = level
	}
	return nil
}

// Level is a log verbosity tier.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// ParseLevel maps the textual --log-level value to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return LevelInfo, nil
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, ferr.Configurationf("config", "unknown log level %q", s)
	}
}

// ComponentLevel returns the effective level for component, falling back to
// the global level when no override exists.
func (c *Config) ComponentLevel(component string) Level {
	if override, ok := c.Logging.Components[component]; ok {
		if lvl, err := ParseLevel(override); err == nil {
			return lvl
		}
	}
	lvl, _ := ParseLevel(c.Logging.Level)
	return lvl
}
