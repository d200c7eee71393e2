package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blimqc/internal/device"
	"gopkg.in/yaml.v3"
)

// Config holds QC station configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"7s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" default:"5s"`
	// WriteChunkSize splits command envelopes into writes of at most this many bytes; 0 disables chunking.
	WriteChunkSize  int           `yaml:"write_chunk_size"`
	WriteChunkDelay time.Duration `yaml:"write_chunk_delay" default:"20ms"`
	NameFilters     []string      `yaml:"name_filters"`

	// QA GATT profile overrides; empty fields keep the production profile.
	ServiceUUID string `yaml:"service_uuid"`
	CommandUUID string `yaml:"command_uuid"`
	EventUUID   string `yaml:"event_uuid"`

	PlanPath  string `yaml:"plan"`
	ReportDir string `yaml:"report_dir"`
	LogDB     string `yaml:"log_db"`
	LockDir   string `yaml:"lock_dir"`

	// StrictCorrelation ignores results that carry neither a correlation id nor a test name.
	StrictCorrelation bool `yaml:"strict_correlation"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LockDir = os.TempDir()
	return cfg
}

// LoadConfig reads a YAML station config; unset fields keep their defaults
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if _, err := cfg.Level(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if _, err := cfg.ServiceProfile(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ServiceProfile returns the QA profile with any configured overrides applied.
func (c *Config) ServiceProfile() (*device.ServiceProfile, error) {
	p := device.DefaultServiceProfile()
	for _, o := range []struct {
		name  string
		value string
		dst   *string
	}{
		{"service_uuid", c.ServiceUUID, &p.Service},
		{"command_uuid", c.CommandUUID, &p.Command},
		{"event_uuid", c.EventUUID, &p.Event},
	} {
		if o.value == "" {
			continue
		}
		if device.NormalizeUUID(o.value) == "" {
			return nil, fmt.Errorf("invalid %s %q", o.name, o.value)
		}
		*o.dst = o.value
	}
	return p, nil
}

// Level parses LogLevel
func (c *Config) Level() (logrus.Level, error) {
	if c.LogLevel == "" {
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return lvl, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	lvl, _ := c.Level()
	logger.SetLevel(lvl)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
