package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Queue scopes for the operation serializer
const (
	QueueScopeGlobal = "global"
	QueueScopeDevice = "device"
)

// Config holds engine and application configuration
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"table"` // table, json

	// ConnectTimeout bounds a connect attempt before it is cancelled natively.
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	// OperationTimeout bounds a single queued GATT operation in the CLI.
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"10s"`
	// AdapterPollInterval is how often the adapter state is re-read while it is unknown.
	AdapterPollInterval time.Duration `yaml:"adapter_poll_interval" default:"100ms"`

	// RequestedMTU is asked for after connecting on stacks that negotiate explicitly.
	RequestedMTU int `yaml:"requested_mtu" default:"517"`
	// QueueScope is "global" (one serializer for all devices) or "device".
	QueueScope string `yaml:"queue_scope" default:"global"`
	// IncludeGenericServices keeps Generic Access and Generic Attribute in service lists.
	IncludeGenericServices bool `yaml:"include_generic_services" default:"false"`
	// NotificationBuffer is the per-listener buffer of observation channels.
	NotificationBuffer int `yaml:"notification_buffer" default:"64"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file on top of the defaults.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	switch c.QueueScope {
	case QueueScopeGlobal, QueueScopeDevice:
	default:
		return fmt.Errorf("invalid queue_scope %q: want %q or %q", c.QueueScope, QueueScopeGlobal, QueueScopeDevice)
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("invalid output_format %q", c.OutputFormat)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if c.AdapterPollInterval <= 0 {
		return fmt.Errorf("adapter_poll_interval must be positive")
	}
	if c.RequestedMTU < 23 {
		return fmt.Errorf("requested_mtu must be at least 23, got %d", c.RequestedMTU)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
