// Package config provides configuration handling for the lens interceptor.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ervanalb/lens/pkg/layer"
	"github.com/ervanalb/lens/pkg/logging"
	"github.com/ervanalb/lens/pkg/tcp"
)

// Link modes.
const (
	ModeEthernet = "ethernet"
	ModeTUN      = "tun"
)

// RootLayer is the name of the link layer at the root of every graph.
const RootLayer = "link"

// Config represents the complete interceptor configuration.
type Config struct {
	// Link describes the two attachment points.
	Link LinkConfig `json:"link" yaml:"link"`

	// TCP tunes the connection splicer.
	TCP tcp.Config `json:"tcp" yaml:"tcp"`

	// Graph lists the layers to build under the link, parents first. An
	// empty list selects the default graph for the link mode.
	Graph []layer.Spec `json:"graph" yaml:"graph"`

	// Status contains the status endpoint configuration.
	Status StatusConfig `json:"status" yaml:"status"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// LinkConfig describes the attachment points.
type LinkConfig struct {
	// Mode is "ethernet" (AF_PACKET on two interfaces) or "tun".
	Mode string `json:"mode" yaml:"mode"`

	// Alice and Bob are the interface names for each side.
	Alice string `json:"alice" yaml:"alice"`
	Bob   string `json:"bob" yaml:"bob"`

	// MTU is used when creating TUN interfaces.
	MTU int `json:"mtu" yaml:"mtu"`

	// Promiscuous puts Ethernet interfaces into promiscuous mode.
	Promiscuous bool `json:"promiscuous" yaml:"promiscuous"`

	// Dump is a file prefix; when set, frames sent to each side are
	// written to <Dump>.0.pcap and <Dump>.1.pcap.
	Dump string `json:"dump" yaml:"dump"`
}

// StatusConfig contains configuration for the status endpoint.
type StatusConfig struct {
	// Listen is the HTTP listen address; empty disables the endpoint.
	Listen string `json:"listen" yaml:"listen"`

	// ReportInterval is the periodic stats log interval in seconds; zero
	// disables it.
	ReportInterval int `json:"reportInterval" yaml:"reportInterval"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Link: LinkConfig{
			Mode:  ModeEthernet,
			Alice: "eth0",
			Bob:   "eth1",
			MTU:   1500,
		},
		TCP: tcp.DefaultConfig(),
		Status: StatusConfig{
			ReportInterval: 60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		*dst = val == "true" || val == "1"
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// LoadFromEnv loads configuration from LENS_* environment variables.
func LoadFromEnv(config *Config) {
	// Link config
	envString("LENS_LINK_MODE", &config.Link.Mode)
	envString("LENS_LINK_ALICE", &config.Link.Alice)
	envString("LENS_LINK_BOB", &config.Link.Bob)
	envInt("LENS_LINK_MTU", &config.Link.MTU)
	envBool("LENS_LINK_PROMISCUOUS", &config.Link.Promiscuous)
	envString("LENS_LINK_DUMP", &config.Link.Dump)

	// TCP config
	envInt("LENS_TCP_DEFAULT_MSS", &config.TCP.DefaultMSS)
	envInt("LENS_TCP_MAX_MSS", &config.TCP.MaxMSS)
	if val := os.Getenv("LENS_TCP_TIMESTAMP_DAMPING"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			config.TCP.Damping = f
		}
	}
	envInt("LENS_TCP_TIMESTAMP_SAMPLES", &config.TCP.MaxSamples)

	// Status config
	envString("LENS_STATUS_LISTEN", &config.Status.Listen)
	envInt("LENS_STATUS_REPORT_INTERVAL", &config.Status.ReportInterval)

	// Logging config
	envString("LENS_LOGGING_LEVEL", &config.Logging.Level)
	envString("LENS_LOGGING_FILE", &config.Logging.File)
	envInt("LENS_LOGGING_MAX_SIZE", &config.Logging.MaxSize)
	envInt("LENS_LOGGING_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("LENS_LOGGING_MAX_AGE", &config.Logging.MaxAge)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Link.Mode {
	case ModeEthernet, ModeTUN:
	default:
		return fmt.Errorf("invalid link mode: %q", c.Link.Mode)
	}
	if c.Link.Alice == "" || c.Link.Bob == "" {
		return fmt.Errorf("both link interfaces must be named")
	}
	if c.Link.Alice == c.Link.Bob {
		return fmt.Errorf("alice and bob cannot share interface %s", c.Link.Alice)
	}
	if c.Link.MTU < 576 || c.Link.MTU > 65535 {
		return fmt.Errorf("invalid link MTU: %d", c.Link.MTU)
	}

	if c.TCP.DefaultMSS <= 0 || c.TCP.MaxMSS <= 0 {
		return fmt.Errorf("invalid TCP MSS: default %d, max %d", c.TCP.DefaultMSS, c.TCP.MaxMSS)
	}
	if c.TCP.DefaultMSS > c.TCP.MaxMSS {
		return fmt.Errorf("default MSS %d exceeds max MSS %d", c.TCP.DefaultMSS, c.TCP.MaxMSS)
	}
	if c.TCP.Damping <= 0 || c.TCP.Damping > 1 {
		return fmt.Errorf("invalid timestamp damping: %v", c.TCP.Damping)
	}
	if c.TCP.MaxSamples < 2 {
		return fmt.Errorf("timestamp samples must be at least 2, got %d", c.TCP.MaxSamples)
	}

	seen := make(map[string]bool, len(c.Graph))
	for i, s := range c.Graph {
		if s.Type == "" {
			return fmt.Errorf("graph entry %d has no type", i)
		}
		name := s.InstanceName()
		if seen[name] || name == RootLayer {
			return fmt.Errorf("duplicate layer name %q", name)
		}
		if s.Parent != "" && s.Parent != RootLayer && !seen[s.Parent] {
			return fmt.Errorf("layer %q: parent %q must be listed before it", name, s.Parent)
		}
		seen[name] = true
	}

	if c.Status.ReportInterval < 0 {
		return fmt.Errorf("invalid report interval: %d", c.Status.ReportInterval)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			c.Logging.File,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
