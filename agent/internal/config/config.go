// Package config handles agent configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (BEATMON_AGENT_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	control_plane:
//	  url: https://beats.pilot.net
//	  token: s3cret
//
//	agent:
//	  devices: [pump-house, gate-north]
//	  interval: 30s
//	  send_timestamp: true
//
//	limits:
//	  beats_per_second: 5
//	  burst: 2
//
//	report:
//	  stats_interval: 5m
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
type Config struct {
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Agent        AgentConfig        `yaml:"agent"`
	Limits       LimitsConfig       `yaml:"limits"`
	Report       ReportConfig       `yaml:"report"`
}

// ControlPlaneConfig defines how to connect to the control plane.
type ControlPlaneConfig struct {
	URL   string `yaml:"url"`   // e.g., https://beats.pilot.net
	Token string `yaml:"token"` // Shared API token sent in the Auth header

	InsecureSkipVerify bool          `yaml:"insecure_skip_verify,omitempty"`
	RequestTimeout     time.Duration `yaml:"request_timeout,omitempty"`
}

// AgentConfig defines which devices this agent beats for.
type AgentConfig struct {
	Devices  []string      `yaml:"devices"`
	Interval time.Duration `yaml:"interval"`
	// SendTimestamp stamps beats with the agent clock instead of the server's.
	SendTimestamp bool `yaml:"send_timestamp,omitempty"`
}

// LimitsConfig paces outgoing beats across all devices.
type LimitsConfig struct {
	BeatsPerSecond float64 `yaml:"beats_per_second"`
	Burst          int     `yaml:"burst"`
}

// ReportConfig controls the periodic fleet stats refresh. Zero disables it.
type ReportConfig struct {
	StatsInterval time.Duration `yaml:"stats_interval,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ControlPlane: ControlPlaneConfig{
			RequestTimeout: 10 * time.Second,
		},
		Agent: AgentConfig{
			Interval: 30 * time.Second,
		},
		Limits: LimitsConfig{
			BeatsPerSecond: 10,
			Burst:          1,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.ControlPlane.URL == "" {
		return fmt.Errorf("control_plane.url is required")
	}
	if c.ControlPlane.Token == "" {
		return fmt.Errorf("control_plane.token is required")
	}
	if len(c.Agent.Devices) == 0 {
		return fmt.Errorf("agent.devices must name at least one device")
	}
	seen := make(map[string]bool, len(c.Agent.Devices))
	for i, d := range c.Agent.Devices {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("agent.devices[%d] is empty", i)
		}
		if seen[d] {
			return fmt.Errorf("agent.devices[%d]: duplicate device %q", i, d)
		}
		seen[d] = true
	}
	if c.Agent.Interval <= 0 {
		return fmt.Errorf("agent.interval must be positive")
	}
	if c.Limits.BeatsPerSecond <= 0 {
		return fmt.Errorf("limits.beats_per_second must be positive")
	}
	if c.Limits.Burst < 1 {
		return fmt.Errorf("limits.burst must be at least 1")
	}
	if c.Report.StatsInterval < 0 {
		return fmt.Errorf("report.stats_interval must not be negative")
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use BEATMON_AGENT_ prefix:
// - BEATMON_AGENT_URL
// - BEATMON_AGENT_TOKEN
// - BEATMON_AGENT_DEVICES (comma-separated)
// - BEATMON_AGENT_INTERVAL (Go duration)
// - BEATMON_AGENT_SEND_TIMESTAMP (bool)
// - BEATMON_AGENT_BEATS_PER_SECOND
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("BEATMON_AGENT_URL"); v != "" {
		c.ControlPlane.URL = v
	}
	if v := os.Getenv("BEATMON_AGENT_TOKEN"); v != "" {
		c.ControlPlane.Token = v
	}
	if v := os.Getenv("BEATMON_AGENT_DEVICES"); v != "" {
		c.Agent.Devices = SplitDevices(v)
	}
	if v := os.Getenv("BEATMON_AGENT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BEATMON_AGENT_INTERVAL: %w", err)
		}
		c.Agent.Interval = d
	}
	if v := os.Getenv("BEATMON_AGENT_SEND_TIMESTAMP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BEATMON_AGENT_SEND_TIMESTAMP: %w", err)
		}
		c.Agent.SendTimestamp = b
	}
	if v := os.Getenv("BEATMON_AGENT_BEATS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BEATMON_AGENT_BEATS_PER_SECOND: %w", err)
		}
		c.Limits.BeatsPerSecond = f
	}
	return nil
}

// SplitDevices parses a comma-separated device list, dropping blanks.
func SplitDevices(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
