// Package config handles AiChemy gateway configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aichemy/config.yaml, /etc/aichemy/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aichemy", "config.yaml"))
	}

	paths = append(paths, "/etc/aichemy/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all gateway configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Session   SessionConfig   `yaml:"session"`
	ToolsFile string          `yaml:"tools_file"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// EndpointConfig defines the agent serving endpoint.
type EndpointConfig struct {
	// URL is the workspace base URL, or a full invocations URL.
	URL string `yaml:"url"`
	// Name is the serving endpoint name appended to the base URL.
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
	// TimeoutSec bounds a single invocation (default 300).
	TimeoutSec int `yaml:"timeout_sec"`
	// DialRetries retries connection failures before a request is sent.
	DialRetries int `yaml:"dial_retries"`
	// SkipTrace stops asking the endpoint to return its execution trace.
	SkipTrace bool `yaml:"skip_trace"`
	// ParseAllMessages parses every message text instead of only the
	// last one the agent appended to the thread.
	ParseAllMessages bool `yaml:"parse_all_messages"`
}

// Timeout returns the invocation timeout as a duration.
func (e EndpointConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSec) * time.Second
}

// Configured reports whether an endpoint URL is set.
func (e EndpointConfig) Configured() bool {
	return e.URL != ""
}

// SessionConfig controls the conversation state machine.
type SessionConfig struct {
	AutoApprove bool             `yaml:"auto_approve"`
	Plan        []PlanStepConfig `yaml:"plan"`
}

// PlanStepConfig is one execution plan step. Tools holds glob patterns
// matched against tool invocation names to summarize the step.
type PlanStepConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tools       []string `yaml:"tools"`
}

// MQTTConfig defines the optional activity publisher.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. mqtts://broker.local:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientID identifies this instance to the broker. Generated when
	// empty.
	ClientID string `yaml:"client_id"`
	// DataDir holds the persisted instance id used when ClientID is
	// empty. Without it a fresh id is minted per process.
	DataDir     string `yaml:"data_dir"`
	DeviceName  string `yaml:"device_name"`
	TopicPrefix string `yaml:"topic_prefix"`
	// KeepAliveSec is the MQTT keep-alive interval (default 30).
	KeepAliveSec int `yaml:"keep_alive_sec"`
}

// TelemetryConfig controls OpenTelemetry export. Exporter endpoints
// come from the standard OTEL_EXPORTER_OTLP_* environment variables.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// DefaultPlan is used when no plan steps are configured.
func DefaultPlan() []PlanStepConfig {
	return []PlanStepConfig{
		{Name: "Agent endpoint", Description: "Query the data-source agents", Tools: []string{"*"}},
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Endpoint.TimeoutSec == 0 {
		c.Endpoint.TimeoutSec = 300
	}
	if len(c.Session.Plan) == 0 {
		c.Session.Plan = DefaultPlan()
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "aichemy"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "aichemy/" + c.MQTT.DeviceName
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "aichemy"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Endpoint.URL != "" && c.Endpoint.Name == "" && !strings.HasSuffix(strings.TrimRight(c.Endpoint.URL, "/"), "/invocations") {
		errs = append(errs, errors.New("endpoint.name is required unless endpoint.url is a full invocations URL"))
	}
	if c.Endpoint.TimeoutSec < 0 {
		errs = append(errs, errors.New("endpoint.timeout_sec must not be negative"))
	}
	if c.Endpoint.DialRetries < 0 {
		errs = append(errs, errors.New("endpoint.dial_retries must not be negative"))
	}
	for i, p := range c.Session.Plan {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("session.plan[%d]: name is required", i))
		}
		for _, pattern := range p.Tools {
			if _, err := path.Match(pattern, ""); err != nil {
				errs = append(errs, fmt.Errorf("session.plan[%d]: bad tools pattern %q", i, pattern))
			}
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	return errors.Join(errs...)
}
