// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: CLI flags > environment variables > config file > embedded > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "15s", "30s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all monitor configuration.
type Config struct {
	Collection  CollectionConfig  `yaml:"collection"`
	Plugins     PluginsConfig     `yaml:"plugins"`
	Exporters   ExportersConfig   `yaml:"exporters"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Buffer      BufferConfig      `yaml:"buffer"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// CollectionConfig holds metric collection settings.
type CollectionConfig struct {
	Interval       Duration `yaml:"interval" validate:"min=1s"`
	MinInterval    Duration `yaml:"min_interval" validate:"min=10ms"`
	BatchInterval  Duration `yaml:"batch_interval" validate:"min=1s"`
	CollectTimeout Duration `yaml:"collect_timeout" validate:"min=100ms"`
	MaxBatchSize   int      `yaml:"max_batch_size" validate:"min=0"`
	TopProcesses   int      `yaml:"top_processes" validate:"min=0,max=100"`

	// Hostname tags exported batches. Empty uses os.Hostname.
	Hostname string `yaml:"hostname"`
}

// PluginsConfig controls dynamic plugins and per-collector settings.
type PluginsConfig struct {
	Directory string   `yaml:"directory"`
	Watch     bool     `yaml:"watch"`
	Load      []string `yaml:"load"`
	Disabled  []string `yaml:"disabled"`

	// Settings are passed to Initialize, keyed by collector name.
	Settings map[string]map[string]string `yaml:"settings"`
}

// IsDisabled reports whether a collector is listed as disabled.
func (p PluginsConfig) IsDisabled(name string) bool {
	for _, d := range p.Disabled {
		if d == name {
			return true
		}
	}
	return false
}

// ExportersConfig holds one section per exporter.
type ExportersConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
	StatsD     StatsDConfig     `yaml:"statsd"`
	OTLP       OTLPConfig       `yaml:"otlp"`
	HTTP       HTTPConfig       `yaml:"http"`
}

type PrometheusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Listen         string   `yaml:"listen" validate:"omitempty,hostname_port"`
	Path           string   `yaml:"path" validate:"omitempty,startswith=/"`
	Namespace      string   `yaml:"namespace"`
	StaleAfter     Duration `yaml:"stale_after"`
	RuntimeMetrics bool     `yaml:"runtime_metrics"`
}

type StatsDConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"omitempty,hostname_port"`
	Prefix  string `yaml:"prefix"`
}

type OTLPConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Endpoint string   `yaml:"endpoint" validate:"omitempty,hostname_port"`
	Insecure bool     `yaml:"insecure"`
	Interval Duration `yaml:"interval"`
}

// HTTPConfig holds the ingest API connection settings.
type HTTPConfig struct {
	Enabled bool     `yaml:"enabled"`
	URL     string   `yaml:"url" validate:"omitempty,url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"`
}

// ReliabilityConfig tunes the fault-tolerance layer.
type ReliabilityConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	MemoryQuota    MemoryQuotaConfig    `yaml:"memory_quota"`
	CPUThrottle    CPUThrottleConfig    `yaml:"cpu_throttle"`
	Validation     ValidationConfig     `yaml:"validation"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" validate:"min=1"`
	SuccessThreshold int      `yaml:"success_threshold" validate:"min=1"`
	Timeout          Duration `yaml:"timeout"`
	ResetTimeout     Duration `yaml:"reset_timeout" validate:"min=1ms"`
	HalfOpenMaxCalls int      `yaml:"half_open_max_calls" validate:"min=1"`
}

type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts" validate:"min=1,max=20"`
	Strategy     string   `yaml:"strategy" validate:"oneof=fixed exponential linear fibonacci"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier" validate:"omitempty,gte=1"`
}

type RateLimitConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Algorithm string  `yaml:"algorithm" validate:"oneof=token_bucket leaky_bucket"`
	PerSecond float64 `yaml:"per_second" validate:"gt=0"`
	Burst     int     `yaml:"burst" validate:"min=1"`
}

type MemoryQuotaConfig struct {
	Enabled  bool   `yaml:"enabled"`
	MaxMB    int    `yaml:"max_mb" validate:"min=1"`
	Strategy string `yaml:"strategy" validate:"oneof=reject delay block"`
}

type CPUThrottleConfig struct {
	Enabled          bool     `yaml:"enabled"`
	MaxUsage         float64  `yaml:"max_usage" validate:"gt=0,lte=1"`
	WarningThreshold float64  `yaml:"warning_threshold" validate:"gte=0,lte=1"`
	Strategy         string   `yaml:"strategy" validate:"oneof=reject delay block"`
	CheckInterval    Duration `yaml:"check_interval" validate:"min=10ms"`
	MaxDelay         Duration `yaml:"max_delay"`
}

type ValidationConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Interval            Duration `yaml:"interval" validate:"min=1s"`
	MaxFailures         int      `yaml:"max_failures" validate:"min=1"`
	CorruptionThreshold float64  `yaml:"corruption_threshold" validate:"gte=0,lte=1"`
	AutoRepair          bool     `yaml:"auto_repair"`
}

// AlertingConfig holds the rules evaluated against every collected metric.
type AlertingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	RepeatInterval Duration          `yaml:"repeat_interval" validate:"min=1s"`
	ResolveTimeout Duration          `yaml:"resolve_timeout" validate:"min=1s"`
	Rules          []AlertRuleConfig `yaml:"rules" validate:"dive"`
}

// AlertRuleConfig describes one alert rule. Which fields apply depends on
// Trigger: threshold uses operator and threshold, range uses min, max and
// outside, rate uses threshold, window and direction, anomaly uses
// sensitivity.
type AlertRuleConfig struct {
	Name        string            `yaml:"name" validate:"required"`
	Metric      string            `yaml:"metric" validate:"required"`
	Match       map[string]string `yaml:"match,omitempty"`
	Trigger     string            `yaml:"trigger" validate:"oneof=threshold range rate anomaly"`
	Operator    string            `yaml:"operator,omitempty"`
	Threshold   float64           `yaml:"threshold,omitempty"`
	Min         float64           `yaml:"min,omitempty"`
	Max         float64           `yaml:"max,omitempty"`
	Outside     bool              `yaml:"outside,omitempty"`
	Window      Duration          `yaml:"window,omitempty"`
	Direction   string            `yaml:"direction,omitempty" validate:"omitempty,oneof=either increasing decreasing"`
	Sensitivity float64           `yaml:"sensitivity,omitempty" validate:"gte=0"`
	Severity    string            `yaml:"severity,omitempty" validate:"omitempty,oneof=info warning critical emergency"`
	For         Duration          `yaml:"for,omitempty"`
	Repeat      Duration          `yaml:"repeat_interval,omitempty"`
	Summary     string            `yaml:"summary,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Disabled    bool              `yaml:"disabled,omitempty"`
}

// BufferConfig holds local file buffer settings.
type BufferConfig struct {
	MaxSizeMB int    `yaml:"max_size_mb" validate:"min=1"`
	Dir       string `yaml:"dir" validate:"required"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Collection: CollectionConfig{
			Interval:       Duration{15 * time.Second},
			MinInterval:    Duration{time.Second},
			BatchInterval:  Duration{30 * time.Second},
			CollectTimeout: Duration{10 * time.Second},
			TopProcesses:   10,
		},
		Plugins: PluginsConfig{
			Directory: "./plugins",
		},
		Exporters: ExportersConfig{
			Prometheus: PrometheusConfig{
				Enabled:    true,
				Listen:     "127.0.0.1:9464",
				Path:       "/metrics",
				Namespace:  "vitalis",
				StaleAfter: Duration{5 * time.Minute},
			},
			StatsD: StatsDConfig{
				Address: "127.0.0.1:8125",
				Prefix:  "vitalis",
			},
			OTLP: OTLPConfig{
				Insecure: true,
				Interval: Duration{time.Minute},
			},
			HTTP: HTTPConfig{
				URL:     "http://localhost:3000",
				Timeout: Duration{10 * time.Second},
			},
		},
		Reliability: ReliabilityConfig{
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 3,
				Timeout:          Duration{30 * time.Second},
				ResetTimeout:     Duration{time.Minute},
				HalfOpenMaxCalls: 1,
			},
			Retry: RetryConfig{
				MaxAttempts:  4,
				Strategy:     "exponential",
				InitialDelay: Duration{2 * time.Second},
				MaxDelay:     Duration{30 * time.Second},
				Multiplier:   2,
			},
			RateLimit: RateLimitConfig{
				Algorithm: "token_bucket",
				PerSecond: 100,
				Burst:     10,
			},
			MemoryQuota: MemoryQuotaConfig{
				MaxMB:    64,
				Strategy: "reject",
			},
			CPUThrottle: CPUThrottleConfig{
				MaxUsage:         0.8,
				WarningThreshold: 0.7,
				Strategy:         "delay",
				CheckInterval:    Duration{time.Second},
				MaxDelay:         Duration{time.Second},
			},
			Validation: ValidationConfig{
				Enabled:             true,
				Interval:            Duration{time.Minute},
				MaxFailures:         5,
				CorruptionThreshold: 0.1,
				AutoRepair:          true,
			},
		},
		Alerting: AlertingConfig{
			Enabled:        true,
			RepeatInterval: Duration{5 * time.Minute},
			ResolveTimeout: Duration{5 * time.Minute},
			Rules: []AlertRuleConfig{
				{
					Name:      "high_cpu",
					Metric:    "cpu_usage_percent",
					Trigger:   "threshold",
					Operator:  ">",
					Threshold: 90,
					Severity:  "warning",
					For:       Duration{time.Minute},
					Summary:   "CPU usage above 90%",
				},
				{
					Name:      "high_memory",
					Metric:    "memory_usage_percent",
					Trigger:   "threshold",
					Operator:  ">",
					Threshold: 90,
					Severity:  "warning",
					For:       Duration{time.Minute},
					Summary:   "Memory usage above 90%",
				},
				{
					Name:      "disk_full",
					Metric:    "disk_usage_percent",
					Trigger:   "threshold",
					Operator:  ">",
					Threshold: 95,
					Severity:  "critical",
					For:       Duration{5 * time.Minute},
					Summary:   "Disk almost full",
				},
			},
		},
		Buffer: BufferConfig{
			MaxSizeMB: 50,
			Dir:       "./buffer",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "./monitor.log",
		},
	}
}

// LoadFromBytes parses YAML configuration from a byte slice and merges with defaults.
// Environment variables take highest precedence and override values from the byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config data: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads configuration from a YAML file and merges with defaults.
// If path is empty or the file does not exist, only defaults and environment
// variables are used.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromBytes(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		return LoadFromBytes(nil)
	}

	return LoadFromBytes(data)
}

// CLIOverrides holds values from command-line flags.
// Empty strings are treated as "not set" and skipped.
type CLIOverrides struct {
	PluginDir string
	LogLevel  string
	Listen    string
	URL       string
	Token     string
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadLayered loads configuration with the full precedence chain:
// CLI flags > env vars > external YAML file > embedded bytes > defaults.
//
// An optional configPath argument controls external-file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value  → use that path ("" means no external file)
func LoadLayered(cli CLIOverrides, embedded []byte, configPath ...string) (*Config, error) {
	cfg := DefaultConfig()

	if len(embedded) > 0 {
		if err := yaml.Unmarshal(embedded, cfg); err != nil {
			return nil, fmt.Errorf("parsing embedded config: %w", err)
		}
	}

	var filePath string
	if len(configPath) > 0 {
		filePath = configPath[0]
	} else {
		filePath = Locate()
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if cli.PluginDir != "" {
		cfg.Plugins.Directory = cli.PluginDir
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.Listen != "" {
		cfg.Exporters.Prometheus.Listen = cli.Listen
	}
	if cli.URL != "" {
		cfg.Exporters.HTTP.URL = cli.URL
		cfg.Exporters.HTTP.Enabled = true
	}
	if cli.Token != "" {
		cfg.Exporters.HTTP.Token = cli.Token
	}

	return cfg, nil
}

// WriteConfig serializes the config to a YAML file at the given path.
// Creates parent directories if needed.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// applyEnvOverrides applies VITALIS_* environment variable overrides.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"VITALIS_LOG_LEVEL":         &cfg.Logging.Level,
		"VITALIS_LOG_FILE":          &cfg.Logging.File,
		"VITALIS_PLUGIN_DIR":        &cfg.Plugins.Directory,
		"VITALIS_BUFFER_DIR":        &cfg.Buffer.Dir,
		"VITALIS_PROMETHEUS_LISTEN": &cfg.Exporters.Prometheus.Listen,
		"VITALIS_STATSD_ADDRESS":    &cfg.Exporters.StatsD.Address,
		"VITALIS_OTLP_ENDPOINT":     &cfg.Exporters.OTLP.Endpoint,
		"VITALIS_HTTP_URL":          &cfg.Exporters.HTTP.URL,
		"VITALIS_HTTP_TOKEN":        &cfg.Exporters.HTTP.Token,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("VITALIS_COLLECTION_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("VITALIS_COLLECTION_INTERVAL: %w", err)
		}
		cfg.Collection.Interval = Duration{d}
	}
	if v := os.Getenv("VITALIS_PLUGIN_WATCH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VITALIS_PLUGIN_WATCH: %w", err)
		}
		cfg.Plugins.Watch = b
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Validate Duration fields as time.Duration so tags like min=1s apply.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(Duration); ok {
			return d.Duration
		}
		return nil
	}, Duration{})
	return v
}

// Validate checks field constraints and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	exp := c.Exporters
	if exp.Prometheus.Enabled && exp.Prometheus.Listen == "" {
		errs = append(errs, errors.New("prometheus exporter requires a listen address"))
	}
	if exp.StatsD.Enabled && exp.StatsD.Address == "" {
		errs = append(errs, errors.New("statsd exporter requires an address"))
	}
	if exp.HTTP.Enabled {
		switch {
		case exp.HTTP.URL == "":
			errs = append(errs, errors.New("http exporter requires a url"))
		case exp.HTTP.Token == "":
			errs = append(errs, errors.New("http exporter requires a token"))
		case !strings.HasPrefix(exp.HTTP.URL, "https://") &&
			!strings.Contains(exp.HTTP.URL, "localhost") && !strings.Contains(exp.HTTP.URL, "127.0.0.1"):
			// Allow plain HTTP for local development only
			errs = append(errs, fmt.Errorf("http exporter url must use HTTPS (got: %s)", exp.HTTP.URL))
		}
	}
	if c.Collection.MinInterval.Duration > c.Collection.Interval.Duration {
		errs = append(errs, errors.New("collection min_interval exceeds interval"))
	}
	r := c.Reliability
	if r.CPUThrottle.WarningThreshold > r.CPUThrottle.MaxUsage {
		errs = append(errs, errors.New("cpu_throttle warning_threshold exceeds max_usage"))
	}
	if r.Retry.MaxDelay.Duration > 0 && r.Retry.MaxDelay.Duration < r.Retry.InitialDelay.Duration {
		errs = append(errs, errors.New("retry max_delay is below initial_delay"))
	}
	seen := make(map[string]bool, len(c.Alerting.Rules))
	for _, rule := range c.Alerting.Rules {
		if seen[rule.Name] {
			errs = append(errs, fmt.Errorf("alert rule %q is defined twice", rule.Name))
		}
		seen[rule.Name] = true
		switch rule.Trigger {
		case "range":
			if rule.Min > rule.Max {
				errs = append(errs, fmt.Errorf("alert rule %q: min exceeds max", rule.Name))
			}
		case "rate":
			if rule.Window.Duration <= 0 {
				errs = append(errs, fmt.Errorf("alert rule %q: rate trigger requires a window", rule.Name))
			}
		case "anomaly":
			if rule.Sensitivity <= 0 {
				errs = append(errs, fmt.Errorf("alert rule %q: anomaly trigger requires a sensitivity", rule.Name))
			}
		}
	}
	return errors.Join(errs...)
}
