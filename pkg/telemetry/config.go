package telemetry

import (
	"fmt"
)

// Config contains the telemetry configuration for the padstrap agent.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"service_version"`

	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing contains tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"enable_caller"`
}

// TracingConfig configures tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `yaml:"enabled"`

	// Exporter specifies the trace exporter (stdout, none).
	Exporter string `yaml:"exporter"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected.
	Enabled bool `yaml:"enabled"`

	// Namespace is the Prometheus namespace for all metrics.
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns a telemetry configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "padstrap",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "none",
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "padstrap",
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "none":
	default:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0.0 and 1.0")
	}
	return nil
}
