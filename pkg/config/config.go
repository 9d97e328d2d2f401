// Package config loads and validates the agent's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/padstrap/padstrap/pkg/telemetry"
)

// Duration is a time.Duration that unmarshals from YAML strings like "120s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the agent configuration.
type Config struct {
	// Helper configures the external command-execution helper.
	Helper HelperConfig `yaml:"helper" validate:"required"`

	// Provision configures the step catalog.
	Provision ProvisionConfig `yaml:"provision"`

	// Install configures the package install pipeline.
	Install InstallConfig `yaml:"install"`

	// Auth configures the OAuth2 login flow.
	Auth AuthConfig `yaml:"auth"`

	// Store configures local persistence.
	Store StoreConfig `yaml:"store" validate:"required"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// HelperConfig configures the helper transport.
type HelperConfig struct {
	// Path is the helper binary.
	Path string `yaml:"path" validate:"required"`

	// Args are extra arguments passed to the helper.
	Args []string `yaml:"args,omitempty"`

	// StartupTimeout bounds the wait for the helper's READY message.
	StartupTimeout Duration `yaml:"startup_timeout"`
}

// ProvisionConfig configures the provisioning sequence.
type ProvisionConfig struct {
	// ScriptDir holds the versioned step scripts the helper executes.
	ScriptDir string `yaml:"script_dir" validate:"required"`

	// Timeouts overrides the catalog timeout for individual steps, keyed by
	// step id.
	Timeouts map[string]Duration `yaml:"timeouts,omitempty"`
}

// InstallConfig configures the install pipeline.
type InstallConfig struct {
	// Root is the directory packages install into.
	Root string `yaml:"root" validate:"required"`

	// StatusTimeout bounds the wait for a committed session's status.
	StatusTimeout Duration `yaml:"status_timeout"`
}

// AuthConfig configures the login flow.
type AuthConfig struct {
	// ClientID is the OAuth2 client identifier. Login is unavailable when
	// unset; provisioning does not require it.
	ClientID string `yaml:"client_id"`

	// AuthURL is the authorization endpoint.
	AuthURL string `yaml:"auth_url" validate:"omitempty,url"`

	// TokenURL is the token endpoint.
	TokenURL string `yaml:"token_url" validate:"omitempty,url"`

	// Scopes are the requested OAuth2 scopes.
	Scopes []string `yaml:"scopes,omitempty"`

	// LoginTimeout bounds the wait for the authorization redirect.
	LoginTimeout Duration `yaml:"login_timeout"`

	// IdentityPath is where the at-rest encryption identity lives.
	IdentityPath string `yaml:"identity_path" validate:"required"`
}

// StoreConfig configures local persistence.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required"`
}

// Default returns a configuration with defaults applied. Paths default
// under the user's data directory.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Helper: HelperConfig{
			Path:           "/usr/libexec/pad-helper",
			StartupTimeout: Duration(10 * time.Second),
		},
		Provision: ProvisionConfig{
			ScriptDir: dataDir + "/scripts",
		},
		Install: InstallConfig{
			Root:          dataDir + "/packages",
			StatusTimeout: Duration(120 * time.Second),
		},
		Auth: AuthConfig{
			LoginTimeout: Duration(120 * time.Second),
			IdentityPath: dataDir + "/identity.age",
		},
		Store: StoreConfig{
			Path: dataDir + "/padstrap.db",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return c.Telemetry.Validate()
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/padstrap"
	}
	return ".padstrap"
}
