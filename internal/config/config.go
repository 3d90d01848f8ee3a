// Package config provides configuration management for swupdd.
// It uses koanf v2 to load configuration from YAML files and can render the
// effective configuration back as YAML (see Dump).
//
// Configuration is loaded from /etc/swupdd/config.yaml by default. The daemon
// is normally bus-activated with no configuration at all, so a missing file at
// the default location is not an error: built-in defaults are used instead.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location for the daemon configuration file.
const DefaultConfigPath = "/etc/swupdd/config.yaml"

// Defaults for the published identity.
const (
	DefaultServiceName = "org.O1.swupdd.Client"
	DefaultObjectPath  = "/org/O1/swupdd/Client"
	DefaultInterface   = "org.O1.swupdd.Client"
)

// Config holds the daemon configuration loaded from the YAML config file.
// Fields are tagged for both koanf (loading) and yaml (Dump).
type Config struct {
	// Bus selects the message bus: "system" or "session".
	// Default: "system".
	Bus string `koanf:"bus" yaml:"bus"`

	// ServiceName is the well-known bus name the daemon acquires.
	ServiceName string `koanf:"service_name" yaml:"service_name"`

	// ObjectPath is where the method object is exported.
	ObjectPath string `koanf:"object_path" yaml:"object_path"`

	// Interface is the interface methods and signals belong to.
	Interface string `koanf:"interface" yaml:"interface"`

	// Program is the external update client, resolved through PATH.
	// Default: "swupd".
	Program string `koanf:"program" yaml:"program"`

	// IdleTimeout is how long (in seconds) the daemon stays up with nothing to do.
	// Default: 30 seconds.
	IdleTimeout int `koanf:"idle_timeout" yaml:"idle_timeout"`

	// LogLevel controls the verbosity of daemon logging.
	// Valid values: "debug", "info", "warn", "error".
	// Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// LogFile, when set, sends logs to a rotated file instead of stdout.
	LogFile string `koanf:"log_file" yaml:"log_file,omitempty"`

	// LogMaxSizeMB is the size at which the log file is rotated.
	// Default: 10.
	LogMaxSizeMB int `koanf:"log_max_size_mb" yaml:"log_max_size_mb"`

	// LogMaxBackups is how many rotated files are kept.
	// Default: 3.
	LogMaxBackups int `koanf:"log_max_backups" yaml:"log_max_backups"`

	// LogMaxAgeDays is how long rotated files are kept.
	// Default: 28.
	LogMaxAgeDays int `koanf:"log_max_age_days" yaml:"log_max_age_days"`

	// LogCompress gzips rotated files.
	LogCompress bool `koanf:"log_compress" yaml:"log_compress"`

	// NATSServers is a comma-separated list of NATS server URLs.
	// If set, bus events are mirrored to NATS.
	NATSServers string `koanf:"nats_servers" yaml:"nats_servers,omitempty"`

	// NATSNKeySeed is the optional NKey seed for NATS authentication.
	NATSNKeySeed string `koanf:"nats_nkey_seed" yaml:"nats_nkey_seed,omitempty"`

	// NATSSubject is the subject prefix for mirrored events.
	// Default: "swupdd.events".
	NATSSubject string `koanf:"nats_subject" yaml:"nats_subject"`
}

// Validation errors returned by Load.
var (
	ErrInvalidBus         = errors.New("bus must be \"system\" or \"session\"")
	ErrInvalidIdleTimeout = errors.New("idle_timeout must be positive")
	ErrProgramRequired    = errors.New("program is required")
	ErrInvalidObjectPath  = errors.New("object_path is not a valid object path")
	ErrServiceRequired    = errors.New("service_name and interface are required")
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads configuration from the specified YAML file path.
// It applies defaults for optional fields and validates the result.
// A missing file at DefaultConfigPath yields the defaults; a missing file
// anywhere else is an error.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath {
		return Default(), nil
	}

	k := koanf.New(".")

	// Load YAML file
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional configuration fields.
func (c *Config) applyDefaults() {
	if c.Bus == "" {
		c.Bus = "system"
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.ObjectPath == "" {
		c.ObjectPath = DefaultObjectPath
	}
	if c.Interface == "" {
		c.Interface = DefaultInterface
	}
	if c.Program == "" {
		c.Program = "swupd"
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 10
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = 3
	}
	if c.LogMaxAgeDays == 0 {
		c.LogMaxAgeDays = 28
	}
	if c.NATSSubject == "" {
		c.NATSSubject = "swupdd.events"
	}
}

// validate checks that configuration fields are present and valid.
func (c *Config) validate() error {
	if c.Bus != "system" && c.Bus != "session" {
		return ErrInvalidBus
	}
	if c.IdleTimeout <= 0 {
		return ErrInvalidIdleTimeout
	}
	if c.Program == "" {
		return ErrProgramRequired
	}
	if !dbus.ObjectPath(c.ObjectPath).IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidObjectPath, c.ObjectPath)
	}
	if c.ServiceName == "" || c.Interface == "" {
		return ErrServiceRequired
	}
	return nil
}

// Idle returns the idle window as a duration.
func (c *Config) Idle() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

// NATSEnabled returns true if a NATS mirror is configured.
func (c *Config) NATSEnabled() bool {
	return c.NATSServers != ""
}

// Dump renders the configuration as YAML.
func Dump(cfg *Config) ([]byte, error) {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
