// Package config loads the Dynamic Mount Service configuration from
// defaults, a YAML file, and the environment, in that order of increasing
// precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the Dynamic Mount Service configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DMS_*, "." replaced with "_")
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
type Config struct {
	// NodeID identifies this server instance's inbound queue (dms.<node_id>).
	NodeID string `mapstructure:"node_id" validate:"required" yaml:"node_id"`

	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	AdminAPI  AdminAPIConfig  `mapstructure:"admin_api" yaml:"admin_api"`

	Broker BrokerConfig `mapstructure:"broker" yaml:"broker"`
	Ledger LedgerConfig `mapstructure:"ledger" yaml:"ledger"`
	Lock   LockConfig   `mapstructure:"lock" yaml:"lock"`
	Mount  MountConfig  `mapstructure:"mount" yaml:"mount"`

	// AuthURL is the external identity service used to validate the
	// caller-supplied token. DMS never issues tokens itself.
	AuthURL string `mapstructure:"auth_url" yaml:"auth_url"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing. Opt-in.
type TelemetryConfig struct {
	Enabled    bool            `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string          `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool            `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64         `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
	Profiling  ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling. Opt-in.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus /metrics HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// AdminAPIConfig configures the read-only/soft-delete admin HTTP API.
type AdminAPIConfig struct {
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	Port             int    `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
	JWTPublicKeyPath string `mapstructure:"jwt_public_key_path" yaml:"jwt_public_key_path"`
}

// BrokerConfig configures the AMQP connection used for mount/unmount RPCs.
type BrokerConfig struct {
	URL        string        `mapstructure:"url" validate:"required" yaml:"url"`
	RPCTimeout time.Duration `mapstructure:"rpc_timeout" validate:"required,gt=0" yaml:"rpc_timeout"`
	Heartbeat  time.Duration `mapstructure:"heartbeat" validate:"required,gt=0" yaml:"heartbeat"`
	Prefetch   int           `mapstructure:"prefetch" validate:"required,gt=0" yaml:"prefetch"`
	QueueTTL   time.Duration `mapstructure:"queue_ttl" yaml:"queue_ttl"`
}

// LedgerConfig configures the Postgres-backed reference-count ledger.
type LedgerConfig struct {
	URL string `mapstructure:"url" validate:"required" yaml:"url"`
}

// LockConfig configures the cross-process host lock.
type LockConfig struct {
	Dir          string        `mapstructure:"dir" validate:"required" yaml:"dir"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"required,gt=0" yaml:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required,gt=0" yaml:"poll_interval"`
}

// MountConfig configures the mount executor and FUSE process registry.
type MountConfig struct {
	BasePath                  string        `mapstructure:"base_path" validate:"required" yaml:"base_path"`
	PIDDir                    string        `mapstructure:"pid_dir" validate:"required" yaml:"pid_dir"`
	FuseBinaryPath            string        `mapstructure:"fuse_binary_path" validate:"required" yaml:"fuse_binary_path"`
	PrivilegedMountHelperPath string        `mapstructure:"privileged_mount_helper_path" yaml:"privileged_mount_helper_path"`
	PrivilegedMountHelperConf string        `mapstructure:"privileged_mount_helper_conf" yaml:"privileged_mount_helper_conf"`
	S3ProbeBucket             bool          `mapstructure:"s3_probe_bucket" yaml:"s3_probe_bucket"`
	S3ProbeTimeout            time.Duration `mapstructure:"s3_probe_timeout" yaml:"s3_probe_timeout"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !found {
		cfg := GetDefaultConfig()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("default configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration, returning a user-friendly error if no config
// file exists at the given (or default) path.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Create one with:\n  dmsctl config init",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML with restricted permissions, since
// it may carry broker/ledger DSNs with embedded credentials.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var structValidator = validator.New()

// Validate runs struct-tag validation over cfg using go-playground/validator.
func Validate(cfg *Config) error {
	return structValidator.Struct(cfg)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("DMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings/numbers to time.Duration so config
// files can use "30s", "5m", "1h" instead of raw nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dms")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dms")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
