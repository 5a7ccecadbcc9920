package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/psantana5/platform-worker/pkg/logging"
)

// EnvPrefix is prepended to every setting read from the environment
const EnvPrefix = "PLATFORM_WORKER"

const (
	DefaultServiceName     = "platform-worker"
	DefaultHealthAddr      = "0.0.0.0:8001"
	DefaultMetricsAddr     = ":9091"
	DefaultInterval        = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultOTLPEndpoint    = "http://localhost:4318"
	UnknownRegion          = "unknown"
)

var (
	ErrInvalidInterval   = errors.New("interval must be positive")
	ErrInvalidHealthAddr = errors.New("health address must be host:port")
	ErrInvalidLogFormat  = errors.New("log format must be text or json")

	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
)

// Config is the complete worker configuration, built once in main and passed
// to every component.
type Config struct {
	ServiceName     string        `yaml:"service_name" json:"service_name"`
	Region          string        `yaml:"region" json:"region"`
	HealthAddr      string        `yaml:"health_addr" json:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr" json:"metrics_addr"`
	Interval        time.Duration `yaml:"interval" json:"interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level" json:"log_level"`
	LogFormat       string        `yaml:"log_format" json:"log_format"`
	Tracing         TracingConfig `yaml:"tracing" json:"tracing"`
}

// TracingConfig controls the OTLP exporter
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("service_name", DefaultServiceName)
	v.SetDefault("region", UnknownRegion)
	v.SetDefault("health_addr", DefaultHealthAddr)
	v.SetDefault("metrics_addr", DefaultMetricsAddr)
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", DefaultOTLPEndpoint)
}

// NewViper returns a viper instance wired to the environment. AWS_REGION is
// read as-is; everything else uses the PLATFORM_WORKER_ prefix.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	if err := v.BindEnv("region", "AWS_REGION"); err != nil {
		return nil, fmt.Errorf("bind env AWS_REGION: %w", err)
	}
	return v, nil
}

// FlagKey maps a dash-separated flag name onto its config key,
// e.g. "health-addr" -> "health_addr", "tracing-endpoint" -> "tracing.endpoint".
func FlagKey(name string) string {
	if rest, ok := strings.CutPrefix(name, "tracing-"); ok {
		return "tracing." + strings.ReplaceAll(rest, "-", "_")
	}
	return strings.ReplaceAll(name, "-", "_")
}

// BindFlags binds every flag in the set onto its config key
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(FlagKey(f.Name), f); err != nil {
			errs = append(errs, fmt.Errorf("bind flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Load builds a Config from v and validates it
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ServiceName:     v.GetString("service_name"),
		Region:          strings.TrimSpace(v.GetString("region")),
		HealthAddr:      v.GetString("health_addr"),
		MetricsAddr:     v.GetString("metrics_addr"),
		Interval:        v.GetDuration("interval"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       strings.ToLower(v.GetString("log_format")),
		Tracing: TracingConfig{
			Enabled:  v.GetBool("tracing.enabled"),
			Endpoint: v.GetString("tracing.endpoint"),
		},
	}

	if cfg.Region == "" {
		cfg.Region = UnknownRegion
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields that would otherwise fail late
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidInterval, c.Interval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}
	if _, _, err := net.SplitHostPort(c.HealthAddr); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidHealthAddr, c.HealthAddr)
	}
	if c.LogFormat != string(logging.FormatText) && c.LogFormat != string(logging.FormatJSON) {
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.LogFormat)
	}
	return nil
}

// NewLogger builds the process logger described by the config
func (c *Config) NewLogger() *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(c.LogLevel), logging.ParseFormat(c.LogFormat))
}
