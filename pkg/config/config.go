package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds everything the emergency stop needs, resolved once at startup
type Config struct {
	ECSCluster  string `mapstructure:"ecs_cluster" yaml:"ecs_cluster" json:"ecs_cluster"`
	RDSInstance string `mapstructure:"rds_instance" yaml:"rds_instance" json:"rds_instance"`
	Region      string `mapstructure:"aws_region" yaml:"aws_region,omitempty" json:"aws_region,omitempty"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" json:"log_format"` // json or text

	// ECS UpdateService pacing
	ECSUpdateRPS   float64 `mapstructure:"ecs_update_rps" yaml:"ecs_update_rps" json:"ecs_update_rps"`
	ECSUpdateBurst int     `mapstructure:"ecs_update_burst" yaml:"ecs_update_burst" json:"ecs_update_burst"`

	TracingEnabled bool   `mapstructure:"tracing_enabled" yaml:"tracing_enabled" json:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otel_exporter_otlp_endpoint" yaml:"otel_exporter_otlp_endpoint,omitempty" json:"otel_exporter_otlp_endpoint,omitempty"`

	// Used by the HTTP transport only
	ListenAddr string   `mapstructure:"listen_addr" yaml:"listen_addr" json:"listen_addr"`
	APIToken   string   `mapstructure:"api_token" yaml:"-" json:"-"`
	TopicARNs  []string `mapstructure:"sns_topic_arns" yaml:"sns_topic_arns,omitempty" json:"sns_topic_arns,omitempty"`
	TLSCert    string   `mapstructure:"tls_cert_file" yaml:"tls_cert_file,omitempty" json:"tls_cert_file,omitempty"`
	TLSKey     string   `mapstructure:"tls_key_file" yaml:"tls_key_file,omitempty" json:"tls_key_file,omitempty"`
}

// Environment variables bound to config keys. The key is the variable name
// lower-cased, so only the ones needing an explicit binding are listed here.
var envKeys = []string{
	"ecs_cluster",
	"rds_instance",
	"aws_region",
	"log_level",
	"log_format",
	"ecs_update_rps",
	"ecs_update_burst",
	"tracing_enabled",
	"otel_exporter_otlp_endpoint",
	"listen_addr",
	"api_token",
	"sns_topic_arns",
	"tls_cert_file",
	"tls_key_file",
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("ecs_update_rps", 5.0)
	v.SetDefault("ecs_update_burst", 5)
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("otel_exporter_otlp_endpoint", "localhost:4318")
	v.SetDefault("listen_addr", ":8080")
}

// New returns a viper instance with defaults and environment bindings applied.
// If cfgFile is non-empty it is read as the config file.
func New(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	return v, nil
}

// Load resolves configuration from the environment (and cfgFile, if given)
// and validates it.
func Load(cfgFile string) (*Config, error) {
	v, err := New(cfgFile)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper decodes and validates the config held by v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ECSCluster = strings.TrimSpace(cfg.ECSCluster)
	cfg.RDSInstance = strings.TrimSpace(cfg.RDSInstance)

	topics := cfg.TopicARNs[:0]
	for _, arn := range cfg.TopicARNs {
		if arn = strings.TrimSpace(arn); arn != "" {
			topics = append(topics, arn)
		}
	}
	cfg.TopicARNs = topics

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the required identifiers are present
func (c *Config) Validate() error {
	var errs []error
	if c.ECSCluster == "" {
		errs = append(errs, errors.New("ECS_CLUSTER is required"))
	}
	if c.RDSInstance == "" {
		errs = append(errs, errors.New("RDS_INSTANCE is required"))
	}
	if c.ECSUpdateRPS <= 0 {
		errs = append(errs, fmt.Errorf("ECS_UPDATE_RPS must be positive, got %v", c.ECSUpdateRPS))
	}
	if c.ECSUpdateBurst < 1 {
		errs = append(errs, fmt.Errorf("ECS_UPDATE_BURST must be at least 1, got %d", c.ECSUpdateBurst))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// TLSEnabled reports whether the HTTP transport serves HTTPS
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// JSONLogs reports whether logs should be emitted as JSON lines
func (c *Config) JSONLogs() bool {
	return strings.EqualFold(c.LogFormat, "json")
}
