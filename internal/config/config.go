// Package config provides the typed configuration surface shared by the
// ingestor-server and ingestor-worker commands, sourced via viper so every
// setting can come from flags, environment variables or a config file
// (spec §6's environment contract: broker/key-value/graph-store URIs must
// be resolvable at start).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/buildbeaver/ingestioncore/common/logger"
)

// Config is the full process configuration. Not every field applies to
// every command; ingestor-worker ignores HTTPAddress, ingestor-server
// ignores MetricsAddress.
type Config struct {
	BrokerURI      string                `mapstructure:"broker_uri"`
	KeyValueURI    string                `mapstructure:"key_value_uri"`
	GraphStoreURI  string                `mapstructure:"graph_store_uri"`
	HTTPAddress    string                `mapstructure:"http_address"`
	MetricsAddress string                `mapstructure:"metrics_address"`
	LogLevels      logger.LogLevelConfig `mapstructure:"log_levels"`
	TaskTimeout    time.Duration         `mapstructure:"task_timeout"`
	HealthTimeout  time.Duration         `mapstructure:"health_timeout"`
	Heartbeat      time.Duration         `mapstructure:"heartbeat"`
}

// Load reads configuration from flags, environment (INGESTIONCORE_ prefix)
// and an optional config file; precedence, highest first, is
// flags > env > file > defaults (viper's standard precedence).
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGESTIONCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("broker_uri", "redis://localhost:6379/0")
	v.SetDefault("key_value_uri", "redis://localhost:6379/0")
	v.SetDefault("graph_store_uri", "")
	v.SetDefault("http_address", ":8080")
	v.SetDefault("metrics_address", ":9100")
	v.SetDefault("log_levels", "")
	v.SetDefault("task_timeout", 3600*time.Second)
	v.SetDefault("health_timeout", 2*time.Second)
	v.SetDefault("heartbeat", 30*time.Second)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if cfgFile := v.GetString("config_file"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if cfg.BrokerURI == "" {
		return nil, fmt.Errorf("broker_uri must be resolvable at start")
	}
	if cfg.KeyValueURI == "" {
		return nil, fmt.Errorf("key_value_uri must be resolvable at start")
	}
	return &cfg, nil
}

// RegisterFlags attaches the command-line flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("broker_uri", "", "Redis URI backing the task broker")
	fs.String("key_value_uri", "", "Redis URI backing progress/dependency state")
	fs.String("graph_store_uri", "", "URI of the graph store used by downstream steps")
	fs.String("http_address", ":8080", "address the Job Service HTTP API listens on")
	fs.String("metrics_address", ":9100", "address the worker's Prometheus metrics endpoint listens on")
	fs.String("log_levels", "", "comma-separated subsystem=level log level overrides")
	fs.Duration("task_timeout", 3600*time.Second, "upper bound on a single step's wall-clock runtime")
	fs.Duration("health_timeout", 2*time.Second, "per-component health check timeout")
	fs.Duration("heartbeat", 30*time.Second, "WebSocket heartbeat interval")
	fs.String("config_file", "", "optional path to a YAML/JSON config file")
}
