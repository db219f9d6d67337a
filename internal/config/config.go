package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the idemgate service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// StorageConfig selects the idempotency backend. Backend is either "redis"
// (shared across instances) or "memory" (single instance only).
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// IdempotencyConfig holds the coordinator options, set once per deployment.
type IdempotencyConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	RequireKey        bool          `mapstructure:"require_key"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout"`
	ValidateSignature bool          `mapstructure:"validate_signature"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

type ObservabilityConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
}

// Options influence where configuration is loaded from.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment
// variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("IDEMGATE_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		// Allow standard lookup locations when no explicit file is provided.
		v.SetConfigName("idemgate")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("IDEMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and consistent.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("missing required configuration: IDEMGATE_REDIS_URL")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be \"redis\" or \"memory\", got %q", c.Storage.Backend)
	}

	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be > 0")
	}
	if c.Idempotency.WaitTimeout < 0 {
		return fmt.Errorf("idempotency.wait_timeout must be >= 0")
	}
	if c.Idempotency.WaitTimeout > 0 && c.Idempotency.PollInterval <= 0 {
		return fmt.Errorf("idempotency.poll_interval must be > 0 when wait_timeout is set")
	}
	if c.Observability.EnableOTLP && c.Observability.OTLPEndpoint == "" {
		c.Observability.OTLPEndpoint = "localhost:4317"
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.body_limit_mb", 4)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 0)

	v.SetDefault("storage.backend", "redis")
	v.SetDefault("storage.key_prefix", "idem:")

	v.SetDefault("idempotency.ttl", "300s")
	v.SetDefault("idempotency.require_key", true)
	v.SetDefault("idempotency.wait_timeout", "0s")
	v.SetDefault("idempotency.validate_signature", true)
	v.SetDefault("idempotency.poll_interval", "100ms")

	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.otlp_endpoint", "")
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
