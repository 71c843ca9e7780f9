// Package config loads the server configuration from YAML with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/payments"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/sweeper"
)

// Duration parses YAML values like "90s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RADIUSConfig holds the shared NAS-facing settings.
type RADIUSConfig struct {
	// Secret shared with the NAS for accounting and CoA.
	Secret string
	// SecretFile is read into Secret when Secret itself is unset.
	SecretFile string
	// AccountingAddress is the accounting listen address.
	AccountingAddress string
	// CoAPort is the NAS dynamic authorization port.
	CoAPort int
	// CoATimeout bounds one CoA exchange.
	CoATimeout time.Duration
}

// HTTPConfig holds the operational HTTP endpoint settings.
type HTTPConfig struct {
	Address         string
	MetricsInterval time.Duration
}

// Config is the full server configuration.
type Config struct {
	LogLevel string

	// InMemory runs without Postgres and Redis. Meant for development.
	InMemory bool

	HTTP     HTTPConfig
	RADIUS   RADIUSConfig
	Database store.PostgresConfig
	Redis    payments.RedisConfig
	Sweeper  sweeper.Config
}

// fileConfig is the YAML schema. Durations are strings so operators
// can write "5m" instead of nanosecond counts.
type fileConfig struct {
	LogLevel *string `yaml:"log_level"`
	InMemory *bool   `yaml:"in_memory"`

	HTTP struct {
		Address         *string   `yaml:"address"`
		MetricsInterval *Duration `yaml:"metrics_interval"`
	} `yaml:"http"`

	RADIUS struct {
		Secret            *string   `yaml:"secret"`
		SecretFile        *string   `yaml:"secret_file"`
		AccountingAddress *string   `yaml:"accounting_address"`
		CoAPort           *int      `yaml:"coa_port"`
		CoATimeout        *Duration `yaml:"coa_timeout"`
	} `yaml:"radius"`

	Database struct {
		Host            *string   `yaml:"host"`
		Port            *int      `yaml:"port"`
		User            *string   `yaml:"user"`
		Password        *string   `yaml:"password"`
		Database        *string   `yaml:"database"`
		SSLMode         *string   `yaml:"ssl_mode"`
		MaxOpenConns    *int      `yaml:"max_open_conns"`
		MaxIdleConns    *int      `yaml:"max_idle_conns"`
		ConnMaxLifetime *Duration `yaml:"conn_max_lifetime"`
	} `yaml:"database"`

	Redis struct {
		Address  *string `yaml:"address"`
		Password *string `yaml:"password"`
		DB       *int    `yaml:"db"`
	} `yaml:"redis"`

	Sweeper struct {
		Interval            *Duration `yaml:"interval"`
		AccountingRetention *Duration `yaml:"accounting_retention"`
		PostAuthRetention   *Duration `yaml:"postauth_retention"`
	} `yaml:"sweeper"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Address:         ":8080",
			MetricsInterval: 15 * time.Second,
		},
		RADIUS: RADIUSConfig{
			AccountingAddress: ":1813",
			CoAPort:           3799,
			CoATimeout:        5 * time.Second,
		},
		Database: store.DefaultPostgresConfig(),
		Redis:    payments.RedisConfig{Address: "localhost:6379"},
		Sweeper:  sweeper.DefaultConfig(),
	}
}

// Load reads the YAML file at path on top of the defaults, then
// applies environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
			}
			fc.apply(&cfg)
		}
	}

	cfg.applyEnv()

	if cfg.RADIUS.Secret == "" && cfg.RADIUS.SecretFile != "" {
		data, err := os.ReadFile(cfg.RADIUS.SecretFile)
		if err != nil {
			return cfg, fmt.Errorf("reading radius secret file: %w", err)
		}
		cfg.RADIUS.Secret = strings.TrimSpace(string(data))
	}

	return cfg, cfg.Validate()
}

func (fc *fileConfig) apply(cfg *Config) {
	setString(&cfg.LogLevel, fc.LogLevel)
	if fc.InMemory != nil {
		cfg.InMemory = *fc.InMemory
	}

	setString(&cfg.HTTP.Address, fc.HTTP.Address)
	setDuration(&cfg.HTTP.MetricsInterval, fc.HTTP.MetricsInterval)

	setString(&cfg.RADIUS.Secret, fc.RADIUS.Secret)
	setString(&cfg.RADIUS.SecretFile, fc.RADIUS.SecretFile)
	setString(&cfg.RADIUS.AccountingAddress, fc.RADIUS.AccountingAddress)
	setInt(&cfg.RADIUS.CoAPort, fc.RADIUS.CoAPort)
	setDuration(&cfg.RADIUS.CoATimeout, fc.RADIUS.CoATimeout)

	setString(&cfg.Database.Host, fc.Database.Host)
	setInt(&cfg.Database.Port, fc.Database.Port)
	setString(&cfg.Database.User, fc.Database.User)
	setString(&cfg.Database.Password, fc.Database.Password)
	setString(&cfg.Database.Database, fc.Database.Database)
	setString(&cfg.Database.SSLMode, fc.Database.SSLMode)
	setInt(&cfg.Database.MaxOpenConns, fc.Database.MaxOpenConns)
	setInt(&cfg.Database.MaxIdleConns, fc.Database.MaxIdleConns)
	setDuration(&cfg.Database.ConnMaxLifetime, fc.Database.ConnMaxLifetime)

	setString(&cfg.Redis.Address, fc.Redis.Address)
	setString(&cfg.Redis.Password, fc.Redis.Password)
	setInt(&cfg.Redis.DB, fc.Redis.DB)

	setDuration(&cfg.Sweeper.Interval, fc.Sweeper.Interval)
	setDuration(&cfg.Sweeper.AccountingRetention, fc.Sweeper.AccountingRetention)
	setDuration(&cfg.Sweeper.PostAuthRetention, fc.Sweeper.PostAuthRetention)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *Duration) {
	if src != nil {
		*dst = src.Std()
	}
}

// applyEnv pulls secrets from the environment so they stay out of the
// config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("VUKAWIFI_RADIUS_SECRET"); v != "" {
		c.RADIUS.Secret = v
	}
	if v := os.Getenv("VUKAWIFI_RADIUS_SECRET_FILE"); v != "" {
		c.RADIUS.SecretFile = v
	}
	if v := os.Getenv("VUKAWIFI_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("VUKAWIFI_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("VUKAWIFI_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the settings a running server cannot do without.
func (c *Config) Validate() error {
	if c.RADIUS.Secret == "" {
		return fmt.Errorf("radius secret is required (radius.secret or VUKAWIFI_RADIUS_SECRET)")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}
