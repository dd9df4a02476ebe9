// Package config loads service settings from an optional YAML file, a local
// .env file and WELLNESS_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	// devJWTSecret is only ever used when app.env is dev.
	devJWTSecret = "dev-only-secret"
)

type Config struct {
	App struct {
		Env string
	} `mapstructure:"app"`

	HTTP struct {
		Addr string
	} `mapstructure:"http"`

	Storage struct {
		Driver string
	} `mapstructure:"storage"`

	SQLite struct {
		Path string
	} `mapstructure:"sqlite"`

	Postgres struct {
		DSN     string
		Migrate bool
	} `mapstructure:"postgres"`

	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
		Issuer    string
	} `mapstructure:"auth"`

	Metrics struct {
		Enabled bool
	} `mapstructure:"metrics"`

	Tracing struct {
		Endpoint    string
		ServiceName string `mapstructure:"service_name"`
	} `mapstructure:"tracing"`

	Notify struct {
		QueueSize     int              `mapstructure:"queue_size"`
		TelegramToken string           `mapstructure:"telegram_token"`
		TelegramChats map[string]int64 `mapstructure:"telegram_chats"`
		Timeout       time.Duration
	} `mapstructure:"notify"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("sqlite.path", "./sessions.db")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.migrate", true)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "session-ledger")
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.telegram_token", "")
	v.SetDefault("notify.telegram_chats", map[string]int64{})
}

// Load reads path (if non-empty) and the environment. A missing .env file is
// not an error; a missing config file that was asked for is.
func Load(path string) (Config, error) {
	if err := gotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("WELLNESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.SQLite.Path == "" {
			return errors.New("config: sqlite.path is required")
		}
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("config: postgres.dsn is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}

	if c.Auth.JWTSecret == "" {
		if !c.IsDev() {
			return errors.New("config: auth.jwt_secret is required outside dev")
		}
		c.Auth.JWTSecret = devJWTSecret
	}
	if c.Notify.QueueSize <= 0 {
		return errors.New("config: notify.queue_size must be positive")
	}
	return nil
}

func (c Config) IsDev() bool { return c.App.Env == "dev" }
