// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const EnvProduction = "production"

type Config struct {
	Port           string   `env:"PORT" envDefault:"5000"`
	Env            string   `env:"CODESYNC_ENV" envDefault:"development"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string   `env:"LOG_FORMAT" envDefault:"text"`
	DBPath         string   `env:"CODESYNC_DB_PATH" envDefault:"./data/codesync.db"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	Compiler     Compiler `envPrefix:"COMPILER_"`
	CompileRate  float64  `env:"COMPILE_RATE_PER_SECOND" envDefault:"2"`
	CompileBurst int      `env:"COMPILE_BURST" envDefault:"5"`

	WSMessagesPerSecond float64 `env:"WS_MESSAGES_PER_SECOND" envDefault:"100"`
	WSMessageBurst      int     `env:"WS_MESSAGE_BURST" envDefault:"200"`

	Retention Retention `envPrefix:"RETENTION_"`
}

// Compiler credentials come only from the environment
type Compiler struct {
	URL          string        `env:"URL" envDefault:"https://api.jdoodle.com/v1/execute"`
	ClientID     string        `env:"CLIENT_ID"`
	ClientSecret string        `env:"CLIENT_SECRET"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"15s"`
}

type Retention struct {
	Interval time.Duration `env:"INTERVAL" envDefault:"1h"`
	MaxAge   time.Duration `env:"MAX_AGE" envDefault:"720h"`
}

func (c Config) Production() bool {
	return c.Env == EnvProduction
}

func (c Config) Addr() string {
	return ":" + c.Port
}

// Load reads an optional .env file (or the given files), then the
// environment. Variables already set win over file values.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}

	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}

	c.LogFormat = strings.ToLower(c.LogFormat)
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid LOG_FORMAT %q: want text or json", c.LogFormat)
	}

	if c.CompileRate <= 0 || c.CompileBurst <= 0 {
		return errors.New("COMPILE_RATE_PER_SECOND and COMPILE_BURST must be positive")
	}
	if c.WSMessagesPerSecond <= 0 || c.WSMessageBurst <= 0 {
		return errors.New("WS_MESSAGES_PER_SECOND and WS_MESSAGE_BURST must be positive")
	}
	if c.Compiler.Timeout <= 0 {
		return errors.New("COMPILER_TIMEOUT must be positive")
	}
	if c.Retention.Interval <= 0 || c.Retention.MaxAge <= 0 {
		return errors.New("RETENTION_INTERVAL and RETENTION_MAX_AGE must be positive")
	}

	for i, origin := range c.AllowedOrigins {
		c.AllowedOrigins[i] = strings.TrimSpace(origin)
	}
	return nil
}
