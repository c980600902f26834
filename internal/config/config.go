package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Runtime  RuntimeConfig  `toml:"runtime"`
	Games    GamesConfig    `toml:"games"`
	Logging  LoggingConfig  `toml:"logging"`
}

type ServerConfig struct {
	Name      string `toml:"name"`
	StartTime int64  // set at boot, not from config
}

type DatabaseConfig struct {
	DSN             string        `toml:"dsn"` // empty means in-memory datastore
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

type RuntimeConfig struct {
	TickRate     time.Duration `toml:"tick_rate"`
	ScriptBudget time.Duration `toml:"script_budget"` // per-tick Lua execution ceiling
	MaxInstances int           `toml:"max_instances"`
	QueueLimit   int           `toml:"queue_limit"`
}

type GamesConfig struct {
	Dir string `toml:"dir"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Server.StartTime = time.Now().Unix()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Name: "agent-arena",
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Runtime: RuntimeConfig{
			TickRate:     50 * time.Millisecond,
			ScriptBudget: 25 * time.Millisecond,
			MaxInstances: 64,
			QueueLimit:   4096,
		},
		Games: GamesConfig{
			Dir: "games",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
