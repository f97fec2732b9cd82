package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fianchetto/arbiter/internal/models"
)

type Config struct {
	Environment string `json:"environment"`
	Server      struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"server"`
	SQLite struct {
		Path string `json:"path"`
	} `json:"sqlite"`
	Redis struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	} `json:"redis"`
	Frontend struct {
		URL string `json:"url"`
	} `json:"frontend"`
	JWT struct {
		Secret string `json:"secret"`
	} `json:"jwt"`
	OAuth struct {
		GoogleClientID     string `json:"googleClientId"`
		GoogleClientSecret string `json:"googleClientSecret"`
		GoogleRedirectURL  string `json:"googleRedirectUrl"`
	} `json:"oauth"`
	Game struct {
		DefaultTimeControlMinutes int  `json:"defaultTimeControlMinutes"`
		TimerBroadcastSeconds     int  `json:"timerBroadcastSeconds"`
		IdleTimeoutSeconds        int  `json:"idleTimeoutSeconds"`
		SweepIntervalSeconds      int  `json:"sweepIntervalSeconds"`
		RateAllDecisive           bool `json:"rateAllDecisive"`
	} `json:"game"`
}

// Default returns a config good enough for local development: SQLite
// in ./data, Redis on its standard port, everything else tuned to the
// shipped values.
func Default() *Config {
	cfg := &Config{Environment: "dev"}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 3000
	cfg.SQLite.Path = "data/arbiter.db"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Frontend.URL = "http://localhost:5173"
	cfg.JWT.Secret = "dev-secret-change-me"
	cfg.Game.DefaultTimeControlMinutes = models.DefaultTimeControlMinutes
	cfg.Game.TimerBroadcastSeconds = 5
	cfg.Game.IdleTimeoutSeconds = 180
	cfg.Game.SweepIntervalSeconds = 60
	cfg.Game.RateAllDecisive = true
	return cfg
}

// Load reads configs/config.<env>.json, expanding ${VAR} references
// from the environment. Missing fields fall back to defaults.
func Load(env string) (*Config, error) {
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "configs"
	}

	filename := fmt.Sprintf("config.%s.json", env)
	configPath := filepath.Join(configDir, filename)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	configStr := expandEnvVars(string(data))

	cfg := Default()
	if err := json.Unmarshal([]byte(configStr), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Environment = env
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Server.Port <= 0 {
		c.Server.Port = 3000
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = "data/arbiter.db"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	c.Game.DefaultTimeControlMinutes = models.NormalizeTimeControl(c.Game.DefaultTimeControlMinutes)
	if c.Game.TimerBroadcastSeconds <= 0 {
		c.Game.TimerBroadcastSeconds = 5
	}
	if c.Game.IdleTimeoutSeconds <= 0 {
		c.Game.IdleTimeoutSeconds = 180
	}
	if c.Game.SweepIntervalSeconds <= 0 {
		c.Game.SweepIntervalSeconds = 60
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func GetEnv() string {
	env := os.Getenv("ARBITER_ENV")
	if env == "" {
		return "dev"
	}
	return env
}
