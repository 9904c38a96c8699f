package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// AppConfig carries the operational knobs of the duel server. Gameplay
// constants (grace window, question timeout, tier ladder) live with the
// packages that own them.
type AppConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	BotPoolMin         int `yaml:"bot_pool_min"`
	BotAfterSec        int `yaml:"bot_after_sec"`
	ReconnectWindowSec int `yaml:"reconnect_window_sec"`
	EnergyCost         int `yaml:"energy_cost"`

	WeeklyResetDay     string `yaml:"weekly_reset_day"`
	WeeklyResetHourUTC int    `yaml:"weekly_reset_hour_utc"`
}

// Load builds the config from an optional YAML file (CONFIG_FILE) with
// environment variables taking precedence over file values.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:         ":8080",
		BotPoolMin:         20,
		BotAfterSec:        15,
		ReconnectWindowSec: 90,
		EnergyCost:         1,
		WeeklyResetDay:     "monday",
		WeeklyResetHourUTC: 3,
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BOT_POOL_MIN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BotPoolMin = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("BOT_AFTER_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.BotAfterSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RECONNECT_WINDOW_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReconnectWindowSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ENERGY_COST")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.EnergyCost = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("WEEKLY_RESET_DAY")); v != "" {
		cfg.WeeklyResetDay = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("WEEKLY_RESET_HOUR_UTC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 23 {
			cfg.WeeklyResetHourUTC = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
}
