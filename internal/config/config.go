// Package config provides YAML-based configuration loading for leadline.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zulandar/leadline/internal/convo"
)

// Environment variables that override secrets in the YAML file.
const (
	EnvGatewayToken = "LEADLINE_GATEWAY_TOKEN"
	EnvSlackToken   = "LEADLINE_SLACK_TOKEN"
	EnvDiscordToken = "LEADLINE_DISCORD_TOKEN"
)

// Config is the top-level leadline configuration, loaded from leadline.yaml.
type Config struct {
	Env      string         `yaml:"env"`
	LogLevel string         `yaml:"log_level"`
	Viewer   ViewerConfig   `yaml:"viewer"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Push     PushConfig     `yaml:"push"`
	Timeline TimelineConfig `yaml:"timeline"`
	Resync   ResyncConfig   `yaml:"resync"`
	Cache    CacheConfig    `yaml:"cache"`
	API      APIConfig      `yaml:"api"`
	Alert    AlertConfig    `yaml:"alert"`
}

// ViewerConfig identifies the signed-in user the room list is filtered for.
type ViewerConfig struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role"`
}

// GatewayConfig holds Messaging Gateway REST settings.
type GatewayConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	Burst      int           `yaml:"burst"`
}

// PushConfig holds push-channel settings.
type PushConfig struct {
	URL            string        `yaml:"url"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// TimelineConfig tunes the per-room reconciler.
type TimelineConfig struct {
	PageSize       int           `yaml:"page_size"`
	MatchTolerance time.Duration `yaml:"match_tolerance"`
}

// ResyncConfig controls REST polling while the push channel is lost.
type ResyncConfig struct {
	Schedule string `yaml:"schedule"`
}

// CacheConfig selects the local message cache. An empty driver disables it.
type CacheConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "mysql"
	DSN    string `yaml:"dsn"`
}

// APIConfig holds the local HTTP API settings.
type APIConfig struct {
	Port int `yaml:"port"`
}

// AlertConfig selects the ops alert channel. An empty platform disables it.
type AlertConfig struct {
	Platform     string `yaml:"platform"` // "slack" or "discord"
	Channel      string `yaml:"channel"`
	SlackToken   string `yaml:"slack_token"`
	DiscordToken string `yaml:"discord_token"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// overrides are applied before validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvGatewayToken); v != "" {
		c.Gateway.Token = v
	}
	if v := getenv(EnvSlackToken); v != "" {
		c.Alert.SlackToken = v
	}
	if v := getenv(EnvDiscordToken); v != "" {
		c.Alert.DiscordToken = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Viewer.Role = strings.ToLower(c.Viewer.Role)
	if c.Viewer.Role == "" {
		c.Viewer.Role = string(convo.RoleAgent)
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 15 * time.Second
	}
	if c.Gateway.Retries == 0 {
		c.Gateway.Retries = 2
	}
	if c.Gateway.RetryDelay == 0 {
		c.Gateway.RetryDelay = 500 * time.Millisecond
	}
	if c.Push.MaxAttempts == 0 {
		c.Push.MaxAttempts = 5
	}
	if c.Push.InitialBackoff == 0 {
		c.Push.InitialBackoff = time.Second
	}
	if c.Push.MaxBackoff == 0 {
		c.Push.MaxBackoff = 30 * time.Second
	}
	if c.Timeline.PageSize == 0 {
		c.Timeline.PageSize = 30
	}
	if c.Timeline.MatchTolerance == 0 {
		c.Timeline.MatchTolerance = 60 * time.Second
	}
	if c.Resync.Schedule == "" {
		c.Resync.Schedule = "@every 30s"
	}
	c.Cache.Driver = strings.ToLower(c.Cache.Driver)
	if c.Cache.Driver == "sqlite" && c.Cache.DSN == "" {
		c.Cache.DSN = "leadline.db"
	}
	if c.API.Port == 0 {
		c.API.Port = 8420
	}
	c.Alert.Platform = strings.ToLower(c.Alert.Platform)
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Viewer.ID == "" {
		errs = append(errs, "viewer.id is required")
	}
	if _, err := convo.ParseRole(c.Viewer.Role); err != nil {
		errs = append(errs, fmt.Sprintf("viewer.role %q must be admin, supervisor or agent", c.Viewer.Role))
	}
	if c.Gateway.BaseURL == "" {
		errs = append(errs, "gateway.base_url is required")
	}
	if c.Push.URL == "" {
		errs = append(errs, "push.url is required")
	} else if !strings.HasPrefix(c.Push.URL, "ws://") && !strings.HasPrefix(c.Push.URL, "wss://") {
		errs = append(errs, "push.url must use ws:// or wss://")
	}
	if c.Gateway.RatePerSec < 0 {
		errs = append(errs, "gateway.rate_per_sec must not be negative")
	}
	if c.Timeline.PageSize < 1 {
		errs = append(errs, "timeline.page_size must be positive")
	}
	switch c.Cache.Driver {
	case "", "sqlite":
	case "mysql":
		if c.Cache.DSN == "" {
			errs = append(errs, "cache.dsn is required for the mysql driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.driver %q must be sqlite or mysql", c.Cache.Driver))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}
	switch c.Alert.Platform {
	case "":
	case "slack":
		if c.Alert.SlackToken == "" {
			errs = append(errs, "alert.slack_token (or "+EnvSlackToken+") is required for slack alerts")
		}
	case "discord":
		if c.Alert.DiscordToken == "" {
			errs = append(errs, "alert.discord_token (or "+EnvDiscordToken+") is required for discord alerts")
		}
	default:
		errs = append(errs, fmt.Sprintf("alert.platform %q must be slack or discord", c.Alert.Platform))
	}
	if c.Alert.Platform != "" && c.Alert.Channel == "" {
		errs = append(errs, "alert.channel is required when alerts are enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ViewerIdentity returns the configured viewer.
func (c *Config) ViewerIdentity() convo.Viewer {
	role, _ := convo.ParseRole(c.Viewer.Role)
	return convo.Viewer{ID: c.Viewer.ID, Role: role}
}
