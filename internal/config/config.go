// Package config provides YAML-based configuration loading for caseflow.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vespl/caseflow/internal/stage"
)

// Config is the top-level caseflow configuration, loaded from caseflow.yaml.
type Config struct {
	CompanyPrefix string          `yaml:"company_prefix"`
	Database      DatabaseConfig  `yaml:"database"`
	Server        ServerConfig    `yaml:"server"`
	Analytics     AnalyticsConfig `yaml:"analytics"`
	Redis         RedisConfig     `yaml:"redis"`
	Notify        NotifyConfig    `yaml:"notify"`
	Log           LogConfig       `yaml:"log"`
}

// DatabaseConfig selects the gorm driver and its connection settings.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql, postgres, sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite only
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// AnalyticsConfig controls the aggregator schedule and per-stage SLAs.
type AnalyticsConfig struct {
	Schedule        string             `yaml:"schedule"`
	DigestSchedule  string             `yaml:"digest_schedule"`
	DefaultSLAHours float64            `yaml:"default_sla_hours"`
	SLAHours        map[string]float64 `yaml:"sla_hours"`
}

// RedisConfig enables transition event publishing when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// NotifyConfig holds digest notification targets. Either may be empty.
type NotifyConfig struct {
	Slack   ChatConfig `yaml:"slack"`
	Discord ChatConfig `yaml:"discord"`
}

// ChatConfig identifies a bot and the channel it posts digests to.
type ChatConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether both token and channel are set.
func (c ChatConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// LogConfig selects the logger mode: dev or prod.
type LogConfig struct {
	Mode string `yaml:"mode"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	c.CompanyPrefix = strings.ToUpper(strings.TrimSpace(c.CompanyPrefix))
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "postgres":
			c.Database.Port = 5432
		default:
			c.Database.Port = 3306
		}
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" {
		c.Database.Name = "caseflow"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "caseflow.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Analytics.Schedule == "" {
		c.Analytics.Schedule = "*/15 * * * *"
	}
	if c.Analytics.DefaultSLAHours == 0 {
		c.Analytics.DefaultSLAHours = 72
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "caseflow.transitions"
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "dev"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.CompanyPrefix == "" {
		errs = append(errs, "company_prefix is required")
	}
	if strings.Contains(c.CompanyPrefix, "/") {
		errs = append(errs, "company_prefix must not contain '/'")
	}
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of mysql, postgres, sqlite", c.Database.Driver))
	}
	if c.Analytics.DefaultSLAHours < 0 {
		errs = append(errs, "analytics.default_sla_hours must be positive")
	}
	names := make([]string, 0, len(c.Analytics.SLAHours))
	for name := range c.Analytics.SLAHours {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s, err := stage.Default.Parse(name)
		if err != nil || stage.Default.IsTerminal(s) {
			errs = append(errs, fmt.Sprintf("analytics.sla_hours: %q is not a non-terminal stage", name))
			continue
		}
		if c.Analytics.SLAHours[name] <= 0 {
			errs = append(errs, fmt.Sprintf("analytics.sla_hours.%s must be positive", name))
		}
	}
	switch c.Log.Mode {
	case "dev", "prod":
	default:
		errs = append(errs, fmt.Sprintf("log.mode %q is not one of dev, prod", c.Log.Mode))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SLAHoursFor returns the SLA threshold for s in hours.
func (c *Config) SLAHoursFor(s stage.Stage) float64 {
	if h, ok := c.Analytics.SLAHours[string(s)]; ok {
		return h
	}
	return c.Analytics.DefaultSLAHours
}
