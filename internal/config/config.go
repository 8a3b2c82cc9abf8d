// Package config provides YAML-based configuration loading for the helpdesk bot.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Supported chat platforms.
const (
	PlatformTelegram = "telegram"
	PlatformSlack    = "slack"
	PlatformDiscord  = "discord"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Environment variables that override secrets from the YAML file.
const (
	EnvTelegramToken  = "HD_TELEGRAM_TOKEN"
	EnvSlackAppToken  = "HD_SLACK_APP_TOKEN"
	EnvSlackBotToken  = "HD_SLACK_BOT_TOKEN"
	EnvDiscordToken   = "HD_DISCORD_TOKEN"
	EnvSupportChannel = "HD_SUPPORT_CHANNEL"
	EnvDBPassword     = "HD_DB_PASSWORD"
)

// Config is the top-level helpdesk configuration, loaded from config.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Bot       BotConfig       `yaml:"bot"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Notify    NotifyConfig    `yaml:"notify"`
	Report    ReportConfig    `yaml:"report"`
	Digest    DigestConfig    `yaml:"digest"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// DatabaseConfig selects the ticket store. SQLite uses Path; MySQL uses the
// network fields.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// BotConfig holds chat platform credentials and the support channel that
// receives ticket notifications.
type BotConfig struct {
	Platform       string         `yaml:"platform"`
	SupportChannel string         `yaml:"support_channel"`
	Telegram       TelegramConfig `yaml:"telegram"`
	Slack          SlackConfig    `yaml:"slack"`
	Discord        DiscordConfig  `yaml:"discord"`
}

// TelegramConfig holds Telegram Bot API credentials.
type TelegramConfig struct {
	Token string `yaml:"token"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord Gateway credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SessionsConfig controls in-flight conversation expiry.
type SessionsConfig struct {
	TTLSec    int    `yaml:"ttl_sec"`
	SweepCron string `yaml:"sweep_cron"`
}

// TimeoutsConfig bounds outbound platform calls.
type TimeoutsConfig struct {
	SendSec     int `yaml:"send_sec"`
	DownloadSec int `yaml:"download_sec"`
}

// NotifyConfig controls support channel delivery.
type NotifyConfig struct {
	RetryOnRelocate bool `yaml:"retry_on_relocate"`
}

// ReportConfig sets where temporary spreadsheet reports are written.
type ReportConfig struct {
	Dir string `yaml:"dir"`
}

// DigestConfig schedules the daily ticket digest.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// DashboardConfig holds the ops API listen port.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path, merges secrets from a .env file
// in the same directory and from the process environment, and returns a
// validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := unmarshal(data)
	if err != nil {
		return nil, err
	}

	dotenv, err := godotenv.Read(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}
	cfg.applyEnv(func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	})

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse unmarshals YAML bytes into a validated Config. Secrets may be
// supplied through the process environment.
func Parse(data []byte) (*Config, error) {
	cfg, err := unmarshal(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshal(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "helpdesk.db"
	}
	if c.Database.Driver == DriverMySQL {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "helpdesk"
		}
	}
	if c.Bot.Platform == "" {
		c.Bot.Platform = PlatformTelegram
	}
	if c.Sessions.TTLSec == 0 {
		c.Sessions.TTLSec = 1800
	}
	if c.Sessions.SweepCron == "" {
		c.Sessions.SweepCron = "@every 1m"
	}
	if c.Timeouts.SendSec == 0 {
		c.Timeouts.SendSec = 30
	}
	if c.Timeouts.DownloadSec == 0 {
		c.Timeouts.DownloadSec = 30
	}
	if c.Report.Dir == "" {
		c.Report.Dir = os.TempDir()
	}
	if c.Digest.Cron == "" {
		c.Digest.Cron = "0 9 * * *"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// applyEnv overrides secrets with non-empty values returned by get.
func (c *Config) applyEnv(get func(string) string) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(get(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Bot.Telegram.Token, EnvTelegramToken)
	override(&c.Bot.Slack.AppToken, EnvSlackAppToken)
	override(&c.Bot.Slack.BotToken, EnvSlackBotToken)
	override(&c.Bot.Discord.BotToken, EnvDiscordToken)
	override(&c.Bot.SupportChannel, EnvSupportChannel)
	override(&c.Database.Password, EnvDBPassword)
}

// validate checks that all fields are present and consistent. Platform
// credentials are checked separately by ValidateBot so that database-only
// commands work without them.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case DriverSQLite, DriverMySQL:
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (use sqlite or mysql)", c.Database.Driver))
	}
	switch c.Bot.Platform {
	case PlatformTelegram, PlatformSlack, PlatformDiscord:
	default:
		errs = append(errs, fmt.Sprintf("bot.platform %q is not supported (use telegram, slack or discord)", c.Bot.Platform))
	}
	if _, err := cron.ParseStandard(c.Sessions.SweepCron); err != nil {
		errs = append(errs, fmt.Sprintf("sessions.sweep_cron: %v", err))
	}
	if c.Timeouts.SendSec < 0 || c.Timeouts.DownloadSec < 0 {
		errs = append(errs, "timeouts must not be negative")
	}
	if c.Digest.Enabled {
		if _, err := cron.ParseStandard(c.Digest.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("digest.cron: %v", err))
		}
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, "dashboard.port is out of range")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateBot checks that the selected platform has its credentials and that
// a support channel is configured.
func (c *Config) ValidateBot() error {
	var errs []string
	switch c.Bot.Platform {
	case PlatformTelegram:
		if c.Bot.Telegram.Token == "" {
			errs = append(errs, "bot.telegram.token is required")
		}
	case PlatformSlack:
		if c.Bot.Slack.AppToken == "" {
			errs = append(errs, "bot.slack.app_token is required")
		}
		if c.Bot.Slack.BotToken == "" {
			errs = append(errs, "bot.slack.bot_token is required")
		}
	case PlatformDiscord:
		if c.Bot.Discord.BotToken == "" {
			errs = append(errs, "bot.discord.bot_token is required")
		}
	}
	if c.Bot.SupportChannel == "" {
		errs = append(errs, "bot.support_channel is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SessionTTL is how long an idle conversation is kept. A negative ttl_sec
// disables expiry and yields zero.
func (c *Config) SessionTTL() time.Duration {
	if c.Sessions.TTLSec < 0 {
		return 0
	}
	return time.Duration(c.Sessions.TTLSec) * time.Second
}

// SendTimeout bounds each outbound platform send.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Timeouts.SendSec) * time.Second
}

// DownloadTimeout bounds each media download.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Timeouts.DownloadSec) * time.Second
}
