// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all application configuration.
type Config struct {
	Port      string
	DBDSN     string
	WhatsApp  WhatsAppConfig
	Broadcast BroadcastConfig
	ZAPI      ZAPIConfig
	Log       LogConfig
}

// WhatsAppConfig tunes the per-tenant session lifecycle.
type WhatsAppConfig struct {
	WatchdogTimeout time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	BackoffJitter   float64
	RestoreOnStart  bool
}

// BroadcastConfig tunes the job engine and the ad-hoc /broadcast endpoint.
type BroadcastConfig struct {
	CountdownTick  time.Duration
	SendTimeout    time.Duration
	AdhocDelay     time.Duration
	ResumeSchedule string // cron spec; empty disables the resumer
	ResumePending  bool
}

// ZAPIConfig holds defaults for the Z-API provider. Per-tenant tokens live in the database.
type ZAPIConfig struct {
	BaseURL           string
	RequestsPerSecond float64
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level      string
	Mode       string // development|production
	FileEnable bool
	Filename   string
}

// Default returns the built-in configuration before any file or environment override.
func Default() *Config {
	return &Config{
		Port:  "9724",
		DBDSN: "file:livecast.db?_foreign_keys=on",
		WhatsApp: WhatsAppConfig{
			WatchdogTimeout: 150 * time.Second,
			BackoffBase:     5 * time.Second,
			BackoffMax:      60 * time.Second,
			BackoffJitter:   0.20,
			RestoreOnStart:  true,
		},
		Broadcast: BroadcastConfig{
			CountdownTick:  5 * time.Second,
			SendTimeout:    30 * time.Second,
			AdhocDelay:     2 * time.Second,
			ResumeSchedule: "@every 1m",
		},
		ZAPI: ZAPIConfig{
			BaseURL:           "https://api.z-api.io",
			RequestsPerSecond: 1,
		},
		Log: LogConfig{
			Level:    "info",
			Mode:     "development",
			Filename: "logs/livecast.log",
		},
	}
}

// Load reads .env (if present), the ini file named by LIVECAST_CONFIG (default
// config.ini, optional) and finally environment variables, in that order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	path := getEnv("LIVECAST_CONFIG", "config.ini")
	if err := loadFromINI(cfg, path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromINI(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	f, err := ini.Load(path)
	if err != nil {
		return err
	}

	server := f.Section("server")
	cfg.Port = server.Key("port").MustString(cfg.Port)

	cfg.DBDSN = f.Section("database").Key("dsn").MustString(cfg.DBDSN)

	wa := f.Section("whatsapp")
	cfg.WhatsApp.WatchdogTimeout = wa.Key("watchdog_timeout").MustDuration(cfg.WhatsApp.WatchdogTimeout)
	cfg.WhatsApp.BackoffBase = wa.Key("backoff_base").MustDuration(cfg.WhatsApp.BackoffBase)
	cfg.WhatsApp.BackoffMax = wa.Key("backoff_max").MustDuration(cfg.WhatsApp.BackoffMax)
	cfg.WhatsApp.BackoffJitter = wa.Key("backoff_jitter").MustFloat64(cfg.WhatsApp.BackoffJitter)
	cfg.WhatsApp.RestoreOnStart = wa.Key("restore_on_start").MustBool(cfg.WhatsApp.RestoreOnStart)

	bc := f.Section("broadcast")
	cfg.Broadcast.CountdownTick = bc.Key("countdown_tick").MustDuration(cfg.Broadcast.CountdownTick)
	cfg.Broadcast.SendTimeout = bc.Key("send_timeout").MustDuration(cfg.Broadcast.SendTimeout)
	cfg.Broadcast.AdhocDelay = bc.Key("adhoc_delay").MustDuration(cfg.Broadcast.AdhocDelay)
	if bc.HasKey("resume_schedule") {
		cfg.Broadcast.ResumeSchedule = bc.Key("resume_schedule").String()
	}
	cfg.Broadcast.ResumePending = bc.Key("resume_pending").MustBool(cfg.Broadcast.ResumePending)

	z := f.Section("zapi")
	cfg.ZAPI.BaseURL = z.Key("base_url").MustString(cfg.ZAPI.BaseURL)
	cfg.ZAPI.RequestsPerSecond = z.Key("requests_per_second").MustFloat64(cfg.ZAPI.RequestsPerSecond)

	lg := f.Section("log")
	cfg.Log.Level = lg.Key("level").MustString(cfg.Log.Level)
	cfg.Log.Mode = lg.Key("mode").MustString(cfg.Log.Mode)
	cfg.Log.FileEnable = lg.Key("file_enable").MustBool(cfg.Log.FileEnable)
	cfg.Log.Filename = lg.Key("filename").MustString(cfg.Log.Filename)
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBDSN = getEnv("DB_DSN", cfg.DBDSN)

	cfg.WhatsApp.WatchdogTimeout = getEnvDuration("WA_WATCHDOG_TIMEOUT", cfg.WhatsApp.WatchdogTimeout)
	cfg.WhatsApp.BackoffBase = getEnvDuration("WA_BACKOFF_BASE", cfg.WhatsApp.BackoffBase)
	cfg.WhatsApp.BackoffMax = getEnvDuration("WA_BACKOFF_MAX", cfg.WhatsApp.BackoffMax)
	cfg.WhatsApp.BackoffJitter = getEnvFloat("WA_BACKOFF_JITTER", cfg.WhatsApp.BackoffJitter)
	cfg.WhatsApp.RestoreOnStart = getEnvBool("WA_RESTORE_ON_START", cfg.WhatsApp.RestoreOnStart)

	cfg.Broadcast.CountdownTick = getEnvDuration("BROADCAST_COUNTDOWN_TICK", cfg.Broadcast.CountdownTick)
	cfg.Broadcast.SendTimeout = getEnvDuration("BROADCAST_SEND_TIMEOUT", cfg.Broadcast.SendTimeout)
	cfg.Broadcast.AdhocDelay = getEnvDuration("BROADCAST_ADHOC_DELAY", cfg.Broadcast.AdhocDelay)
	cfg.Broadcast.ResumeSchedule = getEnv("BROADCAST_RESUME_SCHEDULE", cfg.Broadcast.ResumeSchedule)
	cfg.Broadcast.ResumePending = getEnvBool("BROADCAST_RESUME_PENDING", cfg.Broadcast.ResumePending)

	cfg.ZAPI.BaseURL = getEnv("ZAPI_BASE_URL", cfg.ZAPI.BaseURL)
	cfg.ZAPI.RequestsPerSecond = getEnvFloat("ZAPI_RPS", cfg.ZAPI.RequestsPerSecond)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Mode = getEnv("LOG_MODE", cfg.Log.Mode)
	cfg.Log.FileEnable = getEnvBool("LOG_FILE_ENABLE", cfg.Log.FileEnable)
	cfg.Log.Filename = getEnv("LOG_FILE", cfg.Log.Filename)
}

// Validate checks that all required configuration fields are set and consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBDSN == "" {
		return fmt.Errorf("DB_DSN cannot be empty")
	}
	if c.WhatsApp.WatchdogTimeout <= 0 {
		return fmt.Errorf("WA_WATCHDOG_TIMEOUT must be > 0")
	}
	if c.WhatsApp.BackoffBase <= 0 || c.WhatsApp.BackoffMax < c.WhatsApp.BackoffBase {
		return fmt.Errorf("WA_BACKOFF_BASE must be > 0 and <= WA_BACKOFF_MAX")
	}
	if c.WhatsApp.BackoffJitter < 0 || c.WhatsApp.BackoffJitter >= 1 {
		return fmt.Errorf("WA_BACKOFF_JITTER must be in [0,1)")
	}
	if c.Broadcast.CountdownTick <= 0 {
		return fmt.Errorf("BROADCAST_COUNTDOWN_TICK must be > 0")
	}
	if c.Broadcast.SendTimeout <= 0 {
		return fmt.Errorf("BROADCAST_SEND_TIMEOUT must be > 0")
	}
	if c.Broadcast.AdhocDelay < 0 {
		return fmt.Errorf("BROADCAST_ADHOC_DELAY cannot be negative")
	}
	if c.ZAPI.RequestsPerSecond <= 0 {
		return fmt.Errorf("ZAPI_RPS must be > 0")
	}
	switch c.Log.Mode {
	case "development", "production":
	default:
		return fmt.Errorf("LOG_MODE must be development or production, got %q", c.Log.Mode)
	}
	if c.Log.FileEnable && c.Log.Filename == "" {
		return fmt.Errorf("LOG_FILE cannot be empty when file logging is enabled")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
