package config

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/basket/pushkeeper/internal/otel"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBindAddr = "127.0.0.1:18790"
	DefaultVersion  = "pushkeeper-cache-v1"
	DefaultTag      = "pushkeeper-notification"
)

// NotificationsConfig holds presentation defaults for pushed notifications.
type NotificationsConfig struct {
	DefaultTitle  string `yaml:"default_title"`
	DefaultBody   string `yaml:"default_body"`
	DefaultIcon   string `yaml:"default_icon"`
	DefaultBadge  string `yaml:"default_badge"`
	DefaultTag    string `yaml:"default_tag"`
	FallbackTitle string `yaml:"fallback_title"`
	// Command is an optional shell command run per notification, e.g.
	// notify-send {{.Title}} {{.Body}}. Placeholders are shell-quoted.
	Command string `yaml:"command"`

	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig mirrors notifications into Telegram chats. Disabled while
// the token or the chat list is empty.
type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

// Enabled reports whether notifications should be sent to Telegram.
func (t TelegramConfig) Enabled() bool {
	return strings.TrimSpace(t.Token) != "" && len(t.ChatIDs) > 0
}

// LauncherConfig controls how a page is opened when none is connected.
type LauncherConfig struct {
	// Command opens a page, e.g. xdg-open {{.URL}}. The URL is shell-quoted.
	Command        string `yaml:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AssetsConfig lists the app-shell files precached into every generation.
type AssetsConfig struct {
	StaticDir string   `yaml:"static_dir"`
	Precache  []string `yaml:"precache"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AppURL is the canonical URL of the application page. A page is only
	// reused for a click when its URL is exactly this string.
	AppURL string `yaml:"app_url"`

	// Version names the current cache generation.
	Version string `yaml:"version"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds how long shutdown waits for in-flight events. 0 uses 5s.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// Retention policy (days). 0 = keep forever. The offline queue is never pruned.
	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`

	// MaintenanceSchedule is a cron spec for the context sweep and retention pass.
	MaintenanceSchedule string `yaml:"maintenance_schedule"`

	// NotificationTTLMinutes expires unclicked notification contexts. 0 = never.
	NotificationTTLMinutes int `yaml:"notification_ttl_minutes"`

	Notifications NotificationsConfig `yaml:"notifications"`
	Launcher      LauncherConfig      `yaml:"launcher"`
	Assets        AssetsConfig        `yaml:"assets"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	CORS          CORSConfig          `yaml:"cors"`
	Telemetry     otel.Config         `yaml:"telemetry"`

	// AuthToken guards the push and host endpoints. Never read from config.yaml.
	AuthToken string `yaml:"-"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the offline queue database path.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "pushkeeper.db")
}

// CacheDir returns the root directory holding cache generations.
func CacheDir(homeDir string) string {
	return filepath.Join(homeDir, "cache")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|app=%s|version=%s|origins=%v|launcher=%s|notify=%s",
		c.BindAddr, c.LogLevel, c.AppURL, c.Version, c.AllowOrigins, c.Launcher.Command, c.Notifications.Command)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:               DefaultBindAddr,
		LogLevel:               "info",
		AppURL:                 "http://" + DefaultBindAddr + "/",
		Version:                DefaultVersion,
		DrainTimeoutSeconds:    5,
		RetentionAuditLogDays:  365,
		MaintenanceSchedule:    "@every 15m",
		NotificationTTLMinutes: 24 * 60,
		Notifications: NotificationsConfig{
			DefaultTitle:  "PushKeeper has a new message",
			DefaultBody:   "You have a new message",
			DefaultIcon:   "/assets/icon-192.png",
			DefaultBadge:  "/assets/badge-72.png",
			DefaultTag:    DefaultTag,
			FallbackTitle: "PushKeeper has a new message",
		},
		Launcher: LauncherConfig{TimeoutSeconds: 30},
		Assets: AssetsConfig{
			Precache: []string{"index.html", "manifest.json"},
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("PUSHKEEPER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pushkeeper")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, applying defaults and env overrides.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create pushkeeper home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes a starter config.yaml when none exists yet.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := defaultConfig()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(cfg.AppURL) == "" {
		cfg.AppURL = "http://" + cfg.BindAddr + "/"
	}
	cfg.Version = strings.TrimSpace(cfg.Version)
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if cfg.RetentionAuditLogDays < 0 {
		cfg.RetentionAuditLogDays = 0
	}
	if strings.TrimSpace(cfg.MaintenanceSchedule) == "" {
		cfg.MaintenanceSchedule = def.MaintenanceSchedule
	}
	if cfg.NotificationTTLMinutes < 0 {
		cfg.NotificationTTLMinutes = 0
	}
	n := &cfg.Notifications
	if n.DefaultTitle == "" {
		n.DefaultTitle = def.Notifications.DefaultTitle
	}
	if n.DefaultBody == "" {
		n.DefaultBody = def.Notifications.DefaultBody
	}
	if n.DefaultIcon == "" {
		n.DefaultIcon = def.Notifications.DefaultIcon
	}
	if n.DefaultBadge == "" {
		n.DefaultBadge = def.Notifications.DefaultBadge
	}
	if n.DefaultTag == "" {
		n.DefaultTag = def.Notifications.DefaultTag
	}
	if n.FallbackTitle == "" {
		n.FallbackTitle = n.DefaultTitle
	}
	if cfg.Launcher.TimeoutSeconds <= 0 {
		cfg.Launcher.TimeoutSeconds = def.Launcher.TimeoutSeconds
	}
}

func validate(cfg Config) error {
	u, err := url.Parse(cfg.AppURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("app_url %q must be an absolute URL", cfg.AppURL)
	}
	if strings.ContainsAny(cfg.Version, `/\`) || cfg.Version == "." || cfg.Version == ".." {
		return fmt.Errorf("version %q must be a plain generation name", cfg.Version)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PUSHKEEPER_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("PUSHKEEPER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PUSHKEEPER_APP_URL"); raw != "" {
		cfg.AppURL = raw
	}
	if raw := os.Getenv("PUSHKEEPER_VERSION"); raw != "" {
		cfg.Version = raw
	}
	if raw := os.Getenv("PUSHKEEPER_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("PUSHKEEPER_LAUNCHER_COMMAND"); raw != "" {
		cfg.Launcher.Command = raw
	}
	if raw := os.Getenv("PUSHKEEPER_NOTIFY_COMMAND"); raw != "" {
		cfg.Notifications.Command = raw
	}
	if raw := os.Getenv("PUSHKEEPER_TELEGRAM_TOKEN"); raw != "" {
		cfg.Notifications.Telegram.Token = raw
	}
	if raw := os.Getenv("PUSHKEEPER_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
}
