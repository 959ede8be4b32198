package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultMediaRoot         = "data/media"
	DefaultPGHost            = "127.0.0.1"
	DefaultPGPort            = 5432
	DefaultPGUser            = "postgres"
	DefaultPGDatabase        = "crm"
	DefaultPGSSLMode         = "disable"
	DefaultBodyLimitBytes    = 1 << 20
	DefaultDownloadTimeout   = 60 * time.Second
	DefaultOutboundAttempts  = 3
	DefaultOutboundWorkers   = 8
	DefaultOutboundBackoff   = time.Second
	DefaultArchiveSchedule   = "@daily"
	DefaultArchiveSilence    = 30
	DefaultSettingsCacheTTL  = 10 * time.Second
	DefaultListenerRestarts  = 10
	DefaultListenerIdleRetry = time.Minute
	DefaultWhatsAppTransport = "meta"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Media     MediaConfig     `toml:"media"`
	Outbound  OutboundConfig  `toml:"outbound"`
	Archiver  ArchiverConfig  `toml:"archiver"`
	Settings  SettingsConfig  `toml:"settings"`
	Listeners ListenersConfig `toml:"listeners"`
	Channels  ChannelsConfig  `toml:"channels"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	BodyLimitBytes int64    `toml:"body_limit_bytes"`
	// AllowOriginlessWebSocket admits sockets without an Origin header,
	// which only non-browser clients send.
	AllowOriginlessWebSocket bool `toml:"allow_originless_websocket"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders the connection string understood by pgx and golang-migrate.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

type MediaConfig struct {
	Root            string   `toml:"root"`
	DownloadTimeout Duration `toml:"download_timeout"`
}

type OutboundConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	Workers     int      `toml:"workers"`
	BaseBackoff Duration `toml:"base_backoff"`
}

type ArchiverConfig struct {
	Schedule    string `toml:"schedule"`
	SilenceDays int    `toml:"silence_days"`
}

type SettingsConfig struct {
	CacheTTL Duration `toml:"cache_ttl"`
}

type ListenersConfig struct {
	MaxRestarts int      `toml:"max_restarts"`
	IdleRetry   Duration `toml:"idle_retry"`
}

type ChannelsConfig struct {
	// WhatsAppTransport selects the outbound WhatsApp adapter: "meta" or "matrix".
	WhatsAppTransport string `toml:"whatsapp_transport"`
}

// Duration decodes TOML strings such as "30s" into time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:           DefaultHTTPAddr,
			BodyLimitBytes: DefaultBodyLimitBytes,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Media: MediaConfig{
			Root:            DefaultMediaRoot,
			DownloadTimeout: Duration{DefaultDownloadTimeout},
		},
		Outbound: OutboundConfig{
			MaxAttempts: DefaultOutboundAttempts,
			Workers:     DefaultOutboundWorkers,
			BaseBackoff: Duration{DefaultOutboundBackoff},
		},
		Archiver: ArchiverConfig{
			Schedule:    DefaultArchiveSchedule,
			SilenceDays: DefaultArchiveSilence,
		},
		Settings: SettingsConfig{
			CacheTTL: Duration{DefaultSettingsCacheTTL},
		},
		Listeners: ListenersConfig{
			MaxRestarts: DefaultListenerRestarts,
			IdleRetry:   Duration{DefaultListenerIdleRetry},
		},
		Channels: ChannelsConfig{
			WhatsAppTransport: DefaultWhatsAppTransport,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if root := strings.TrimSpace(os.Getenv("MEDIA_ROOT")); root != "" {
		cfg.Media.Root = root
	}
}

func normalize(cfg *Config) {
	defaults := Default()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaults.Server.Addr
	}
	if cfg.Server.BodyLimitBytes <= 0 {
		cfg.Server.BodyLimitBytes = defaults.Server.BodyLimitBytes
	}
	if cfg.Media.Root == "" {
		cfg.Media.Root = defaults.Media.Root
	}
	if cfg.Media.DownloadTimeout.Duration <= 0 {
		cfg.Media.DownloadTimeout = defaults.Media.DownloadTimeout
	}
	if cfg.Outbound.MaxAttempts <= 0 {
		cfg.Outbound.MaxAttempts = defaults.Outbound.MaxAttempts
	}
	if cfg.Outbound.Workers <= 0 {
		cfg.Outbound.Workers = defaults.Outbound.Workers
	}
	if cfg.Outbound.BaseBackoff.Duration <= 0 {
		cfg.Outbound.BaseBackoff = defaults.Outbound.BaseBackoff
	}
	if cfg.Archiver.Schedule == "" {
		cfg.Archiver.Schedule = defaults.Archiver.Schedule
	}
	if cfg.Archiver.SilenceDays <= 0 {
		cfg.Archiver.SilenceDays = defaults.Archiver.SilenceDays
	}
	if cfg.Settings.CacheTTL.Duration < 0 {
		cfg.Settings.CacheTTL = defaults.Settings.CacheTTL
	}
	if cfg.Listeners.MaxRestarts <= 0 {
		cfg.Listeners.MaxRestarts = defaults.Listeners.MaxRestarts
	}
	if cfg.Listeners.IdleRetry.Duration <= 0 {
		cfg.Listeners.IdleRetry = defaults.Listeners.IdleRetry
	}
	transport := strings.ToLower(strings.TrimSpace(cfg.Channels.WhatsAppTransport))
	if transport != "meta" && transport != "matrix" {
		transport = defaults.Channels.WhatsAppTransport
	}
	cfg.Channels.WhatsAppTransport = transport
}
