// Package config loads dispatcher configuration from a YAML file with
// environment-variable overrides. Secrets live in env vars (or a local
// .env file); the YAML carries structure and tuning knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatcher binaries.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	SES      SESConfig      `yaml:"ses"`
	Storage  StorageConfig  `yaml:"storage"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	CRM      CRMConfig      `yaml:"crm"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Tracking TrackingConfig `yaml:"tracking"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis settings for the tick queue and locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SESConfig holds AWS SES credentials for the email channel.
type SESConfig struct {
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Region         string `yaml:"region"`
	FromMailbox    string `yaml:"from_mailbox"`
	FromName       string `yaml:"from_name"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// StorageConfig holds S3 blob storage settings for attachments.
type StorageConfig struct {
	Bucket     string `yaml:"bucket"`
	Region     string `yaml:"region"`
	AWSProfile string `yaml:"aws_profile"`
}

// WhatsAppConfig holds messaging gateway settings.
type WhatsAppConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// CRMConfig holds the external CRM API settings. Token acquisition uses
// OAuth2 client credentials; tokens are cached and refreshed before
// expiry by the token source.
type CRMConfig struct {
	BaseURL        string `yaml:"base_url"`
	TokenURL       string `yaml:"token_url"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	Scope          string `yaml:"scope"`
	PageSize       int    `yaml:"page_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MirrorActivity bool   `yaml:"mirror_activity"`
}

// DispatchConfig tunes the batch pipeline. The throttle values are
// deliberate pacing against provider rate limits, not host artifacts.
type DispatchConfig struct {
	Workers            int `yaml:"workers"`
	TickDelayMs        int `yaml:"tick_delay_ms"`
	EmailThrottleMs    int `yaml:"email_throttle_ms"`
	WhatsAppThrottleMs int `yaml:"whatsapp_throttle_ms"`
	LockTTLSeconds     int `yaml:"lock_ttl_seconds"`
	PollIntervalMs     int `yaml:"poll_interval_ms"`
}

// TickDelay is the delay before the next continuation tick.
func (d DispatchConfig) TickDelay() time.Duration {
	return time.Duration(d.TickDelayMs) * time.Millisecond
}

// EmailThrottle is the pause after every individual email send.
func (d DispatchConfig) EmailThrottle() time.Duration {
	return time.Duration(d.EmailThrottleMs) * time.Millisecond
}

// WhatsAppThrottle is the pause between gateway sub-batches.
func (d DispatchConfig) WhatsAppThrottle() time.Duration {
	return time.Duration(d.WhatsAppThrottleMs) * time.Millisecond
}

// TrackingConfig holds the public tracking/unsubscribe base URL.
type TrackingConfig struct {
	BaseURL string `yaml:"base_url"`
}

// LoggingConfig controls log level and PII redaction.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads configuration from a YAML file and applies defaults.
// A missing file is not an error; defaults and env overrides still apply.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.WhatsApp.TimeoutSeconds == 0 {
		cfg.WhatsApp.TimeoutSeconds = 30
	}
	if cfg.WhatsApp.MaxRetries == 0 {
		cfg.WhatsApp.MaxRetries = 3
	}
	if cfg.CRM.PageSize == 0 {
		cfg.CRM.PageSize = 200
	}
	if cfg.CRM.TimeoutSeconds == 0 {
		cfg.CRM.TimeoutSeconds = 60
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.TickDelayMs == 0 {
		cfg.Dispatch.TickDelayMs = 500
	}
	if cfg.Dispatch.EmailThrottleMs == 0 {
		cfg.Dispatch.EmailThrottleMs = 100
	}
	if cfg.Dispatch.WhatsAppThrottleMs == 0 {
		cfg.Dispatch.WhatsAppThrottleMs = 200
	}
	if cfg.Dispatch.LockTTLSeconds == 0 {
		cfg.Dispatch.LockTTLSeconds = 120
	}
	if cfg.Dispatch.PollIntervalMs == 0 {
		cfg.Dispatch.PollIntervalMs = 100
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("SES_FROM_MAILBOX"); v != "" {
		cfg.SES.FromMailbox = v
	}
	if v := os.Getenv("ATTACHMENT_S3_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("ATTACHMENT_S3_REGION"); v != "" {
		cfg.Storage.Region = v
	}
	if v := os.Getenv("WHATSAPP_BASE_URL"); v != "" {
		cfg.WhatsApp.BaseURL = v
	}
	if v := os.Getenv("WHATSAPP_API_KEY"); v != "" {
		cfg.WhatsApp.APIKey = v
	}
	if v := os.Getenv("CRM_BASE_URL"); v != "" {
		cfg.CRM.BaseURL = v
	}
	if v := os.Getenv("CRM_TOKEN_URL"); v != "" {
		cfg.CRM.TokenURL = v
	}
	if v := os.Getenv("CRM_CLIENT_ID"); v != "" {
		cfg.CRM.ClientID = v
	}
	if v := os.Getenv("CRM_CLIENT_SECRET"); v != "" {
		cfg.CRM.ClientSecret = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DISPATCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.Workers = n
		}
	}

	return cfg, nil
}
