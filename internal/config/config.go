package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting for the key service.
type Config struct {
	Addr      string `yaml:"addr"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	PublicURL   string `yaml:"public_url"`
	BaseURL     string `yaml:"base_url"`
	ArtifactDir string `yaml:"artifact_dir"`
	AssetDir    string `yaml:"asset_dir"`
	TimeZone    string `yaml:"time_zone"`

	Pass    PassConfig    `yaml:"pass"`
	Signing SigningConfig `yaml:"signing"`
	APNs    APNsConfig    `yaml:"apns"`
	WebPush WebPushConfig `yaml:"webpush"`
	S3      S3Config      `yaml:"s3"`
	Email   EmailConfig   `yaml:"email"`
	Backup  BackupConfig  `yaml:"backup"`

	PushConcurrency int           `yaml:"push_concurrency"`
	PushTimeout     time.Duration `yaml:"push_timeout"`
	TaskWorkers     int           `yaml:"task_workers"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	RedisURL        string        `yaml:"redis_url"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	// TrustedProxies are IPs or CIDRs whose CF-Connecting-IP and
	// X-Forwarded-For headers name the client. Empty trusts no one.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// PassConfig describes the issuer identity stamped on every pass.
type PassConfig struct {
	AppleTypeID      string `yaml:"apple_type_id"`
	GoogleTypeID     string `yaml:"google_type_id"`
	TeamID           string `yaml:"team_id"`
	OrganizationName string `yaml:"organization_name"`
	Description      string `yaml:"description"`
	LogoText         string `yaml:"logo_text"`
	ForegroundColor  string `yaml:"foreground_color"`
	BackgroundColor  string `yaml:"background_color"`
	LabelColor       string `yaml:"label_color"`
}

// SigningConfig points at the signing identity. Either the PEM triple or a
// PKCS#12 bundle must be provided.
type SigningConfig struct {
	KeyPath      string `yaml:"key_path"`
	CertPath     string `yaml:"cert_path"`
	ChainPath    string `yaml:"chain_path"`
	PKCS12Path   string `yaml:"pkcs12_path"`
	PKCS12Secret string `yaml:"pkcs12_password"`
}

type APNsConfig struct {
	KeyPath    string `yaml:"key_path"`
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	Production bool   `yaml:"production"`
}

type WebPushConfig struct {
	PublicKey  string `yaml:"public_key"`
	PrivateKey string `yaml:"private_key"`
	Subscriber string `yaml:"subscriber"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

// BackupConfig controls encrypted database snapshots, stored in the S3 bucket.
type BackupConfig struct {
	Passphrase string        `yaml:"passphrase"`
	Retention  time.Duration `yaml:"retention"`
}

type EmailConfig struct {
	PostmarkToken string `yaml:"postmark_token"`
	From          string `yaml:"from"`
}

// Default returns a Config populated with development defaults.
func Default() Config {
	return Config{
		Addr:        ":8080",
		DBPath:      "hotelkey.db",
		LogLevel:    "info",
		LogFormat:   "text",
		PublicURL:   "http://localhost:8080",
		BaseURL:     "http://localhost:8080/passes",
		ArtifactDir: "passes",
		TimeZone:    "UTC",
		Pass: PassConfig{
			OrganizationName: "Hotel Key",
			Description:      "Hotel Room Key",
			LogoText:         "Hotel Key",
			ForegroundColor:  "rgb(255, 255, 255)",
			BackgroundColor:  "rgb(60, 65, 76)",
			LabelColor:       "rgb(255, 255, 255)",
		},
		WebPush:         WebPushConfig{Subscriber: "mailto:noreply@hotelkey.local"},
		PushConcurrency: 8,
		PushTimeout:     10 * time.Second,
		TaskWorkers:     4,
		SweepInterval:   5 * time.Minute,
		MetricsEnabled:  true,
		Backup:          BackupConfig{Retention: 30 * 24 * time.Hour},
	}
}

// Load reads .env (if present), then the optional YAML file at path, then
// HOTELKEY_* environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv("HOTELKEY_" + name); v != "" {
			*dst = v
		}
	}
	str("ADDR", &cfg.Addr)
	str("DB_PATH", &cfg.DBPath)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("PUBLIC_URL", &cfg.PublicURL)
	str("BASE_URL", &cfg.BaseURL)
	str("ARTIFACT_DIR", &cfg.ArtifactDir)
	str("ASSET_DIR", &cfg.AssetDir)
	str("TIME_ZONE", &cfg.TimeZone)
	str("APPLE_PASS_TYPE_ID", &cfg.Pass.AppleTypeID)
	str("GOOGLE_PASS_TYPE_ID", &cfg.Pass.GoogleTypeID)
	str("TEAM_ID", &cfg.Pass.TeamID)
	str("ORGANIZATION_NAME", &cfg.Pass.OrganizationName)
	str("SIGNING_KEY_PATH", &cfg.Signing.KeyPath)
	str("SIGNING_CERT_PATH", &cfg.Signing.CertPath)
	str("SIGNING_CHAIN_PATH", &cfg.Signing.ChainPath)
	str("SIGNING_PKCS12_PATH", &cfg.Signing.PKCS12Path)
	str("SIGNING_PKCS12_PASSWORD", &cfg.Signing.PKCS12Secret)
	str("APNS_KEY_PATH", &cfg.APNs.KeyPath)
	str("APNS_KEY_ID", &cfg.APNs.KeyID)
	str("APNS_TEAM_ID", &cfg.APNs.TeamID)
	str("VAPID_PUBLIC_KEY", &cfg.WebPush.PublicKey)
	str("VAPID_PRIVATE_KEY", &cfg.WebPush.PrivateKey)
	str("VAPID_SUBSCRIBER", &cfg.WebPush.Subscriber)
	str("S3_ENDPOINT", &cfg.S3.Endpoint)
	str("S3_BUCKET", &cfg.S3.Bucket)
	str("S3_REGION", &cfg.S3.Region)
	str("S3_ACCESS_KEY", &cfg.S3.AccessKey)
	str("S3_SECRET_KEY", &cfg.S3.SecretKey)
	str("S3_PREFIX", &cfg.S3.Prefix)
	str("POSTMARK_TOKEN", &cfg.Email.PostmarkToken)
	str("EMAIL_FROM", &cfg.Email.From)
	str("REDIS_URL", &cfg.RedisURL)
	str("BACKUP_PASSPHRASE", &cfg.Backup.Passphrase)

	if v := getenv("HOTELKEY_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
	if v := getenv("HOTELKEY_APNS_PRODUCTION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse HOTELKEY_APNS_PRODUCTION: %w", err)
		}
		cfg.APNs.Production = b
	}
	if v := getenv("HOTELKEY_METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse HOTELKEY_METRICS_ENABLED: %w", err)
		}
		cfg.MetricsEnabled = b
	}
	for name, dst := range map[string]*int{
		"HOTELKEY_PUSH_CONCURRENCY": &cfg.PushConcurrency,
		"HOTELKEY_TASK_WORKERS":     &cfg.TaskWorkers,
	} {
		if v := getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*dst = n
		}
	}
	for name, dst := range map[string]*time.Duration{
		"HOTELKEY_PUSH_TIMEOUT":     &cfg.PushTimeout,
		"HOTELKEY_SWEEP_INTERVAL":   &cfg.SweepInterval,
		"HOTELKEY_BACKUP_RETENTION": &cfg.Backup.Retention,
	} {
		if v := getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*dst = d
		}
	}
	return nil
}

// Location resolves the default property time zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// SigningConfigured reports whether enough signing material is named to
// attempt artifact generation.
func (c Config) SigningConfigured() bool {
	s := c.Signing
	return s.PKCS12Path != "" || (s.KeyPath != "" && s.CertPath != "" && s.ChainPath != "")
}

// S3Enabled reports whether the artifact mirror is configured.
func (c Config) S3Enabled() bool {
	return c.S3.Bucket != "" && c.S3.AccessKey != "" && c.S3.SecretKey != ""
}

// Validate reports every missing or inconsistent value at once.
func (c Config) Validate() error {
	var problems []string
	if c.Addr == "" {
		problems = append(problems, "addr is required")
	}
	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.PublicURL == "" {
		problems = append(problems, "public_url is required")
	}
	if c.BaseURL == "" {
		problems = append(problems, "base_url is required")
	}
	if c.ArtifactDir == "" {
		problems = append(problems, "artifact_dir is required")
	}
	if _, err := c.Location(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Pass.AppleTypeID == "" && c.Pass.GoogleTypeID == "" {
		problems = append(problems, "at least one pass type id is required")
	}
	if c.PushConcurrency < 1 {
		problems = append(problems, "push_concurrency must be at least 1")
	}
	if c.PushTimeout <= 0 {
		problems = append(problems, "push_timeout must be positive")
	}
	if c.TaskWorkers < 1 {
		problems = append(problems, "task_workers must be at least 1")
	}
	if c.SweepInterval <= 0 {
		problems = append(problems, "sweep_interval must be positive")
	}
	if c.APNs.KeyPath != "" && (c.APNs.KeyID == "" || c.APNs.TeamID == "") {
		problems = append(problems, "apns key_id and team_id are required with key_path")
	}
	if (c.WebPush.PublicKey == "") != (c.WebPush.PrivateKey == "") {
		problems = append(problems, "webpush public_key and private_key must be set together")
	}
	if c.Backup.Retention < 0 {
		problems = append(problems, "backup retention must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
