package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/yaat/clickshield/internal/fraud"
	"github.com/yaat/clickshield/internal/logging"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore: CLICKSHIELD_FRAUD__DEFERRED_DELAY=5m.
const EnvPrefix = "CLICKSHIELD_"

// DefaultConfigPaths are searched in order when no path is given
var DefaultConfigPaths = []string{
	"clickshield.yaml",
	"clickshield.yml",
	"/etc/clickshield/config.yaml",
}

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Logging    logging.Config   `koanf:"logging"`
	Auth       AuthConfig       `koanf:"auth"`
	Fraud      FraudConfig      `koanf:"fraud"`
	Reputation ReputationConfig `koanf:"reputation"`
	GoogleAds  GoogleAdsConfig  `koanf:"googleads"`
	Jobs       JobsConfig       `koanf:"jobs"`
	Kafka      KafkaConfig      `koanf:"kafka"`
}

type ServerConfig struct {
	ListenAddr     string   `koanf:"listen_addr" validate:"required"`
	BaseURL        string   `koanf:"base_url"`
	AllowedOrigins []string `koanf:"allowed_origins"`
	SecureCookies  bool     `koanf:"secure_cookies"`
	// TrackRateLimit is requests per minute per IP on the tracking endpoints
	TrackRateLimit int `koanf:"track_rate_limit" validate:"min=0"`
}

type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

type AuthConfig struct {
	// JWTSecret signs dashboard sessions. Empty means generate once and keep
	// it in the settings table.
	JWTSecret     string        `koanf:"jwt_secret"`
	TokenDuration time.Duration `koanf:"token_duration" validate:"min=0"`
}

type FraudConfig struct {
	Enabled          bool `koanf:"enabled"`
	LogRetentionDays int  `koanf:"log_retention_days" validate:"min=1"`
	// DataRetentionDays bounds raw tracking rows; 0 keeps them forever
	DataRetentionDays int           `koanf:"data_retention_days" validate:"min=0"`
	BotPatterns       []string      `koanf:"bot_patterns"`
	LegitimateBots    []string      `koanf:"legitimate_bots"`
	Defaults          fraud.Config  `koanf:"defaults"`
	DeferredDelay     time.Duration `koanf:"deferred_delay" validate:"min=0"`
	SweepInterval     time.Duration `koanf:"sweep_interval" validate:"min=0"`
	SweepLookback     time.Duration `koanf:"sweep_lookback" validate:"min=0"`
}

type ReputationConfig struct {
	Provider          string        `koanf:"provider" validate:"oneof=ipinfo maxmind none"`
	IPInfoToken       string        `koanf:"ipinfo_token"`
	IPInfoURL         string        `koanf:"ipinfo_url"`
	Timeout           time.Duration `koanf:"timeout" validate:"min=0"`
	CacheTTL          time.Duration `koanf:"cache_ttl" validate:"min=0"`
	CacheMaxEntries   int64         `koanf:"cache_max_entries" validate:"min=0"`
	MaxMindDBPath     string        `koanf:"maxmind_db_path"`
	MaxMindAccountID  string        `koanf:"maxmind_account_id"`
	MaxMindLicenseKey string        `koanf:"maxmind_license_key"`
	MaxMindEdition    string        `koanf:"maxmind_edition"`
}

type GoogleAdsConfig struct {
	ClientID          string        `koanf:"client_id"`
	ClientSecret      string        `koanf:"client_secret"`
	DeveloperToken    string        `koanf:"developer_token"`
	RedirectURL       string        `koanf:"redirect_url"`
	APIVersion        string        `koanf:"api_version"`
	BaseURL           string        `koanf:"base_url"`
	SyncInterval      time.Duration `koanf:"sync_interval" validate:"min=0"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"min=0"`
}

// Configured reports whether the OAuth client and developer token are set
func (c GoogleAdsConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.DeveloperToken != ""
}

type JobsConfig struct {
	CleanupInterval time.Duration `koanf:"cleanup_interval" validate:"min=0"`
	MaxRetries      int           `koanf:"max_retries" validate:"min=0,max=10"`
}

type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

// Enabled reports whether block notifications go to Kafka
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && c.Topic != ""
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":3456",
			AllowedOrigins: []string{"*"},
			TrackRateLimit: 600,
		},
		Database: DatabaseConfig{
			Path: "./data/clickshield.db",
		},
		Logging: logging.DefaultConfig(),
		Auth: AuthConfig{
			TokenDuration: 7 * 24 * time.Hour,
		},
		Fraud: FraudConfig{
			Enabled:           true,
			LogRetentionDays:  90,
			DataRetentionDays: 365,
			Defaults:          fraud.DefaultConfig(),
			DeferredDelay:     2 * time.Minute,
			SweepInterval:     15 * time.Minute,
			SweepLookback:     24 * time.Hour,
		},
		Reputation: ReputationConfig{
			Provider:        "none",
			IPInfoURL:       "https://ipinfo.io",
			Timeout:         5 * time.Second,
			CacheTTL:        24 * time.Hour,
			CacheMaxEntries: 100000,
			MaxMindDBPath:   "./data/GeoLite2-ASN.mmdb",
			MaxMindEdition:  "GeoLite2-ASN",
		},
		GoogleAds: GoogleAdsConfig{
			APIVersion:        "v18",
			BaseURL:           "https://googleads.googleapis.com",
			SyncInterval:      15 * time.Minute,
			RequestsPerSecond: 5,
		},
		Jobs: JobsConfig{
			CleanupInterval: time.Hour,
			MaxRetries:      2,
		},
		Kafka: KafkaConfig{
			Topic: "clickshield.blocks",
		},
	}
}

// Load layers defaults, the config file (path, or the first default path
// found) and CLICKSHIELD_ environment variables, then validates the result
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform maps CLICKSHIELD_FRAUD__DEFERRED_DELAY to fraud.deferred_delay
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

var sliceFields = []string{
	"server.allowed_origins",
	"fraud.bot_patterns",
	"fraud.legitimate_bots",
	"kafka.brokers",
}

// splitSliceFields turns comma-separated env values into lists
func splitSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceFields {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := []string{}
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
