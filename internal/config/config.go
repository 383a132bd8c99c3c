package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Cache    CacheConfig    `mapstructure:"cache"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	Security SecurityConfig `mapstructure:"security"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig selects the result cache backend. An empty URL means the
// in-process memory cache is used.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// SyncConfig controls the scheduler and the per-pass fetch bounds.
type SyncConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Concurrency  int           `mapstructure:"concurrency"`
	Lookback     time.Duration `mapstructure:"lookback"`
	BatchSize    int           `mapstructure:"batch_size"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	Scheduler    bool          `mapstructure:"scheduler"`
}

// CacheConfig holds TTLs for cached read results.
type CacheConfig struct {
	ListTTL    time.Duration `mapstructure:"list_ttl"`
	ThreadsTTL time.Duration `mapstructure:"threads_ttl"`
	AITTL      time.Duration `mapstructure:"ai_ttl"`
}

// OpenAIConfig holds OpenAI-related configuration
type OpenAIConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// OAuthConfig holds the client registrations used to refresh delegated
// gmail and outlook tokens.
type OAuthConfig struct {
	GoogleClientID        string `mapstructure:"google_client_id"`
	GoogleClientSecret    string `mapstructure:"google_client_secret"`
	MicrosoftClientID     string `mapstructure:"microsoft_client_id"`
	MicrosoftClientSecret string `mapstructure:"microsoft_client_secret"`
	MicrosoftTenant       string `mapstructure:"microsoft_tenant"`
}

type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// env names kept from the original flat environment layout
var envAliases = map[string]string{
	"server.host":                   "SERVER_HOST",
	"server.port":                   "SERVER_PORT",
	"database.driver":               "DB_DRIVER",
	"database.host":                 "DB_HOST",
	"database.port":                 "DB_PORT",
	"database.user":                 "DB_USER",
	"database.password":             "DB_PASSWORD",
	"database.name":                 "DB_NAME",
	"database.sslmode":              "DB_SSLMODE",
	"redis.url":                     "REDIS_URL",
	"sync.interval":                 "SYNC_INTERVAL",
	"sync.concurrency":              "SYNC_CONCURRENCY",
	"sync.lookback":                 "SYNC_LOOKBACK",
	"sync.batch_size":               "SYNC_BATCH_SIZE",
	"sync.fetch_timeout":            "SYNC_FETCH_TIMEOUT",
	"sync.scheduler":                "SYNC_SCHEDULER",
	"openai.base_url":               "OPENAI_BASE_URL",
	"openai.api_key":                "OPENAI_API_KEY",
	"openai.model":                  "OPENAI_MODEL",
	"openai.max_tokens":             "OPENAI_MAX_TOKENS",
	"openai.temperature":            "OPENAI_TEMPERATURE",
	"oauth.google_client_id":        "GOOGLE_CLIENT_ID",
	"oauth.google_client_secret":    "GOOGLE_CLIENT_SECRET",
	"oauth.microsoft_client_id":     "MICROSOFT_CLIENT_ID",
	"oauth.microsoft_client_secret": "MICROSOFT_CLIENT_SECRET",
	"oauth.microsoft_tenant":        "MICROSOFT_TENANT",
	"security.encryption_key":       "ENCRYPTION_KEY",
	"log.level":                     "LOG_LEVEL",
	"log.format":                    "LOG_FORMAT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", "8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "mailsync")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "mailsync.db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.url", "")
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.concurrency", 1)
	v.SetDefault("sync.lookback", 7*24*time.Hour)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.fetch_timeout", 30*time.Second)
	v.SetDefault("sync.scheduler", true)
	v.SetDefault("cache.list_ttl", time.Hour)
	v.SetDefault("cache.threads_ttl", time.Hour)
	v.SetDefault("cache.ai_ttl", 24*time.Hour)
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "gpt-3.5-turbo")
	v.SetDefault("openai.max_tokens", 1000)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("oauth.google_client_id", "")
	v.SetDefault("oauth.google_client_secret", "")
	v.SetDefault("oauth.microsoft_client_id", "")
	v.SetDefault("oauth.microsoft_client_secret", "")
	v.SetDefault("oauth.microsoft_tenant", "common")
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from defaults, an optional YAML file and the
// environment. Both MAILSYNC_SECTION_KEY and the legacy flat names (DB_DRIVER,
// SERVER_PORT, ...) are honoured. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		prefixed := "MAILSYNC_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync batch size must be at least 1, got %d", c.Sync.BatchSize)
	}
	if c.Sync.Lookback <= 0 {
		return fmt.Errorf("sync lookback must be positive, got %s", c.Sync.Lookback)
	}
	return nil
}

// ServerAddress returns the full server address
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}
