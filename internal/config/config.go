package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Store backends understood by the credential store
const (
	BackendSQLCipher = "sqlcipher"
	BackendSQLite    = "sqlite"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

type Config struct {
	// Remote auth service
	APIBaseURL     string
	RequestTimeout time.Duration

	// Credential store
	StoreBackend       string
	StorePath          string
	StoreEncryptionKey string
	RedisAddr          string
	RedisDB            int

	// Rate limiting of outgoing requests
	RateLimitRPS   int
	RateLimitBurst int

	// Login lockout
	LockoutThreshold int
	LockoutDuration  time.Duration

	// Audit configuration
	AuditLogPath   string
	AuditAsyncMode bool

	// Development stub service
	StubAddr      string
	StubJWTSecret string

	// Application settings
	Environment string
	LogLevel    string
	LogFormat   string
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		APIBaseURL:       "http://localhost:8000/api",
		RequestTimeout:   10 * time.Second,
		StoreBackend:     BackendSQLCipher,
		StorePath:        filepath.Join(defaultDataDir(), "credentials.db"),
		RedisAddr:        "localhost:6379",
		RateLimitRPS:     10,
		RateLimitBurst:   20,
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
		AuditLogPath:     filepath.Join(defaultDataDir(), "audit.log"),
		AuditAsyncMode:   true,
		StubAddr:         "127.0.0.1:8000",
		Environment:      "development",
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load reads configuration from .env, an optional TOML file and environment variables
func Load() (*Config, error) {
	// Load .env file if exists (not required in production)
	godotenv.Load()

	config := Default()

	path := getEnv("AUTH_CONFIG_FILE", filepath.Join(defaultDataDir(), "config.toml"))
	if err := LoadTOML(config, path); err != nil {
		return nil, err
	}

	config.ApplyEnvOverrides()

	// Validate critical configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadTOML overlays the values found in the TOML file at path. A missing file is not an error.
func LoadTOML(cfg *Config, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	var raw fileConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return raw.apply(cfg)
}

// ApplyEnvOverrides overrides config values from environment variables
func (c *Config) ApplyEnvOverrides() {
	c.APIBaseURL = getEnv("AUTH_API_URL", c.APIBaseURL)
	c.RequestTimeout = getEnvAsSeconds("AUTH_REQUEST_TIMEOUT_SECONDS", c.RequestTimeout)
	c.StoreBackend = getEnv("AUTH_STORE_BACKEND", c.StoreBackend)
	c.StorePath = getEnv("AUTH_STORE_PATH", c.StorePath)
	c.StoreEncryptionKey = getEnv("AUTH_STORE_ENCRYPTION_KEY", c.StoreEncryptionKey)
	c.RedisAddr = getEnv("AUTH_REDIS_ADDR", c.RedisAddr)
	c.RedisDB = getEnvAsInt("AUTH_REDIS_DB", c.RedisDB)
	c.RateLimitRPS = getEnvAsInt("RATE_LIMIT_REQUESTS_PER_SECOND", c.RateLimitRPS)
	c.RateLimitBurst = getEnvAsInt("RATE_LIMIT_BURST", c.RateLimitBurst)
	c.LockoutThreshold = getEnvAsInt("AUTH_LOCKOUT_THRESHOLD", c.LockoutThreshold)
	c.LockoutDuration = getEnvAsSeconds("AUTH_LOCKOUT_SECONDS", c.LockoutDuration)
	c.AuditLogPath = getEnv("AUDIT_LOG_PATH", c.AuditLogPath)
	c.AuditAsyncMode = getEnvAsBool("AUDIT_ASYNC_MODE", c.AuditAsyncMode)
	c.StubAddr = getEnv("AUTH_STUB_ADDR", c.StubAddr)
	c.StubJWTSecret = getEnv("AUTH_STUB_JWT_SECRET", c.StubJWTSecret)
	c.Environment = getEnv("APP_ENV", c.Environment)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate ensures all required configuration is present
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("AUTH_API_URL must be an absolute URL, got %q", c.APIBaseURL)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("AUTH_REQUEST_TIMEOUT_SECONDS must be positive")
	}

	switch c.StoreBackend {
	case BackendSQLCipher, BackendSQLite, BackendRedis:
		if c.StoreEncryptionKey == "" {
			return fmt.Errorf("AUTH_STORE_ENCRYPTION_KEY is required for the %s store", c.StoreBackend)
		}
		if len(c.StoreEncryptionKey) < 32 {
			return fmt.Errorf("AUTH_STORE_ENCRYPTION_KEY must be at least 32 characters")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown AUTH_STORE_BACKEND %q", c.StoreBackend)
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}

	if c.LockoutThreshold <= 0 {
		return fmt.Errorf("AUTH_LOCKOUT_THRESHOLD must be positive")
	}

	if c.LockoutDuration < time.Second {
		return fmt.Errorf("AUTH_LOCKOUT_SECONDS must be at least 1")
	}

	return nil
}

// fileConfig mirrors Config with durations written as strings ("10s", "15m")
type fileConfig struct {
	APIBaseURL         string `toml:"api_base_url"`
	RequestTimeout     string `toml:"request_timeout"`
	StoreBackend       string `toml:"store_backend"`
	StorePath          string `toml:"store_path"`
	StoreEncryptionKey string `toml:"store_encryption_key"`
	RedisAddr          string `toml:"redis_addr"`
	RedisDB            *int   `toml:"redis_db"`
	RateLimitRPS       int    `toml:"rate_limit_rps"`
	RateLimitBurst     int    `toml:"rate_limit_burst"`
	LockoutThreshold   int    `toml:"lockout_threshold"`
	LockoutDuration    string `toml:"lockout_duration"`
	AuditLogPath       string `toml:"audit_log_path"`
	AuditAsyncMode     *bool  `toml:"audit_async_mode"`
	LogLevel           string `toml:"log_level"`
	LogFormat          string `toml:"log_format"`
}

func (f fileConfig) apply(c *Config) error {
	setString(&c.APIBaseURL, f.APIBaseURL)
	setString(&c.StoreBackend, f.StoreBackend)
	setString(&c.StorePath, f.StorePath)
	setString(&c.StoreEncryptionKey, f.StoreEncryptionKey)
	setString(&c.RedisAddr, f.RedisAddr)
	setString(&c.AuditLogPath, f.AuditLogPath)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.LogFormat, f.LogFormat)

	if f.RedisDB != nil {
		c.RedisDB = *f.RedisDB
	}
	if f.RateLimitRPS > 0 {
		c.RateLimitRPS = f.RateLimitRPS
	}
	if f.RateLimitBurst > 0 {
		c.RateLimitBurst = f.RateLimitBurst
	}
	if f.LockoutThreshold > 0 {
		c.LockoutThreshold = f.LockoutThreshold
	}
	if f.AuditAsyncMode != nil {
		c.AuditAsyncMode = *f.AuditAsyncMode
	}

	if f.RequestTimeout != "" {
		d, err := time.ParseDuration(f.RequestTimeout)
		if err != nil {
			return fmt.Errorf("invalid request_timeout %q: %w", f.RequestTimeout, err)
		}
		c.RequestTimeout = d
	}
	if f.LockoutDuration != "" {
		d, err := time.ParseDuration(f.LockoutDuration)
		if err != nil {
			return fmt.Errorf("invalid lockout_duration %q: %w", f.LockoutDuration, err)
		}
		c.LockoutDuration = d
	}

	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".authsession"
	}
	return filepath.Join(home, ".authsession")
}

// Helper functions to read environment variables
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return time.Duration(value) * time.Second
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
