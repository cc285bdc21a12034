package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edukite/keystone/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Services  ServicesConfig
	Audit     AuditConfig
	LogLevel  observability.LogLevel
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	BaseURL         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds the optional redis connection used by the JIT
// provisioning guard. An empty URL disables the guard.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// AuthConfig holds authentication core defaults
type AuthConfig struct {
	// SessionTTL is the default SSO session lifetime; tenants may
	// override per provider.
	SessionTTL time.Duration

	// ClockSkew is the default tolerance applied to SAML timestamp
	// windows.
	ClockSkew time.Duration

	// RequestTimeout bounds every outbound IdP and collaborator call.
	RequestTimeout time.Duration

	// SupportTokenSecret signs the short-lived support tokens issued
	// to users awaiting JIT approval.
	SupportTokenSecret string

	// SupportTokenTTL bounds support-token validity.
	SupportTokenTTL time.Duration
}

// ServicesConfig holds collaborator endpoints
type ServicesConfig struct {
	UserServiceURL     string
	ApprovalServiceURL string
}

// AuditConfig holds audit sink configuration
type AuditConfig struct {
	// FilePath, when set, mirrors audit entries to a JSON-lines file
	// in addition to the database.
	FilePath string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("KEYSTONE_HOST", "0.0.0.0"),
			Port:            getEnv("KEYSTONE_PORT", "8080"),
			BaseURL:         getEnv("KEYSTONE_BASE_URL", "http://localhost:8080"),
			ReadTimeout:     getEnvDuration("KEYSTONE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("KEYSTONE_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("KEYSTONE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("KEYSTONE_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("KEYSTONE_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:          getEnv("KEYSTONE_POSTGRES_URL", ""),
			MaxOpenConns: getEnvInt("KEYSTONE_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("KEYSTONE_POSTGRES_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			URL:      getEnv("KEYSTONE_REDIS_URL", ""),
			Password: getEnv("KEYSTONE_REDIS_PASSWORD", ""),
			DB:       getEnvInt("KEYSTONE_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			SessionTTL:         getEnvDuration("KEYSTONE_SESSION_TTL", 8*time.Hour),
			ClockSkew:          getEnvDuration("KEYSTONE_CLOCK_SKEW", 30*time.Second),
			RequestTimeout:     getEnvDuration("KEYSTONE_REQUEST_TIMEOUT", 25*time.Second),
			SupportTokenSecret: getEnv("KEYSTONE_SUPPORT_TOKEN_SECRET", ""),
			SupportTokenTTL:    getEnvDuration("KEYSTONE_SUPPORT_TOKEN_TTL", 15*time.Minute),
		},
		Services: ServicesConfig{
			UserServiceURL:     getEnv("KEYSTONE_USER_SERVICE_URL", ""),
			ApprovalServiceURL: getEnv("KEYSTONE_APPROVAL_SERVICE_URL", ""),
		},
		Audit: AuditConfig{
			FilePath: getEnv("KEYSTONE_AUDIT_FILE", ""),
		},
		LogLevel: observability.ParseLogLevel(getEnv("KEYSTONE_LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Services.UserServiceURL == "" {
		return fmt.Errorf("user service URL is required")
	}
	if c.Services.ApprovalServiceURL == "" {
		return fmt.Errorf("approval service URL is required")
	}
	if c.Auth.SupportTokenSecret == "" {
		return fmt.Errorf("support token secret is required")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Auth.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
