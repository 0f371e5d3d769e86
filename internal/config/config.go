package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"planning-server/internal/models"
)

// Config holds the planning service configuration.
type Config struct {
	// Server
	Port     string `envconfig:"PLANNING_SERVER_PORT" default:"8084"`
	Env      string `envconfig:"APP_ENV" default:"production"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// PostgreSQL
	DBHost        string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" default:"planning"`
	DBPassword    string        `envconfig:"DB_PASSWORD" default:""`
	DBName        string        `envconfig:"DB_NAME" default:"planning"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE_MINUTES" default:"5m"`
	DBEnabled     bool          `envconfig:"DB_ENABLED" default:"true"`

	// Redis
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisEnabled  bool   `envconfig:"REDIS_ENABLED" default:"true"`

	// RabbitMQ; storage events are skipped when the URL is empty.
	RabbitMQURL string `envconfig:"RABBITMQ_URL" default:""`

	// Storage policy
	DegradationMode string `envconfig:"DEGRADATION_MODE" default:"full"`

	// CORS
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`

	// Rate limiting for the register endpoint, requests per minute per IP.
	RateLimitPerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"60"`
}

// GetDSN returns the PostgreSQL connection string.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// GetAllowedOrigins splits the configured CORS origins.
func (c *Config) GetAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// GetDegradationMode parses the configured degradation mode, falling back to
// full on unknown values.
func (c *Config) GetDegradationMode() models.DegradationMode {
	mode := models.DegradationMode(strings.ToLower(c.DegradationMode))
	if !mode.Valid() {
		return models.DegradationFull
	}
	return mode
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load planning-server configuration: %w", err)
	}
	return &cfg, nil
}
