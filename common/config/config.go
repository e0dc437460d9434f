package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	GigaChat GigaChatConfig
	Engine   EngineConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	BaseURL     string
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// GigaChatConfig holds LLM provider endpoints and defaults
type GigaChatConfig struct {
	OAuthURL  string
	ChatURL   string
	EmbedURL  string
	Scope     string
	AuthToken string // fallback when a node carries no authToken
	Timeout   time.Duration
}

// EngineConfig holds execution defaults
type EngineConfig struct {
	StoreType         string // "postgres" or "memory"
	QueueType         string // "redis" or "memory"
	MaxGotoIterations int
	MaxConcurrent     int
	WebhookTimeout    time.Duration
	IteratorTimeout   time.Duration
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "gigaflow"),
			User:        getEnv("POSTGRES_USER", "gigaflow"),
			Password:    getEnv("POSTGRES_PASSWORD", "gigaflow"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		GigaChat: GigaChatConfig{
			OAuthURL:  getEnv("GIGACHAT_OAUTH_URL", "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"),
			ChatURL:   getEnv("GIGACHAT_CHAT_URL", "https://gigachat.devices.sberbank.ru/api/v1/chat/completions"),
			EmbedURL:  getEnv("GIGACHAT_EMBED_URL", "https://gigachat.devices.sberbank.ru/api/v1/embeddings"),
			Scope:     getEnv("GIGACHAT_SCOPE", "GIGACHAT_API_PERS"),
			AuthToken: getEnv("GIGACHAT_AUTH_TOKEN", ""),
			Timeout:   getEnvDuration("GIGACHAT_TIMEOUT", 60*time.Second),
		},
		Engine: EngineConfig{
			StoreType:         getEnv("STORE_TYPE", "postgres"),
			QueueType:         getEnv("QUEUE_TYPE", "redis"),
			MaxGotoIterations: getEnvInt("MAX_GOTO_ITERATIONS", 10),
			MaxConcurrent:     getEnvInt("MAX_CONCURRENT", 5),
			WebhookTimeout:    getEnvDuration("WEBHOOK_TIMEOUT", 30*time.Second),
			IteratorTimeout:   getEnvDuration("ITERATOR_TIMEOUT", 10*time.Second),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Engine.StoreType != "postgres" && c.Engine.StoreType != "memory" {
		return fmt.Errorf("unknown store type: %s", c.Engine.StoreType)
	}

	if c.Engine.StoreType == "postgres" && c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
