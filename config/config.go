package config

import (
	"fmt"
	"os"
	"strings"
)

// Config represents runtime configuration for the coordinator service.
type Config struct {
	Port           string
	DatabaseURL    string
	RedisHost      string
	RedisPort      string
	ReceiptSecret  string
	AdminPassword  string
	AllowedOrigins []string
	KeysDir        string
	AuditLogPath   string
	Environment    string
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	receiptSecret := os.Getenv("RECEIPT_SECRET")
	if receiptSecret == "" {
		return nil, fmt.Errorf("RECEIPT_SECRET is required: job receipts cannot be verified without it")
	}

	origins, err := parseAllowedOrigins(os.Getenv("ALLOWED_ORIGINS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           getEnvDefault("COORDINATOR_PORT", "8000"),
		DatabaseURL:    dbURL,
		RedisHost:      getEnvDefault("REDIS_HOST", "localhost"),
		RedisPort:      getEnvDefault("REDIS_PORT", "6379"),
		ReceiptSecret:  receiptSecret,
		AdminPassword:  os.Getenv("ADMIN_PASSWORD"),
		AllowedOrigins: origins,
		KeysDir:        getEnvDefault("KEYS_DIR", "keys"),
		AuditLogPath:   getEnvDefault("AUDIT_LOG_PATH", "logs/audit.log"),
		Environment:    os.Getenv("COORDINATOR_ENV"),
	}
	return cfg, nil
}

// AllowCredentials reports whether CORS responses may include credentials.
// A wildcard origin list forbids credentialed requests.
func (c *Config) AllowCredentials() bool {
	return !(len(c.AllowedOrigins) == 1 && c.AllowedOrigins[0] == "*")
}

// RedisAddr returns the host:port address of the ephemeral store.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{"*"}, nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	wildcard := false
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			wildcard = true
		}
		origins = append(origins, trimmed)
	}
	if len(origins) == 0 {
		return []string{"*"}, nil
	}
	if wildcard && len(origins) > 1 {
		return nil, fmt.Errorf("ALLOWED_ORIGINS mixes %q with specific origins; use one or the other", "*")
	}
	return origins, nil
}

func getEnvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
