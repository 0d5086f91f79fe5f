// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	GRPC     GRPCConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Engine   EngineConfig
	Entities EntitiesConfig
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	CORSOrigins     []string
}

// GRPCConfig configures the gRPC server.
type GRPCConfig struct {
	Port       int
	Reflection bool
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

// DSN renders a pgx connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// NATSConfig configures audit event publishing. An empty URL disables it.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
}

// EngineConfig holds approval engine policy knobs.
type EngineConfig struct {
	// StorageDriver is "postgres" or "memory".
	StorageDriver       string
	BusinessDayStart    string // HH:MM
	BusinessDayEnd      string // HH:MM
	TimeZone            string
	Holidays            []string // YYYY-MM-DD
	DeadlineEnforcement string   // advisory | block
	LockTimeout         time.Duration
	CancelAdmins        []string
}

// EntitiesConfig maps entity types to attribute lookup endpoints.
// ENTITY_SOURCES=purchase_order=http://orders:8080/internal/attributes,...
type EntitiesConfig struct {
	Sources map[string]string
	Timeout time.Duration
}

// Load reads configuration. A .env file in the working directory is loaded
// first if present; real environment variables take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-plt-approvals"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("HTTP_PORT", 8090),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 20*time.Second),
			RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
			CORSOrigins:     getEnvList("CORS_ORIGINS", []string{"*"}),
		},
		GRPC: GRPCConfig{
			Port:       getEnvInt("GRPC_PORT", 9090),
			Reflection: getEnvBool("GRPC_REFLECTION", true),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", "postgres"),
			Database:    getEnv("DB_NAME", "approvals"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 20)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_CONN_IDLE", 30*time.Minute),
			HealthCheck: getEnvDuration("DB_HEALTH_CHECK", time.Minute),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "approvals.events"),
			Name:          getEnv("NATS_CLIENT_NAME", "be-plt-approvals"),
		},
		Engine: EngineConfig{
			StorageDriver:       getEnv("STORAGE_DRIVER", "postgres"),
			BusinessDayStart:    getEnv("BUSINESS_DAY_START", "09:00"),
			BusinessDayEnd:      getEnv("BUSINESS_DAY_END", "17:00"),
			TimeZone:            getEnv("BUSINESS_TIMEZONE", "UTC"),
			Holidays:            getEnvList("BUSINESS_HOLIDAYS", nil),
			DeadlineEnforcement: getEnv("DEADLINE_ENFORCEMENT", "advisory"),
			LockTimeout:         getEnvDuration("WORKFLOW_LOCK_TIMEOUT", 5*time.Second),
			CancelAdmins:        getEnvList("CANCEL_ADMINS", nil),
		},
		Entities: EntitiesConfig{
			Sources: getEnvMap("ENTITY_SOURCES"),
			Timeout: getEnvDuration("ENTITY_LOOKUP_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Engine.StorageDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be postgres or memory, got %q", c.Engine.StorageDriver)
	}
	switch c.Engine.DeadlineEnforcement {
	case "advisory", "block":
	default:
		return fmt.Errorf("DEADLINE_ENFORCEMENT must be advisory or block, got %q", c.Engine.DeadlineEnforcement)
	}
	if _, err := time.LoadLocation(c.Engine.TimeZone); err != nil {
		return fmt.Errorf("BUSINESS_TIMEZONE: %w", err)
	}
	if c.Server.Port <= 0 || c.GRPC.Port <= 0 {
		return fmt.Errorf("HTTP_PORT and GRPC_PORT must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range getEnvList(key, nil) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
