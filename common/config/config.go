package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service      ServiceConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Lease        LeaseConfig
	Housekeeping HousekeepingConfig
	Telemetry    TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name         string
	Port         int
	Environment  string
	LogLevel     string
	LogFormat    string
	ServiceToken string
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

// RedisConfig holds notification fanout settings
type RedisConfig struct {
	Enabled bool
	Addr    string
	DB      int
}

// LeaseConfig holds lease and heartbeat defaults. Min/Max bound every
// caller-supplied lease request so a misconfigured client cannot hold a
// lease indefinitely or thrash with near-zero leases.
type LeaseConfig struct {
	DefaultMinutes   int
	MinMinutes       int
	MaxMinutes       int
	ClaimBatchSize   int
	HeartbeatEvery   time.Duration
	MinWorkerIDChars int
}

// HousekeepingConfig holds retention sweep settings
type HousekeepingConfig struct {
	Interval       time.Duration
	EventRetention time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:         serviceName,
			Port:         getEnvInt("PORT", 8080),
			Environment:  getEnv("ENVIRONMENT", "development"),
			LogLevel:     getEnv("LOG_LEVEL", "info"),
			LogFormat:    getEnv("LOG_FORMAT", "text"),
			ServiceToken: getEnv("SERVICE_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "coordinator"),
			User:        getEnv("POSTGRES_USER", "coordinator"),
			Password:    getEnv("POSTGRES_PASSWORD", "coordinator"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Enabled: getEnvBool("REDIS_ENABLED", true),
			Addr:    getEnv("REDIS_ADDR", "localhost:6379"),
			DB:      getEnvInt("REDIS_DB", 0),
		},
		Lease: LeaseConfig{
			DefaultMinutes:   getEnvInt("LEASE_DEFAULT_MINUTES", 10),
			MinMinutes:       getEnvInt("LEASE_MIN_MINUTES", 1),
			MaxMinutes:       getEnvInt("LEASE_MAX_MINUTES", 30),
			ClaimBatchSize:   getEnvInt("CLAIM_BATCH_SIZE", 10),
			HeartbeatEvery:   getEnvDuration("HEARTBEAT_EVERY", 2*time.Minute),
			MinWorkerIDChars: getEnvInt("MIN_WORKER_ID_CHARS", 3),
		},
		Housekeeping: HousekeepingConfig{
			Interval:       getEnvDuration("HOUSEKEEPING_INTERVAL", 15*time.Minute),
			EventRetention: getEnvDuration("EVENT_RETENTION", 90*24*time.Hour),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", true),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Lease.MinMinutes < 1 || c.Lease.MaxMinutes < c.Lease.MinMinutes {
		return fmt.Errorf("invalid lease bounds: [%d, %d]", c.Lease.MinMinutes, c.Lease.MaxMinutes)
	}

	if c.Lease.DefaultMinutes < c.Lease.MinMinutes || c.Lease.DefaultMinutes > c.Lease.MaxMinutes {
		return fmt.Errorf("default lease %d outside bounds [%d, %d]",
			c.Lease.DefaultMinutes, c.Lease.MinMinutes, c.Lease.MaxMinutes)
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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
