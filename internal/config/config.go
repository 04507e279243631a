// Package config provides configuration management for the tiered cache
// engine. It handles loading configuration from environment variables with
// sensible defaults and validates the configuration so the engine starts
// safely.
//
// Environment Variables:
//
// Application Settings:
//   - LOG_LEVEL: Logging level (default: info)
//
// L1 (in-memory) Tier:
//   - L1_CAPACITY: Maximum number of entries (default: 1000)
//   - L1_DEFAULT_TTL: Default TTL, extended duration syntax (default: 5m)
//   - L1_EVICTION_STRATEGY: "lru", "fifo" or "ttl" (default: lru)
//
// L2 (Redis) Tier:
//   - L2_ENABLED: Enable the Redis tier (default: true)
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//   - L2_DEFAULT_TTL: Default TTL (default: 30m)
//   - L2_KEY_PREFIX: Namespace prefix for all engine keys (default: tiercache:)
//
// L3 (disk) Tier:
//   - L3_ENABLED: Enable the disk tier (default: true)
//   - L3_ROOT_DIR: Root directory for cache files (default: ./cache_data)
//   - L3_DEFAULT_TTL: Default TTL (default: 24h)
//   - L3_SWEEP_INTERVAL: Expired-entry sweep interval (default: 5m)
//
// Degraded Mode:
//   - CACHE_ALLOW_DEGRADED: Continue without a tier whose backend is
//     unreachable at startup (default: false)
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"tiercache/internal/common/errors"
	"tiercache/internal/common/utils"
)

// EvictionStrategy selects how the L1 tier reclaims space under capacity
// pressure.
type EvictionStrategy string

const (
	// EvictLRU evicts the least recently used entry
	EvictLRU EvictionStrategy = "lru"
	// EvictFIFO evicts the oldest inserted entry
	EvictFIFO EvictionStrategy = "fifo"
	// EvictTTL evicts expired entries only, falling back to FIFO when
	// nothing has expired
	EvictTTL EvictionStrategy = "ttl"
)

// Config holds the full engine configuration
type Config struct {
	LogLevel string

	// L1 tier
	L1Capacity   int
	L1DefaultTTL time.Duration
	L1Eviction   EvictionStrategy

	// L2 tier
	L2Enabled     bool
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	L2DefaultTTL  time.Duration
	L2KeyPrefix   string

	// L3 tier
	L3Enabled       bool
	L3RootDir       string
	L3DefaultTTL    time.Duration
	L3SweepInterval time.Duration

	AllowDegraded bool
}

// Load reads configuration from environment variables, applying defaults
// for anything unset
func Load() *Config {
	return &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),

		L1Capacity:   getIntEnv("L1_CAPACITY", 1000),
		L1DefaultTTL: getDurationEnv("L1_DEFAULT_TTL", 5*time.Minute),
		L1Eviction:   EvictionStrategy(strings.ToLower(getEnv("L1_EVICTION_STRATEGY", "lru"))),

		L2Enabled:     getBoolEnv("L2_ENABLED", true),
		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisPoolSize: getIntEnv("REDIS_POOL_SIZE", 10),
		L2DefaultTTL:  getDurationEnv("L2_DEFAULT_TTL", 30*time.Minute),
		L2KeyPrefix:   getEnv("L2_KEY_PREFIX", "tiercache:"),

		L3Enabled:       getBoolEnv("L3_ENABLED", true),
		L3RootDir:       getEnv("L3_ROOT_DIR", "./cache_data"),
		L3DefaultTTL:    getDurationEnv("L3_DEFAULT_TTL", 24*time.Hour),
		L3SweepInterval: getDurationEnv("L3_SWEEP_INTERVAL", 5*time.Minute),

		AllowDegraded: getBoolEnv("CACHE_ALLOW_DEGRADED", false),
	}
}

// Validate checks the configuration for values the engine cannot start with
func (c *Config) Validate() error {
	if c.L1Capacity <= 0 {
		return errors.ConfigError("L1_CAPACITY must be positive")
	}

	switch c.L1Eviction {
	case EvictLRU, EvictFIFO, EvictTTL:
	default:
		return errors.ConfigError("L1_EVICTION_STRATEGY must be one of lru, fifo, ttl")
	}

	if c.L2Enabled {
		if c.RedisAddress == "" {
			return errors.ConfigError("REDIS_ADDRESS is required when L2 is enabled")
		}
		if c.RedisDB < 0 || c.RedisDB > 15 {
			return errors.ConfigError("REDIS_DB must be between 0 and 15")
		}
		if c.RedisPoolSize <= 0 {
			return errors.ConfigError("REDIS_POOL_SIZE must be positive")
		}
	}

	if c.L3Enabled {
		if c.L3RootDir == "" {
			return errors.ConfigError("L3_ROOT_DIR is required when L3 is enabled")
		}
		if c.L3SweepInterval <= 0 {
			return errors.ConfigError("L3_SWEEP_INTERVAL must be positive")
		}
	}

	if c.L1DefaultTTL < 0 || c.L2DefaultTTL < 0 || c.L3DefaultTTL < 0 {
		return errors.ConfigError("default TTLs must not be negative")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := utils.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
