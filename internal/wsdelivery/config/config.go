// Package config loads the ws-delivery service settings from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime settings for the ws-delivery service.
type Config struct {
	BindAddr string

	BusURI       string
	BusReconnect time.Duration

	RedisURI string

	JWTSecret     string
	JWTAlgorithms []string

	TicketLifespan time.Duration

	PingInterval         time.Duration
	RetryInterval        time.Duration
	RetryMaxCount        int
	ConnectionBufferSize int

	DedupLifespan time.Duration
	DedupSweep    time.Duration

	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables.
// Required variables: WSD_BIND_ADDR, WSD_BUS_URI, WSD_REDIS_URI, WSD_JWT_SECRET
// Optional variables with defaults: WSD_JWT_ALGS, WSD_TICKET_LIFESPAN_SECONDS,
// WSD_PING_INTERVAL_SECONDS, WSD_RETRY_INTERVAL_SECONDS, WSD_RETRY_MAX_COUNT,
// WSD_CONNECTION_BUFFER_SIZE, WSD_DEDUP_LIFESPAN_SECONDS,
// WSD_DEDUP_SWEEP_SECONDS, WSD_BUS_RECONNECT_SECONDS, WSD_LOG_LEVEL,
// WSD_LOG_FORMAT
func Load() Config {
	return Config{
		BindAddr:             envRequired("WSD_BIND_ADDR"),
		BusURI:               envRequired("WSD_BUS_URI"),
		BusReconnect:         envSeconds("WSD_BUS_RECONNECT_SECONDS", 10),
		RedisURI:             envRequired("WSD_REDIS_URI"),
		JWTSecret:            envRequired("WSD_JWT_SECRET"),
		JWTAlgorithms:        envList("WSD_JWT_ALGS", []string{"HS256"}),
		TicketLifespan:       envSeconds("WSD_TICKET_LIFESPAN_SECONDS", 30),
		PingInterval:         envSeconds("WSD_PING_INTERVAL_SECONDS", 30),
		RetryInterval:        envSeconds("WSD_RETRY_INTERVAL_SECONDS", 10),
		RetryMaxCount:        envInt("WSD_RETRY_MAX_COUNT", 5),
		ConnectionBufferSize: envInt("WSD_CONNECTION_BUFFER_SIZE", 16),
		DedupLifespan:        envSeconds("WSD_DEDUP_LIFESPAN_SECONDS", 30),
		DedupSweep:           envSeconds("WSD_DEDUP_SWEEP_SECONDS", 120),
		LogLevel:             envOr("WSD_LOG_LEVEL", "info"),
		LogFormat:            envOr("WSD_LOG_FORMAT", "json"),
	}
}

// Validate checks that all required configuration is present.
func (c Config) Validate() error {
	switch {
	case c.BindAddr == "":
		return fmt.Errorf("WSD_BIND_ADDR is required")
	case c.BusURI == "":
		return fmt.Errorf("WSD_BUS_URI is required")
	case c.RedisURI == "":
		return fmt.Errorf("WSD_REDIS_URI is required")
	case c.JWTSecret == "":
		return fmt.Errorf("WSD_JWT_SECRET is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envRequired(key string) string {
	return os.Getenv(key)
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return fallback
}
