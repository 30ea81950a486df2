// Package config loads the core service settings from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime settings for the core service.
type Config struct {
	BindAddr string

	DBURI  string
	DBName string

	BusURI       string
	BusReconnect time.Duration

	JWTSecret     string
	JWTAlgorithms []string

	MaxContentLen int
	MaxBodyLen    int64

	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables.
// Required variables: CORE_BIND_ADDR, CORE_DB_URI, CORE_BUS_URI, CORE_JWT_SECRET
// Optional variables with defaults: CORE_DB_NAME, CORE_JWT_ALGS,
// CORE_MAX_CONTENT_LEN, CORE_MAX_BODY_LEN, CORE_BUS_RECONNECT_SECONDS,
// CORE_LOG_LEVEL, CORE_LOG_FORMAT
func Load() Config {
	return Config{
		BindAddr:      envRequired("CORE_BIND_ADDR"),
		DBURI:         envRequired("CORE_DB_URI"),
		DBName:        envOr("CORE_DB_NAME", "pushrelay"),
		BusURI:        envRequired("CORE_BUS_URI"),
		BusReconnect:  envSeconds("CORE_BUS_RECONNECT_SECONDS", 10),
		JWTSecret:     envRequired("CORE_JWT_SECRET"),
		JWTAlgorithms: envList("CORE_JWT_ALGS", []string{"HS256"}),
		MaxContentLen: envInt("CORE_MAX_CONTENT_LEN", 4096),
		MaxBodyLen:    int64(envInt("CORE_MAX_BODY_LEN", 8192)),
		LogLevel:      envOr("CORE_LOG_LEVEL", "info"),
		LogFormat:     envOr("CORE_LOG_FORMAT", "json"),
	}
}

// Validate checks that all required configuration is present.
func (c Config) Validate() error {
	switch {
	case c.BindAddr == "":
		return fmt.Errorf("CORE_BIND_ADDR is required")
	case c.DBURI == "":
		return fmt.Errorf("CORE_DB_URI is required")
	case c.BusURI == "":
		return fmt.Errorf("CORE_BUS_URI is required")
	case c.JWTSecret == "":
		return fmt.Errorf("CORE_JWT_SECRET is required")
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
