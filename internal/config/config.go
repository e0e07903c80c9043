// Package config reads process configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Watch holds the watcher CLI configuration.
type Watch struct {
	ServerURL      string
	Token          string
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// Sim holds the demo scan service configuration.
type Sim struct {
	Port       int
	Token      string
	PageDelay  time.Duration
	TotalPages int
	// DBPath is the SQLite file backing scan history and schedules. Empty
	// keeps everything in memory.
	DBPath        string
	RetentionDays int
}

// LoadWatch reads the watcher configuration. Missing variables fall back to
// a local demo server with no authentication.
func LoadWatch() *Watch {
	return &Watch{
		ServerURL:      getEnv("SCANWATCH_SERVER", "http://localhost:8800"),
		Token:          getEnv("SCANWATCH_TOKEN", ""),
		PollInterval:   getEnvDuration("SCANWATCH_POLL_INTERVAL", 3*time.Second),
		RequestTimeout: getEnvDuration("SCANWATCH_REQUEST_TIMEOUT", 15*time.Second),
	}
}

// LoadSim reads the demo scan service configuration.
func LoadSim() *Sim {
	return &Sim{
		Port:          getEnvInt("SCANSIM_PORT", 8800),
		Token:         getEnv("SCANSIM_TOKEN", ""),
		PageDelay:     getEnvDuration("SCANSIM_PAGE_DELAY", 400*time.Millisecond),
		TotalPages:    getEnvInt("SCANSIM_TOTAL_PAGES", 12),
		DBPath:        getEnv("SCANSIM_DB", ""),
		RetentionDays: getEnvInt("SCANSIM_RETENTION_DAYS", 30),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return defaultVal
}
