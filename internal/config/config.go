// Package config loads the vacuum engine's runtime configuration from
// the environment, in the teacher's style: a flat struct, an
// env-var-driven loader, and small typed getters with defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the vacuum engine's runtime configuration.
type Config struct {
	// DataDir is where heap files, indexes, the lock directory and
	// statistics rows live.
	DataDir string

	// LockDir is where per-relation vacuum lock files are created
	// (spec §5's process-wide lock, held per relation here since
	// concurrent vacuum of different relations is out of scope but
	// each relation still needs its own stale-lock detection).
	LockDir string

	// XmaxRecentLookback is subtracted from the oldest active
	// transaction id to give the xmax-recent cutoff, computed once per
	// vacuum invocation; a lookback at or past that id gives
	// FirstNormalTxnID.
	XmaxRecentLookback uint32

	// Verbose turns on the per-relation progress line (spec §6).
	Verbose bool

	// LogLevel is the zerolog level name ("debug", "info", "warn").
	LogLevel string
}

// LoadFromEnv loads configuration from the environment. VAC_DATA_DIR
// is the only required variable.
func LoadFromEnv() (*Config, error) {
	dataDir := os.Getenv("VAC_DATA_DIR")
	if dataDir == "" {
		return nil, fmt.Errorf("VAC_DATA_DIR is required")
	}

	cfg := &Config{
		DataDir:            dataDir,
		LockDir:            getEnv("VAC_LOCK_DIR", dataDir),
		XmaxRecentLookback: uint32(getInt("VAC_XMAX_RECENT_LOOKBACK", 1000)),
		Verbose:            getBool("VAC_VERBOSE", false),
		LogLevel:           getEnv("VAC_LOG_LEVEL", "info"),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

