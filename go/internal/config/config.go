// Package config reads the runtime settings of both binaries from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mcdev12/slipserver/go/internal/filelock"
	"github.com/mcdev12/slipserver/go/internal/relay"
)

// Server holds the slip server settings.
type Server struct {
	Port              string
	MatchFile         string
	LedgerFile        string
	LedgerFallbackDir string
	LockFile          string
	LockTimeout       time.Duration
	AggregatorAddr    string // empty disables the relay
	RelayTimeout      time.Duration
	NATSURL           string // empty disables the feed
	FeedSubjectPrefix string
	LogLevel          string
	LogFile           string
}

// Aggregator holds the companion aggregator settings.
type Aggregator struct {
	MatchFile string
	Listen    string
	HTTPPort  string
	Timeout   time.Duration
	LogLevel  string
	LogFile   string
}

// NewServerFromEnv reads the slip server settings (with defaults).
func NewServerFromEnv() Server {
	ledger := getEnv("LEDGER_FILE", "result.txt")
	return Server{
		Port:              getEnv("PORT", "8080"),
		MatchFile:         getEnv("MATCH_FILE", "match.yaml"),
		LedgerFile:        ledger,
		LedgerFallbackDir: getEnv("LEDGER_FALLBACK_DIR", os.TempDir()),
		LockFile:          getEnv("LOCK_FILE", filepath.Join(filepath.Dir(ledger), "lock.txt")),
		LockTimeout:       getEnvAsDuration("LOCK_TIMEOUT", filelock.DefaultTimeout),
		AggregatorAddr:    getEnv("AGGREGATOR_ADDR", ""),
		RelayTimeout:      getEnvAsDuration("RELAY_TIMEOUT", relay.DefaultTimeout),
		NATSURL:           getEnv("NATS_URL", ""),
		FeedSubjectPrefix: getEnv("FEED_SUBJECT_PREFIX", "slips.results"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           getEnv("LOG_FILE", ""),
	}
}

// NewAggregatorFromEnv reads the aggregator settings (with defaults).
func NewAggregatorFromEnv() Aggregator {
	return Aggregator{
		MatchFile: getEnv("MATCH_FILE", "match.yaml"),
		Listen:    getEnv("AGGREGATOR_LISTEN", fmt.Sprintf(":%d", relay.DefaultPort)),
		HTTPPort:  getEnv("AGGREGATOR_HTTP_PORT", "8081"),
		Timeout:   getEnvAsDuration("RELAY_TIMEOUT", relay.DefaultTimeout),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFile:   getEnv("LOG_FILE", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("750ms") or whole seconds ("5").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs := getEnvAsInt(key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
