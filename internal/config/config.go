package config

import (
	"flag"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           int
	StacksDir      string
	DataDir        string
	DockerHost     string // "", unix://..., tcp://... ("" = platform default)
	Endpoint       string // endpoint identifier; "" for the local engine
	LogLevel       slog.Level
	NoAuth         bool          // Skip authentication (all endpoints open)
	UpdateInterval time.Duration // background registry probe cadence
	Pprof          bool          // Enable /debug/pprof/ endpoints
}

func Parse() *Config {
	cfg := &Config{}

	var logLevel string
	var updateHours int
	flag.IntVar(&cfg.Port, "port", 5001, "HTTP server port")
	flag.StringVar(&cfg.StacksDir, "stacks-dir", "/opt/stacks", "Path to stacks directory")
	flag.StringVar(&cfg.DataDir, "data-dir", "./data", "Path to data directory (bbolt store)")
	flag.StringVar(&cfg.DockerHost, "docker-host", "", "Docker engine endpoint (unix:// or tcp://; empty = platform default)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.NoAuth, "no-auth", false, "Disable authentication (all endpoints open)")
	flag.IntVar(&updateHours, "update-interval-hours", 8, "Hours between registry image-update probes")
	flag.Parse()

	// Env vars override flags (if set)
	if v := os.Getenv("DECKHAND_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("DECKHAND_STACKS_DIR"); v != "" {
		cfg.StacksDir = v
	}
	if v := os.Getenv("DECKHAND_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DECKHAND_DOCKER_HOST"); v != "" {
		cfg.DockerHost = v
	}
	if v := os.Getenv("DECKHAND_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("DECKHAND_LOG_LEVEL"); v != "" {
		logLevel = v
	}
	if v := os.Getenv("DECKHAND_NO_AUTH"); v == "1" || v == "true" {
		cfg.NoAuth = true
	}
	if v := os.Getenv("DECKHAND_UPDATE_INTERVAL_HOURS"); v != "" {
		if h, err := strconv.Atoi(v); err == nil && h > 0 {
			updateHours = h
		}
	}
	if v := os.Getenv("DECKHAND_PPROF"); v == "1" || v == "true" {
		cfg.Pprof = true
	}

	cfg.LogLevel = parseLogLevel(logLevel)
	cfg.UpdateInterval = time.Duration(updateHours) * time.Hour

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
