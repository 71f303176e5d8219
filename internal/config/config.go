// Package config loads application settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/logging"
)

// Config holds the application configuration shared by the host and viewer
// binaries. Bitrates are in bits per second; zero values defer to the
// component defaults.
type Config struct {
	SignalURL  string
	ListenAddr string

	STUNServers []string

	StartBitrate int64
	MinBitrate   int64
	MaxBitrate   int64

	NegotiationTimeout time.Duration
	FrameRate          int

	LogLevel logging.LogLevel
}

// Load reads configuration from a .env file (if present) and environment
// variables. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		SignalURL:   os.Getenv("DESK_SIGNAL_URL"),
		ListenAddr:  envOr("DESK_LISTEN_ADDR", "127.0.0.1:8787"),
		STUNServers: splitList(envOr("DESK_STUN_URLS", "stun:stun.l.google.com:19302")),
		FrameRate:   30,
		LogLevel:    logging.LogLevelInfo,
	}

	var err error
	if cfg.StartBitrate, err = envInt64("DESK_START_BITRATE"); err != nil {
		return nil, err
	}
	if cfg.MinBitrate, err = envInt64("DESK_MIN_BITRATE"); err != nil {
		return nil, err
	}
	if cfg.MaxBitrate, err = envInt64("DESK_MAX_BITRATE"); err != nil {
		return nil, err
	}

	if v := os.Getenv("DESK_NEGOTIATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("DESK_NEGOTIATION_TIMEOUT: %w", err)
		}
		cfg.NegotiationTimeout = d
	}

	if v := os.Getenv("DESK_FRAME_RATE"); v != "" {
		fps, err := strconv.Atoi(v)
		if err != nil || fps <= 0 {
			return nil, fmt.Errorf("DESK_FRAME_RATE: expected a positive integer, got %q", v)
		}
		cfg.FrameRate = fps
	}

	if v := os.Getenv("DESK_LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return nil, err
		}
		cfg.LogLevel = level
	}

	return cfg, nil
}

// LoggerFactory builds the process-wide logger factory, writing to stderr so
// stdout stays free for the media stream.
func (c *Config) LoggerFactory() logging.LoggerFactory {
	return &logging.DefaultLoggerFactory{
		Writer:          os.Stderr,
		DefaultLogLevel: c.LogLevel,
		ScopeLevels:     map[string]logging.LogLevel{},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: expected a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseLogLevel(v string) (logging.LogLevel, error) {
	switch strings.ToLower(v) {
	case "disabled":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return 0, fmt.Errorf("DESK_LOG_LEVEL: unknown level %q", v)
	}
}
