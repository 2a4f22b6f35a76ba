/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/friendsincode/grimnir_listen/internal/prefs"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	BaseURL     string // Broadcast API base, e.g. https://radio.example.com/api
	LiveURL     string // Optional websocket base; derived from BaseURL when empty
	StationID   string
	SessionKey  string

	// Preferences
	PrefsBackend  string
	PrefsPath     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Local status API
	StatusBind string

	// Event mirror
	NATSURL   string
	NATSToken string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Audio
	GStreamerBin  string
	AudioSink     string
	AudioEnabled  bool
	FrameInterval time.Duration

	HeartbeatInterval time.Duration

	// Logging
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	LegacyEnvWarnings []string
}

// LoadDotEnv reads .env style files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads environment variables and applies defaults without
// validating, so command-line flags can fill gaps first.
func FromEnv() *Config {
	cfg := &Config{
		Environment: getEnvAny([]string{"GRIMNIR_ENV", "RLM_ENV"}, "development"),
		BaseURL:     getEnvAny([]string{"GRIMNIR_BASE_URL", "RLM_BASE_URL"}, ""),
		LiveURL:     getEnvAny([]string{"GRIMNIR_LIVE_URL", "RLM_LIVE_URL"}, ""),
		StationID:   getEnvAny([]string{"GRIMNIR_STATION_ID", "RLM_STATION_ID"}, ""),
		SessionKey:  getEnvAny([]string{"GRIMNIR_SESSION_KEY", "RLM_SESSION_KEY"}, ""),

		PrefsBackend:  getEnvAny([]string{"GRIMNIR_PREFS_BACKEND", "RLM_PREFS_BACKEND"}, prefs.BackendFile),
		PrefsPath:     getEnvAny([]string{"GRIMNIR_PREFS_PATH", "RLM_PREFS_PATH"}, ""),
		RedisAddr:     getEnvAny([]string{"GRIMNIR_REDIS_ADDR", "RLM_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"GRIMNIR_REDIS_PASSWORD", "RLM_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"GRIMNIR_REDIS_DB", "RLM_REDIS_DB"}, 0),

		StatusBind: getEnvAny([]string{"GRIMNIR_STATUS_BIND", "RLM_STATUS_BIND"}, "127.0.0.1:8490"),

		NATSURL:   getEnvAny([]string{"GRIMNIR_NATS_URL", "RLM_NATS_URL"}, ""),
		NATSToken: getEnvAny([]string{"GRIMNIR_NATS_TOKEN", "RLM_NATS_TOKEN"}, ""),

		// Tracing configuration
		TracingEnabled:    getEnvBoolAny([]string{"GRIMNIR_TRACING_ENABLED", "RLM_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"GRIMNIR_OTLP_ENDPOINT", "RLM_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"GRIMNIR_TRACING_SAMPLE_RATE", "RLM_TRACING_SAMPLE_RATE"}, 1.0),

		GStreamerBin:  getEnvAny([]string{"GRIMNIR_GSTREAMER_BIN", "RLM_GSTREAMER_BIN"}, "gst-launch-1.0"),
		AudioSink:     getEnvAny([]string{"GRIMNIR_AUDIO_SINK", "RLM_AUDIO_SINK"}, "autoaudiosink"),
		AudioEnabled:  getEnvBoolAny([]string{"GRIMNIR_AUDIO_ENABLED", "RLM_AUDIO_ENABLED"}, true),
		FrameInterval: time.Duration(getEnvIntAny([]string{"GRIMNIR_FRAME_INTERVAL_MS", "RLM_FRAME_INTERVAL_MS"}, 50)) * time.Millisecond,

		HeartbeatInterval: time.Duration(getEnvIntAny([]string{"GRIMNIR_HEARTBEAT_INTERVAL_SECONDS", "RLM_HEARTBEAT_INTERVAL_SECONDS"}, 30)) * time.Second,

		LogFile:       getEnvAny([]string{"GRIMNIR_LOG_FILE", "RLM_LOG_FILE"}, ""),
		LogMaxSizeMB:  getEnvIntAny([]string{"GRIMNIR_LOG_MAX_SIZE_MB", "RLM_LOG_MAX_SIZE_MB"}, 50),
		LogMaxBackups: getEnvIntAny([]string{"GRIMNIR_LOG_MAX_BACKUPS", "RLM_LOG_MAX_BACKUPS"}, 3),
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()
	return cfg
}

// Validate checks required keys and fills the session key when empty.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("GRIMNIR_BASE_URL or RLM_BASE_URL must be provided")
	}
	if err := checkURL(c.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if c.LiveURL != "" {
		if err := checkURL(c.LiveURL, "ws", "wss", "http", "https"); err != nil {
			return fmt.Errorf("invalid live url: %w", err)
		}
	}
	if strings.TrimSpace(c.StationID) == "" {
		return fmt.Errorf("GRIMNIR_STATION_ID or RLM_STATION_ID must be provided")
	}

	switch strings.ToLower(c.PrefsBackend) {
	case prefs.BackendFile, prefs.BackendSQLite, prefs.BackendRedis, prefs.BackendMemory:
	default:
		return fmt.Errorf("unsupported prefs backend %q", c.PrefsBackend)
	}

	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be within [0,1], got %v", c.TracingSampleRate)
	}
	if c.FrameInterval < 10*time.Millisecond {
		return fmt.Errorf("frame interval must be at least 10ms, got %s", c.FrameInterval)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	if c.SessionKey == "" {
		c.SessionKey = uuid.NewString()
	}
	return nil
}

// PrefsConfig returns the preference store settings.
func (c *Config) PrefsConfig() prefs.Config {
	return prefs.Config{
		Backend:       strings.ToLower(c.PrefsBackend),
		Path:          c.PrefsPath,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		Namespace:     c.StationID,
	}
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("%q: scheme must be one of %s", raw, strings.Join(schemes, ", "))
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"STATION_ID":          "use GRIMNIR_STATION_ID (or RLM_STATION_ID)",
		"API_BASE_URL":        "use GRIMNIR_BASE_URL (or RLM_BASE_URL)",
		"TRACING_ENABLED":     "use GRIMNIR_TRACING_ENABLED (or RLM_TRACING_ENABLED)",
		"OTLP_ENDPOINT":       "use GRIMNIR_OTLP_ENDPOINT (or RLM_OTLP_ENDPOINT)",
		"TRACING_SAMPLE_RATE": "use GRIMNIR_TRACING_SAMPLE_RATE (or RLM_TRACING_SAMPLE_RATE)",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
