package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the broadcast relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// BackendProvider selects the speech backend: auto, symbl or mock.
	BackendProvider string

	SymblAppID     string
	SymblAppSecret string
	SymblBasePath  string

	DefaultLanguageCode        string
	DefaultConfidenceThreshold float64
	DefaultInsightTypes        []string

	MaxAudioFrameBytes int64
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                   envOrDefault("APP_BIND_ADDR", ":3600"),
		MetricsNamespace:           envOrDefault("APP_METRICS_NAMESPACE", "relaycast"),
		AllowAnyOrigin:             false,
		BackendProvider:            envOrDefault("BACKEND_PROVIDER", "auto"),
		SymblAppID:                 stringsTrimSpace("SYMBL_APP_ID"),
		SymblAppSecret:             stringsTrimSpace("SYMBL_APP_SECRET"),
		SymblBasePath:              envOrDefault("SYMBL_BASE_PATH", "https://api.symbl.ai"),
		DefaultLanguageCode:        envOrDefault("RELAY_DEFAULT_LANGUAGE_CODE", "en-US"),
		DefaultConfidenceThreshold: 0.5,
		DefaultInsightTypes:        []string{"action_item", "question"},
		MaxAudioFrameBytes:         2 << 20,
		ShutdownTimeout:            15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultConfidenceThreshold, err = floatFromEnv("RELAY_DEFAULT_CONFIDENCE_THRESHOLD", cfg.DefaultConfidenceThreshold)
	if err != nil {
		return Config{}, err
	}
	maxFrame, err := intFromEnv("RELAY_MAX_AUDIO_FRAME_BYTES", int(cfg.MaxAudioFrameBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxAudioFrameBytes = int64(maxFrame)

	if raw := stringsTrimSpace("RELAY_DEFAULT_INSIGHT_TYPES"); raw != "" {
		var parsed []string
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				parsed = append(parsed, t)
			}
		}
		cfg.DefaultInsightTypes = parsed
	}

	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.DefaultConfidenceThreshold < 0 || cfg.DefaultConfidenceThreshold > 1 {
		return Config{}, fmt.Errorf("RELAY_DEFAULT_CONFIDENCE_THRESHOLD must be in [0, 1]")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_AUDIO_FRAME_BYTES must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.BackendProvider)) {
	case "auto", "symbl", "mock":
	default:
		return Config{}, fmt.Errorf("invalid BACKEND_PROVIDER: %q (expected auto|symbl|mock)", cfg.BackendProvider)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
