// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/storymill/internal/log"
)

// sensitiveEnvTokens marks env keys whose values never appear in logs.
var sensitiveEnvTokens = []string{"TOKEN", "SECRET", "KEY", "PASSWORD", "WEBHOOK"}

func isSensitiveEnvKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, tok := range sensitiveEnvTokens {
		if strings.Contains(upper, tok) {
			return true
		}
	}
	return false
}

// ParseString reads a string from the environment or returns the default.
// The chosen source is debug-logged; sensitive values are never printed.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			logEnvDefault(logger, key, defaultValue)
			return defaultValue
		}
		if isSensitiveEnvKey(key) {
			logger.Debug().
				Str("key", key).
				Str("source", "environment").
				Bool("sensitive", true).
				Msg("using environment variable")
		} else {
			logger.Debug().
				Str("key", key).
				Str("value", v).
				Str("source", "environment").
				Msg("using environment variable")
		}
		return v
	}
	logEnvDefault(logger, key, defaultValue)
	return defaultValue
}

func logEnvDefault(logger zerolog.Logger, key, defaultValue string) {
	ev := logger.Debug().Str("key", key).Str("source", "default")
	if !isSensitiveEnvKey(key) {
		ev = ev.Str("default", defaultValue)
	}
	ev.Msg("using default value")
}

// ParseInt reads an integer from the environment or returns the default.
// Invalid values fall back with a warning.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			logger.Debug().
				Str("key", key).
				Int("value", i).
				Str("source", "environment").
				Msg("using environment variable")
			return i
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	logger.Debug().
		Str("key", key).
		Int("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseBool reads a boolean from the environment or returns the default.
// Accepts true/false, 1/0, yes/no, case-insensitive.
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			logger.Debug().
				Str("key", key).
				Bool("value", true).
				Str("source", "environment").
				Msg("using environment variable")
			return true
		case "false", "0", "no":
			logger.Debug().
				Str("key", key).
				Bool("value", false).
				Str("source", "environment").
				Msg("using environment variable")
			return false
		default:
			logger.Warn().
				Str("key", key).
				Str("value", v).
				Bool("default", defaultValue).
				Msg("invalid boolean in environment variable, using default")
			return defaultValue
		}
	}
	logger.Debug().
		Str("key", key).
		Bool("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseDuration reads a Go duration ("30s", "10m") from the environment or
// returns the default. Invalid values fall back with a warning.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			logger.Debug().
				Str("key", key).
				Dur("value", d).
				Str("source", "environment").
				Msg("using environment variable")
			return d
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	logger.Debug().
		Str("key", key).
		Dur("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseFloat reads a float64 from the environment or returns the default.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			logger.Debug().
				Str("key", key).
				Float64("value", f).
				Str("source", "environment").
				Msg("using environment variable")
			return f
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Float64("default", defaultValue).
			Msg("invalid float in environment variable, using default")
		return defaultValue
	}
	logger.Debug().
		Str("key", key).
		Float64("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ValidateEnvUsage warns about unknown STORYMILL_* keys (dead flags or
// typos). With strict set, unknown keys that look security-sensitive fail.
func ValidateEnvUsage(strict bool) error {
	known := make(map[string]struct{}, len(knownEnvKeys))
	for _, key := range knownEnvKeys {
		known[key] = struct{}{}
	}

	var unknown, fatal []string
	for _, pair := range os.Environ() {
		key := strings.SplitN(pair, "=", 2)[0]
		if !strings.HasPrefix(key, "STORYMILL_") {
			continue
		}
		if _, ok := known[key]; ok {
			continue
		}
		unknown = append(unknown, key)
		if strict && isSensitiveEnvKey(key) {
			fatal = append(fatal, key)
		}
	}

	if len(unknown) > 0 {
		sort.Strings(unknown)
		logger := log.WithComponent("config")
		for _, key := range unknown {
			logger.Warn().
				Str("key", key).
				Msg("unknown STORYMILL env key detected (dead flag or typo)")
		}
	}
	if len(fatal) > 0 {
		sort.Strings(fatal)
		return &UnknownEnvError{Keys: fatal}
	}
	return nil
}

// UnknownEnvError reports security-sensitive env keys the daemon does not
// understand. Refusing to start beats silently ignoring a mistyped token.
type UnknownEnvError struct {
	Keys []string
}

func (e *UnknownEnvError) Error() string {
	return "unknown security-sensitive STORYMILL env keys: " + strings.Join(e.Keys, ", ")
}
