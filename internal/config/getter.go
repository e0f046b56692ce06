// Package config provides functions for reading config settings from ENV.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// lookupEnv reads key from the environment and runs it through parse.
// Unset, empty, and unparseable values all fall back to defaultValue, so a
// service boots on its defaults rather than refusing over one bad variable.
func lookupEnv[T any](key string, parse func(string) (T, error), defaultValue T) T {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := parse(value)
	if err != nil {
		return defaultValue
	}

	return parsed
}

// GetEnvStr returns the variable's value, or defaultValue when unset.
//
//	host := GetEnvStr("REVLENS_SERVER_HOST", "localhost")
func GetEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// GetEnvInt reads an integer setting such as a port or a pool size.
func GetEnvInt(key string, defaultValue int) int {
	return lookupEnv(key, strconv.Atoi, defaultValue)
}

// GetEnvInt64 reads a 64-bit integer setting, used for byte sizes and
// Kafka offsets.
func GetEnvInt64(key string, defaultValue int64) int64 {
	return lookupEnv(key, func(value string) (int64, error) {
		return strconv.ParseInt(value, 10, 64)
	}, defaultValue)
}

// GetEnvFloat reads a floating-point setting such as a backoff multiplier.
func GetEnvFloat(key string, defaultValue float64) float64 {
	return lookupEnv(key, func(value string) (float64, error) {
		return strconv.ParseFloat(value, 64)
	}, defaultValue)
}

// GetEnvBool reads a boolean setting. It accepts true/1/yes and
// false/0/no in any case; anything else keeps the default.
func GetEnvBool(key string, defaultValue bool) bool {
	return lookupEnv(key, parseBool, defaultValue)
}

// GetEnvDuration reads a Go duration string such as "90s" or "15m".
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return lookupEnv(key, time.ParseDuration, defaultValue)
}

// GetEnvLogLevel reads a slog level by name. It accepts debug, info,
// warn (or warning), and error in any case.
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	return lookupEnv(key, parseLogLevel, defaultValue)
}

// GetEnvStrSlice reads a comma-separated list, trimming whitespace and
// dropping empty entries. A value with no usable entries keeps the default.
//
//	origins := GetEnvStrSlice("REVLENS_CORS_ALLOWED_ORIGINS", []string{"*"})
func GetEnvStrSlice(key string, defaultValue []string) []string {
	return lookupEnv(key, func(value string) ([]string, error) {
		entries := ParseCommaSeparatedList(value)
		if len(entries) == 0 {
			return nil, fmt.Errorf("no entries in %q", value)
		}

		return entries, nil
	}, defaultValue)
}

// ParseCommaSeparatedList splits input on commas, trimming whitespace
// around each entry and dropping empty ones. It never returns nil.
func ParseCommaSeparatedList(input string) []string {
	if input == "" {
		return []string{}
	}

	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean: %q", value)
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("not a log level: %q", value)
	}
}
