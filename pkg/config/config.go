// Package config reads service settings from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// env returns the trimmed value of key and whether it was set at all.
func env(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return strings.TrimSpace(v), ok
}

// parsed reads key with parse, falling back when the variable is unset or
// malformed. Malformed values are logged so a typo does not go unnoticed.
func parsed[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := env(key)
	if !ok {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		slog.Warn("ignoring invalid environment value", "key", key, "value", raw, "error", err)
		return fallback
	}
	return v
}

// GetString returns the trimmed value of key, or fallback when unset. A set
// but empty variable yields "".
func GetString(key, fallback string) string {
	if v, ok := env(key); ok {
		return v
	}
	return fallback
}

func GetInt(key string, fallback int) int {
	return parsed(key, fallback, strconv.Atoi)
}

func GetBool(key string, fallback bool) bool {
	return parsed(key, fallback, strconv.ParseBool)
}

// GetSeconds reads a whole number of seconds.
func GetSeconds(key string, fallback int) time.Duration {
	return time.Duration(GetInt(key, fallback)) * time.Second
}

// GetMillis reads a whole number of milliseconds.
func GetMillis(key string, fallback int) time.Duration {
	return time.Duration(GetInt(key, fallback)) * time.Millisecond
}
