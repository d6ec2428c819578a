// Package environment provides helpers for loading configuration from
// environment variables. Env vars mirror the config-file keys; the file
// takes precedence, so every helper here is of the value-or-default shape.
package environment

import (
	"os"
	"strconv"
)

// StringOr returns the value of the named environment variable, or
// defaultValue if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// BoolOr parses the named environment variable as a boolean. Recognized
// values are the same as strconv.ParseBool ("1", "t", "true", "0", "f",
// "false", etc.). Returns defaultValue if the variable is unset, empty, or
// cannot be parsed.
func BoolOr(name string, defaultValue bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses the named environment variable as a decimal integer. Returns
// defaultValue if the variable is unset, empty, or cannot be parsed.
func IntOr(name string, defaultValue int) int {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
