// Package environment provides helpers for loading configuration from environment variables.
//
// All helpers read an environment variable and return either the parsed value
// or a default. Required variables return an error rather than calling
// os.Exit, keeping business logic out of library code. A Prefix scopes the
// same helpers to one application's variables (KIOKU_HTTP_ADDR and so on).
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// String returns the value of the named environment variable and a boolean
// indicating whether it was set (even if set to the empty string).
func String(name string) (string, bool) {
	return os.LookupEnv(name)
}

// StringOr returns the value of the named environment variable, or defaultValue
// if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the value of the named environment variable or an error
// if it is unset or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses the named environment variable with strconv.ParseBool.
// Returns defaultValue if the variable is unset, empty, or cannot be parsed.
func BoolOr(name string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(name))
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses the named environment variable as a decimal integer. Returns
// defaultValue if the variable is unset, empty, or cannot be parsed.
func IntOr(name string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return defaultValue
	}
	return n
}

// DurationOr parses the named environment variable as a time.Duration (e.g.
// "30s", "5m", "1h"). Returns defaultValue if the variable is unset, empty,
// or cannot be parsed.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(name))
	if err != nil {
		return defaultValue
	}
	return d
}

// SizeOr parses the named environment variable as a byte size ("512", "64KB",
// "10MB", "1GB"; binary multiples). Returns defaultValue if the variable is
// unset, empty, or cannot be parsed.
func SizeOr(name string, defaultValue int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	n, err := ParseSize(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// ParseSize parses a byte size with an optional KB, MB or GB suffix.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	return n * mult, nil
}

// StringSliceOr parses the named environment variable as a comma-separated list
// of strings, trimming whitespace from each element. Returns defaultValue if the
// variable is unset or empty.
func StringSliceOr(name string, defaultValue []string) []string {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	var result []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// Prefix scopes variable names to one application.
type Prefix string

// Name returns the full variable name for key, e.g. Prefix("KIOKU").Name("http_addr")
// is "KIOKU_HTTP_ADDR".
func (p Prefix) Name(key string) string {
	key = strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	if p == "" {
		return key
	}
	return string(p) + "_" + key
}

func (p Prefix) StringOr(key, def string) string { return StringOr(p.Name(key), def) }

func (p Prefix) BoolOr(key string, def bool) bool { return BoolOr(p.Name(key), def) }

func (p Prefix) IntOr(key string, def int) int { return IntOr(p.Name(key), def) }

func (p Prefix) SizeOr(key string, def int64) int64 { return SizeOr(p.Name(key), def) }

func (p Prefix) DurationOr(key string, def time.Duration) time.Duration {
	return DurationOr(p.Name(key), def)
}
