package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Loader reads typed environment variables and remembers the ones that were set but
// could not be parsed, so a typo surfaces at startup instead of becoming the default.
type Loader struct {
	errs []error
}

func NewLoader() *Loader { return &Loader{} }

// Err joins every parse failure seen so far; nil when all values were usable.
func (l *Loader) Err() error { return errors.Join(l.errs...) }

func (l *Loader) malformed(key, value, want string) {
	l.errs = append(l.errs, fmt.Errorf("%s=%q is not a valid %s", key, value, want))
}

// Get returns an environment variable or default value.
func (l *Loader) Get(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Int parses an integer variable. Unset means def.
func (l *Loader) Int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.malformed(key, v, "integer")
		return def
	}
	return n
}

func (l *Loader) Int64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		l.malformed(key, v, "integer")
		return def
	}
	return n
}

// Bool accepts the usual spellings (1/true/yes/on, 0/false/no/off).
func (l *Loader) Bool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	l.malformed(key, v, "boolean")
	return def
}

// Duration accepts Go duration strings ("1m30s") or a bare number of seconds.
func (l *Loader) Duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	l.malformed(key, v, "duration")
	return def
}

// List splits a comma separated variable, trimming whitespace and dropping empties.
func (l *Loader) List(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
