// Package environment provides helpers for loading configuration from
// environment variables.
//
// All helpers read a variable and return either its value or a default.
// Required variables return an error rather than calling os.Exit, keeping
// process control out of library code. A Prefix scopes lookups to one
// application namespace (e.g. KANRI_LOG_LEVEL).
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv. Tests substitute a map-backed lookup.
type LookupFunc func(name string) (string, bool)

// Prefix reads variables named <prefix>_<NAME>.
type Prefix struct {
	name   string
	lookup LookupFunc
}

// WithPrefix returns a Prefix reading from the process environment.
func WithPrefix(prefix string) Prefix {
	return Prefix{name: strings.TrimSuffix(strings.ToUpper(prefix), "_"), lookup: os.LookupEnv}
}

// WithLookup returns a copy of p that resolves variables through fn.
func (p Prefix) WithLookup(fn LookupFunc) Prefix {
	p.lookup = fn
	return p
}

// Key returns the fully qualified variable name for suffix.
func (p Prefix) Key(suffix string) string {
	if p.name == "" {
		return suffix
	}
	return p.name + "_" + suffix
}

func (p Prefix) get(suffix string) (string, bool) {
	lookup := p.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(p.Key(suffix))
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// String returns the variable value and whether it was set to a non-empty value.
func (p Prefix) String(suffix string) (string, bool) {
	return p.get(suffix)
}

// StringOr returns the variable value or defaultValue if unset or empty.
func (p Prefix) StringOr(suffix, defaultValue string) string {
	if v, ok := p.get(suffix); ok {
		return v
	}
	return defaultValue
}

// RequiredString returns the variable value or an error if unset or empty.
func (p Prefix) RequiredString(suffix string) (string, error) {
	if v, ok := p.get(suffix); ok {
		return v, nil
	}
	return "", fmt.Errorf("required environment variable %q is not set", p.Key(suffix))
}

// BoolOr parses the variable with strconv.ParseBool. Returns defaultValue if
// the variable is unset, empty, or cannot be parsed.
func (p Prefix) BoolOr(suffix string, defaultValue bool) bool {
	v, ok := p.get(suffix)
	if !ok {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses the variable as a decimal integer. Returns defaultValue if
// unset, empty, or unparsable.
func (p Prefix) IntOr(suffix string, defaultValue int) int {
	v, ok := p.get(suffix)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// DurationOr parses the variable as a time.Duration ("30s", "5m").
// Returns defaultValue if unset, empty, or unparsable.
func (p Prefix) DurationOr(suffix string, defaultValue time.Duration) time.Duration {
	v, ok := p.get(suffix)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// StringSliceOr parses the variable as a comma-separated list, trimming
// whitespace and dropping empty elements. Returns defaultValue if nothing
// remains.
func (p Prefix) StringSliceOr(suffix string, defaultValue []string) []string {
	v, ok := p.get(suffix)
	if !ok {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if t := strings.TrimSpace(part); t != "" {
			result = append(result, t)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
