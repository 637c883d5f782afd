// Package environment reads typed settings from environment variables.
//
// Every *Or helper falls back to its default when the variable is unset,
// empty or unparsable. Required reports missing variables as an error so the
// caller decides how to fail.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MissingError lists every required variable that was unset or empty.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("required environment variable %q is not set", e.Names[0])
	}
	return "required environment variables are not set: " + strings.Join(e.Names, ", ")
}

// Required returns the trimmed values of names. When any is unset or blank
// the error is a *MissingError naming all of them at once.
func Required(names ...string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			values[name] = v
		} else {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingError{Names: missing}
	}
	return values, nil
}

// parseOr applies parse to the variable's value, falling back to def.
func parseOr[T any](name string, def T, parse func(string) (T, error)) T {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

// StringOr returns the variable's value or def.
func StringOr(name, def string) string {
	return parseOr(name, def, func(s string) (string, error) { return s, nil })
}

// BoolOr accepts the spellings strconv.ParseBool does ("1", "true", "f", ...).
func BoolOr(name string, def bool) bool {
	return parseOr(name, def, strconv.ParseBool)
}

// IntOr parses a decimal integer.
func IntOr(name string, def int) int {
	return parseOr(name, def, strconv.Atoi)
}

// FloatOr parses a float64.
func FloatOr(name string, def float64) float64 {
	return parseOr(name, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// DurationOr parses a Go duration such as "30s" or "5m".
func DurationOr(name string, def time.Duration) time.Duration {
	return parseOr(name, def, time.ParseDuration)
}
