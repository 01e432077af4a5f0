package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration string; blank is zero.
// path names the field in errors, e.g. "retry.poll_interval".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with zero replaced by def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// DurationOr is for values Validate already accepted; a bad value yields def.
func DurationOr(raw string, def time.Duration) time.Duration {
	if d, err := ParseDurationOrDefault("", raw, def); err == nil {
		return d
	}
	return def
}

// ParseDurationList parses a schedule. Every entry must be positive; an empty
// list yields a copy of def.
func ParseDurationList(path string, raw []string, def []time.Duration) ([]time.Duration, error) {
	if len(raw) == 0 {
		return append([]time.Duration(nil), def...), nil
	}
	out := make([]time.Duration, len(raw))
	for i, r := range raw {
		field := fmt.Sprintf("%s[%d]", path, i)
		d, err := ParseDurationField(field, r)
		if err != nil {
			return nil, err
		}
		if d == 0 {
			return nil, fmt.Errorf("%s: duration must be > 0", field)
		}
		out[i] = d
	}
	return out, nil
}
