package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration read from config text. Go duration strings
// ("30s", "1m30s") are accepted, and so are bare integers, which count
// milliseconds like a lock descriptor's timeoutMs.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	var parsed time.Duration
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		parsed = time.Duration(ms) * time.Millisecond
	} else {
		parsed, err = time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q", s)
		}
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// atLeast reports an error naming key when d is shorter than min.
func (d Duration) atLeast(key string, min time.Duration) error {
	if d.Duration() < min {
		return fmt.Errorf("%s must be at least %s, got %s", key, min, d.Duration())
	}
	return nil
}
