package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields in the config are plain strings in time.ParseDuration
// syntax ("30s", "15m"). An empty or whitespace-only string means unset.

// ParseDurationField parses a duration setting. The path names the field in
// error messages ("retry.retry_interval"). Negative durations are rejected;
// unset parses to zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with an unset (or zero)
// value replaced by def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
