package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Empty means 0.
// path is the dotted config key used in the error.
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

// durationOr returns raw parsed, or def when raw is empty, zero or invalid.
// Configs are validated before use, so the invalid case only happens for
// hand-built values in tests.
func durationOr(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Timeouts resolves the HTTP server durations.
func (c HTTPConfig) Timeouts() (read, write, shutdown time.Duration) {
	return durationOr(c.ReadTimeout, 10*time.Second),
		durationOr(c.WriteTimeout, 30*time.Second),
		durationOr(c.ShutdownTimeout, 5*time.Second)
}

// ListenAddr is Addr or ":8000".
func (c HTTPConfig) ListenAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return ":8000"
}

// Durations resolves the loop timings. Zero results mean "use the scheduler default".
func (c AutoCaptureConfig) Durations() (tick, failureBackoff, stopTimeout time.Duration) {
	return durationOr(c.Tick, 0), durationOr(c.FailureBackoff, 0), durationOr(c.StopTimeout, 0)
}

// TimeoutDuration is the per-capture subprocess timeout; 0 disables it.
func (c CaptureConfig) TimeoutDuration() time.Duration { return durationOr(c.Timeout, 0) }

func (c StorageConfig) BusyTimeoutDuration() time.Duration {
	return durationOr(c.BusyTimeout, 5*time.Second)
}
