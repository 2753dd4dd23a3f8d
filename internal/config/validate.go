package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// NotifyEvents are the accepted values of notifier.events.
var NotifyEvents = []string{"started", "captured", "capture_failed", "stopped"}

// Validate checks a parsed config before it is committed. It is used both at
// startup and as the hot-reload gate.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	for path, raw := range map[string]string{
		"http.read_timeout":            cfg.HTTP.ReadTimeout,
		"http.write_timeout":           cfg.HTTP.WriteTimeout,
		"http.shutdown_timeout":        cfg.HTTP.ShutdownTimeout,
		"storage.busy_timeout":         cfg.Storage.BusyTimeout,
		"capture.timeout":              cfg.Capture.Timeout,
		"auto_capture.tick":            cfg.AutoCapture.Tick,
		"auto_capture.failure_backoff": cfg.AutoCapture.FailureBackoff,
		"auto_capture.stop_timeout":    cfg.AutoCapture.StopTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required"))
		}
	case "":
		errs = append(errs, errors.New("storage.driver is required (file or sqlite)"))
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	switch cfg.Capture.RotateWith {
	case "", "auto", "convert", "builtin":
	default:
		errs = append(errs, fmt.Errorf("capture.rotate_with: must be auto, convert or builtin, got %q", cfg.Capture.RotateWith))
	}
	if cfg.Capture.Width < 0 || cfg.Capture.Height < 0 {
		errs = append(errs, errors.New("capture.width/height must be >= 0"))
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			errs = append(errs, errors.New("notifier.token is required when enabled"))
		}
		if len(n.ChatIDs) == 0 {
			errs = append(errs, errors.New("notifier.chat_ids must not be empty when enabled"))
		}
		if n.RatePerSec < 0 {
			errs = append(errs, errors.New("notifier.rate_per_sec must be >= 0"))
		}
		for _, ev := range n.Events {
			if !knownEvent(ev) {
				errs = append(errs, fmt.Errorf("notifier.events: unknown event %q", ev))
			}
		}
	}

	if cfg.Maintenance.Enabled {
		if _, err := cron.ParseStandard(MaintenanceSchedule(cfg.Maintenance)); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.schedule: %w", err))
		}
	}

	return errors.Join(errs...)
}

func knownEvent(ev string) bool {
	for _, k := range NotifyEvents {
		if ev == k {
			return true
		}
	}
	return false
}

// MaintenanceSchedule returns the configured schedule or "@daily".
func MaintenanceSchedule(m MaintenanceConfig) string {
	if s := strings.TrimSpace(m.Schedule); s != "" {
		return s
	}
	return "@daily"
}
