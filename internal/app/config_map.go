package app

import (
	"strings"

	"timelapsed/internal/autocapture"
	"timelapsed/internal/capture"
	"timelapsed/internal/config"
	"timelapsed/internal/notifier"
	"timelapsed/internal/storage"
	logx "timelapsed/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: cfg.Storage.BusyTimeoutDuration(),
	}
}

func mapCaptureConfig(cfg *config.Config) capture.Config {
	c := cfg.Capture
	return capture.Config{
		Device:      c.Device,
		V4L2Path:    c.V4L2Path,
		Width:       c.Width,
		Height:      c.Height,
		PixelFormat: c.PixelFormat,
		Timeout:     c.TimeoutDuration(),
		RotateWith:  c.RotateWith,
	}
}

func mapAutoCaptureConfig(cfg *config.Config) autocapture.Config {
	tick, backoff, stop := cfg.AutoCapture.Durations()
	return autocapture.Config{Tick: tick, FailureBackoff: backoff, StopTimeout: stop}
}

// mapNotifierConfig also returns the bot token; empty when notifications are off.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, string) {
	n := cfg.Notifier
	if n == nil || !n.Enabled {
		return notifier.Config{}, ""
	}
	return notifier.Config{
		Enabled:    true,
		ChatIDs:    append([]int64(nil), n.ChatIDs...),
		RatePerSec: n.RatePerSec,
		Events:     append([]string(nil), n.Events...),
		RetryMax:   2,
	}, strings.TrimSpace(n.Token)
}
