package config

// Config is the root of timelapsed.yaml (or .json).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Sections marked hot are re-applied on file change; the rest need a restart.
type Config struct {
	HTTP        HTTPConfig        `json:"http"`
	Logging     LoggingConfig     `json:"logging"` // hot
	Storage     StorageConfig     `json:"storage"`
	Capture     CaptureConfig     `json:"capture"`            // hot
	AutoCapture AutoCaptureConfig `json:"auto_capture"`       // hot
	Notifier    *NotifierConfig   `json:"notifier,omitempty"` // hot
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

// HTTPConfig controls the REST API listener.
//
// Defaults:
//   - addr: ":8000"
//   - read_timeout: "10s"
//   - write_timeout: "30s" (preview captures can be slow)
//   - shutdown_timeout: "5s"
type HTTPConfig struct {
	Addr            string `json:"addr"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// Pprof mounts /debug/pprof on the API listener.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the project store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/timelapsed.db", "captures_dir": "./data/captures" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	CapturesDir string `json:"captures_dir,omitempty"` // default: "captures"
}

// CaptureConfig controls the v4l2-ctl invocation.
type CaptureConfig struct {
	Device      string `json:"device,omitempty"`       // default: /dev/video0
	V4L2Path    string `json:"v4l2_path,omitempty"`    // default: PATH lookup
	Width       int    `json:"width,omitempty"`        // default: 1920
	Height      int    `json:"height,omitempty"`       // default: 1080
	PixelFormat string `json:"pixel_format,omitempty"` // default: MJPG
	Timeout     string `json:"timeout,omitempty"`      // "0s" or empty: none
	RotateWith  string `json:"rotate_with,omitempty"`  // auto | convert | builtin
}

// AutoCaptureConfig tunes the capture loops.
//
// Defaults: tick "1s", failure_backoff "5s", stop_timeout "2s".
type AutoCaptureConfig struct {
	Tick           string `json:"tick,omitempty"`
	FailureBackoff string `json:"failure_backoff,omitempty"`
	StopTimeout    string `json:"stop_timeout,omitempty"`
}

// NotifierConfig sends loop lifecycle messages to Telegram chats.
// If the section is omitted, notifications are disabled.
type NotifierConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token"` // never logged
	ChatIDs    []int64 `json:"chat_ids"`
	RatePerSec int     `json:"rate_per_sec,omitempty"` // default: 1
	// Events filters what is sent: started, captured, capture_failed, stopped.
	// Default: started, capture_failed, stopped.
	Events []string `json:"events,omitempty"`
}

// MaintenanceConfig schedules store housekeeping.
//
// Schedule is a cron expression (5 fields) or a descriptor such as "@daily".
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // default: "@daily"
}
