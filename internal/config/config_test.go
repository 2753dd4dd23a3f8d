package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
http:
  addr: "127.0.0.1:9000"
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/timelapsed.db
  busy_timeout: 3s
capture:
  device: /dev/video2
  rotate_with: builtin
auto_capture:
  tick: 500ms
  failure_backoff: 10s
notifier:
  enabled: true
  token: "123:abc"
  chat_ids: [42]
  events: [stopped]
maintenance:
  enabled: true
  schedule: "0 3 * * *"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "timelapsed.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.ListenAddr() != "127.0.0.1:9000" || cfg.Storage.Driver != "sqlite" || cfg.Capture.Device != "/dev/video2" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Notifier == nil || cfg.Notifier.ChatIDs[0] != 42 {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	tick, backoff, stop := cfg.AutoCapture.Durations()
	if tick != 500*time.Millisecond || backoff != 10*time.Second || stop != 0 {
		t.Fatalf("durations = %v %v %v", tick, backoff, stop)
	}
	if cfg.Storage.BusyTimeoutDuration() != 3*time.Second {
		t.Fatalf("busy timeout = %v", cfg.Storage.BusyTimeoutDuration())
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit")
	}
}

func TestLoadJSONAndDefaults(t *testing.T) {
	path := writeFile(t, "timelapsed.json", `{"storage":{"driver":"file","path":"./data"}}`)
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.ListenAddr() != ":8000" {
		t.Fatalf("addr = %s", cfg.HTTP.ListenAddr())
	}
	read, write, shutdown := cfg.HTTP.Timeouts()
	if read != 10*time.Second || write != 30*time.Second || shutdown != 5*time.Second {
		t.Fatalf("timeouts = %v %v %v", read, write, shutdown)
	}
	if cfg.Capture.TimeoutDuration() != 0 {
		t.Fatal("capture timeout should default to none")
	}
	if MaintenanceSchedule(cfg.Maintenance) != "@daily" {
		t.Fatal("default schedule should be @daily")
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name, file, body, want string
	}{
		{"unknown field", "c.yaml", "storage: {driver: file, path: x}\nbogus: 1\n", "unknown field"},
		{"trailing json", "c.json", `{"storage":{"driver":"file","path":"x"}} {}`, "trailing"},
		{"missing driver", "c.yaml", "http: {addr: ':1'}\n", "storage.driver"},
		{"bad duration", "c.yaml", "storage: {driver: file, path: x}\nauto_capture: {tick: soon}\n", "auto_capture.tick"},
		{"negative duration", "c.yaml", "storage: {driver: file, path: x}\ncapture: {timeout: -1s}\n", "capture.timeout"},
		{"notifier without token", "c.yaml", "storage: {driver: file, path: x}\nnotifier: {enabled: true, chat_ids: [1]}\n", "notifier.token"},
		{"bad event", "c.yaml", "storage: {driver: file, path: x}\nnotifier: {enabled: true, token: t, chat_ids: [1], events: [exploded]}\n", "exploded"},
		{"bad cron", "c.yaml", "storage: {driver: file, path: x}\nmaintenance: {enabled: true, schedule: 'every tuesday'}\n", "maintenance.schedule"},
		{"bad rotate_with", "c.yaml", "storage: {driver: file, path: x}\ncapture: {rotate_with: gimp}\n", "rotate_with"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfigManager(writeFile(t, tt.file, tt.body)).Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Storage: StorageConfig{Driver: "file", Path: "x"}}
	newCfg := &Config{
		Storage:     StorageConfig{Driver: "file", Path: "x"},
		Logging:     LoggingConfig{Level: "debug"},
		AutoCapture: AutoCaptureConfig{Tick: "2s"},
		Notifier:    &NotifierConfig{Enabled: true, Token: "secret", ChatIDs: []int64{1}},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"auto_capture", "logging", "notifier"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired([]string{"http", "logging", "storage"}); strings.Join(got, ",") != "http,storage" {
		t.Fatalf("RestartRequired = %v", got)
	}
	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "timelapsed.yaml", "storage: {driver: file, path: x}\nlogging: {level: info}\n")
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)

	// An invalid file is rejected and never published.
	if err := os.WriteFile(path, []byte("storage: {driver: nope, path: x}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg)
	default:
	}

	if err := os.WriteFile(path, []byte("storage: {driver: file, path: x}\nlogging: {level: debug}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %s", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("reload should commit")
	}
}
