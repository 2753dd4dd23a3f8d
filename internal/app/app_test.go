package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"timelapsed/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func writeConfig(t *testing.T, dir string, port int, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`
http:
  addr: "127.0.0.1:%d"
logging:
  level: error
storage:
  driver: file
  path: %s
  captures_dir: %s
auto_capture:
  tick: 100ms
%s`, port, filepath.Join(dir, "projects"), filepath.Join(dir, "captures"), extra)
	path := filepath.Join(dir, "timelapsed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	path := writeConfig(t, dir, port, "maintenance:\n  enabled: true\n  schedule: \"@hourly\"\n")

	a, err := New(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(base+"/api/timelapse/projects", "application/json",
		strings.NewReader(`{"name":"balcony","duration_minutes":10,"interval_seconds":5}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, err = http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), `"maintenance"`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))

	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context should be cancelled after Stop")
	}
}

func TestApplyConfigFanOut(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, freePort(t), "")

	a, err := New(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Notifier = &config.NotifierConfig{Enabled: true, Token: "123:abc", ChatIDs: []int64{42}}
	newCfg.Capture.RotateWith = "builtin"

	require.NoError(t, a.validate(context.Background(), &newCfg))
	a.applyConfig(oldCfg, &newCfg)
	require.True(t, a.notif.Enabled())
	require.Equal(t, "123:abc", a.token)

	off := newCfg
	off.Notifier = nil
	a.applyConfig(&newCfg, &off)
	require.False(t, a.notif.Enabled())
	require.Empty(t, a.token)
}
