package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timelapsed/internal/autocapture"
	"timelapsed/internal/project"
	"timelapsed/internal/runtime/supervisor"
	logx "timelapsed/pkg/logx"
)

type memStore struct {
	mu sync.Mutex
	m  map[string]project.Project
}

func (s *memStore) Get(_ context.Context, id string) (project.Project, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	return p, ok, nil
}

func (s *memStore) Save(_ context.Context, p project.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[p.ID] = p
	return nil
}

func (s *memStore) List(_ context.Context) ([]project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]project.Project, 0, len(s.m))
	for _, p := range s.m {
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[id]
	delete(s.m, id)
	return ok, nil
}

// fakeCamera records captures through the project service like the real executor.
type fakeCamera struct {
	svc  *project.Service
	fail bool
	// release, when set, holds every capture until closed; entered is
	// signalled as each capture begins.
	release chan struct{}
	entered chan struct{}
}

func (f *fakeCamera) Capture(ctx context.Context, id string) (project.Project, error) {
	if f.fail {
		return project.Project{}, errors.New("camera unplugged")
	}
	if f.release != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		<-f.release
	}
	p, err := f.svc.Get(ctx, id)
	if err != nil {
		return project.Project{}, err
	}
	return f.svc.RecordCapture(ctx, id, p.CapturesCount+1)
}

func (f *fakeCamera) CaptureOnce(ctx context.Context, id string) bool {
	_, err := f.Capture(ctx, id)
	return err == nil
}

func (f *fakeCamera) Preview(ctx context.Context, id string) ([]byte, error) {
	if _, err := f.svc.Get(ctx, id); err != nil {
		return nil, err
	}
	return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil
}

type fixture struct {
	srv   *Server
	svc   *project.Service
	sched *autocapture.Scheduler
	cam   *fakeCamera
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &memStore{m: map[string]project.Project{}}
	svc := project.NewService(store, "/captures", logx.Nop(), project.WithFs(afero.NewMemMapFs()))
	cam := &fakeCamera{svc: svc}
	sup := supervisor.New(context.Background())
	sched := autocapture.New(store, cam, sup, autocapture.WithConfig(autocapture.Config{
		Tick:           10 * time.Millisecond,
		FailureBackoff: 20 * time.Millisecond,
		StopTimeout:    time.Second,
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sched.Close(ctx)
		_ = sup.Stop(ctx)
	})
	srv := New(Deps{
		Projects:  svc,
		Scheduler: sched,
		Camera:    cam,
		Health:    func() any { return sup.Snapshot() },
	}, Options{}, logx.Nop())
	return &fixture{srv: srv, svc: svc, sched: sched, cam: cam}
}

func (f *fixture) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := f.srv.App().Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(body) > 0 && body[0] == '{' {
		require.NoError(t, json.Unmarshal(body, &out), string(body))
	}
	return resp.StatusCode, out
}

func (f *fixture) create(t *testing.T, captured int) project.Project {
	t.Helper()
	p, err := f.svc.Create(context.Background(), project.Params{Name: "garden", DurationMinutes: 1, IntervalSeconds: 1})
	require.NoError(t, err)
	if captured > 0 {
		p, err = f.svc.RecordCapture(context.Background(), p.ID, captured)
		require.NoError(t, err)
	}
	return p
}

func TestCreateProjectFromForm(t *testing.T) {
	f := newFixture(t)
	form := url.Values{
		"name":             {"sunset"},
		"duration_minutes": {"60"},
		"interval_seconds": {"30"},
		"rotation":         {"180"},
	}
	req := httptest.NewRequest(http.MethodPost, "/api/timelapse/projects", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	code, body := f.do(t, req)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "sunset", body["name"])
	assert.EqualValues(t, 120, body["total_captures"])
	assert.EqualValues(t, 30, body["fps"])
	assert.EqualValues(t, 180, body["rotation"])
	assert.Regexp(t, `^timelapse-\d{8}-[0-9a-f]{6}$`, body["id"])
}

func TestCreateProjectValidation(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/timelapse/projects",
		strings.NewReader(`{"name":"x","duration_minutes":10,"interval_seconds":0}`))
	req.Header.Set("Content-Type", "application/json")

	code, body := f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["detail"], "interval_seconds")
}

func TestGetUpdateDeleteProject(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, 0)

	code, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/timelapse/projects/"+p.ID, nil))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, p.ID, body["id"])
	assert.Equal(t, false, body["auto_capture_active"])

	req := httptest.NewRequest(http.MethodPut, "/api/timelapse/projects/"+p.ID,
		strings.NewReader(`{"name":"renamed","duration_minutes":2,"interval_seconds":1,"rotation":90}`))
	req.Header.Set("Content-Type", "application/json")
	code, body = f.do(t, req)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "renamed", body["name"])
	assert.EqualValues(t, 120, body["total_captures"])

	code, _ = f.do(t, httptest.NewRequest(http.MethodDelete, "/api/timelapse/projects/"+p.ID, nil))
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, httptest.NewRequest(http.MethodGet, "/api/timelapse/projects/"+p.ID, nil))
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["detail"], "not found")
}

func TestAutoCaptureLifecycle(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, 10)
	base := "/api/timelapse/projects/" + p.ID + "/auto-capture/"

	code, body := f.do(t, httptest.NewRequest(http.MethodGet, base+"status", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["active"])

	code, body = f.do(t, httptest.NewRequest(http.MethodPost, base+"start", nil))
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "success", body["status"])

	code, body = f.do(t, httptest.NewRequest(http.MethodPost, base+"start", nil))
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["detail"], "already active")

	require.Eventually(t, func() bool {
		got, err := f.svc.Get(context.Background(), p.ID)
		return err == nil && got.CapturesCount == 11
	}, 2*time.Second, 10*time.Millisecond)

	code, body = f.do(t, httptest.NewRequest(http.MethodGet, base+"status", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["active"])
	assert.Contains(t, []any{0.0, 1.0}, body["seconds_to_next"])
	assert.NotEmpty(t, body["started_at"])

	code, body = f.do(t, httptest.NewRequest(http.MethodGet, "/api/timelapse/auto-capture", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, p.ID)

	code, body = f.do(t, httptest.NewRequest(http.MethodPost, "/api/timelapse/projects/"+p.ID+"/capture", nil))
	assert.Equal(t, http.StatusConflict, code, body)

	code, _ = f.do(t, httptest.NewRequest(http.MethodPost, base+"stop", nil))
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, httptest.NewRequest(http.MethodPost, base+"stop", nil))
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["detail"], "not active")
}

func TestAutoCaptureErrors(t *testing.T) {
	f := newFixture(t)
	done := f.create(t, 60)

	code, _ := f.do(t, httptest.NewRequest(http.MethodPost, "/api/timelapse/projects/missing/auto-capture/start", nil))
	assert.Equal(t, http.StatusNotFound, code)

	code, body := f.do(t, httptest.NewRequest(http.MethodPost, "/api/timelapse/projects/"+done.ID+"/auto-capture/start", nil))
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["detail"], "complete")

	code, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/api/timelapse/projects/missing/auto-capture/status", nil))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDeleteStopsActiveLoop(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, 0)
	_, err := f.sched.StartCapture(context.Background(), p.ID)
	require.NoError(t, err)

	code, _ := f.do(t, httptest.NewRequest(http.MethodDelete, "/api/timelapse/projects/"+p.ID, nil))
	require.Equal(t, http.StatusOK, code)
	assert.False(t, f.sched.IsActive(p.ID))
}

func TestManualCaptureAndPreview(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, 0)

	code, body := f.do(t, httptest.NewRequest(http.MethodPost, "/api/timelapse/projects/"+p.ID+"/capture", nil))
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "capture 1 taken", body["message"])

	resp, err := f.srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/timelapse/projects/"+p.ID+"/preview", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

	f.cam.fail = true
	code, body = f.do(t, httptest.NewRequest(http.MethodPost, "/api/timelapse/projects/"+p.ID+"/capture", nil))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "camera unplugged", body["detail"])
}

func TestManualCaptureWaitsForDrainingLoop(t *testing.T) {
	f := newFixture(t)
	f.sched.Apply(autocapture.Config{Tick: 10 * time.Millisecond, FailureBackoff: 20 * time.Millisecond, StopTimeout: 50 * time.Millisecond})
	p := f.create(t, 0)
	f.cam.release = make(chan struct{})
	f.cam.entered = make(chan struct{}, 1)

	_, err := f.sched.StartCapture(context.Background(), p.ID)
	require.NoError(t, err)
	select {
	case <-f.cam.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("loop never reached the camera")
	}
	require.NoError(t, f.sched.StopCapture(context.Background(), p.ID))
	require.False(t, f.sched.IsActive(p.ID))
	require.True(t, f.sched.IsBusy(p.ID))

	code, body := f.do(t, httptest.NewRequest(http.MethodPost, "/api/timelapse/projects/"+p.ID+"/capture", nil))
	assert.Equal(t, http.StatusConflict, code, body)

	close(f.cam.release)
	require.Eventually(t, func() bool { return !f.sched.IsBusy(p.ID) }, 3*time.Second, 10*time.Millisecond)

	code, body = f.do(t, httptest.NewRequest(http.MethodPost, "/api/timelapse/projects/"+p.ID+"/capture", nil))
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "capture 2 taken", body["message"])
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["active_captures"])
	assert.Contains(t, body, "runtime")
}

func TestPprofIsOptIn(t *testing.T) {
	f := newFixture(t)
	resp, err := f.srv.App().Test(httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	srv := New(Deps{Projects: f.svc, Scheduler: f.sched, Camera: f.cam}, Options{Pprof: true}, logx.Nop())
	resp, err = srv.App().Test(httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
