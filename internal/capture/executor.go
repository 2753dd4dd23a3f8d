package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"timelapsed/internal/project"
	logx "timelapsed/pkg/logx"
)

var (
	ErrNoV4L2        = errors.New("v4l2-ctl not found (install v4l-utils)")
	ErrCaptureFailed = errors.New("capture failed")
)

const (
	PreviewName = "preview.jpg"

	defaultDevice      = "/dev/video0"
	defaultWidth       = 1920
	defaultHeight      = 1080
	defaultPixelFormat = "MJPG"
)

// v4l2Locations are probed when v4l2-ctl is not on PATH.
var v4l2Locations = []string{"/usr/bin/v4l2-ctl", "/usr/local/bin/v4l2-ctl", "/bin/v4l2-ctl"}

type Config struct {
	Device      string
	V4L2Path    string
	Width       int
	Height      int
	PixelFormat string
	// Timeout bounds one v4l2-ctl run; 0 disables it.
	Timeout time.Duration
	// RotateWith is "auto", "convert" or "builtin".
	RotateWith string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Device) == "" {
		c.Device = defaultDevice
	}
	if c.Width <= 0 {
		c.Width = defaultWidth
	}
	if c.Height <= 0 {
		c.Height = defaultHeight
	}
	if strings.TrimSpace(c.PixelFormat) == "" {
		c.PixelFormat = defaultPixelFormat
	}
	switch c.RotateWith {
	case "convert", "builtin":
	default:
		c.RotateWith = "auto"
	}
	return c
}

// Projects is the slice of the project service the executor needs.
type Projects interface {
	Get(ctx context.Context, id string) (project.Project, error)
	CapturesDir(id string) (string, error)
	RecordCapture(ctx context.Context, id string, seq int) (project.Project, error)
}

// Runner runs an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Executor takes still images with v4l2-ctl. Captures and previews are
// serialized because every project shares the same camera.
type Executor struct {
	projects Projects
	fs       afero.Fs
	runner   Runner
	lookPath func(string) (string, error)
	log      logx.Logger

	cfgMu sync.RWMutex
	cfg   Config

	device sync.Mutex
}

type Option func(*Executor)

// WithFs must match the filesystem the project service writes capture directories to.
func WithFs(fs afero.Fs) Option { return func(e *Executor) { e.fs = fs } }

func WithRunner(r Runner) Option { return func(e *Executor) { e.runner = r } }

func WithLookPath(fn func(string) (string, error)) Option {
	return func(e *Executor) { e.lookPath = fn }
}

func New(projects Projects, cfg Config, log logx.Logger, opts ...Option) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{
		projects: projects,
		fs:       afero.NewOsFs(),
		runner:   execRunner{},
		lookPath: exec.LookPath,
		log:      log.With(logx.String("comp", "capture")),
		cfg:      cfg.withDefaults(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.log.Info("capture config applied",
		logx.String("device", cfg.Device),
		logx.String("format", fmt.Sprintf("%dx%d %s", cfg.Width, cfg.Height, cfg.PixelFormat)),
		logx.String("rotate_with", cfg.RotateWith),
	)
}

func (e *Executor) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// CaptureOnce takes the next image of a project and records it. Errors are
// logged and reported as false.
func (e *Executor) CaptureOnce(ctx context.Context, projectID string) bool {
	if _, err := e.Capture(ctx, projectID); err != nil {
		e.log.Error("capture failed", logx.String("project", projectID), logx.Err(err))
		return false
	}
	return true
}

// Capture writes capture_NNNNN.jpg for the next sequence number, rotates it,
// and persists the new count. The device lock is held from the read of the
// count to its update, so overlapping calls take consecutive numbers.
func (e *Executor) Capture(ctx context.Context, projectID string) (project.Project, error) {
	e.device.Lock()
	defer e.device.Unlock()

	p, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return project.Project{}, err
	}
	dir, err := e.projects.CapturesDir(projectID)
	if err != nil {
		return project.Project{}, err
	}
	seq := p.CapturesCount + 1
	out := filepath.Join(dir, fmt.Sprintf("capture_%05d.jpg", seq))

	if err := e.shoot(ctx, out, p.Rotation); err != nil {
		return project.Project{}, err
	}

	updated, err := e.projects.RecordCapture(ctx, projectID, seq)
	if err != nil {
		return project.Project{}, err
	}
	e.log.Info("image captured", logx.String("project", projectID), logx.Int("seq", seq), logx.String("file", out))
	return updated, nil
}

// Preview captures preview.jpg in the project's directory and returns its bytes.
// The capture counter is not touched.
func (e *Executor) Preview(ctx context.Context, projectID string) ([]byte, error) {
	e.device.Lock()
	defer e.device.Unlock()

	p, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	dir, err := e.projects.CapturesDir(projectID)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(dir, PreviewName)
	if err := e.shoot(ctx, out, p.Rotation); err != nil {
		return nil, err
	}
	return afero.ReadFile(e.fs, out)
}

// shoot runs v4l2-ctl into out and applies rotation. A rotation failure only
// warns. Callers hold e.device.
func (e *Executor) shoot(ctx context.Context, out string, rotation int) error {
	cfg := e.config()
	bin, err := e.v4l2Path(cfg)
	if err != nil {
		return err
	}

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	args := []string{
		"--device", cfg.Device,
		fmt.Sprintf("--set-fmt-video=width=%d,height=%d,pixelformat=%s", cfg.Width, cfg.Height, cfg.PixelFormat),
		"--stream-mmap",
		"--stream-count=1",
		"--stream-to=" + out,
	}
	_ = e.fs.Remove(out)
	if output, err := e.runner.Run(runCtx, bin, args...); err != nil {
		return fmt.Errorf("%w: v4l2-ctl: %v: %s", ErrCaptureFailed, err, strings.TrimSpace(string(output)))
	}
	if ok, _ := afero.Exists(e.fs, out); !ok {
		return fmt.Errorf("%w: %s was not written", ErrCaptureFailed, out)
	}

	if rotation != 0 {
		if err := e.rotate(ctx, cfg, out, rotation); err != nil {
			e.log.Warn("rotation failed; keeping unrotated image", logx.String("file", out), logx.Int("rotation", rotation), logx.Err(err))
		}
	}
	return nil
}

func (e *Executor) v4l2Path(cfg Config) (string, error) {
	if p := strings.TrimSpace(cfg.V4L2Path); p != "" {
		return p, nil
	}
	if p, err := e.lookPath("v4l2-ctl"); err == nil {
		return p, nil
	}
	for _, p := range v4l2Locations {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, nil
		}
	}
	return "", ErrNoV4L2
}
