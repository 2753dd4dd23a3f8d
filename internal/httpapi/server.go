package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"timelapsed/internal/autocapture"
	"timelapsed/internal/project"
	logx "timelapsed/pkg/logx"
)

// Projects is the project service surface used by the handlers.
type Projects interface {
	Create(ctx context.Context, in project.Params) (project.Project, error)
	Get(ctx context.Context, id string) (project.Project, error)
	List(ctx context.Context) ([]project.Project, error)
	Update(ctx context.Context, id string, in project.Params) (project.Project, error)
	Delete(ctx context.Context, id string) error
}

// Scheduler is the auto-capture surface used by the handlers.
type Scheduler interface {
	StartCapture(ctx context.Context, id string) (autocapture.Status, error)
	StopCapture(ctx context.Context, id string) error
	GetStatus(ctx context.Context, id string) (autocapture.Status, bool)
	ListActive(ctx context.Context) map[string]autocapture.Status
	IsActive(id string) bool
	IsBusy(id string) bool
}

// Camera takes manual captures and previews.
type Camera interface {
	Capture(ctx context.Context, id string) (project.Project, error)
	Preview(ctx context.Context, id string) ([]byte, error)
}

type Deps struct {
	Projects  Projects
	Scheduler Scheduler
	Camera    Camera
	// Health returns extra data for /healthz (supervisor snapshot).
	Health func() any
}

type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Pprof        bool
}

type Server struct {
	app  *fiber.App
	deps Deps
	log  logx.Logger
}

func New(deps Deps, opts Options, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{deps: deps, log: log.With(logx.String("comp", "http"))}
	s.app = fiber.New(fiber.Config{
		AppName:               "timelapsed",
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(s.accessLog)
	if opts.Pprof {
		s.app.Use(pprof.New())
	}
	s.routes()
	return s
}

// App exposes the fiber app (tests use App().Test).
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.log.Info("http listening", logx.String("addr", addr))
	err := s.app.Listen(addr)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)

	api := s.app.Group("/api/timelapse")
	api.Get("/projects", s.listProjects)
	api.Post("/projects", s.createProject)
	api.Get("/projects/:id", s.getProject)
	api.Put("/projects/:id", s.updateProject)
	api.Delete("/projects/:id", s.deleteProject)
	api.Post("/projects/:id/capture", s.captureNow)
	api.Get("/projects/:id/preview", s.preview)
	api.Post("/projects/:id/auto-capture/start", s.startAutoCapture)
	api.Post("/projects/:id/auto-capture/stop", s.stopAutoCapture)
	api.Get("/projects/:id/auto-capture/status", s.autoCaptureStatus)
	api.Get("/auto-capture", s.listAutoCaptures)
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else {
			status = statusFor(err)
		}
	}
	s.log.Debug("http request",
		logx.String("method", c.Method()),
		logx.String("path", c.Path()),
		logx.Int("status", status),
		logx.Duration("took", time.Since(start)),
		logx.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
	)
	return err
}
