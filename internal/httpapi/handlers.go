package httpapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"timelapsed/internal/autocapture"
	"timelapsed/internal/project"
)

type projectRequest struct {
	Name            string `json:"name" form:"name"`
	DurationMinutes int    `json:"duration_minutes" form:"duration_minutes"`
	IntervalSeconds int    `json:"interval_seconds" form:"interval_seconds"`
	FPS             int    `json:"fps" form:"fps"`
	Rotation        int    `json:"rotation" form:"rotation"`
}

func (r projectRequest) params() project.Params {
	return project.Params{
		Name:            r.Name,
		DurationMinutes: r.DurationMinutes,
		IntervalSeconds: r.IntervalSeconds,
		FPS:             r.FPS,
		Rotation:        r.Rotation,
	}
}

func parseProject(c *fiber.Ctx) (project.Params, error) {
	var req projectRequest
	if err := c.BodyParser(&req); err != nil {
		return project.Params{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return req.params(), nil
}

// projectView adds the derived fields the UI renders.
type projectView struct {
	project.Project
	TotalCaptures        int     `json:"total_captures"`
	VideoDuration        float64 `json:"video_duration"`
	CompletionPercentage float64 `json:"completion_percentage"`
	AutoCaptureActive    bool    `json:"auto_capture_active"`
}

func (s *Server) view(p project.Project) projectView {
	return projectView{
		Project:              p,
		TotalCaptures:        p.TotalCaptures(),
		VideoDuration:        p.VideoDurationSeconds(),
		CompletionPercentage: p.CompletionPercentage(),
		AutoCaptureActive:    s.deps.Scheduler.IsActive(p.ID),
	}
}

type statusView struct {
	Active        bool        `json:"active"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	NextCaptureAt *time.Time  `json:"next_capture_at,omitempty"`
	SecondsToNext *int        `json:"seconds_to_next,omitempty"`
	Captured      *int        `json:"captured,omitempty"`
	Project       projectView `json:"project"`
}

func (s *Server) activeView(st autocapture.Status) statusView {
	secs := st.SecondsToNext()
	captured := st.Captured
	return statusView{
		Active:        true,
		StartedAt:     &st.StartedAt,
		NextCaptureAt: &st.NextCaptureAt,
		SecondsToNext: &secs,
		Captured:      &captured,
		Project:       s.view(st.Project),
	}
}

func success(message string, extra fiber.Map) fiber.Map {
	out := fiber.Map{"status": "success", "message": message}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (s *Server) health(c *fiber.Ctx) error {
	out := fiber.Map{
		"status":          "ok",
		"active_captures": len(s.deps.Scheduler.ListActive(c.UserContext())),
	}
	if s.deps.Health != nil {
		out["runtime"] = s.deps.Health()
	}
	return c.JSON(out)
}

func (s *Server) listProjects(c *fiber.Ctx) error {
	ps, err := s.deps.Projects.List(c.UserContext())
	if err != nil {
		return err
	}
	out := make([]projectView, 0, len(ps))
	for _, p := range ps {
		out = append(out, s.view(p))
	}
	return c.JSON(out)
}

func (s *Server) getProject(c *fiber.Ctx) error {
	p, err := s.deps.Projects.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(s.view(p))
}

func (s *Server) createProject(c *fiber.Ctx) error {
	in, err := parseProject(c)
	if err != nil {
		return err
	}
	p, err := s.deps.Projects.Create(c.UserContext(), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(s.view(p))
}

func (s *Server) updateProject(c *fiber.Ctx) error {
	in, err := parseProject(c)
	if err != nil {
		return err
	}
	p, err := s.deps.Projects.Update(c.UserContext(), c.Params("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(s.view(p))
}

// deleteProject stops a running loop first so it never captures into a
// removed directory.
func (s *Server) deleteProject(c *fiber.Ctx) error {
	id := c.Params("id")
	ctx := c.UserContext()
	if s.deps.Scheduler.IsActive(id) {
		if err := s.deps.Scheduler.StopCapture(ctx, id); err != nil && !errors.Is(err, autocapture.ErrNotActive) {
			return err
		}
	}
	if err := s.deps.Projects.Delete(ctx, id); err != nil {
		return err
	}
	return c.JSON(success(fmt.Sprintf("project %s deleted", id), nil))
}

func (s *Server) captureNow(c *fiber.Ctx) error {
	id := c.Params("id")
	if s.deps.Scheduler.IsBusy(id) {
		return fmt.Errorf("%w: stop it before capturing manually", autocapture.ErrAlreadyActive)
	}
	p, err := s.deps.Camera.Capture(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(success(fmt.Sprintf("capture %d taken", p.CapturesCount), fiber.Map{"project": s.view(p)}))
}

func (s *Server) preview(c *fiber.Ctx) error {
	img, err := s.deps.Camera.Preview(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(img)
}

func (s *Server) startAutoCapture(c *fiber.Ctx) error {
	st, err := s.deps.Scheduler.StartCapture(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	p := st.Project
	msg := fmt.Sprintf("auto-capture started: %d of %d captures remaining", p.TotalCaptures()-p.CapturesCount, p.TotalCaptures())
	return c.JSON(success(msg, fiber.Map{"auto_capture": s.activeView(st)}))
}

func (s *Server) stopAutoCapture(c *fiber.Ctx) error {
	if err := s.deps.Scheduler.StopCapture(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(success("auto-capture stopped", nil))
}

func (s *Server) autoCaptureStatus(c *fiber.Ctx) error {
	id := c.Params("id")
	ctx := c.UserContext()
	if st, ok := s.deps.Scheduler.GetStatus(ctx, id); ok {
		return c.JSON(s.activeView(st))
	}
	p, err := s.deps.Projects.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(statusView{Active: false, Project: s.view(p)})
}

func (s *Server) listAutoCaptures(c *fiber.Ctx) error {
	active := s.deps.Scheduler.ListActive(c.UserContext())
	out := make(map[string]statusView, len(active))
	for id, st := range active {
		out[id] = s.activeView(st)
	}
	return c.JSON(out)
}
