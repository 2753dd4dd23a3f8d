package autocapture

import (
	"context"
	"math"
	"time"

	"timelapsed/internal/project"
)

// Store is the read side of the project store the loops depend on.
type Store interface {
	Get(ctx context.Context, id string) (project.Project, bool, error)
}

// Executor takes exactly one capture for a project and persists the new count.
// It reports success; failures are retried by the loop after a backoff.
type Executor interface {
	CaptureOnce(ctx context.Context, projectID string) bool
}

const (
	DefaultTick           = time.Second
	DefaultFailureBackoff = 5 * time.Second
	DefaultStopTimeout    = 2 * time.Second

	failureLogEvery = 30 * time.Second
)

type Config struct {
	// Tick is the wait granularity between captures.
	Tick time.Duration
	// FailureBackoff is the delay before retrying after a failed capture.
	FailureBackoff time.Duration
	// StopTimeout bounds how long StopCapture waits for the loop to exit.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = DefaultFailureBackoff
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Outcome is why a loop ended.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeProjectMissing Outcome = "project_missing"
	OutcomeStoreFault     Outcome = "store_fault"
	OutcomePanicked       Outcome = "panicked"
)

// Event types published on the bus.
const (
	EventPrefix        = "autocapture."
	EventStarted       = "autocapture.started"
	EventCaptured      = "autocapture.captured"
	EventCaptureFailed = "autocapture.capture_failed"
	EventStopped       = "autocapture.stopped"
)

// EventData is the payload of every autocapture event.
type EventData struct {
	ProjectID     string
	ProjectName   string
	Captured      int // captures taken by this loop so far
	CapturesCount int
	TotalCaptures int
	NextCaptureAt time.Time
	Outcome       Outcome // set on EventStopped only
}

// Status is a point-in-time view of an active loop.
type Status struct {
	ProjectID     string          `json:"project_id"`
	StartedAt     time.Time       `json:"started_at"`
	NextCaptureAt time.Time       `json:"next_capture_at"`
	UntilNext     time.Duration   `json:"-"`
	Captured      int             `json:"captured"`
	Project       project.Project `json:"project"`
}

// SecondsToNext is UntilNext rounded to whole seconds.
func (s Status) SecondsToNext() int {
	return int(math.Round(s.UntilNext.Seconds()))
}
