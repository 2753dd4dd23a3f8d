package autocapture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"timelapsed/internal/eventbus"
	"timelapsed/internal/project"
	"timelapsed/internal/runtime/supervisor"
	logx "timelapsed/pkg/logx"
)

// activeCapture is one registry entry. Entries are compared by pointer so a
// late removal by an old loop never deletes a newer entry for the same id.
type activeCapture struct {
	projectID string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu            sync.Mutex
	nextCaptureAt time.Time
	captured      int
	project       project.Project
}

func (ac *activeCapture) snapshot() (next time.Time, captured int, p project.Project) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.nextCaptureAt, ac.captured, ac.project
}

func (ac *activeCapture) finished() bool {
	select {
	case <-ac.done:
		return true
	default:
		return false
	}
}

type Scheduler struct {
	store Store
	exec  Executor
	sup   *supervisor.Supervisor
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.Mutex
	active   map[string]*activeCapture
	draining map[string]*activeCapture
	closed   bool
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// WithBus publishes lifecycle events on b.
func WithBus(b eventbus.Bus) Option { return func(s *Scheduler) { s.bus = b } }

func WithConfig(cfg Config) Option { return func(s *Scheduler) { s.cfg = cfg } }

// New builds a Scheduler. Loops run under sup and end when its context is cancelled.
func New(store Store, exec Executor, sup *supervisor.Supervisor, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		exec:     exec,
		sup:      sup,
		now:      time.Now,
		active:   map[string]*activeCapture{},
		draining: map[string]*activeCapture{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.sup == nil {
		s.sup = supervisor.New(context.Background())
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "autocapture"))
	s.cfg = s.cfg.withDefaults()
	return s
}

// Apply swaps the timing config. Running loops pick it up on their next wait.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	s.log.Info("auto-capture config applied",
		logx.Duration("tick", cfg.Tick),
		logx.Duration("failure_backoff", cfg.FailureBackoff),
		logx.Duration("stop_timeout", cfg.StopTimeout),
	)
}

func (s *Scheduler) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// conflictLocked reports why id cannot be started right now.
func (s *Scheduler) conflictLocked(id string) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.active[id]; ok {
		return ErrAlreadyActive
	}
	if _, ok := s.draining[id]; ok {
		return ErrStopPending
	}
	return nil
}

// StartCapture launches the capture loop for id. The first capture is taken immediately.
func (s *Scheduler) StartCapture(ctx context.Context, id string) (Status, error) {
	s.mu.Lock()
	err := s.conflictLocked(id)
	s.mu.Unlock()
	if err != nil {
		return Status{}, err
	}

	p, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %w", ErrStoreFault, err)
	}
	if !ok {
		return Status{}, ErrNotFound
	}
	if p.Complete() {
		return Status{}, ErrAlreadyComplete
	}

	loopCtx, cancel := context.WithCancel(s.sup.Context())
	now := s.now()
	ac := &activeCapture{
		projectID:     id,
		startedAt:     now,
		cancel:        cancel,
		done:          make(chan struct{}),
		nextCaptureAt: now,
		project:       p,
	}

	// Another caller may have won the race while the store was read.
	s.mu.Lock()
	if err := s.conflictLocked(id); err != nil {
		s.mu.Unlock()
		cancel()
		return Status{}, err
	}
	s.active[id] = ac
	s.mu.Unlock()

	s.log.Info("auto-capture started",
		logx.String("project", id),
		logx.Int("captures", p.CapturesCount),
		logx.Int("total", p.TotalCaptures()),
		logx.Int("interval_s", p.IntervalSeconds),
	)
	// started must precede any event of the loop itself.
	s.publish(EventStarted, ac, p, "")
	st := s.statusOf(ac, p)

	s.sup.Go0("autocapture:"+id, func(context.Context) { s.run(loopCtx, ac) })
	return st, nil
}

// StopCapture cancels the loop for id and waits up to StopTimeout for it to exit.
// A loop still inside a capture when the timeout fires finishes that capture in
// the background; StartCapture reports ErrStopPending until it has.
func (s *Scheduler) StopCapture(ctx context.Context, id string) error {
	s.mu.Lock()
	ac, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotActive
	}

	ac.cancel()

	t := time.NewTimer(s.config().StopTimeout)
	defer t.Stop()
	select {
	case <-ac.done:
	case <-t.C:
		s.log.Warn("auto-capture stop timed out; loop will finish in background", logx.String("project", id))
		s.markDraining(ac)
	case <-ctx.Done():
		s.markDraining(ac)
	}
	s.remove(ac)
	s.log.Info("auto-capture stopped", logx.String("project", id))
	return nil
}

func (s *Scheduler) markDraining(ac *activeCapture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ac.finished() {
		s.draining[ac.projectID] = ac
	}
}

// remove deletes ac from the registry if it is still the current entry.
func (s *Scheduler) remove(ac *activeCapture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[ac.projectID] == ac {
		delete(s.active, ac.projectID)
	}
}

// IsActive reports whether id has a registered loop.
func (s *Scheduler) IsActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// IsBusy reports whether id has a registered loop or one still finishing a
// capture after a timed-out stop.
func (s *Scheduler) IsBusy(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, active := s.active[id]
	_, draining := s.draining[id]
	return active || draining
}

// GetStatus returns the status of an active loop. The project is re-read from
// the store; on a read failure the loop's last known copy is used.
func (s *Scheduler) GetStatus(ctx context.Context, id string) (Status, bool) {
	s.mu.Lock()
	ac, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return s.freshStatus(ctx, ac), true
}

// ListActive returns the status of every active loop keyed by project id.
func (s *Scheduler) ListActive(ctx context.Context) map[string]Status {
	s.mu.Lock()
	entries := make([]*activeCapture, 0, len(s.active))
	for _, ac := range s.active {
		entries = append(entries, ac)
	}
	s.mu.Unlock()

	out := make(map[string]Status, len(entries))
	for _, ac := range entries {
		out[ac.projectID] = s.freshStatus(ctx, ac)
	}
	return out
}

func (s *Scheduler) freshStatus(ctx context.Context, ac *activeCapture) Status {
	_, _, p := ac.snapshot()
	if fresh, ok, err := s.store.Get(ctx, ac.projectID); err == nil && ok {
		p = fresh
	}
	return s.statusOf(ac, p)
}

func (s *Scheduler) statusOf(ac *activeCapture, p project.Project) Status {
	next, captured, _ := ac.snapshot()
	return Status{
		ProjectID:     ac.projectID,
		StartedAt:     ac.startedAt,
		NextCaptureAt: next,
		UntilNext:     max(0, next.Sub(s.now())),
		Captured:      captured,
		Project:       p,
	}
}

// Close stops every loop, including draining ones, and waits for them until ctx expires.
// StartCapture fails with ErrClosed afterwards.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	entries := make([]*activeCapture, 0, len(s.active)+len(s.draining))
	for _, ac := range s.active {
		entries = append(entries, ac)
	}
	for _, ac := range s.draining {
		entries = append(entries, ac)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, ac := range entries {
		g.Go(func() error {
			ac.cancel()
			select {
			case <-ac.done:
				s.remove(ac)
				return nil
			case <-ctx.Done():
				return fmt.Errorf("auto-capture %s: %w", ac.projectID, ctx.Err())
			}
		})
	}
	return g.Wait()
}

func (s *Scheduler) publish(typ string, ac *activeCapture, p project.Project, outcome Outcome) {
	if s.bus == nil {
		return
	}
	next, captured, _ := ac.snapshot()
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Time: s.now(),
		Data: EventData{
			ProjectID:     ac.projectID,
			ProjectName:   p.Name,
			Captured:      captured,
			CapturesCount: p.CapturesCount,
			TotalCaptures: p.TotalCaptures(),
			NextCaptureAt: next,
			Outcome:       outcome,
		},
	})
}
