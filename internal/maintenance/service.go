// Package maintenance runs periodic store housekeeping on a cron schedule.
package maintenance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "timelapsed/pkg/logx"
)

const (
	DefaultSchedule = "@daily"
	runTimeout      = time.Minute
)

var ErrRunning = errors.New("maintenance already running")

// Maintainer is implemented by storage.Store.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Snapshot describes the last and next run.
type Snapshot struct {
	Schedule  string    `json:"schedule"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastTook  string    `json:"last_took,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      uint64    `json:"runs"`
	Next      time.Time `json:"next,omitempty"`
}

type Service struct {
	mu       sync.Mutex
	schedule string
	store    Maintainer
	log      logx.Logger

	c       *cron.Cron
	entry   cron.EntryID
	running bool

	last Snapshot
}

// New validates schedule (standard 5-field cron or a descriptor such as
// "@daily" or "@every 6h"). An empty schedule means DefaultSchedule.
func New(schedule string, store Maintainer, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, err
	}
	return &Service{
		schedule: schedule,
		store:    store,
		log:      log.With(logx.String("comp", "maintenance")),
	}, nil
}

// Start begins cron triggering. Jobs run under ctx and are skipped while a
// previous run is still in progress.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.log})))
	id, err := c.AddFunc(s.schedule, func() {
		if err := s.RunNow(ctx); err != nil && !errors.Is(err, ErrRunning) {
			s.log.Warn("maintenance failed", logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	s.c, s.entry = c, id
	c.Start()
	s.log.Info("maintenance scheduled", logx.String("schedule", s.schedule), logx.Time("next", c.Entry(id).Next))
	return nil
}

// Stop halts triggering and waits for a running job until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunNow runs one maintenance pass synchronously.
func (s *Service) RunNow(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	s.mu.Unlock()

	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, runTimeout)
	err := s.store.Maintain(rctx)
	cancel()
	took := time.Since(start)

	s.mu.Lock()
	s.running = false
	s.last.LastRun = start
	s.last.LastTook = took.Round(time.Millisecond).String()
	s.last.Runs++
	s.last.LastError = ""
	if err != nil {
		s.last.LastError = err.Error()
	}
	s.mu.Unlock()

	if err == nil {
		s.log.Info("maintenance done", logx.Duration("took", took))
	}
	return err
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.last
	out.Schedule = s.schedule
	if s.c != nil {
		out.Next = s.c.Entry(s.entry).Next
	}
	return out
}

// cronLogger adapts logx to cron.Logger for the Recover wrapper.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
