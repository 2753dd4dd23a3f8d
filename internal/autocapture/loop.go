package autocapture

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	logx "timelapsed/pkg/logx"
)

// run is the capture loop of one project. It owns ac until it returns.
func (s *Scheduler) run(ctx context.Context, ac *activeCapture) {
	log := s.log.With(logx.String("project", ac.projectID))
	var outcome Outcome
	// A panic ends this loop only; it never reaches the supervisor.
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomePanicked
			log.Error("auto-capture loop panicked",
				logx.Err(fmt.Errorf("panic: %v", r)),
				logx.String("stack", string(debug.Stack())),
			)
		}
		s.finish(ac, outcome, log)
	}()

	// Consecutive failures (camera unplugged) would otherwise log every backoff.
	failLog := rate.NewLimiter(rate.Every(failureLogEvery), 1)

	for {
		if ctx.Err() != nil {
			outcome = OutcomeCancelled
			return
		}

		p, ok, err := s.store.Get(ctx, ac.projectID)
		if err != nil {
			if ctx.Err() != nil {
				outcome = OutcomeCancelled
				return
			}
			log.Error("project reload failed; stopping loop", logx.Err(err))
			outcome = OutcomeStoreFault
			return
		}
		if !ok {
			log.Warn("project no longer exists; stopping loop")
			outcome = OutcomeProjectMissing
			return
		}
		ac.mu.Lock()
		ac.project = p
		ac.mu.Unlock()

		if p.Complete() {
			log.Info("project complete", logx.Int("captures", p.CapturesCount), logx.Int("total", p.TotalCaptures()))
			outcome = OutcomeCompleted
			return
		}

		// A capture in progress is never interrupted by Stop.
		captured := s.exec.CaptureOnce(context.WithoutCancel(ctx), ac.projectID)

		cfg := s.config()
		wait := p.Interval()
		if !captured {
			wait = cfg.FailureBackoff
		}
		ac.mu.Lock()
		ac.nextCaptureAt = s.now().Add(wait)
		if captured {
			ac.captured++
		}
		ac.mu.Unlock()

		if captured {
			p.CapturesCount++
			log.Info("capture taken",
				logx.Int("captures", p.CapturesCount),
				logx.Int("total", p.TotalCaptures()),
				logx.Float64("percent", p.CompletionPercentage()),
			)
			s.publish(EventCaptured, ac, p, "")
		} else {
			if failLog.Allow() {
				log.Warn("capture failed; retrying", logx.Duration("backoff", wait))
			}
			s.publish(EventCaptureFailed, ac, p, "")
		}

		if !s.sleep(ctx, ac) {
			outcome = OutcomeCancelled
			return
		}
	}
}

// sleep waits until ac.nextCaptureAt in Tick steps. It returns false when ctx
// is cancelled first.
func (s *Scheduler) sleep(ctx context.Context, ac *activeCapture) bool {
	for {
		ac.mu.Lock()
		remaining := ac.nextCaptureAt.Sub(s.now())
		ac.mu.Unlock()
		if remaining <= 0 {
			return ctx.Err() == nil
		}
		step := min(s.config().Tick, remaining)
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// finish removes ac from the registry and releases StopCapture waiters.
func (s *Scheduler) finish(ac *activeCapture, outcome Outcome, log logx.Logger) {
	_, _, p := ac.snapshot()

	s.mu.Lock()
	if s.active[ac.projectID] == ac {
		delete(s.active, ac.projectID)
	}
	if s.draining[ac.projectID] == ac {
		delete(s.draining, ac.projectID)
	}
	close(ac.done)
	s.mu.Unlock()

	ac.cancel()
	log.Info("auto-capture loop ended", logx.String("outcome", string(outcome)), logx.Int("captured", ac.capturedCount()))
	s.publish(EventStopped, ac, p, outcome)
}

func (ac *activeCapture) capturedCount() int {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.captured
}
