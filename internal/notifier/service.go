package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"timelapsed/internal/autocapture"
	"timelapsed/internal/eventbus"
	logx "timelapsed/pkg/logx"
)

var ErrNoSender = errors.New("notifier has no sender")

// DefaultEvents is used when Config.Events is empty.
var DefaultEvents = []string{"started", "capture_failed", "stopped"}

const historyMax = 100

// Service turns autocapture events into chat messages.
//
// It is safe for concurrent use; Apply and SetSender may run while Run is active.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	events  map[string]bool
	limiter *rate.Limiter
	sender  Sender

	log logx.Logger
	bus eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, bus: bus, log: log.With(logx.String("comp", "notifier"))}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled && s.sender != nil
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSender swaps the transport, e.g. after the bot token changed.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	events := cfg.Events
	if len(events) == 0 {
		events = DefaultEvents
	}
	s.events = make(map[string]bool, len(events))
	for _, ev := range events {
		s.events[strings.TrimSpace(ev)] = true
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Run consumes bus events until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if s.bus == nil {
		return
	}
	ch, unsubscribe := s.bus.Subscribe(64, autocapture.EventPrefix)
	defer unsubscribe()
	s.log.Debug("notifier running")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	s.mu.Lock()
	enabled := s.cfg.Enabled && s.sender != nil
	wanted := s.events[strings.TrimPrefix(ev.Type, autocapture.EventPrefix)]
	chats := append([]int64(nil), s.cfg.ChatIDs...)
	s.mu.Unlock()
	if !enabled || !wanted {
		return
	}
	data, ok := ev.Data.(autocapture.EventData)
	if !ok {
		return
	}
	text := Format(ev.Type, data)
	if text == "" {
		return
	}
	for _, chat := range chats {
		if err := s.Send(ctx, chat, text); err != nil && ctx.Err() == nil {
			s.log.Warn("notification not delivered", logx.Int64("chat_id", chat), logx.String("event", ev.Type), logx.Err(err))
		}
	}
}

// Send delivers text to one chat, honoring the rate limit and retry policy.
func (s *Service) Send(ctx context.Context, chatID int64, text string) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return ErrNoSender
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sender.Send(callCtx, chatID, text)
		cancel()
		if err == nil {
			s.appendHistory(chatID, text)
			s.publish(EventSent, chatID, nil)
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	s.publish(EventFailed, chatID, lastErr)
	return lastErr
}

func (s *Service) publish(typ string, chatID int64, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{ChatID: chatID, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// History returns recently sent messages, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(chatID int64, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ChatID: chatID, Text: text})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

// Format renders an autocapture event. Unknown types render as "".
func Format(typ string, d autocapture.EventData) string {
	name := d.ProjectName
	if name == "" {
		name = d.ProjectID
	}
	progress := fmt.Sprintf("%d/%d", d.CapturesCount, d.TotalCaptures)
	switch typ {
	case autocapture.EventStarted:
		return fmt.Sprintf("Auto-capture started for %q (%s captures)", name, progress)
	case autocapture.EventCaptured:
		return fmt.Sprintf("Captured %s for %q", progress, name)
	case autocapture.EventCaptureFailed:
		return fmt.Sprintf("Capture failed for %q at %s, retrying at %s", name, progress, d.NextCaptureAt.Format(time.TimeOnly))
	case autocapture.EventStopped:
		switch d.Outcome {
		case autocapture.OutcomeCompleted:
			return fmt.Sprintf("Time-lapse %q complete (%s captures)", name, progress)
		case autocapture.OutcomeCancelled:
			return fmt.Sprintf("Auto-capture stopped for %q at %s (%d this run)", name, progress, d.Captured)
		default:
			return fmt.Sprintf("Auto-capture for %q ended: %s (%d this run)", name, d.Outcome, d.Captured)
		}
	}
	return ""
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	return min(d, cfg.RetryMaxDelay)
}
