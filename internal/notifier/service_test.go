package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"timelapsed/internal/autocapture"
	"timelapsed/internal/eventbus"
	logx "timelapsed/pkg/logx"
)

type sent struct {
	chat int64
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	msgs  []sent
	fails int
}

func (f *fakeSender) Send(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502")
	}
	f.msgs = append(f.msgs, sent{chatID, text})
	return nil
}

func (f *fakeSender) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

func testConfig() Config {
	return Config{Enabled: true, ChatIDs: []int64{1, 2}, RatePerSec: 100, RetryBase: time.Millisecond}
}

func stoppedEvent(outcome autocapture.Outcome) eventbus.Event {
	return eventbus.Event{Type: autocapture.EventStopped, Time: time.Now(), Data: autocapture.EventData{
		ProjectID: "p1", ProjectName: "garden", Captured: 3, CapturesCount: 10, TotalCaptures: 10, Outcome: outcome,
	}}
}

func TestHandleFansOutToChats(t *testing.T) {
	fs := &fakeSender{}
	s := New(testConfig(), fs, nil, logx.Nop())
	s.handle(context.Background(), stoppedEvent(autocapture.OutcomeCompleted))

	got := fs.snapshot()
	if len(got) != 2 || got[0].chat != 1 || got[1].chat != 2 {
		t.Fatalf("sent = %+v", got)
	}
	if !strings.Contains(got[0].text, `"garden" complete (10/10`) {
		t.Fatalf("text = %q", got[0].text)
	}
	if len(s.History()) != 2 {
		t.Fatalf("history = %d", len(s.History()))
	}
}

func TestHandleFiltersEvents(t *testing.T) {
	fs := &fakeSender{}
	s := New(testConfig(), fs, nil, logx.Nop())

	// captured is not in the default set
	s.handle(context.Background(), eventbus.Event{Type: autocapture.EventCaptured, Data: autocapture.EventData{ProjectID: "p1"}})
	if n := len(fs.snapshot()); n != 0 {
		t.Fatalf("captured event sent %d messages", n)
	}

	cfg := testConfig()
	cfg.Events = []string{"captured"}
	s.Apply(cfg)
	s.handle(context.Background(), eventbus.Event{Type: autocapture.EventCaptured, Data: autocapture.EventData{ProjectID: "p1", CapturesCount: 4, TotalCaptures: 9}})
	s.handle(context.Background(), stoppedEvent(autocapture.OutcomeCancelled))
	got := fs.snapshot()
	if len(got) != 2 || got[0].text != `Captured 4/9 for "p1"` {
		t.Fatalf("sent = %+v", got)
	}

	cfg.Enabled = false
	s.Apply(cfg)
	s.handle(context.Background(), eventbus.Event{Type: autocapture.EventCaptured, Data: autocapture.EventData{ProjectID: "p1"}})
	if len(fs.snapshot()) != 2 {
		t.Fatal("disabled notifier still sends")
	}
}

func TestSendRetries(t *testing.T) {
	fs := &fakeSender{fails: 2}
	cfg := testConfig()
	cfg.RetryMax = 2
	s := New(cfg, fs, nil, logx.Nop())
	if err := s.Send(context.Background(), 7, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	fs.fails = 5
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, EventFailed)
	defer unsub()
	s = New(cfg, fs, bus, logx.Nop())
	if err := s.Send(context.Background(), 7, "hello"); err == nil {
		t.Fatal("expected error after retries")
	}
	select {
	case ev := <-ch:
		if ev.Data.(NotificationEvent).ChatID != 7 {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("expected notifier.failed event")
	}
	if fs.fails != 2 {
		t.Fatalf("attempts = %d, want 3", 5-fs.fails)
	}
}

func TestRunConsumesBus(t *testing.T) {
	fs := &fakeSender{}
	bus := eventbus.New()
	s := New(testConfig(), fs, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(fs.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no message delivered")
		}
		// Run subscribes asynchronously; keep publishing until it is listening.
		bus.Publish(stoppedEvent(autocapture.OutcomeProjectMissing))
		time.Sleep(10 * time.Millisecond)
	}
	if got := fs.snapshot()[0].text; !strings.Contains(got, "ended: project_missing") {
		t.Fatalf("text = %q", got)
	}
}

func TestFormat(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := Format(autocapture.EventCaptureFailed, autocapture.EventData{ProjectID: "p", CapturesCount: 1, TotalCaptures: 2, NextCaptureAt: at})
	if got != `Capture failed for "p" at 1/2, retrying at 03:04:05` {
		t.Fatalf("got %q", got)
	}
	if Format("autocapture.unknown", autocapture.EventData{}) != "" {
		t.Fatal("unknown event should render empty")
	}
}
