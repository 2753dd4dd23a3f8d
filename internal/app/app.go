package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"timelapsed/internal/autocapture"
	"timelapsed/internal/capture"
	"timelapsed/internal/config"
	"timelapsed/internal/eventbus"
	"timelapsed/internal/httpapi"
	"timelapsed/internal/maintenance"
	"timelapsed/internal/notifier"
	"timelapsed/internal/project"
	"timelapsed/internal/runtime/supervisor"
	"timelapsed/internal/storage"
	logx "timelapsed/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	projects *project.Service
	camera   *capture.Executor
	sched    *autocapture.Scheduler
	notif    *notifier.Service
	maint    *maintenance.Service
	http     *httpapi.Server

	// tokenMu guards token, the bot token the current notifier sender was built with.
	tokenMu sync.Mutex
	token   string
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(mapStorageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", cfg.Storage.Driver), logx.String("path", cfg.Storage.Path))

	projects := project.NewService(store, cfg.Storage.CapturesDir, log.With(logx.String("comp", "projects")))
	camera := capture.New(projects, mapCaptureConfig(cfg), log)
	bus := eventbus.New()

	ncfg, token := mapNotifierConfig(cfg)
	var sender notifier.Sender
	if token != "" {
		tg, err := notifier.NewTelegram(token)
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("notifier: %w", err)
		}
		sender = tg
	}
	notif := notifier.New(ncfg, sender, bus, log)

	var maint *maintenance.Service
	if cfg.Maintenance.Enabled {
		maint, err = maintenance.New(config.MaintenanceSchedule(cfg.Maintenance), store, log)
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("maintenance.schedule: %w", err)
		}
	}

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		projects: projects,
		camera:   camera,
		notif:    notif,
		maint:    maint,
		token:    token,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sched = autocapture.New(a.store, a.camera, a.sup,
		autocapture.WithLogger(a.log),
		autocapture.WithBus(a.bus),
		autocapture.WithConfig(mapAutoCaptureConfig(cfg)),
	)

	read, write, _ := cfg.HTTP.Timeouts()
	a.http = httpapi.New(httpapi.Deps{
		Projects:  a.projects,
		Scheduler: a.sched,
		Camera:    a.camera,
		Health:    a.health,
	}, httpapi.Options{ReadTimeout: read, WriteTimeout: write, Pprof: cfg.HTTP.Pprof}, a.log)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	addr := cfg.HTTP.ListenAddr()
	a.sup.Go("http", func(c context.Context) error {
		return a.http.Listen(addr)
	})

	a.sup.Go0("notifier", a.notif.Run)

	if a.maint != nil {
		if err := a.maint.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Loops already log their own lifecycle; keep this at debug.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started", logx.String("addr", addr))
	return nil
}

// validate gates hot reloads on what Validate cannot check alone.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, token := mapNotifierConfig(cfg); token != "" {
		a.tokenMu.Lock()
		same := token == a.token
		a.tokenMu.Unlock()
		if !same {
			if _, err := notifier.NewTelegram(token); err != nil {
				return fmt.Errorf("notifier.token: %w", err)
			}
		}
	}
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
		case "capture":
			a.camera.Apply(mapCaptureConfig(newCfg))
		case "auto_capture":
			a.sched.Apply(mapAutoCaptureConfig(newCfg))
		case "notifier":
			a.applyNotifier(newCfg)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(cfg *config.Config) {
	ncfg, token := mapNotifierConfig(cfg)
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()
	if token != a.token {
		var sender notifier.Sender
		if token != "" {
			tg, err := notifier.NewTelegram(token)
			if err != nil {
				a.log.Warn("invalid notifier token; keeping previous", logx.Err(err))
				return
			}
			sender = tg
		}
		a.notif.SetSender(sender)
		a.token = token
	}
	a.notif.Apply(ncfg)
	a.log.Info("notifier config applied", logx.Bool("enabled", a.notif.Enabled()), logx.Int("chats", len(ncfg.ChatIDs)))
}

func (a *App) health() any {
	out := map[string]any{
		"supervisor":     a.sup.Snapshot(),
		"events_dropped": a.bus.Dropped(),
	}
	if a.notif.Enabled() {
		h := a.notif.History()
		if len(h) > 5 {
			h = h[len(h)-5:]
		}
		out["notifications"] = h
	}
	if a.maint != nil {
		out["maintenance"] = a.maint.Snapshot()
	}
	return out
}

// Stop shuts components down in dependency order: HTTP first so no new
// loops start, then the capture loops, then everything else.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var errs []error
	// step runs fn with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	_, _, shutdown := a.cfgm.Get().HTTP.Timeouts()
	step("http", shutdown, a.http.Shutdown)
	step("autocapture", 5*time.Second, a.sched.Close)
	step("maintenance", 2*time.Second, func(c context.Context) error {
		if a.maint != nil {
			a.maint.Stop(c)
		}
		return nil
	})
	step("supervisor", 3*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
