// Package core wires the daemon together: config management, logging,
// the registries, the recovery orchestrator, scheduling and the
// operator API, under one supervisor.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"regent/internal/backup"
	"regent/internal/bootstrap"
	"regent/internal/command"
	"regent/internal/manifest"
	"regent/internal/recovery"
	"regent/internal/route"
	"regent/internal/sched"
	"regent/internal/services/logging"
	"regent/internal/storage"
	"regent/internal/transport/httpapi"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  *slog.Logger
	logs *logging.Service

	store    *manifest.Store
	backups  *backup.Manager
	execlog  storage.Store
	journal  *recovery.Log
	gen      *bootstrap.Generator
	commands *command.Registry
	routes   *route.Registry
	orch     *recovery.Orchestrator

	sched *sched.Service
	api   *httpapi.Server
	pprof *pprofServer
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Mirror: logging.MirrorConfig{
			Enabled:    cfg.Logging.Mirror.Enabled,
			MinLevel:   cfg.Logging.Mirror.MinLevel,
			RatePerSec: cfg.Logging.Mirror.RatePerSec,
		},
	})
	log = log.With(slog.String("comp", "app"))
	cfgm.SetLogger(log.With(slog.String("comp", "config")))

	// Hot reload covers logging, pprof and intervals. Anything wired at
	// construction time is refused here instead of half-applying.
	cfgm.SetValidator(func(ctx context.Context, next *Config) error {
		cur := cfgm.Get()
		if cur == nil {
			return nil
		}
		switch {
		case next.DataDir != cur.DataDir:
			return errors.New("data_dir requires a restart")
		case next.HTTP.Addr != cur.HTTP.Addr:
			return errors.New("http.addr requires a restart")
		case next.Storage.Driver != cur.Storage.Driver:
			return errors.New("storage.driver requires a restart")
		case next.Recovery.EmergencyAddr != cur.Recovery.EmergencyAddr:
			return errors.New("recovery.emergency_addr requires a restart")
		}
		return nil
	})

	store := manifest.NewStore(cfg.DataDir, log)
	journal := recovery.NewLog(filepath.Join(cfg.DataDir, "logs", "recovery.log"))
	// Warnings and errors land in the recovery journal too, so a
	// post-mortem works from one file.
	logSvc.SetMirrorSink(journal.AppendLine)

	backups := backup.NewManager(backup.Config{
		Root:               filepath.Join(cfg.DataDir, "backups"),
		KeepHourly:         cfg.Backups.KeepHourly,
		KeepDaily:          cfg.Backups.KeepDaily,
		KeepRecoveryPoints: cfg.Backups.KeepRecoveryPoints,
	}, log)

	busy, _ := parseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	storageDir := cfg.Storage.Dir
	if storageDir == "" {
		storageDir = filepath.Join(cfg.DataDir, "logs")
	}
	execlog, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Dir:         storageDir,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open exec log store: %w", err)
	}

	cmdTimeout, err := parseDurationOrDefault("commands.default_timeout", cfg.Commands.DefaultTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	provider := command.NewFuncProvider()
	commands := command.NewRegistry(store, backups, execlog, provider,
		command.Config{DefaultTimeout: cmdTimeout}, log)

	routes := route.NewRegistry(store, backups, nil, route.Config{}, log)
	gen := bootstrap.NewGenerator(store, log)

	stepTimeout, _ := parseDurationOrDefault("recovery.step_timeout", cfg.Recovery.StepTimeout, 45*time.Second)
	retryInterval, _ := parseDurationOrDefault("recovery.retry_interval", cfg.Recovery.RetryInterval, 30*time.Second)
	orch := recovery.NewOrchestrator(gen, commands, routes, journal, recovery.Config{
		StepTimeout:   stepTimeout,
		EmergencyAddr: cfg.Recovery.EmergencyAddr,
		RetryInterval: retryInterval,
	}, log)

	schedTimeout, err := parseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	schedSvc := sched.New(sched.Config{
		Workers:        cfg.Scheduler.Workers,
		DefaultTimeout: schedTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
	}, log.With(slog.String("comp", "sched")))

	shutdownTimeout, _ := parseDurationField("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	api := httpapi.New(httpapi.Deps{
		Commands: commands,
		Routes:   routes,
		Recovery: orch,
		Backups:  backups,
		ExecLog:  execlog,
		Journal:  journal,
		Gen:      gen,
	}, httpapi.Config{
		Addr:            cfg.HTTP.Addr,
		ShutdownTimeout: shutdownTimeout,
	}, log)

	app := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		backups:  backups,
		execlog:  execlog,
		journal:  journal,
		gen:      gen,
		commands: commands,
		routes:   routes,
		orch:     orch,
		sched:    schedSvc,
		api:      api,
		pprof:    newPprofServer(log),
	}

	routes.SetDispatcher(api.Echo())
	routes.SetExecutor(commands.Execute)
	routes.SetHealthFn(app.healthSnapshot)
	routes.SetEscalate(orch.TriggerRecovery)
	orch.SetGate(schedSvc.Pause, schedSvc.Resume)
	orch.SetBackups(backups)
	app.registerSystemHandlers(provider)

	return app, nil
}

// healthSnapshot feeds health-kind route artifacts.
func (a *App) healthSnapshot() any {
	state := a.orch.State()
	status := "healthy"
	if state != recovery.StateHealthy {
		status = string(state)
	}
	return map[string]any{
		"status":    status,
		"recovery":  string(state),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// registerSystemHandlers seeds the provider with the handlers the core
// command layer references.
func (a *App) registerSystemHandlers(provider *command.FuncProvider) {
	provider.Register("sys.recovery", func(ctx context.Context, params map[string]any) (any, error) {
		reason := "system_recovery command"
		if failed, ok := params["failedCommand"].(string); ok && failed != "" {
			reason = "command " + failed + " failed"
		}
		a.orch.TriggerRecovery(reason)
		return map[string]any{"status": "recovery_triggered", "reason": reason}, nil
	})
	provider.Register("sys.health", func(ctx context.Context, params map[string]any) (any, error) {
		return a.healthSnapshot(), nil
	})
	provider.Register("sys.backup", func(ctx context.Context, params map[string]any) (any, error) {
		if err := a.backupAll(ctx, backup.TierRecoveryPoint); err != nil {
			return nil, err
		}
		return map[string]any{"status": "backed_up", "tier": string(backup.TierRecoveryPoint)}, nil
	})
	provider.Register("sys.list", func(ctx context.Context, params map[string]any) (any, error) {
		return a.commands.List(), nil
	})
}

func (a *App) backupAll(ctx context.Context, tier backup.Tier) error {
	if err := a.commands.BackupNow(ctx, tier); err != nil {
		return fmt.Errorf("commands backup: %w", err)
	}
	if err := a.routes.BackupNow(ctx, tier); err != nil {
		return fmt.Errorf("routes backup: %w", err)
	}
	return nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Healthy() bool { return a.orch.State() == recovery.StateHealthy }

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, a.log)
	cfg := a.cfgm.Get()

	if _, err := a.gen.Initialize(a.sup.Context(), false); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	// Load both registries; any load failure hands startup to the
	// recovery pipeline instead of aborting the daemon.
	if err := a.loadState(a.sup.Context()); err != nil {
		a.log.Warn("startup load failed, entering recovery", slog.String("err", err.Error()))
		if rerr := a.orch.Run(a.sup.Context(), "startup: "+err.Error()); rerr != nil {
			return fmt.Errorf("startup recovery: %w", rerr)
		}
	}

	a.sched.Start(a.sup.Context())
	if err := a.scheduleJobs(cfg); err != nil {
		return err
	}
	a.pprof.Apply(a.sup.Context(), cfg.Pprof)

	a.sup.Go("httpapi.serve", func(c context.Context) error {
		return a.api.Start()
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts, keep only the newest.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("state.watch", a.watchState)

	a.log.Info("started",
		slog.String("data_dir", cfg.DataDir),
		slog.String("http", cfg.HTTP.Addr))
	return nil
}

// watchState watches the directories holding the command layers and
// the route manifest and nudges the health loop when something changes
// them under the daemon. Events are debounced so a burst of writes
// (our own saves included) costs one check; the freshness window in
// the route registry keeps that check cheap.
func (a *App) watchState(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("state watcher: %w", err)
	}
	defer w.Close()

	for _, dir := range []string{
		a.store.Path("commands"),
		a.store.Path("routes"),
		a.store.Path("routes", "handlers"),
	} {
		if err := w.Add(dir); err != nil {
			a.log.Warn("state watch skipped",
				slog.String("dir", dir), slog.String("err", err.Error()))
		}
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if strings.HasSuffix(ev.Name, ".tmp") {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(time.Second)
				fire = timer.C
			} else {
				timer.Reset(time.Second)
			}
		case <-fire:
			timer, fire = nil, nil
			// Kick the scheduled job instead of checking inline, so the
			// check runs on the worker pool and respects the pause gate
			// during recovery runs.
			if !a.sched.Kick("health.loop") {
				a.log.Warn("health check not scheduled after fs event")
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.log.Warn("state watcher error", slog.String("err", werr.Error()))
		}
	}
}

func (a *App) loadState(ctx context.Context) error {
	if err := a.commands.Load(ctx); err != nil {
		return fmt.Errorf("command layers: %w", err)
	}
	if err := a.routes.LoadOrCreateManifest(ctx); err != nil {
		return fmt.Errorf("route manifest: %w", err)
	}
	if err := a.routes.ReconstructRoutes(ctx); err != nil {
		return fmt.Errorf("route registration: %w", err)
	}
	return nil
}

func (a *App) scheduleJobs(cfg *Config) error {
	if err := a.sched.AddInterval("health.loop", cfg.healthInterval(), 0, a.orch.HealthTask); err != nil {
		return err
	}
	if err := a.sched.AddCron("backup.hourly", cfg.Backups.HourlySpec, 0, func(c context.Context) error {
		return a.backupAll(c, backup.TierHourly)
	}); err != nil {
		return err
	}
	return a.sched.AddCron("backup.daily", cfg.Backups.DailySpec, 0, func(c context.Context) error {
		return a.backupAll(c, backup.TierDaily)
	})
}

// applyConfig applies the hot-reloadable subset of a config change:
// logging, pprof and the health-check interval. Addresses and storage
// drivers need a restart.
func (a *App) applyConfig(ctx context.Context, cfg *Config) {
	a.logs.Apply(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Mirror: logging.MirrorConfig{
			Enabled:    cfg.Logging.Mirror.Enabled,
			MinLevel:   cfg.Logging.Mirror.MinLevel,
			RatePerSec: cfg.Logging.Mirror.RatePerSec,
		},
	})
	a.pprof.Apply(ctx, cfg.Pprof)

	a.sched.Remove("health.loop")
	if err := a.sched.AddInterval("health.loop", cfg.healthInterval(), 0, a.orch.HealthTask); err != nil {
		a.log.Warn("health interval not applied", slog.String("err", err.Error()))
	}
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", slog.String("reason", string(reason)))
	a.sup.Cancel()

	// Each stop step is bounded so one component cannot stall the
	// whole shutdown; failures are logged and the next step runs.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", slog.String("name", name), slog.String("err", err.Error()))
			} else {
				a.log.Debug("stop step done", slog.String("name", name), slog.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				slog.String("name", name), slog.Duration("elapsed", time.Since(start)))
		}
	}

	step("httpapi", 5*time.Second, a.api.Shutdown)
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("recovery", 2*time.Second, a.orch.Close)
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	if a.execlog != nil {
		step("storage", time.Second, func(context.Context) error { return a.execlog.Close() })
	}
	step("supervisor", 3*time.Second, a.sup.Stop)

	a.journal.Append("daemon stopped: %s", reason)
	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
