// Package sched owns every periodic task in the system: the health
// loop and the tiered backup timers. Consolidating them here makes the
// "no timer fires while recovery is in progress" rule a single gate
// instead of a property of each caller.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Workers        int
	DefaultTimeout time.Duration
	HistorySize    int
}

// HistoryItem records one completed task run.
type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
	Skipped  bool
}

type task struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

type taskDef struct {
	name    string
	spec    string // cron spec or @every
	timeout time.Duration
	entry   cron.EntryID
	job     func(ctx context.Context) error
}

// Service schedules named periodic tasks on a small worker pool.
type Service struct {
	mu sync.Mutex

	log *slog.Logger
	cfg Config

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*taskDef

	paused atomic.Bool

	queue  chan task
	stopCh chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*taskDef{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	s.queue = make(chan task, 64)
	s.c = cron.New(cron.WithParser(s.parser))

	for _, d := range s.defs {
		s.scheduleLocked(d)
	}

	// Workers take the channels as parameters so Stop can close and nil
	// the fields without racing a worker's select.
	for i := 0; i < workers; i++ {
		go s.worker(ctx, s.stopCh, s.queue)
	}
	s.c.Start()
	s.log.Info("scheduler started", slog.Int("workers", workers))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.queue = nil
	if s.c != nil {
		stopCtx := s.c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
		s.c = nil
	}
	s.log.Info("scheduler stopped")
}

// Pause makes every subsequent timer firing a no-op until Resume.
// Held for the duration of a recovery pipeline run.
func (s *Service) Pause()  { s.paused.Store(true) }
func (s *Service) Resume() { s.paused.Store(false) }

func (s *Service) Paused() bool { return s.paused.Load() }

// AddCron registers a named task on a cron spec ("@hourly", "0 0 * * *").
// The name is the identity: re-adding replaces the old schedule.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return errors.New("scheduler not started")
	}
	if old, ok := s.defs[name]; ok {
		s.c.Remove(old.entry)
	}
	d := &taskDef{name: name, spec: spec, timeout: s.resolveTimeout(timeout), job: job}
	s.defs[name] = d
	return s.scheduleLocked(d)
}

// AddInterval registers a named task that fires every `every`.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("interval for %s must be positive", name)
	}
	return s.AddCron(name, fmt.Sprintf("@every %s", every.String()), timeout, job)
}

// Remove unschedules a named task. Returns false if unknown.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(d.entry)
	}
	delete(s.defs, name)
	return true
}

// Kick enqueues a named task immediately, outside its schedule.
// Respects the pause gate.
func (s *Service) Kick(name string) bool {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.enqueue(task{name: d.name, timeout: d.timeout, run: d.job})
	return true
}

func (s *Service) scheduleLocked(d *taskDef) error {
	id, err := s.c.AddFunc(d.spec, func() {
		s.enqueue(task{name: d.name, timeout: d.timeout, run: d.job})
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", d.name, err)
	}
	d.entry = id
	return nil
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}

func (s *Service) enqueue(t task) {
	if s.paused.Load() {
		s.record(HistoryItem{Name: t.name, Started: time.Now(), Skipped: true})
		s.log.Debug("task skipped, scheduler paused", slog.String("task", t.name))
		return
	}
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		s.log.Debug("task dropped, scheduler stopped", slog.String("task", t.name))
		return
	}
	select {
	case queue <- t:
	default:
		s.log.Warn("scheduler queue full, dropping task", slog.String("task", t.name))
	}
}

func (s *Service) worker(ctx context.Context, stop <-chan struct{}, queue <-chan task) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case t := <-queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	start := time.Now()
	runCtx := ctx
	var cancel func()
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	err := t.run(runCtx)

	item := HistoryItem{Name: t.name, Started: start, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task failed", slog.String("task", t.name), slog.String("err", err.Error()))
	} else {
		s.log.Debug("task ok", slog.String("task", t.name), slog.Duration("took", item.Duration))
	}
	s.record(item)
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if s.cfg.HistorySize > 0 && len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

// History returns a copy of recent task runs, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
