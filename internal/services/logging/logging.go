package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

func Stdout() io.Writer { return os.Stdout }

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Mirror  MirrorConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type MirrorConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

type Service struct {
	atomicH *AtomicHandler
	logger  *slog.Logger

	mu sync.Mutex

	file *os.File

	// mirror sink + limiter
	sink     func(line string)
	limiter  *rate.Limiter
	minLevel slog.Level
}

func New(cfg Config) (*Service, *slog.Logger) {
	ah := NewAtomicHandler(NewPrettyHandler(Stdout(), slog.LevelInfo))
	svc := &Service{
		atomicH: ah,
		logger:  slog.New(ah),
	}
	svc.Apply(cfg)
	return svc, svc.logger
}

func (s *Service) Logger() *slog.Logger { return s.logger }

// SetMirrorSink points the mirror handler at a recovery-log appender.
// A nil sink disables mirroring.
func (s *Service) SetMirrorSink(sink func(line string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Apply rebuilds the handler fanout. Safe during hot reload; the
// slog.Logger handed out by New keeps working across swaps.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	level := parseLevel(cfg.Level, slog.LevelInfo)

	var handlers []slog.Handler
	if cfg.Console {
		handlers = append(handlers, NewPrettyHandler(Stdout(), level))
	}

	// file handler (close old safely)
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled && strings.TrimSpace(cfg.File.Path) != "" {
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			s.file = f
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	if cfg.Mirror.Enabled {
		s.minLevel = parseLevel(cfg.Mirror.MinLevel, slog.LevelWarn)
		rps := cfg.Mirror.RatePerSec
		if rps <= 0 {
			rps = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		handlers = append(handlers, &MirrorHandler{svc: s})
	}

	if len(handlers) == 0 {
		handlers = append(handlers, NewPrettyHandler(Stdout(), level))
	}
	s.atomicH.Swap(Fanout(handlers...))
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

func parseLevel(s string, def slog.Level) slog.Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return def
	}
}

// ---- Atomic handler (hot swap without replacing slog.Logger) ----

type AtomicHandler struct {
	mu sync.RWMutex
	h  slog.Handler
}

func NewAtomicHandler(h slog.Handler) *AtomicHandler { return &AtomicHandler{h: h} }

func (a *AtomicHandler) Swap(h slog.Handler) {
	a.mu.Lock()
	a.h = h
	a.mu.Unlock()
}

func (a *AtomicHandler) cur() slog.Handler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.h
}

func (a *AtomicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return a.cur().Enabled(ctx, level)
}
func (a *AtomicHandler) Handle(ctx context.Context, r slog.Record) error {
	return a.cur().Handle(ctx, r)
}
func (a *AtomicHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return a.cur().WithAttrs(attrs) }
func (a *AtomicHandler) WithGroup(name string) slog.Handler       { return a.cur().WithGroup(name) }

// ---- Fanout ----

type fanout struct{ hs []slog.Handler }

func Fanout(h ...slog.Handler) slog.Handler { return &fanout{hs: h} }

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.hs {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}
func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f.hs {
		_ = h.Handle(ctx, r)
	}
	return nil
}
func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler { return f }
func (f *fanout) WithGroup(name string) slog.Handler       { return f }

// ---- Recovery-log mirror ----

type MirrorHandler struct {
	svc *Service
}

func (m *MirrorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

func (m *MirrorHandler) Handle(_ context.Context, r slog.Record) error {
	m.svc.mu.Lock()
	sink := m.svc.sink
	lim := m.svc.limiter
	min := m.svc.minLevel
	m.svc.mu.Unlock()

	if sink == nil || lim == nil {
		return nil
	}
	if r.Level < min {
		return nil
	}
	if !lim.Allow() {
		return nil
	}

	msg := fmt.Sprintf("[%s] %s", r.Level.String(), r.Message)
	r.Attrs(func(a slog.Attr) bool {
		msg += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})
	sink(msg)
	return nil
}

func (m *MirrorHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return m }
func (m *MirrorHandler) WithGroup(name string) slog.Handler       { return m }
