package core

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"time"
)

// PprofConfig gates the profiling listener. Off by default; binds
// loopback unless the config says otherwise.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Address              string `json:"address"`
	BlockProfileRate     int    `json:"block_profile_rate"`
	MutexProfileFraction int    `json:"mutex_profile_fraction"`
}

const defaultPprofAddr = "127.0.0.1:6060"

// pprofServer owns the optional profiling listener. Apply is called at
// startup and again on every config reload, so enable, disable and
// rebind all go through it.
type pprofServer struct {
	mu   sync.Mutex
	log  *slog.Logger
	srv  *http.Server
	addr string
}

func newPprofServer(log *slog.Logger) *pprofServer {
	if log == nil {
		log = slog.Default()
	}
	return &pprofServer{log: log.With(slog.String("comp", "pprof"))}
}

func (p *pprofServer) Apply(ctx context.Context, cfg PprofConfig) {
	// Profile rates are process-wide and independent of the listener.
	runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)

	addr := cfg.Address
	if addr == "" {
		addr = defaultPprofAddr
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case !cfg.Enabled:
		p.stopLocked(ctx)
	case p.srv != nil && p.addr == addr:
		// Already serving there.
	default:
		p.stopLocked(ctx)
		if err := p.startLocked(addr); err != nil {
			p.log.Warn("pprof listen failed",
				slog.String("addr", addr), slog.String("err", err.Error()))
		}
	}
}

func (p *pprofServer) startLocked(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	p.srv = &http.Server{Handler: mux}
	p.addr = ln.Addr().String()

	srv := p.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Warn("pprof server error", slog.String("err", err.Error()))
		}
	}()
	p.log.Info("pprof enabled", slog.String("addr", p.addr))
	return nil
}

func (p *pprofServer) Stop(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked(ctx)
}

func (p *pprofServer) stopLocked(ctx context.Context) {
	if p.srv == nil {
		return
	}
	srv, addr := p.srv, p.addr
	p.srv, p.addr = nil, ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.log.Warn("pprof shutdown error",
			slog.String("addr", addr), slog.String("err", err.Error()))
	}
	p.log.Info("pprof disabled", slog.String("addr", addr))
}

// Addr returns the bound address, empty when not serving.
func (p *pprofServer) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}
