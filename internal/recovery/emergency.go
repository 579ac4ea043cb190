package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// responder modes.
const (
	modeEmergency    int32 = iota // degraded surface: /health and /recover
	modeCatastrophic              // everything answers 503
)

// emergencyResponder is the minimal HTTP surface kept alive when the
// dispatch layer itself is gone. Deliberately built on net/http alone
// so it shares no code path with the thing that just failed.
type emergencyResponder struct {
	mu      sync.Mutex
	srv     *http.Server
	ln      net.Listener
	log     *slog.Logger
	mode    atomic.Int32
	trigger func(reason string)
	addr    string
}

func newEmergencyResponder(addr string, trigger func(reason string), log *slog.Logger) *emergencyResponder {
	return &emergencyResponder{addr: addr, trigger: trigger, log: log}
}

// Start binds the listener and serves in the background. Idempotent.
func (e *emergencyResponder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", e.handleHealth)
	mux.HandleFunc("/recover", e.handleRecover)
	mux.HandleFunc("/", e.handleAny)

	e.ln = ln
	e.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func(srv *http.Server, ln net.Listener) {
		if serr := srv.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			e.log.Error("emergency responder stopped", slog.String("err", serr.Error()))
		}
	}(e.srv, ln)
	e.log.Warn("emergency responder started", slog.String("addr", ln.Addr().String()))
	return nil
}

func (e *emergencyResponder) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.srv == nil {
		return nil
	}
	err := e.srv.Shutdown(ctx)
	e.srv, e.ln = nil, nil
	return err
}

func (e *emergencyResponder) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

func (e *emergencyResponder) setCatastrophic() { e.mode.Store(modeCatastrophic) }

func (e *emergencyResponder) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (e *emergencyResponder) handleHealth(w http.ResponseWriter, r *http.Request) {
	if e.mode.Load() == modeCatastrophic {
		e.handleAny(w, r)
		return
	}
	e.writeJSON(w, http.StatusOK, map[string]any{
		"status": "degraded",
		"mode":   "emergency",
	})
}

func (e *emergencyResponder) handleRecover(w http.ResponseWriter, r *http.Request) {
	if e.mode.Load() == modeCatastrophic {
		e.handleAny(w, r)
		return
	}
	if r.Method != http.MethodPost {
		e.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "POST only"})
		return
	}
	if e.trigger != nil {
		e.trigger("manual trigger via emergency responder")
	}
	e.writeJSON(w, http.StatusAccepted, map[string]any{"status": "recovery triggered"})
}

func (e *emergencyResponder) handleAny(w http.ResponseWriter, _ *http.Request) {
	e.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status": "catastrophic_failure",
	})
}
