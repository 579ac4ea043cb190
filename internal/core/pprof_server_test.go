package core

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"testing"
	"time"
)

// Not parallel: profiling rates are process-wide.
func TestPprofApplyEnableDisable(t *testing.T) {
	p := newPprofServer(slog.New(slog.DiscardHandler))
	ctx := context.Background()
	t.Cleanup(func() { p.Stop(ctx) })

	prev := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prev)
		runtime.SetBlockProfileRate(0)
	})

	p.Apply(ctx, PprofConfig{Enabled: true, Address: "127.0.0.1:0", MutexProfileFraction: 5})
	addr := p.Addr()
	if addr == "" {
		t.Fatal("enabled server reports no address")
	}

	var lastErr error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/debug/pprof/")
		if err == nil {
			resp.Body.Close()
			lastErr = nil
			break
		}
		lastErr = err
		time.Sleep(25 * time.Millisecond)
	}
	if lastErr != nil {
		t.Fatalf("pprof endpoint unreachable: %v", lastErr)
	}
	if got := runtime.SetMutexProfileFraction(-1); got != 5 {
		t.Fatalf("mutex profile fraction = %d, want 5", got)
	}

	p.Apply(ctx, PprofConfig{})
	if addr := p.Addr(); addr != "" {
		t.Fatalf("disabled server still bound at %s", addr)
	}
}
