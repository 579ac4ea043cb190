package route

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"regent/internal/backup"
	"regent/internal/manifest"
)

type fakeDispatch struct {
	mu    sync.Mutex
	added map[string]int
	down  bool
}

func newFakeDispatch() *fakeDispatch {
	return &fakeDispatch{added: map[string]int{}}
}

func (f *fakeDispatch) Add(method, path string, h echo.HandlerFunc, mw ...echo.MiddlewareFunc) *echo.Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		panic("dispatch down")
	}
	f.added[method+" "+path]++
	return &echo.Route{Method: method, Path: path}
}

func (f *fakeDispatch) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.added[method+" "+path]
}

func newTestRegistry(t *testing.T) (*Registry, *fakeDispatch, string) {
	t.Helper()
	root := t.TempDir()
	log := slog.New(slog.DiscardHandler)
	store := manifest.NewStore(root, log)
	backups := backup.NewManager(backup.Config{Root: filepath.Join(root, "backups")}, log)
	fd := newFakeDispatch()
	r := NewRegistry(store, backups, fd, Config{}, log)
	if err := r.LoadOrCreateManifest(context.Background()); err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	return r, fd, root
}

func readManifestFile(t *testing.T, root string) Manifest {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(root, "routes", "route-manifest.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	return m
}

func TestDefaultManifestCreated(t *testing.T) {
	t.Parallel()
	r, _, root := newTestRegistry(t)

	m := readManifestFile(t, root)
	for _, name := range []string{"health", "commands", "recovery"} {
		b, ok := m.Routes[name]
		if !ok {
			t.Fatalf("default manifest missing %s", name)
		}
		if !b.Immutable {
			t.Errorf("default route %s should be immutable", name)
		}
		if !r.store.Exists(r.artifactPath(name)) {
			t.Errorf("default artifact %s missing", name)
		}
	}
	if err := r.Verify(); err != nil {
		t.Fatalf("fresh manifest failed verify: %v", err)
	}
}

func TestChecksumInvariantAcrossMutations(t *testing.T) {
	t.Parallel()
	r, _, root := newTestRegistry(t)
	ctx := context.Background()

	if err := r.AddRoute(ctx, "widgets", AddConfig{
		Path: "/widgets", Method: "GET", HandlerRef: "widgets.tpl",
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	m := readManifestFile(t, root)
	want, err := manifest.ChecksumJSON(m.Routes)
	if err != nil {
		t.Fatal(err)
	}
	if m.Checksum != want {
		t.Fatalf("checksum on disk %s does not match routes %s", m.Checksum, want)
	}

	if err := r.RemoveRoute(ctx, "widgets", true); err != nil {
		t.Fatalf("remove: %v", err)
	}
	m = readManifestFile(t, root)
	want, _ = manifest.ChecksumJSON(m.Routes)
	if m.Checksum != want {
		t.Fatal("checksum stale after remove")
	}
}

func TestAddRouteValidation(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cfg  AddConfig
	}{
		{"missing method", AddConfig{Path: "/x", HandlerRef: "x"}},
		{"bad method", AddConfig{Path: "/x", Method: "BREW", HandlerRef: "x"}},
		{"relative path", AddConfig{Path: "x", Method: "GET", HandlerRef: "x"}},
		{"missing handler", AddConfig{Path: "/x", Method: "GET"}},
	}
	for _, tc := range cases {
		if err := r.AddRoute(ctx, "bad", tc.cfg); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestAddRouteConflict(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.AddRoute(ctx, "a", AddConfig{Path: "/dup", Method: "GET", HandlerRef: "a"}); err != nil {
		t.Fatal(err)
	}
	err := r.AddRoute(ctx, "b", AddConfig{Path: "/dup", Method: "GET", HandlerRef: "b"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	// Same path under a different method is fine.
	if err := r.AddRoute(ctx, "c", AddConfig{Path: "/dup", Method: "POST", HandlerRef: "c"}); err != nil {
		t.Fatalf("different method should not conflict: %v", err)
	}
}

func TestConcurrentAddsOneWinner(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "racer" + string(rune('a'+i))
			errs[i] = r.AddRoute(ctx, name, AddConfig{
				Path: "/race", Method: "GET", HandlerRef: "race.tpl",
			})
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("want 1 winner and %d conflicts, got %d/%d", n-1, wins, conflicts)
	}
}

func TestRemoveImmutableRefused(t *testing.T) {
	t.Parallel()
	r, _, root := newTestRegistry(t)

	before := readManifestFile(t, root)
	err := r.RemoveRoute(context.Background(), "health", true)
	if !errors.Is(err, ErrImmutable) {
		t.Fatalf("want ErrImmutable, got %v", err)
	}
	after := readManifestFile(t, root)
	if before.Checksum != after.Checksum {
		t.Fatal("manifest changed by refused removal")
	}
}

func TestRemoveArchives(t *testing.T) {
	t.Parallel()
	r, _, root := newTestRegistry(t)
	ctx := context.Background()

	if err := r.AddRoute(ctx, "gone", AddConfig{Path: "/gone", Method: "GET", HandlerRef: "gone"}); err != nil {
		t.Fatal(err)
	}
	if err := r.RemoveRoute(ctx, "gone", true); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "routes", "archive"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected archive record, got %v entries err=%v", len(entries), err)
	}
	if !strings.HasPrefix(entries[0].Name(), "gone_") {
		t.Errorf("archive record named %s", entries[0].Name())
	}
	// Artifact stays on disk for recovery.
	if !r.store.Exists(r.artifactPath("gone")) {
		t.Error("artifact should survive removal")
	}
	if _, err := r.CheckHealth(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed route still known: %v", err)
	}
}

func TestIdempotentRegistration(t *testing.T) {
	t.Parallel()
	r, fd, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.AddRoute(ctx, "once", AddConfig{Path: "/once", Method: "GET", HandlerRef: "once"}); err != nil {
		t.Fatal(err)
	}
	b := r.man.Routes["once"]
	for i := 0; i < 3; i++ {
		if err := r.RegisterRoute(ctx, "once", b); err != nil {
			t.Fatal(err)
		}
	}
	if got := fd.count("GET", "/once"); got != 1 {
		t.Fatalf("dispatch Add called %d times, want 1", got)
	}
}

func TestHealthFlipAndRepair(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.AddRoute(ctx, "flappy", AddConfig{Path: "/flappy", Method: "GET", HandlerRef: "flappy"}); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(r.artifactPath("flappy")); err != nil {
		t.Fatal(err)
	}
	// Force the check past the freshness window.
	r.mu.Lock()
	b := r.man.Routes["flappy"]
	b.LastChecked = b.LastChecked.Add(-r.cfg.FreshnessWindow * 2)
	r.man.Routes["flappy"] = b
	r.mu.Unlock()

	st, err := r.CheckHealth(ctx, "flappy")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Healthy {
		t.Fatalf("expected auto-repair, status: %+v", st)
	}
	if !r.store.Exists(r.artifactPath("flappy")) {
		t.Fatal("artifact not regenerated")
	}
}

func TestCorruptManifestRepaired(t *testing.T) {
	t.Parallel()
	r, _, root := newTestRegistry(t)
	ctx := context.Background()

	if err := r.AddRoute(ctx, "keep", AddConfig{Path: "/keep", Method: "GET", HandlerRef: "keep"}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(root, "routes", "route-manifest.json")
	if err := os.WriteFile(path, []byte(`{"version":9,"routes":`), 0o644); err != nil {
		t.Fatal(err)
	}

	fd2 := newFakeDispatch()
	fresh := NewRegistry(r.store, r.backups, fd2, Config{}, slog.New(slog.DiscardHandler))
	if err := fresh.LoadOrCreateManifest(ctx); err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if err := fresh.Verify(); err != nil {
		t.Fatalf("rebuilt manifest failed verify: %v", err)
	}
	// The binding is reconstructible from its artifact.
	if _, ok := fresh.man.Routes["keep"]; !ok {
		t.Fatal("rescan lost the keep binding")
	}
	// The repair registers the rebuilt bindings, it does not leave that
	// to a later pass.
	if fd2.count("GET", "/keep") != 1 {
		t.Fatal("rebuilt route not registered with dispatch")
	}
	if fd2.count("GET", "/healthz") != 1 {
		t.Fatal("rebuilt default route not registered with dispatch")
	}
	// The corrupt file is preserved.
	matches, _ := filepath.Glob(path + ".corrupt.*")
	if len(matches) == 0 {
		t.Fatal("corrupt manifest not preserved")
	}
}

func TestChecksumMismatchRepaired(t *testing.T) {
	t.Parallel()
	r, _, root := newTestRegistry(t)
	ctx := context.Background()

	m := readManifestFile(t, root)
	m.Checksum = "deadbeef"
	if err := r.store.WriteJSON(filepath.Join(root, "routes", "route-manifest.json"), &m); err != nil {
		t.Fatal(err)
	}

	fresh := NewRegistry(r.store, r.backups, newFakeDispatch(), Config{}, slog.New(slog.DiscardHandler))
	if err := fresh.LoadOrCreateManifest(ctx); err != nil {
		t.Fatalf("load after tamper: %v", err)
	}
	if err := fresh.Verify(); err != nil {
		t.Fatalf("verify after repair: %v", err)
	}
}

func TestImmutableRegisterFailureEscalates(t *testing.T) {
	t.Parallel()
	r, fd, _ := newTestRegistry(t)
	ctx := context.Background()

	var escalated string
	r.SetEscalate(func(reason string) { escalated = reason })

	fd.mu.Lock()
	fd.down = true
	fd.mu.Unlock()

	b := Binding{Path: "/broken", Method: "GET", HandlerRef: "broken", Immutable: true}
	r.mu.Lock()
	r.man.Routes["broken"] = b
	r.mu.Unlock()

	if err := r.RegisterRoute(ctx, "broken", b); err == nil {
		t.Fatal("expected registration failure")
	}
	if escalated == "" {
		t.Fatal("immutable failure should escalate")
	}
}

func TestReconstructRoutes(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.AddRoute(ctx, "again", AddConfig{Path: "/again", Method: "GET", HandlerRef: "again"}); err != nil {
		t.Fatal(err)
	}

	// Fresh dispatch layer, as after a crash.
	fd2 := newFakeDispatch()
	r.SetDispatcher(fd2)

	if err := r.ReconstructRoutes(ctx); err != nil {
		t.Fatal(err)
	}
	if fd2.count("GET", "/again") != 1 {
		t.Fatal("route not re-registered")
	}
	if fd2.count("GET", "/healthz") != 1 {
		t.Fatal("default route not re-registered")
	}
}

func TestStatusSummary(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	sum := r.CheckAll(ctx)
	if sum.Unhealthy != 0 {
		t.Fatalf("fresh registry reports unhealthy routes: %+v", sum)
	}
	if sum.Healthy != 3 {
		t.Fatalf("want 3 healthy defaults, got %d", sum.Healthy)
	}
}

func TestReconstructRegeneratesMissingArtifact(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.ReconstructRoutes(ctx); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(r.artifactPath("health")); err != nil {
		t.Fatal(err)
	}

	// The binding is already registered, so this exercises the path
	// where only the artifact is gone.
	if err := r.ReconstructRoutes(ctx); err != nil {
		t.Fatal(err)
	}
	if !r.store.Exists(r.artifactPath("health")) {
		t.Fatal("missing artifact not regenerated for a bound route")
	}
}

func TestRemovedRouteStopsServing(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	log := slog.New(slog.DiscardHandler)
	store := manifest.NewStore(root, log)
	backups := backup.NewManager(backup.Config{Root: filepath.Join(root, "backups")}, log)
	e := echo.New()
	r := NewRegistry(store, backups, e, Config{}, log)
	ctx := context.Background()
	if err := r.LoadOrCreateManifest(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.ReconstructRoutes(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.AddRoute(ctx, "ping", AddConfig{Path: "/ping", Method: "GET", HandlerRef: "ping.tpl"}); err != nil {
		t.Fatal(err)
	}

	serve := func() int {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
		return rec.Code
	}
	if got := serve(); got != http.StatusOK {
		t.Fatalf("live route answered %d", got)
	}

	if err := r.RemoveRoute(ctx, "ping", true); err != nil {
		t.Fatal(err)
	}
	// Echo cannot unregister a handler; the registry has to refuse the
	// request itself once the binding leaves the manifest.
	if got := serve(); got != http.StatusNotFound {
		t.Fatalf("removed route still answered %d", got)
	}
}
