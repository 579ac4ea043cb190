package recovery

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"regent/internal/backup"
	"regent/internal/bootstrap"
	"regent/internal/command"
	"regent/internal/manifest"
	"regent/internal/route"
)

type fakeCommands struct {
	mu         sync.Mutex
	loadErrs   []error // consumed per Load call, then nil
	restoreErr error
	regenErr   error
	loads      int
	restores   int
	regens     int
}

func (f *fakeCommands) Load(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if len(f.loadErrs) > 0 {
		err := f.loadErrs[0]
		f.loadErrs = f.loadErrs[1:]
		return err
	}
	return nil
}

func (f *fakeCommands) RestoreFromBackup(ctx context.Context, tier backup.Tier, id string) (*command.RestoredState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	return &command.RestoredState{}, nil
}

func (f *fakeCommands) RegenerateCore() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regens++
	return f.regenErr
}

type fakeRoutes struct {
	mu            sync.Mutex
	loadErr       error
	verifyErr     error
	repairErr     error
	restoreErr    error
	reconErr      error
	reconstructed bool
	checks        int
}

func (f *fakeRoutes) LoadOrCreateManifest(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadErr
}

func (f *fakeRoutes) Verify() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyErr
}

func (f *fakeRoutes) CheckAll(ctx context.Context) route.StatusSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	var sum route.StatusSummary
	if f.repairErr != nil {
		sum.Unhealthy = 1
		return sum
	}
	f.verifyErr = nil
	sum.Healthy = 1
	return sum
}

func (f *fakeRoutes) RepairManifest(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.repairErr == nil {
		f.verifyErr = nil
	}
	return f.repairErr
}

func (f *fakeRoutes) RestoreFromBackup(ctx context.Context, tier backup.Tier, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restoreErr
}

func (f *fakeRoutes) ReconstructRoutes(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconstructed = true
	return f.reconErr
}

func newTestOrch(t *testing.T, cmds *fakeCommands, routes *fakeRoutes) (*Orchestrator, *bootstrap.Generator) {
	t.Helper()
	root := t.TempDir()
	log := slog.New(slog.DiscardHandler)
	gen := bootstrap.NewGenerator(manifest.NewStore(root, log), log)
	journal := NewLog(filepath.Join(root, "logs", "recovery.log"))
	cfg := Config{
		StepTimeout:   5 * time.Second,
		EmergencyAddr: "127.0.0.1:0",
		RetryInterval: time.Hour,
	}
	o := NewOrchestrator(gen, cmds, routes, journal, cfg, log)
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return o, gen
}

func journalContains(t *testing.T, o *Orchestrator, want string) bool {
	t.Helper()
	lines, err := o.journal.Recent(50)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range lines {
		if strings.Contains(l, want) {
			return true
		}
	}
	return false
}

func TestRunVerdictRecovered(t *testing.T) {
	t.Parallel()
	cmds := &fakeCommands{}
	routes := &fakeRoutes{}
	o, gen := newTestOrch(t, cmds, routes)
	ctx := context.Background()

	if _, err := gen.Initialize(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := o.Run(ctx, "startup check"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.State() != StateHealthy {
		t.Fatalf("state = %s, want healthy", o.State())
	}
	if cmds.restores != 1 {
		t.Fatalf("core recovery restores = %d, want 1", cmds.restores)
	}
	if cmds.regens != 0 {
		t.Fatal("regenerated core although a snapshot restored")
	}
	if !routes.reconstructed {
		t.Fatal("routes were not re-registered")
	}
	if !journalContains(t, o, "recovery verdict: recovered") {
		t.Fatal("journal missing recovered verdict")
	}
}

func TestCoreRecoveryRegeneratesWithoutSnapshots(t *testing.T) {
	t.Parallel()
	cmds := &fakeCommands{restoreErr: backup.ErrNoSnapshot}
	routes := &fakeRoutes{}
	o, gen := newTestOrch(t, cmds, routes)
	ctx := context.Background()

	if _, err := gen.Initialize(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := o.Run(ctx, "core layer gone"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.State() != StateHealthy {
		t.Fatalf("state = %s, want healthy", o.State())
	}
	if cmds.restores != len(restoreTiers) {
		t.Fatalf("expected one restore attempt per tier, got %d", cmds.restores)
	}
	if cmds.regens != 1 {
		t.Fatalf("regens = %d, want 1", cmds.regens)
	}
}

func TestCompleteFailureGradualRecovery(t *testing.T) {
	t.Parallel()
	cmds := &fakeCommands{}
	routes := &fakeRoutes{}
	// No Initialize: integrity verification fails on the empty dir, the
	// pipeline verdict is failed, and the emergency path bootstraps
	// defaults and gradually recovers.
	o, gen := newTestOrch(t, cmds, routes)
	ctx := context.Background()

	if err := o.Run(ctx, "nothing on disk"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if o.State() != StateHealthy {
		t.Fatalf("state = %s, want healthy", o.State())
	}
	if rep := gen.Verify(ctx); !rep.OK() {
		t.Fatalf("defaults not bootstrapped: %v", rep.Problems)
	}
	if !journalContains(t, o, "gradual recovery started") {
		t.Fatal("journal missing gradual recovery record")
	}
	if addr := o.responder.Addr(); addr != "" {
		t.Fatalf("responder still listening on %s after recovery", addr)
	}
}

func TestRunExhaustedEntersEmergency(t *testing.T) {
	t.Parallel()
	cmds := &fakeCommands{restoreErr: backup.ErrNoSnapshot}
	routes := &fakeRoutes{
		loadErr:    errors.New("manifest unreadable"),
		verifyErr:  errors.New("routes unhealthy"),
		repairErr:  errors.New("handlers dir gone"),
		restoreErr: backup.ErrNoSnapshot,
		reconErr:   errors.New("dispatch gone"),
	}
	o, _ := newTestOrch(t, cmds, routes)

	err := o.Run(context.Background(), "everything broken")
	if err == nil {
		t.Fatal("expected failed verdict error")
	}
	if o.State() != StateEmergency {
		t.Fatalf("state = %s, want emergency", o.State())
	}

	addr := o.responder.Addr()
	if addr == "" {
		t.Fatal("emergency responder not listening")
	}
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("emergency health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("emergency health status %d", resp.StatusCode)
	}

	// Catastrophic mode turns every answer into a 503.
	o.responder.setCatastrophic()
	resp, err = http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("catastrophic status %d, want 503", resp.StatusCode)
	}
}

func TestRunRefusesConcurrent(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrch(t, &fakeCommands{}, &fakeRoutes{})

	o.inflight.Store(true)
	defer o.inflight.Store(false)
	if err := o.Run(context.Background(), "second"); !errors.Is(err, ErrRecoveryInProgress) {
		t.Fatalf("want ErrRecoveryInProgress, got %v", err)
	}
}

func TestStepTimeoutAndPanic(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrch(t, &fakeCommands{}, &fakeRoutes{})
	o.cfg.StepTimeout = 50 * time.Millisecond
	ctx := context.Background()

	err := o.runStep(ctx, "sleeper", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(200 * time.Millisecond)
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline, got %v", err)
	}

	err = o.runStep(ctx, "bomber", func(context.Context) error { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("panic not absorbed: %v", err)
	}
}

func TestProcedures(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrch(t, &fakeCommands{}, &fakeRoutes{})
	ctx := context.Background()

	ran := false
	o.RegisterProcedure("flush-caches", func(context.Context) error { ran = true; return nil })
	o.RegisterProcedure("rebuild-index", func(context.Context) error { panic("nope") })

	if err := o.RunProcedure(ctx, "flush-caches"); err != nil || !ran {
		t.Fatalf("procedure: err=%v ran=%v", err, ran)
	}
	if err := o.RunProcedure(ctx, "rebuild-index"); err == nil {
		t.Fatal("panicking procedure should error")
	}
	if err := o.RunProcedure(ctx, "missing"); err == nil {
		t.Fatal("unknown procedure should error")
	}
	names := o.Procedures()
	if len(names) != 2 || names[0] != "flush-caches" {
		t.Fatalf("procedures = %v", names)
	}
}

func TestHealthTaskMarksDegraded(t *testing.T) {
	t.Parallel()
	cmds := &fakeCommands{}
	routes := &fakeRoutes{}
	o, gen := newTestOrch(t, cmds, routes)
	ctx := context.Background()

	// Nothing on disk: verify fails and a recovery is triggered.
	if err := o.HealthTask(ctx); err == nil {
		t.Fatal("health task on empty dir should fail")
	}

	// Wait for the background run to settle.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if o.State() == StateHealthy {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if o.State() != StateHealthy {
		t.Fatalf("state = %s after background recovery", o.State())
	}
	if rep := gen.Verify(ctx); !rep.OK() {
		t.Fatalf("defaults not regenerated: %v", rep.Problems)
	}
}

func TestHealthTaskAutoRepairsBeforeEscalating(t *testing.T) {
	t.Parallel()
	cmds := &fakeCommands{}
	routes := &fakeRoutes{verifyErr: errors.New("artifact missing")}
	o, gen := newTestOrch(t, cmds, routes)
	ctx := context.Background()
	if _, err := gen.Initialize(ctx, false); err != nil {
		t.Fatal(err)
	}

	// A route-level fault the sweep can fix must not start a pipeline
	// run or surface as a health task error.
	if err := o.HealthTask(ctx); err != nil {
		t.Fatalf("repairable fault escalated: %v", err)
	}
	if o.State() != StateHealthy {
		t.Fatalf("state = %s after targeted repair", o.State())
	}
	routes.mu.Lock()
	checks := routes.checks
	routes.mu.Unlock()
	if checks != 1 {
		t.Fatalf("route sweep ran %d times, want 1", checks)
	}
	o.mu.Lock()
	attempts := o.attempts
	o.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("full pipeline ran %d times for a repairable fault", attempts)
	}
	if !journalContains(t, o, "auto-repaired") {
		t.Fatal("auto-repair not journaled")
	}
}

func TestHealthTaskEscalatesWhenRepairFails(t *testing.T) {
	t.Parallel()
	cmds := &fakeCommands{}
	routes := &fakeRoutes{
		verifyErr: errors.New("artifact missing"),
		repairErr: errors.New("immutable binding"),
	}
	o, gen := newTestOrch(t, cmds, routes)
	ctx := context.Background()
	if _, err := gen.Initialize(ctx, false); err != nil {
		t.Fatal(err)
	}

	if err := o.HealthTask(ctx); err == nil {
		t.Fatal("unfixable fault should surface")
	}

	// The full pipeline takes over in the background.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		ran := o.attempts > 0
		o.mu.Unlock()
		if ran {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pipeline never started after failed targeted repair")
}

func TestJournalRecent(t *testing.T) {
	t.Parallel()
	l := NewLog(filepath.Join(t.TempDir(), "recovery.log"))

	if lines, err := l.Recent(5); err != nil || lines != nil {
		t.Fatalf("empty journal: %v %v", lines, err)
	}
	for i := 0; i < 10; i++ {
		l.Append("event %d", i)
	}
	lines, err := l.Recent(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines", len(lines))
	}
	if !strings.HasSuffix(lines[2], "event 9") {
		t.Fatalf("last line %q", lines[2])
	}
	if !strings.HasPrefix(lines[0], "[") {
		t.Fatalf("no timestamp prefix: %q", lines[0])
	}
}
