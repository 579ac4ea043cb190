package command

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"regent/internal/backup"
	"regent/internal/manifest"
)

func newTestRegistry(t *testing.T) (*Registry, *FuncProvider, *manifest.Store) {
	t.Helper()
	dir := t.TempDir()
	store := manifest.NewStore(dir, slog.Default())
	backups := backup.NewManager(backup.Config{Root: store.Path("backups")}, nil)
	provider := NewFuncProvider()
	provider.Register("sys.recovery", func(ctx context.Context, params map[string]any) (any, error) {
		return "recovered", nil
	})
	provider.Register("sys.health", func(ctx context.Context, params map[string]any) (any, error) {
		return "ok", nil
	})
	provider.Register("sys.backup", func(ctx context.Context, params map[string]any) (any, error) {
		return "ok", nil
	})
	provider.Register("sys.list", func(ctx context.Context, params map[string]any) (any, error) {
		return "ok", nil
	})

	r := NewRegistry(store, backups, nil, provider, Config{DefaultTimeout: time.Second}, slog.Default())
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r, provider, store
}

func TestLoadRegeneratesMissingCore(t *testing.T) {
	t.Parallel()
	r, _, store := newTestRegistry(t)

	// Load on an empty dir must have produced the default core set.
	if !store.Exists(store.Path("commands", "core.json")) {
		t.Fatal("core.json should be regenerated on first load")
	}
	for _, id := range RequiredCoreIDs {
		def, err := r.Resolve(id)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", id, err)
		}
		if def.Layer != LayerCore {
			t.Fatalf("%s resolved from %s, want core", id, def.Layer)
		}
	}
}

func TestResolvePriorityModuleShadowsCore(t *testing.T) {
	t.Parallel()
	r, _, store := newTestRegistry(t)

	mf := LayerFile{
		Layer: LayerModule,
		Commands: map[string]Definition{
			HealthCheckID: {ID: HealthCheckID, Action: "module health", HandlerRef: "mod.health", Layer: LayerModule},
		},
	}
	if err := store.WriteJSON(store.Path("modules", "monitor", "commands.json"), &mf); err != nil {
		t.Fatalf("write module: %v", err)
	}
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	def, err := r.Resolve(HealthCheckID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if def.Layer != LayerModule || def.HandlerRef != "mod.health" {
		t.Fatalf("module definition should shadow core, got %+v", def)
	}
}

func TestAddAndRemoveDynamic(t *testing.T) {
	t.Parallel()
	r, provider, _ := newTestRegistry(t)
	provider.Register("dyn.echo", func(ctx context.Context, params map[string]any) (any, error) {
		return params["msg"], nil
	})

	id, err := r.AddDynamic(context.Background(), Definition{Action: "Echo Message", HandlerRef: "dyn.echo"})
	if err != nil {
		t.Fatalf("AddDynamic: %v", err)
	}

	def, err := r.Resolve(id)
	if err != nil {
		t.Fatalf("Resolve after add: %v", err)
	}
	if def.Layer != LayerDynamic {
		t.Fatalf("layer = %s, want dynamic", def.Layer)
	}

	res, err := r.Execute(context.Background(), id, map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res != "hi" {
		t.Fatalf("result = %v, want hi", res)
	}

	if err := r.RemoveDynamic(context.Background(), id, "test cleanup"); err != nil {
		t.Fatalf("RemoveDynamic: %v", err)
	}
	if _, err := r.Resolve(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("archived id must not resolve, got %v", err)
	}

	stats := r.GetStats()
	if stats.Archived != 1 {
		t.Fatalf("archived count = %d, want 1", stats.Archived)
	}
}

func TestRemoveDynamicImmutableRefused(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)

	id, err := r.AddDynamic(context.Background(), Definition{Action: "keep", HandlerRef: "sys.health", Immutable: true})
	if err != nil {
		t.Fatalf("AddDynamic: %v", err)
	}
	if err := r.RemoveDynamic(context.Background(), id, "should fail"); !errors.Is(err, ErrImmutable) {
		t.Fatalf("want ErrImmutable, got %v", err)
	}
	if _, err := r.Resolve(id); err != nil {
		t.Fatal("immutable definition must survive a refused removal")
	}
}

func TestExecuteFailureInvokesRecoveryOnce(t *testing.T) {
	t.Parallel()
	r, provider, _ := newTestRegistry(t)

	recoveries := 0
	var failedParam any
	provider.Register("sys.recovery", func(ctx context.Context, params map[string]any) (any, error) {
		recoveries++
		failedParam = params["failedCommand"]
		return "recovered", nil
	})
	provider.Register("boom", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, errors.New("kaboom")
	})
	if _, err := r.AddDynamic(context.Background(), Definition{Action: "boom cmd", HandlerRef: "boom"}); err != nil {
		t.Fatalf("AddDynamic: %v", err)
	}
	id := findByAction(t, r, "boom cmd")

	_, err := r.Execute(context.Background(), id, nil)
	var he *HandlerError
	if !errors.As(err, &he) {
		t.Fatalf("want HandlerError, got %v", err)
	}
	if recoveries != 1 {
		t.Fatalf("recovery invoked %d times, want 1", recoveries)
	}
	if failedParam != id {
		t.Fatalf("failedCommand = %v, want %s", failedParam, id)
	}
}

func TestRecoveryFailureDoesNotLoop(t *testing.T) {
	t.Parallel()
	r, provider, _ := newTestRegistry(t)

	calls := 0
	provider.Register("sys.recovery", func(ctx context.Context, params map[string]any) (any, error) {
		calls++
		return nil, errors.New("recovery down")
	})

	_, err := r.Execute(context.Background(), SystemRecoveryID, nil)
	if err == nil {
		t.Fatal("expected recovery failure to propagate")
	}
	if calls != 1 {
		t.Fatalf("system_recovery invoked %d times, want 1 (no re-wrap)", calls)
	}
}

func TestExecuteTimeoutIsHandlerFailure(t *testing.T) {
	t.Parallel()
	r, provider, _ := newTestRegistry(t)

	provider.Register("slow", func(ctx context.Context, params map[string]any) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "too late", nil
		}
	})
	if _, err := r.AddDynamic(context.Background(), Definition{Action: "slow op", HandlerRef: "slow"}); err != nil {
		t.Fatalf("AddDynamic: %v", err)
	}
	id := findByAction(t, r, "slow op")

	_, err := r.Execute(context.Background(), id, nil)
	var he *HandlerError
	if !errors.As(err, &he) {
		t.Fatalf("timeout must surface as HandlerError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause should be deadline exceeded, got %v", err)
	}
}

func TestRestoreFromBackup(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)

	id, err := r.AddDynamic(context.Background(), Definition{Action: "transient", HandlerRef: "sys.health"})
	if err != nil {
		t.Fatalf("AddDynamic: %v", err)
	}
	if err := r.BackupNow(context.Background(), backup.TierRecoveryPoint); err != nil {
		t.Fatalf("BackupNow: %v", err)
	}
	if err := r.RemoveDynamic(context.Background(), id, "drop before restore"); err != nil {
		t.Fatalf("RemoveDynamic: %v", err)
	}

	state, err := r.RestoreFromBackup(context.Background(), backup.TierRecoveryPoint, "")
	if err != nil {
		t.Fatalf("RestoreFromBackup: %v", err)
	}
	if state.Dynamic != 1 {
		t.Fatalf("restored dynamic count = %d, want 1", state.Dynamic)
	}
	if _, err := r.Resolve(id); err != nil {
		t.Fatalf("removed command should resolve again after restore: %v", err)
	}
}

func TestRestoreArchivesPriorState(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.AddDynamic(ctx, Definition{Action: "transient", HandlerRef: "sys.health"}); err != nil {
		t.Fatalf("AddDynamic: %v", err)
	}
	if err := r.BackupNow(ctx, backup.TierHourly); err != nil {
		t.Fatalf("BackupNow: %v", err)
	}

	before, err := r.backups.List(backup.SourceCommands, backup.TierArchived)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if _, err := r.RestoreFromBackup(ctx, backup.TierHourly, ""); err != nil {
		t.Fatalf("RestoreFromBackup: %v", err)
	}

	// Restore is a risky mutation: the overwritten state must land in
	// the archived tier first.
	after, err := r.backups.List(backup.SourceCommands, backup.TierArchived)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("archived snapshots %d -> %d, want one new record", len(before), len(after))
	}
}

func TestValidateIntegrityDetectsMissingCore(t *testing.T) {
	t.Parallel()
	r, _, store := newTestRegistry(t)

	lf := LayerFile{Layer: LayerCore, Commands: map[string]Definition{}}
	if err := store.WriteJSON(store.Path("commands", "core.json"), &lf); err != nil {
		t.Fatalf("write gutted core: %v", err)
	}
	if err := r.Load(context.Background()); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("want ErrIntegrity, got %v", err)
	}
}

func findByAction(t *testing.T, r *Registry, action string) string {
	t.Helper()
	for _, def := range r.List() {
		if def.Action == action {
			return def.ID
		}
	}
	t.Fatalf("no definition with action %q", action)
	return ""
}
