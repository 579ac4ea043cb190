package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"regent/internal/backup"
	"regent/internal/manifest"
	"regent/internal/storage"
)

type Config struct {
	DefaultTimeout time.Duration // per-execution bound; 0 disables
}

// Registry maintains the four command layers, resolves ids by layer
// priority (module → dynamic → core → emergency) and invokes handlers
// through a middleware chain.
//
// All mutations of persisted layers are serialized on one mutex; the
// manifest write order is always content, then checksum, then save,
// then snapshot.
type Registry struct {
	mu sync.Mutex

	log      *slog.Logger
	store    *manifest.Store
	backups  *backup.Manager
	execlog  storage.Store
	provider HandlerProvider
	cfg      Config

	core      map[string]Definition
	dynamic   map[string]Definition
	emergency map[string]Definition
	modules   map[string]map[string]Definition
}

func NewRegistry(store *manifest.Store, backups *backup.Manager, execlog storage.Store, provider HandlerProvider, cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	return &Registry{
		log:       log.With(slog.String("comp", "commands")),
		store:     store,
		backups:   backups,
		execlog:   execlog,
		provider:  provider,
		cfg:       cfg,
		core:      map[string]Definition{},
		dynamic:   map[string]Definition{},
		emergency: emergencyDefinitions(),
		modules:   map[string]map[string]Definition{},
	}
}

func (r *Registry) corePath() string    { return r.store.Path("commands", "core.json") }
func (r *Registry) dynamicPath() string { return r.store.Path("commands", "dynamic.json") }
func (r *Registry) archivePath() string { return r.store.Path("commands", "archive.json") }

// Load reads every persisted layer. A failed core read regenerates the
// default core set instead of aborting startup; the orchestrator
// verifies the result through ValidateIntegrity.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lf LayerFile
	if err := r.store.ReadJSON(r.corePath(), &lf); err != nil {
		r.log.Warn("core layer unreadable, regenerating defaults", slog.String("err", err.Error()))
		r.reportError(ctx, "core layer unreadable", err)
		if err := r.regenerateCoreLocked(); err != nil {
			return fmt.Errorf("regenerate core layer: %w", err)
		}
	} else {
		r.core = lf.Commands
		if r.core == nil {
			r.core = map[string]Definition{}
		}
	}

	var df LayerFile
	if err := r.store.ReadJSON(r.dynamicPath(), &df); err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("dynamic layer unreadable, starting empty", slog.String("err", err.Error()))
			r.reportError(ctx, "dynamic layer unreadable", err)
		}
		r.dynamic = map[string]Definition{}
		if err := r.saveDynamicLocked(); err != nil {
			return fmt.Errorf("seed dynamic layer: %w", err)
		}
	} else {
		r.dynamic = df.Commands
		if r.dynamic == nil {
			r.dynamic = map[string]Definition{}
		}
	}

	r.loadModulesLocked(ctx)
	return r.validateIntegrityLocked()
}

func (r *Registry) loadModulesLocked(ctx context.Context) {
	r.modules = map[string]map[string]Definition{}
	root := r.store.Path("modules")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var mf LayerFile
		path := filepath.Join(root, e.Name(), "commands.json")
		if err := r.store.ReadJSON(path, &mf); err != nil {
			if !os.IsNotExist(err) {
				r.log.Warn("module layer skipped", slog.String("module", e.Name()), slog.String("err", err.Error()))
				r.reportError(ctx, "module layer unreadable: "+e.Name(), err)
			}
			continue
		}
		if mf.Commands == nil {
			mf.Commands = map[string]Definition{}
		}
		r.modules[e.Name()] = mf.Commands
	}
}

// ValidateIntegrity asserts the required core ids exist.
func (r *Registry) ValidateIntegrity() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateIntegrityLocked()
}

func (r *Registry) validateIntegrityLocked() error {
	var missing []string
	for _, id := range RequiredCoreIDs {
		if _, ok := r.core[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required core commands: %s", ErrIntegrity, strings.Join(missing, ", "))
	}
	return nil
}

// Resolve searches layers in priority order: module, dynamic, core,
// emergency. Modules are scanned in name order so shadowing between
// modules stays deterministic.
func (r *Registry) Resolve(id string) (Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(id)
}

func (r *Registry) resolveLocked(id string) (Definition, error) {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if def, ok := r.modules[name][id]; ok {
			return def, nil
		}
	}
	if def, ok := r.dynamic[id]; ok {
		return def, nil
	}
	if def, ok := r.core[id]; ok {
		return def, nil
	}
	if def, ok := r.emergency[id]; ok {
		return def, nil
	}
	return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Execute resolves id and invokes its handler under timeout, panic
// recovery and execution logging. A handler failure for any id other
// than system_recovery triggers the recovery command exactly once; the
// original error still surfaces to the caller.
func (r *Registry) Execute(ctx context.Context, id string, params map[string]any) (any, error) {
	res, err := r.executeOne(ctx, id, params)
	if err == nil || id == SystemRecoveryID {
		return res, err
	}

	r.log.Warn("command failed, invoking recovery",
		slog.String("cmd", id), slog.String("err", err.Error()))
	if _, rerr := r.executeOne(ctx, SystemRecoveryID, map[string]any{"failedCommand": id}); rerr != nil {
		return nil, errors.Join(err, fmt.Errorf("recovery command failed: %w", rerr))
	}
	return nil, err
}

func (r *Registry) executeOne(ctx context.Context, id string, params map[string]any) (any, error) {
	def, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}

	invocable, err := r.provider.Resolve(def.HandlerRef)
	if err != nil {
		return nil, &HandlerError{ID: id, Cause: err}
	}

	inv := &Invocation{
		ID:     id,
		Layer:  def.Layer,
		Params: params,
		ReqID:  uuid.NewString()[:8],
	}
	inv.Logger = r.log.With(slog.String("rid", inv.ReqID), slog.String("cmd", id))

	run := chain(
		func(c context.Context, i *Invocation) (any, error) {
			return invocable(c, i.Params)
		},
		mwExecLog(r.log, r.execlog),
		mwPanicRecover(r.log),
		mwTimeout(r.cfg.DefaultTimeout),
	)
	res, err := run(ctx, inv)
	if err != nil {
		return nil, &HandlerError{ID: id, Cause: err}
	}
	return res, nil
}

// AddDynamic stores a runtime-added definition in the dynamic layer
// and snapshots the change.
func (r *Registry) AddDynamic(ctx context.Context, def Definition) (string, error) {
	action := strings.TrimSpace(def.Action)
	if action == "" {
		return "", errors.New("action is required")
	}
	if strings.TrimSpace(def.HandlerRef) == "" {
		return "", errors.New("handlerRef is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	def.ID = fmt.Sprintf("%d_%s", time.Now().UnixMilli(), normalizeAction(action))
	def.Layer = LayerDynamic
	def.AddedAt = time.Now()
	r.dynamic[def.ID] = def

	if err := r.saveDynamicLocked(); err != nil {
		delete(r.dynamic, def.ID)
		return "", err
	}
	r.snapshotLocked(ctx, backup.TierRecoveryPoint)
	r.log.Info("dynamic command added", slog.String("id", def.ID))
	return def.ID, nil
}

// RemoveDynamic archives the definition instead of deleting it.
// Immutable definitions refuse removal.
func (r *Registry) RemoveDynamic(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.dynamic[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if def.Immutable {
		return fmt.Errorf("%w: %s", ErrImmutable, id)
	}

	// Snapshot before the mutation so the pre-removal state is always
	// recoverable.
	r.snapshotLocked(ctx, backup.TierArchived)

	var af ArchiveFile
	if err := r.store.ReadJSON(r.archivePath(), &af); err != nil && !os.IsNotExist(err) {
		r.log.Warn("archive unreadable, starting fresh", slog.String("err", err.Error()))
	}
	af.Entries = append(af.Entries, ArchivedDefinition{
		Definition: def,
		Reason:     reason,
		ArchivedAt: time.Now(),
	})
	if err := r.store.WriteJSON(r.archivePath(), &af); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}

	delete(r.dynamic, id)
	if err := r.saveDynamicLocked(); err != nil {
		return err
	}
	r.log.Info("dynamic command archived", slog.String("id", id), slog.String("reason", reason))
	return nil
}

// RestoreFromBackup overwrites the core and dynamic layers from a
// snapshot (latest in tier, or a specific id) and reloads in memory.
func (r *Registry) RestoreFromBackup(ctx context.Context, tier backup.Tier, snapshotID string) (*RestoredState, error) {
	var snap *backup.Snapshot
	var err error
	if snapshotID != "" {
		snap, err = r.backups.Get(backup.SourceCommands, tier, snapshotID)
	} else {
		snap, err = r.backups.Latest(backup.SourceCommands, tier)
	}
	if err != nil {
		return nil, err
	}

	var state struct {
		Core    LayerFile `json:"core"`
		Dynamic LayerFile `json:"dynamic"`
	}
	if err := json.Unmarshal(snap.Content, &state); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", snap.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Archive what is about to be overwritten so a bad restore can
	// itself be undone.
	if err := r.snapshotErrLocked(ctx, backup.TierArchived); err != nil {
		r.log.Warn("pre-restore snapshot failed", slog.String("err", err.Error()))
	}

	if err := r.store.WriteJSON(r.corePath(), &state.Core); err != nil {
		return nil, err
	}
	if err := r.store.WriteJSON(r.dynamicPath(), &state.Dynamic); err != nil {
		return nil, err
	}
	r.core = state.Core.Commands
	if r.core == nil {
		r.core = map[string]Definition{}
	}
	r.dynamic = state.Dynamic.Commands
	if r.dynamic == nil {
		r.dynamic = map[string]Definition{}
	}

	r.log.Info("layers restored from backup",
		slog.String("tier", string(tier)), slog.String("id", snap.ID))
	return &RestoredState{
		SnapshotID: snap.ID,
		Tier:       string(tier),
		Core:       len(r.core),
		Dynamic:    len(r.dynamic),
	}, nil
}

// BackupNow snapshots the core and dynamic layers into the tier.
func (r *Registry) BackupNow(ctx context.Context, tier backup.Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotErrLocked(ctx, tier)
}

// RegenerateCore rewrites the default core command set. Used when the
// core layer is unreadable and during disaster recovery.
func (r *Registry) RegenerateCore() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regenerateCoreLocked()
}

func (r *Registry) regenerateCoreLocked() error {
	lf := DefaultCoreFile()
	if err := r.store.WriteJSON(r.corePath(), &lf); err != nil {
		return err
	}
	r.core = lf.Commands
	r.log.Info("core layer regenerated", slog.Int("commands", len(r.core)))
	return nil
}

// List returns the resolved view across layers, shadowed ids included
// once, sorted by id.
func (r *Registry) List() []Definition {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]Definition{}
	add := func(defs map[string]Definition) {
		for id, def := range defs {
			if _, ok := seen[id]; !ok {
				seen[id] = def
			}
		}
	}
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		add(r.modules[name])
	}
	add(r.dynamic)
	add(r.core)
	add(r.emergency)

	out := make([]Definition, 0, len(seen))
	for _, def := range seen {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetStats reports per-layer counts and the last backup time.
func (r *Registry) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	moduleDefs := 0
	for _, defs := range r.modules {
		moduleDefs += len(defs)
	}
	var af ArchiveFile
	_ = r.store.ReadJSON(r.archivePath(), &af)

	return Stats{
		PerLayer: map[Layer]int{
			LayerCore:      len(r.core),
			LayerDynamic:   len(r.dynamic),
			LayerModule:    moduleDefs,
			LayerEmergency: len(r.emergency),
		},
		Modules:    len(r.modules),
		Archived:   len(af.Entries),
		LastBackup: r.backups.LastBackup(),
	}
}

func (r *Registry) saveDynamicLocked() error {
	lf := LayerFile{Layer: LayerDynamic, Commands: r.dynamic, UpdatedAt: time.Now()}
	return r.store.WriteJSON(r.dynamicPath(), &lf)
}

func (r *Registry) snapshotLocked(ctx context.Context, tier backup.Tier) {
	if err := r.snapshotErrLocked(ctx, tier); err != nil {
		r.log.Warn("layer snapshot failed", slog.String("err", err.Error()))
		r.reportError(ctx, "layer snapshot failed", err)
	}
}

func (r *Registry) snapshotErrLocked(ctx context.Context, tier backup.Tier) error {
	state := struct {
		Core    LayerFile `json:"core"`
		Dynamic LayerFile `json:"dynamic"`
	}{
		Core:    LayerFile{Layer: LayerCore, Commands: r.core, UpdatedAt: time.Now()},
		Dynamic: LayerFile{Layer: LayerDynamic, Commands: r.dynamic, UpdatedAt: time.Now()},
	}
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = r.backups.Snapshot(backup.SourceCommands, tier, b)
	return err
}

func (r *Registry) reportError(ctx context.Context, msg string, cause error) {
	if r.execlog == nil {
		return
	}
	_ = r.execlog.AppendError(ctx, storage.ErrorEntry{
		At:        time.Now(),
		Component: "commands",
		Message:   msg,
		Detail:    cause.Error(),
	})
}

func normalizeAction(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// DefaultCoreFile is the minimal command set the system refuses to run
// without. Shared with the bootstrap generator.
func DefaultCoreFile() LayerFile {
	now := time.Now()
	defs := []Definition{
		{ID: SystemRecoveryID, Action: "system recovery", Description: "run the crash-recovery pipeline", HandlerRef: "sys.recovery", Immutable: true},
		{ID: HealthCheckID, Action: "health check", Description: "report subsystem health", HandlerRef: "sys.health"},
		{ID: BackupNowID, Action: "backup now", Description: "snapshot command and route state", HandlerRef: "sys.backup"},
		{ID: ListCommandsID, Action: "list commands", Description: "list resolved command definitions", HandlerRef: "sys.list"},
	}
	commands := map[string]Definition{}
	for _, d := range defs {
		d.Layer = LayerCore
		d.AddedAt = now
		commands[d.ID] = d
	}
	return LayerFile{Layer: LayerCore, Commands: commands, UpdatedAt: now}
}

// EmptyLayerFile returns a valid, empty layer document.
func EmptyLayerFile(layer Layer) LayerFile {
	return LayerFile{Layer: layer, Commands: map[string]Definition{}, UpdatedAt: time.Now()}
}

// emergencyDefinitions is the hardcoded always-available layer. It
// duplicates system_recovery so the recovery path resolves even when
// every file is gone.
func emergencyDefinitions() map[string]Definition {
	now := time.Now()
	return map[string]Definition{
		SystemRecoveryID: {
			ID: SystemRecoveryID, Action: "system recovery",
			HandlerRef: "sys.recovery", Layer: LayerEmergency,
			Immutable: true, AddedAt: now,
		},
		"emergency_status": {
			ID: "emergency_status", Action: "emergency status",
			HandlerRef: "sys.health", Layer: LayerEmergency,
			Immutable: true, AddedAt: now,
		},
	}
}
