package route

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"regent/internal/backup"
	"regent/internal/manifest"
)

// CommandExecutor invokes a named command; wired to the command
// registry at startup.
type CommandExecutor func(ctx context.Context, id string, params map[string]any) (any, error)

type Config struct {
	// FreshnessWindow bounds health-check frequency: a binding checked
	// healthy within the window is not re-checked.
	FreshnessWindow time.Duration
}

// Registry is the self-healing router: one checksummed manifest of
// route bindings, each backed by a handler artifact on disk and
// registered with the dispatch layer.
//
// Mutations are serialized on one mutex. Within a mutation the write
// order is content, then checksum, then manifest save, then snapshot,
// so readers never observe a manifest whose checksum does not match
// its routes.
type Registry struct {
	mu sync.Mutex

	log      *slog.Logger
	store    *manifest.Store
	backups  *backup.Manager
	dispatch Dispatcher
	cfg      Config

	man        *Manifest
	registered map[string]string // "METHOD path" -> binding name

	executor CommandExecutor
	healthFn func() any

	// escalate hands an unrecoverable failure to the orchestrator.
	// Must not block; set once during wiring.
	escalate func(reason string)

	limMu      sync.Mutex
	repairLims map[string]*rate.Limiter
}

func NewRegistry(store *manifest.Store, backups *backup.Manager, dispatch Dispatcher, cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 30 * time.Second
	}
	return &Registry{
		log:        log.With(slog.String("comp", "router")),
		store:      store,
		backups:    backups,
		dispatch:   dispatch,
		cfg:        cfg,
		registered: map[string]string{},
		repairLims: map[string]*rate.Limiter{},
	}
}

// SetExecutor wires command-kind artifacts to the command registry.
func (r *Registry) SetExecutor(exec CommandExecutor) { r.executor = exec }

// SetHealthFn wires health-kind artifacts to a liveness snapshot.
func (r *Registry) SetHealthFn(fn func() any) { r.healthFn = fn }

// SetEscalate installs the orchestrator's full-recovery trigger.
func (r *Registry) SetEscalate(fn func(reason string)) { r.escalate = fn }

// SetDispatcher replaces the dispatch layer and forgets prior
// registrations. Follow with ReconstructRoutes to rebind everything.
func (r *Registry) SetDispatcher(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch = d
	r.registered = map[string]string{}
}

func (r *Registry) manifestPath() string { return r.store.Path("routes", "route-manifest.json") }
func (r *Registry) handlersDir() string  { return r.store.Path("routes", "handlers") }
func (r *Registry) archiveDir() string   { return r.store.Path("routes", "archive") }

func (r *Registry) artifactPath(name string) string {
	return filepath.Join(r.handlersDir(), name+".json")
}

// LoadOrCreateManifest loads the route manifest. An absent manifest is
// replaced by the default one (with default handler artifacts); a
// checksum mismatch or malformed document triggers manifest repair.
func (r *Registry) LoadOrCreateManifest(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := r.store.ReadRaw(r.manifestPath())
	if os.IsNotExist(err) {
		r.log.Info("route manifest absent, creating defaults")
		return r.createDefaultLocked(ctx)
	}
	if err != nil {
		return err
	}

	var m Manifest
	if uerr := json.Unmarshal(raw, &m); uerr != nil {
		r.log.Warn("route manifest malformed, repairing", slog.String("err", uerr.Error()))
		return r.repairManifestLocked(ctx)
	}
	if m.Routes == nil {
		m.Routes = map[string]Binding{}
	}
	want, cerr := manifest.ChecksumJSON(m.Routes)
	if cerr != nil || m.Checksum != want {
		r.log.Warn("route manifest checksum mismatch, repairing",
			slog.String("stored", m.Checksum), slog.String("computed", want))
		return r.repairManifestLocked(ctx)
	}
	r.man = &m
	return nil
}

func (r *Registry) createDefaultLocked(ctx context.Context) error {
	m := DefaultManifest()
	for name, b := range m.Routes {
		d := defaultDescriptor(name, b)
		if err := r.writeArtifactLocked(name, d); err != nil {
			return err
		}
	}
	r.man = m
	return r.saveLocked(ctx, backup.TierHourly)
}

// RegisterRoute binds (path, method) to its handler and registers it
// with the dispatch layer. A missing artifact is regenerated from the
// template first. Registering an identical binding twice is a no-op.
func (r *Registry) RegisterRoute(ctx context.Context, name string, b Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(ctx, name, b)
}

func (r *Registry) registerLocked(ctx context.Context, name string, b Binding) error {
	// The artifact check runs before the already-bound shortcut: a
	// deleted artifact must be regenerated even when the dispatch layer
	// still holds the binding.
	if !r.store.Exists(r.artifactPath(name)) {
		d := defaultDescriptor(name, b)
		if err := r.writeArtifactLocked(name, d); err != nil {
			return r.registerFailedLocked(ctx, name, b, err)
		}
		r.log.Info("handler artifact regenerated", slog.String("route", name))
	}

	key := b.Method + " " + b.Path
	if prev, ok := r.registered[key]; ok && prev == name {
		return nil // already bound, dispatch layer untouched
	}

	if err := r.dispatchAdd(b.Method, b.Path, r.buildHandler(name)); err != nil {
		return r.registerFailedLocked(ctx, name, b, err)
	}

	r.registered[key] = name
	b.Healthy = true
	b.LastChecked = time.Now()
	b.ErrorMessage = ""
	if r.man != nil {
		r.man.Routes[name] = b
	}
	return nil
}

func (r *Registry) registerFailedLocked(ctx context.Context, name string, b Binding, cause error) error {
	b.Healthy = false
	b.LastChecked = time.Now()
	b.ErrorMessage = cause.Error()
	if r.man != nil {
		r.man.Routes[name] = b
	}
	r.log.Warn("route registration failed",
		slog.String("route", name), slog.String("err", cause.Error()))

	if b.Immutable {
		r.escalateNow("immutable route " + name + " failed to register: " + cause.Error())
		return fmt.Errorf("register immutable route %s: %w", name, cause)
	}
	// Non-immutable bindings get an automatic repair attempt, bounded
	// by the per-route limiter.
	if r.allowRepair(name) {
		if err := r.attemptRepairLocked(ctx, name); err == nil {
			return nil
		}
	}
	return fmt.Errorf("register route %s: %w", name, cause)
}

// dispatchAdd shields against dispatch-layer panics on invalid input.
func (r *Registry) dispatchAdd(method, path string, h echo.HandlerFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("dispatch rejected %s %s: %v", method, path, rec)
		}
	}()
	if r.dispatch == nil {
		return fmt.Errorf("no dispatch layer")
	}
	r.dispatch.Add(method, path, h)
	return nil
}

// buildHandler returns the request-time handler for a binding. The
// descriptor is read per request so a repaired artifact takes effect
// without re-registration. The dispatch layer cannot unregister a
// handler once added, so removal is enforced here: a binding no longer
// in the live manifest answers 404.
func (r *Registry) buildHandler(name string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !r.isLive(name) {
			return c.JSON(http.StatusNotFound, map[string]any{
				"error": "route removed", "route": name,
			})
		}
		d, err := readDescriptor(r.artifactPath(name))
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"error": "handler artifact unavailable", "route": name,
			})
		}
		switch d.Kind {
		case KindHealth:
			if r.healthFn != nil {
				return c.JSON(http.StatusOK, r.healthFn())
			}
			return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
		case KindCommand:
			if r.executor == nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "command executor unavailable"})
			}
			params := map[string]any{}
			if c.Request().Body != nil {
				_ = json.NewDecoder(c.Request().Body).Decode(&params)
			}
			res, err := r.executor(c.Request().Context(), d.Handler, params)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
			}
			return c.JSON(http.StatusOK, map[string]any{"result": res})
		default:
			ct := d.ContentType
			if ct == "" {
				ct = "application/json"
			}
			return c.Blob(http.StatusOK, ct, []byte(d.Body))
		}
	}
}

// isLive reports whether the binding is still part of the manifest.
func (r *Registry) isLive(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.man == nil {
		return false
	}
	_, ok := r.man.Routes[name]
	return ok
}

// AddRoute validates, persists, generates the artifact and registers a
// new binding, then snapshots the change.
func (r *Registry) AddRoute(ctx context.Context, name string, cfg AddConfig) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("route name is required")
	}
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	switch {
	case cfg.Path == "" || cfg.Method == "" || cfg.HandlerRef == "":
		return fmt.Errorf("path, method and handlerRef are required")
	case !AllowedMethods[cfg.Method]:
		return fmt.Errorf("method %s not allowed", cfg.Method)
	case !strings.HasPrefix(cfg.Path, "/"):
		return fmt.Errorf("path must start with /")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.man == nil {
		return fmt.Errorf("manifest not loaded")
	}

	if _, ok := r.man.Routes[name]; ok {
		return fmt.Errorf("%w: route %s already exists", ErrConflict, name)
	}
	for other, b := range r.man.Routes {
		if b.Path == cfg.Path && b.Method == cfg.Method {
			return fmt.Errorf("%w: %s %s already bound to %s", ErrConflict, cfg.Method, cfg.Path, other)
		}
	}

	b := Binding{
		Path:       cfg.Path,
		Method:     cfg.Method,
		HandlerRef: cfg.HandlerRef,
		Immutable:  cfg.Immutable,
		AddedAt:    time.Now(),
	}

	// Artifact content priority: explicit content, explicit body,
	// default template.
	var d Descriptor
	switch {
	case cfg.Content != "":
		if err := json.Unmarshal([]byte(cfg.Content), &d); err != nil {
			return fmt.Errorf("content is not a valid artifact: %w", err)
		}
	case cfg.Body != "":
		d = defaultDescriptor(name, b)
		d.Kind = KindStatic
		d.Body = cfg.Body
		if cfg.ContentType != "" {
			d.ContentType = cfg.ContentType
		}
	default:
		d = defaultDescriptor(name, b)
	}
	d.Name, d.Path, d.Method = name, b.Path, b.Method
	if cfg.Kind != "" {
		d.Kind = cfg.Kind
	}

	if err := r.writeArtifactLocked(name, d); err != nil {
		return err
	}
	r.man.Routes[name] = b
	if err := r.saveLocked(ctx, backup.TierHourly); err != nil {
		delete(r.man.Routes, name)
		return err
	}
	if err := r.registerLocked(ctx, name, b); err != nil {
		return err
	}
	r.log.Info("route added", slog.String("route", name),
		slog.String("method", b.Method), slog.String("path", b.Path))
	return nil
}

// RemoveRoute archives the binding and drops it from the live
// manifest. Immutable bindings refuse removal. The handler artifact
// stays on disk for possible recovery.
func (r *Registry) RemoveRoute(ctx context.Context, name string, archive bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.man == nil {
		return fmt.Errorf("manifest not loaded")
	}
	b, ok := r.man.Routes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if b.Immutable {
		return fmt.Errorf("%w: %s", ErrImmutable, name)
	}

	if archive {
		art, _ := os.ReadFile(r.artifactPath(name))
		rec := ArchivedRoute{
			Name:       name,
			Binding:    b,
			ManifestAt: *r.man,
			Artifact:   string(art),
			ArchivedAt: time.Now(),
		}
		dst := filepath.Join(r.archiveDir(), fmt.Sprintf("%s_%d.json", name, time.Now().Unix()))
		if err := r.store.WriteJSON(dst, &rec); err != nil {
			return fmt.Errorf("archive route %s: %w", name, err)
		}
		if raw, err := json.Marshal(r.man); err == nil {
			if _, err := r.backups.Snapshot(backup.SourceRoutes, backup.TierArchived, raw); err != nil {
				r.log.Warn("archived-tier snapshot failed", slog.String("err", err.Error()))
			}
		}
	}

	delete(r.man.Routes, name)
	delete(r.registered, b.Method+" "+b.Path)
	if err := r.saveLocked(ctx, backup.TierHourly); err != nil {
		return err
	}
	r.log.Info("route removed", slog.String("route", name), slog.Bool("archived", archive))
	return nil
}

// BackupNow snapshots the live manifest into the given tier.
func (r *Registry) BackupNow(ctx context.Context, tier backup.Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.man == nil {
		return fmt.Errorf("manifest not loaded")
	}
	raw, err := json.Marshal(r.man)
	if err != nil {
		return err
	}
	_, err = r.backups.Snapshot(backup.SourceRoutes, tier, raw)
	return err
}

// saveLocked recomputes the checksum from the current routes, writes
// the manifest, then snapshots it. Order matters: content, checksum,
// save, snapshot.
func (r *Registry) saveLocked(ctx context.Context, tier backup.Tier) error {
	sum, err := manifest.ChecksumJSON(r.man.Routes)
	if err != nil {
		return err
	}
	r.man.Checksum = sum
	r.man.LastUpdated = time.Now()
	if r.man.Version == 0 {
		r.man.Version = 1
	}
	if err := r.store.WriteJSON(r.manifestPath(), r.man); err != nil {
		return err
	}
	if raw, merr := json.Marshal(r.man); merr == nil {
		if _, serr := r.backups.Snapshot(backup.SourceRoutes, tier, raw); serr != nil {
			r.log.Warn("manifest snapshot failed", slog.String("err", serr.Error()))
		}
	}
	return nil
}

func (r *Registry) writeArtifactLocked(name string, d Descriptor) error {
	if d.GeneratedAt.IsZero() {
		d.GeneratedAt = time.Now()
	}
	b, err := json.MarshalIndent(&d, "", "  ")
	if err != nil {
		return err
	}
	return r.store.WriteRaw(r.artifactPath(name), b)
}

func (r *Registry) escalateNow(reason string) {
	if r.escalate != nil {
		r.escalate(reason)
	}
}

func (r *Registry) allowRepair(name string) bool {
	r.limMu.Lock()
	lim, ok := r.repairLims[name]
	if !ok {
		lim = rate.NewLimiter(rate.Every(10*time.Second), 3)
		r.repairLims[name] = lim
	}
	r.limMu.Unlock()
	return lim.Allow()
}

// InstallDefaults writes the default manifest and its handler
// artifacts under the store root. Used by first-run bootstrap and by
// the recovery pipeline's regenerate step; a loaded Registry picks the
// files up on its next LoadOrCreateManifest.
func InstallDefaults(store *manifest.Store, force bool) error {
	manPath := store.Path("routes", "route-manifest.json")
	if store.Exists(manPath) && !force {
		return nil
	}
	m := DefaultManifest()
	for name, b := range m.Routes {
		artPath := store.Path("routes", "handlers", name+".json")
		if store.Exists(artPath) && !force {
			continue
		}
		d := defaultDescriptor(name, b)
		raw, err := json.MarshalIndent(&d, "", "  ")
		if err != nil {
			return err
		}
		if err := store.WriteRaw(artPath, raw); err != nil {
			return err
		}
	}
	sum, err := manifest.ChecksumJSON(m.Routes)
	if err != nil {
		return err
	}
	m.Checksum = sum
	return store.WriteJSON(manPath, m)
}

// DefaultManifest is the minimal binding set written on first run and
// after disaster recovery: liveness, command listing and a recovery
// trigger on the service surface.
func DefaultManifest() *Manifest {
	now := time.Now()
	routes := map[string]Binding{
		"health": {
			Path: "/healthz", Method: "GET", HandlerRef: "health.tpl",
			Immutable: true, AddedAt: now,
		},
		"commands": {
			Path: "/services/commands", Method: "GET", HandlerRef: "cmd:list_commands",
			Immutable: true, AddedAt: now,
		},
		"recovery": {
			Path: "/services/recover", Method: "POST", HandlerRef: "cmd:system_recovery",
			Immutable: true, AddedAt: now,
		},
	}
	return &Manifest{Version: 1, Routes: routes, LastUpdated: now}
}
