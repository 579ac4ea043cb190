package route

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"regent/internal/backup"
	"regent/internal/manifest"
)

// CheckHealth verifies one binding: artifact present and readable,
// dispatch registration in place. A binding checked healthy within the
// freshness window is returned as-is.
func (r *Registry) CheckHealth(ctx context.Context, name string) (RouteStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked(ctx, name)
}

func (r *Registry) checkLocked(ctx context.Context, name string) (RouteStatus, error) {
	if r.man == nil {
		return RouteStatus{}, fmt.Errorf("manifest not loaded")
	}
	b, ok := r.man.Routes[name]
	if !ok {
		return RouteStatus{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if b.Healthy && time.Since(b.LastChecked) < r.cfg.FreshnessWindow {
		return r.statusOf(name, b), nil
	}

	healthy := true
	var reason string
	if _, err := readDescriptor(r.artifactPath(name)); err != nil {
		healthy, reason = false, "handler artifact: "+err.Error()
	} else if _, reg := r.registered[b.Method+" "+b.Path]; !reg {
		healthy, reason = false, "not registered with dispatch"
	}

	b.Healthy = healthy
	b.LastChecked = time.Now()
	b.ErrorMessage = reason
	r.man.Routes[name] = b

	if !healthy {
		r.log.Warn("route unhealthy", slog.String("route", name), slog.String("reason", reason))
		if r.allowRepair(name) {
			if err := r.attemptRepairLocked(ctx, name); err == nil {
				b = r.man.Routes[name]
			}
		}
	}
	return r.statusOf(name, b), nil
}

// CheckAll sweeps every binding and returns a summary. Called by the
// health loop and by the operator API.
func (r *Registry) CheckAll(ctx context.Context) StatusSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	sum := StatusSummary{Version: 0, CheckedAt: time.Now()}
	if r.man == nil {
		return sum
	}
	sum.Version = r.man.Version
	names := make([]string, 0, len(r.man.Routes))
	for name := range r.man.Routes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st, err := r.checkLocked(ctx, name)
		if err != nil {
			continue
		}
		sum.Routes = append(sum.Routes, st)
		if st.Healthy {
			sum.Healthy++
		} else {
			sum.Unhealthy++
		}
	}
	return sum
}

// AttemptRepair regenerates the handler artifact from its template and
// re-registers the binding. Repairs are rate limited per route.
func (r *Registry) AttemptRepair(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.allowRepair(name) {
		return fmt.Errorf("repair of %s throttled", name)
	}
	return r.attemptRepairLocked(ctx, name)
}

func (r *Registry) attemptRepairLocked(ctx context.Context, name string) error {
	if r.man == nil {
		return fmt.Errorf("manifest not loaded")
	}
	b, ok := r.man.Routes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	r.log.Info("repairing route", slog.String("route", name))

	if _, err := readDescriptor(r.artifactPath(name)); err != nil {
		if werr := r.writeArtifactLocked(name, defaultDescriptor(name, b)); werr != nil {
			return r.repairFailedLocked(name, b, werr)
		}
	}
	key := b.Method + " " + b.Path
	if _, reg := r.registered[key]; !reg {
		if err := r.dispatchAdd(b.Method, b.Path, r.buildHandler(name)); err != nil {
			return r.repairFailedLocked(name, b, err)
		}
		r.registered[key] = name
	}

	now := time.Now()
	b.Healthy = true
	b.LastChecked = now
	b.ErrorMessage = ""
	b.LastRepairedAt = &now
	r.man.Routes[name] = b
	r.man.LastRepaired = &now
	if err := r.saveLocked(ctx, backup.TierRecoveryPoint); err != nil {
		return err
	}
	r.log.Info("route repaired", slog.String("route", name))
	return nil
}

func (r *Registry) repairFailedLocked(name string, b Binding, cause error) error {
	b.Healthy = false
	b.LastChecked = time.Now()
	b.ErrorMessage = cause.Error()
	r.man.Routes[name] = b
	if b.Immutable {
		r.escalateNow("immutable route " + name + " failed repair: " + cause.Error())
	}
	return fmt.Errorf("repair route %s: %w", name, cause)
}

// repairManifestLocked rebuilds the manifest from the handler
// artifacts on disk. The corrupt file is preserved next to the
// original before being replaced.
func (r *Registry) repairManifestLocked(ctx context.Context) error {
	if r.store.Exists(r.manifestPath()) {
		suffix := fmt.Sprintf("corrupt.%d", time.Now().Unix())
		if _, err := r.store.Backup(r.manifestPath(), suffix); err != nil {
			r.log.Warn("could not preserve corrupt manifest", slog.String("err", err.Error()))
		}
	}

	routes := map[string]Binding{}
	entries, _ := os.ReadDir(r.handlersDir())
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		d, err := readDescriptor(filepath.Join(r.handlersDir(), e.Name()))
		if err != nil {
			r.log.Warn("skipping unreadable artifact",
				slog.String("artifact", e.Name()), slog.String("err", err.Error()))
			continue
		}
		ref := d.Handler
		if d.Kind == KindCommand {
			ref = "cmd:" + d.Handler
		}
		routes[name] = Binding{
			Path:       d.Path,
			Method:     d.Method,
			HandlerRef: ref,
			AddedAt:    d.GeneratedAt,
		}
	}

	// Fold in defaults so a wiped handlers dir still yields a usable
	// manifest; rescanned artifacts win on name collision.
	def := DefaultManifest()
	for name, b := range def.Routes {
		if existing, ok := routes[name]; ok {
			existing.Immutable = b.Immutable
			routes[name] = existing
			continue
		}
		routes[name] = b
		if !r.store.Exists(r.artifactPath(name)) {
			if err := r.writeArtifactLocked(name, defaultDescriptor(name, b)); err != nil {
				return err
			}
		}
	}

	version := 1
	if r.man != nil {
		version = r.man.Version + 1
	}
	now := time.Now()
	r.man = &Manifest{Version: version, Routes: routes, LastRepaired: &now}

	// A rebuilt manifest is only half a repair; every binding goes back
	// through registration so the dispatch layer matches it.
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.registerLocked(ctx, name, r.man.Routes[name]); err != nil {
			r.log.Warn("rebuilt route not registered",
				slog.String("route", name), slog.String("err", err.Error()))
		}
	}

	if err := r.saveLocked(ctx, backup.TierRecoveryPoint); err != nil {
		return err
	}
	r.log.Info("route manifest rebuilt", slog.Int("routes", len(routes)))
	return nil
}

// RepairManifest rebuilds the manifest from disk artifacts. Exposed
// for the recovery pipeline and the operator API.
func (r *Registry) RepairManifest(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.repairManifestLocked(ctx)
}

// ReconstructRoutes re-registers every manifest binding with the
// dispatch layer. Used after the dispatch layer is rebuilt.
func (r *Registry) ReconstructRoutes(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.man == nil {
		return fmt.Errorf("manifest not loaded")
	}

	names := make([]string, 0, len(r.man.Routes))
	for name := range r.man.Routes {
		names = append(names, name)
	}
	sort.Strings(names)

	var failed []string
	for _, name := range names {
		if err := r.registerLocked(ctx, name, r.man.Routes[name]); err != nil {
			failed = append(failed, name)
		}
	}
	if err := r.saveLocked(ctx, backup.TierRecoveryPoint); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("reconstruct: %d route(s) failed: %s", len(failed), strings.Join(failed, ", "))
	}
	r.log.Info("routes reconstructed", slog.Int("count", len(names)))
	return nil
}

// RestoreFromBackup replaces the manifest with a snapshot from the
// given tier (latest, or a specific snapshot id) and re-registers.
func (r *Registry) RestoreFromBackup(ctx context.Context, tier backup.Tier, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		snap *backup.Snapshot
		err  error
	)
	if id != "" {
		snap, err = r.backups.Get(backup.SourceRoutes, tier, id)
	} else {
		snap, err = r.backups.Latest(backup.SourceRoutes, tier)
	}
	if err != nil {
		return err
	}

	var m Manifest
	if err := json.Unmarshal(snap.Content, &m); err != nil {
		return fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	if m.Routes == nil {
		m.Routes = map[string]Binding{}
	}
	m.Version++
	r.man = &m
	for name, b := range m.Routes {
		if !r.store.Exists(r.artifactPath(name)) {
			if err := r.writeArtifactLocked(name, defaultDescriptor(name, b)); err != nil {
				return err
			}
		}
		if err := r.registerLocked(ctx, name, b); err != nil {
			r.log.Warn("restored route failed to register",
				slog.String("route", name), slog.String("err", err.Error()))
		}
	}
	if err := r.saveLocked(ctx, backup.TierRecoveryPoint); err != nil {
		return err
	}
	r.log.Info("route manifest restored",
		slog.String("tier", string(tier)), slog.String("snapshot", snap.ID))
	return nil
}

// Verify recomputes the manifest checksum without mutating anything.
func (r *Registry) Verify() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.man == nil {
		return fmt.Errorf("manifest not loaded")
	}
	want, err := manifest.ChecksumJSON(r.man.Routes)
	if err != nil {
		return err
	}
	if r.man.Checksum != want {
		return &manifest.CorruptError{Path: r.manifestPath(), Reason: "checksum mismatch"}
	}
	return nil
}

// Status reports the manifest version, checksum and per-route state
// without triggering checks or repairs.
func (r *Registry) Status() StatusSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	sum := StatusSummary{CheckedAt: time.Now()}
	if r.man == nil {
		return sum
	}
	sum.Version = r.man.Version
	sum.Checksum = r.man.Checksum
	names := make([]string, 0, len(r.man.Routes))
	for name := range r.man.Routes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := r.man.Routes[name]
		sum.Routes = append(sum.Routes, r.statusOf(name, b))
		if b.Healthy {
			sum.Healthy++
		} else {
			sum.Unhealthy++
		}
	}
	return sum
}

func (r *Registry) statusOf(name string, b Binding) RouteStatus {
	return RouteStatus{
		Name:        name,
		Path:        b.Path,
		Method:      b.Method,
		Healthy:     b.Healthy,
		Immutable:   b.Immutable,
		LastChecked: b.LastChecked,
		Error:       b.ErrorMessage,
	}
}
