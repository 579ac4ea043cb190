// Package bootstrap lays down the on-disk state the registries expect:
// directory layout, default command layers and the default route
// manifest. It runs on first start and again as the regenerate step of
// disaster recovery.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"regent/internal/command"
	"regent/internal/manifest"
	"regent/internal/route"
)

// Report lists what Initialize created and what Verify found wrong.
type Report struct {
	CreatedDirs  []string `json:"createdDirs,omitempty"`
	CreatedFiles []string `json:"createdFiles,omitempty"`
	Problems     []string `json:"problems,omitempty"`
}

func (r *Report) OK() bool { return len(r.Problems) == 0 }

// layout is every directory the registries write into, relative to the
// store root.
var layout = []string{
	"commands",
	"modules",
	"routes",
	"routes/handlers",
	"routes/archive",
	"backups",
	"logs",
}

type Generator struct {
	store *manifest.Store
	log   *slog.Logger
}

func NewGenerator(store *manifest.Store, log *slog.Logger) *Generator {
	if log == nil {
		log = slog.Default()
	}
	return &Generator{store: store, log: log.With(slog.String("comp", "bootstrap"))}
}

// Initialize creates the directory layout and any missing default
// files. With force set, defaults overwrite whatever is there; the
// recovery pipeline uses that after everything else has failed.
func (g *Generator) Initialize(ctx context.Context, force bool) (*Report, error) {
	rep := &Report{}

	for _, dir := range layout {
		path := g.store.Path(dir)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return rep, fmt.Errorf("create %s: %w", dir, err)
		}
		rep.CreatedDirs = append(rep.CreatedDirs, dir)
	}

	corePath := g.store.Path("commands", "core.json")
	if force || !g.store.Exists(corePath) {
		if err := g.store.WriteJSON(corePath, command.DefaultCoreFile()); err != nil {
			return rep, fmt.Errorf("write core layer: %w", err)
		}
		rep.CreatedFiles = append(rep.CreatedFiles, "commands/core.json")
	}

	dynPath := g.store.Path("commands", "dynamic.json")
	if force || !g.store.Exists(dynPath) {
		if err := g.store.WriteJSON(dynPath, command.EmptyLayerFile(command.LayerDynamic)); err != nil {
			return rep, fmt.Errorf("write dynamic layer: %w", err)
		}
		rep.CreatedFiles = append(rep.CreatedFiles, "commands/dynamic.json")
	}

	hadManifest := g.store.Exists(g.store.Path("routes", "route-manifest.json"))
	if err := route.InstallDefaults(g.store, force); err != nil {
		return rep, fmt.Errorf("install route defaults: %w", err)
	}
	if force || !hadManifest {
		rep.CreatedFiles = append(rep.CreatedFiles, "routes/route-manifest.json")
	}

	if len(rep.CreatedDirs)+len(rep.CreatedFiles) > 0 {
		g.log.Info("bootstrap initialized",
			slog.Int("dirs", len(rep.CreatedDirs)),
			slog.Int("files", len(rep.CreatedFiles)),
			slog.Bool("force", force))
	}
	return rep, nil
}

// Verify checks the on-disk state without changing it: layout present,
// core layer parseable and complete, route manifest checksum intact.
func (g *Generator) Verify(ctx context.Context) *Report {
	rep := &Report{}

	for _, dir := range layout {
		if _, err := os.Stat(g.store.Path(dir)); err != nil {
			rep.Problems = append(rep.Problems, "missing directory "+dir)
		}
	}

	var core command.LayerFile
	if err := g.store.ReadJSON(g.store.Path("commands", "core.json"), &core); err != nil {
		rep.Problems = append(rep.Problems, "core layer: "+err.Error())
	} else {
		have := map[string]bool{}
		for _, def := range core.Commands {
			have[def.ID] = true
		}
		for _, id := range command.RequiredCoreIDs {
			if !have[id] {
				rep.Problems = append(rep.Problems, "core layer missing "+id)
			}
		}
	}

	var man route.Manifest
	manPath := g.store.Path("routes", "route-manifest.json")
	if err := g.store.ReadJSON(manPath, &man); err != nil {
		rep.Problems = append(rep.Problems, "route manifest: "+err.Error())
	} else {
		sum, err := manifest.ChecksumJSON(man.Routes)
		if err != nil || sum != man.Checksum {
			rep.Problems = append(rep.Problems, "route manifest checksum mismatch")
		}
		for name := range man.Routes {
			art := g.store.Path("routes", "handlers", name+".json")
			if !g.store.Exists(art) {
				rep.Problems = append(rep.Problems, "missing artifact for route "+name)
			}
		}
	}

	if !rep.OK() {
		g.log.Warn("bootstrap verify found problems", slog.Int("count", len(rep.Problems)))
	}
	return rep
}
