package backup

import (
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

	"regent/internal/manifest"
)

// Tier is a named retention bucket.
type Tier string

const (
	TierHourly        Tier = "hourly"
	TierDaily         Tier = "daily"
	TierRecoveryPoint Tier = "recovery-points"
	TierArchived      Tier = "archived"
)

// Sources group snapshots by what they capture.
const (
	SourceCommands = "commands"
	SourceRoutes   = "routes"
)

var ErrNoSnapshot = errors.New("no snapshot available")

// Snapshot is the on-disk envelope for one backup.
type Snapshot struct {
	ID        string          `json:"id"`
	Tier      Tier            `json:"tier"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Checksum  string          `json:"checksum"`
	Content   json.RawMessage `json:"content"`
}

type Config struct {
	Root               string // backups directory
	KeepHourly         int
	KeepDaily          int
	KeepRecoveryPoints int
}

func (c Config) withDefaults() Config {
	if c.KeepHourly <= 0 {
		c.KeepHourly = 24
	}
	if c.KeepDaily <= 0 {
		c.KeepDaily = 30
	}
	if c.KeepRecoveryPoints <= 0 {
		c.KeepRecoveryPoints = 10
	}
	return c
}

// Manager snapshots registry state into tiered buckets and enforces
// keep-last-N eviction per tier. Archived snapshots are kept until
// explicitly purged.
type Manager struct {
	mu   sync.Mutex
	log  *slog.Logger
	cfg  Config
	last time.Time
}

func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg.withDefaults(), log: log.With(slog.String("comp", "backup"))}
}

func (m *Manager) keepFor(tier Tier) int {
	switch tier {
	case TierHourly:
		return m.cfg.KeepHourly
	case TierDaily:
		return m.cfg.KeepDaily
	case TierRecoveryPoint:
		return m.cfg.KeepRecoveryPoints
	default:
		return 0 // archived: keep forever
	}
}

func (m *Manager) dir(source string, tier Tier) string {
	return filepath.Join(m.cfg.Root, source, string(tier))
}

// Snapshot writes content into the tier bucket and evicts beyond the
// tier's retention count.
func (m *Manager) Snapshot(source string, tier Tier, content []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	id := fmt.Sprintf("%d_%s", now.Unix(), uuid.NewString()[:8])
	snap := Snapshot{
		ID:        id,
		Tier:      tier,
		Source:    source,
		Timestamp: now,
		Checksum:  manifest.Checksum(content),
		Content:   json.RawMessage(content),
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}

	dir := m.dir(source, tier)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, id+".json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", err
	}
	m.last = now

	if keep := m.keepFor(tier); keep > 0 {
		if err := m.evictLocked(source, tier, keep); err != nil {
			m.log.Warn("eviction failed", slog.String("tier", string(tier)), slog.String("err", err.Error()))
		}
	}
	m.log.Debug("snapshot written",
		slog.String("source", source), slog.String("tier", string(tier)), slog.String("id", id))
	return id, nil
}

// Evict deletes all snapshots beyond position keepLast, newest first.
func (m *Manager) Evict(source string, tier Tier, keepLast int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked(source, tier, keepLast)
}

func (m *Manager) evictLocked(source string, tier Tier, keepLast int) error {
	names, err := m.listLocked(source, tier)
	if err != nil {
		return err
	}
	if keepLast < 0 {
		keepLast = 0
	}
	for _, name := range names[min(keepLast, len(names)):] {
		if err := os.Remove(filepath.Join(m.dir(source, tier), name)); err != nil {
			return err
		}
	}
	return nil
}

// List returns snapshot file names, newest first. Timestamp-prefixed
// names make lexical order match chronological order.
func (m *Manager) List(source string, tier Tier) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(source, tier)
}

func (m *Manager) listLocked(source string, tier Tier) ([]string, error) {
	entries, err := os.ReadDir(m.dir(source, tier))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// Latest loads the most recent snapshot from the tier.
func (m *Manager) Latest(source string, tier Tier) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names, err := m.listLocked(source, tier)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNoSnapshot
	}
	return m.loadLocked(source, tier, names[0])
}

// Get loads the snapshot with the given id from the tier.
func (m *Manager) Get(source string, tier Tier, id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(source, tier, id+".json")
}

func (m *Manager) loadLocked(source string, tier Tier, name string) (*Snapshot, error) {
	b, err := os.ReadFile(filepath.Join(m.dir(source, tier), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", name, err)
	}
	if got := manifest.Checksum(snap.Content); got != snap.Checksum {
		return nil, &manifest.CorruptError{Path: name, Reason: "snapshot checksum mismatch"}
	}
	return &snap, nil
}

// LastBackup returns the time of the most recent snapshot taken by
// this manager instance.
func (m *Manager) LastBackup() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// TierStats summarizes one bucket for the operator API.
type TierStats struct {
	Source string `json:"source"`
	Tier   Tier   `json:"tier"`
	Count  int    `json:"count"`
	Bytes  int64  `json:"bytes"`
}

// Stats walks every known bucket and reports counts and sizes.
func (m *Manager) Stats() []TierStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []TierStats
	tiers := map[string][]Tier{
		SourceCommands: {TierHourly, TierDaily, TierRecoveryPoint, TierArchived},
		SourceRoutes:   {TierHourly, TierDaily, TierRecoveryPoint, TierArchived},
	}
	for _, source := range []string{SourceCommands, SourceRoutes} {
		for _, tier := range tiers[source] {
			st := TierStats{Source: source, Tier: tier}
			entries, err := os.ReadDir(m.dir(source, tier))
			if err == nil {
				for _, e := range entries {
					info, err := e.Info()
					if err != nil || e.IsDir() {
						continue
					}
					st.Count++
					st.Bytes += info.Size()
				}
			}
			out = append(out, st)
		}
	}
	return out
}
