package backup

import (
	"errors"
	"fmt"
	"testing"
)

func newTestManager(t *testing.T, keepHourly int) *Manager {
	t.Helper()
	return NewManager(Config{Root: t.TempDir(), KeepHourly: keepHourly}, nil)
}

func TestRetentionKeepsNewest(t *testing.T) {
	t.Parallel()
	const keep = 5
	m := newTestManager(t, keep)

	var ids []string
	for i := 0; i < keep+5; i++ {
		id, err := m.Snapshot(SourceCommands, TierHourly, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatalf("Snapshot %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	names, err := m.List(SourceCommands, TierHourly)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != keep {
		t.Fatalf("got %d snapshots, want %d", len(names), keep)
	}
	// The survivors are the keep most recent, newest first.
	for i, name := range names {
		want := ids[len(ids)-1-i] + ".json"
		if name != want {
			t.Fatalf("names[%d] = %s, want %s", i, name, want)
		}
	}
}

func TestArchivedNeverEvicted(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 2)
	for i := 0; i < 10; i++ {
		if _, err := m.Snapshot(SourceCommands, TierArchived, []byte(`{}`)); err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
	}
	names, err := m.List(SourceCommands, TierArchived)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 10 {
		t.Fatalf("archived snapshots evicted: got %d, want 10", len(names))
	}
}

func TestLatestAndGetRoundTrip(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 0)

	if _, err := m.Latest(SourceRoutes, TierDaily); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("empty tier: want ErrNoSnapshot, got %v", err)
	}

	id, err := m.Snapshot(SourceRoutes, TierDaily, []byte(`{"routes":{}}`))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	snap, err := m.Latest(SourceRoutes, TierDaily)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if snap.ID != id || string(snap.Content) != `{"routes":{}}` {
		t.Fatalf("latest mismatch: %+v", snap)
	}

	got, err := m.Get(SourceRoutes, TierDaily, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Checksum != snap.Checksum {
		t.Fatal("Get and Latest disagree on checksum")
	}
}

func TestStatsCountsBuckets(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, 0)
	if _, err := m.Snapshot(SourceCommands, TierHourly, []byte(`{}`)); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	var found bool
	for _, st := range m.Stats() {
		if st.Source == SourceCommands && st.Tier == TierHourly {
			found = true
			if st.Count != 1 || st.Bytes == 0 {
				t.Fatalf("unexpected stats: %+v", st)
			}
		}
	}
	if !found {
		t.Fatal("hourly commands bucket missing from stats")
	}
}
