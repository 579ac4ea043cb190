package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestFileStoreAppendAndTail(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		err := st.AppendExecution(ctx, ExecutionEntry{
			At:      time.Now(),
			Command: fmt.Sprintf("cmd_%d", i),
			Layer:   "core",
			OK:      i%2 == 0,
			TookMS:  int64(i),
		})
		if err != nil {
			t.Fatalf("AppendExecution %d: %v", i, err)
		}
	}

	lines, err := st.RecentLines(ctx, KindExecutions, 3)
	if err != nil {
		t.Fatalf("RecentLines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	// Oldest-first tail: the last line is the most recent append.
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[2]), &rec); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if rec["command"] != "cmd_6" {
		t.Fatalf("last line command = %v, want cmd_6", rec["command"])
	}
}

func TestFileStoreErrorsSeparateSink(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.AppendError(ctx, ErrorEntry{Component: "route", Message: "artifact missing"}); err != nil {
		t.Fatalf("AppendError: %v", err)
	}

	execLines, err := st.RecentLines(ctx, KindExecutions, 10)
	if err != nil {
		t.Fatalf("RecentLines(executions): %v", err)
	}
	if len(execLines) != 0 {
		t.Fatal("error entries must not leak into the execution log")
	}
	errLines, err := st.RecentLines(ctx, KindErrors, 10)
	if err != nil {
		t.Fatalf("RecentLines(errors): %v", err)
	}
	if len(errLines) != 1 {
		t.Fatalf("got %d error lines, want 1", len(errLines))
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st != nil {
		t.Fatal("disabled storage must return a nil store")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, nil); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
