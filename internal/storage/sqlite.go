package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log *slog.Logger
}

func openSQLite(cfg Config, log *slog.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendExecution(ctx context.Context, e ExecutionEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(at, rid, command, layer, params, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.ReqID), e.Command, nullStr(e.Layer),
		nullStr(e.Params), boolInt(e.OK), nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) AppendError(ctx context.Context, e ErrorEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO errors(at, comp, msg, detail) VALUES(?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Component), e.Message, nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) RecentLines(ctx context.Context, kind string, n int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		return nil, nil
	}

	var query string
	switch kind {
	case KindExecutions:
		query = `SELECT at, rid, command, layer, params, ok, err, took_ms
		         FROM executions ORDER BY id DESC LIMIT ?`
	case KindErrors:
		query = `SELECT at, comp, msg, detail FROM errors ORDER BY id DESC LIMIT ?`
	default:
		return nil, errors.New("unknown log kind: " + kind)
	}

	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		switch kind {
		case KindExecutions:
			var at, rid, command, layer, params, errMsg sql.NullString
			var ok, tookMS int64
			if err := rows.Scan(&at, &rid, &command, &layer, &params, &ok, &errMsg, &tookMS); err != nil {
				return nil, err
			}
			line = encodeLine(map[string]any{
				"at": at.String, "rid": rid.String, "command": command.String,
				"layer": layer.String, "params": params.String,
				"ok": ok == 1, "err": errMsg.String, "took_ms": tookMS,
			})
		case KindErrors:
			var at, comp, msg, detail sql.NullString
			if err := rows.Scan(&at, &comp, &msg, &detail); err != nil {
				return nil, err
			}
			line = encodeLine(map[string]any{
				"at": at.String, "comp": comp.String, "msg": msg.String, "detail": detail.String,
			})
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// DESC query; flip to oldest-first to match the file driver.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

func encodeLine(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
