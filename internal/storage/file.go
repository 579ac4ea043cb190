package storage

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// fileStore appends JSON Lines via zerolog writers.
//
// Files:
//   - <dir>/executions.log (append-only JSON Lines)
//   - <dir>/errors.log     (append-only JSON Lines)
//
// Neither file is ever truncated here; rotation is external.
type fileStore struct {
	log *slog.Logger

	mu sync.Mutex

	dir      string
	execFile *os.File
	errFile  *os.File
	execLog  zerolog.Logger
	errLog   zerolog.Logger
}

func openFile(cfg Config, log *slog.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("storage.dir is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	}
	ef, err := open("executions.log")
	if err != nil {
		return nil, err
	}
	rf, err := open("errors.log")
	if err != nil {
		_ = ef.Close()
		return nil, err
	}

	return &fileStore{
		log:      log,
		dir:      dir,
		execFile: ef,
		errFile:  rf,
		execLog:  zerolog.New(ef),
		errLog:   zerolog.New(rf),
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.execFile != nil {
		err1 = s.execFile.Close()
		s.execFile = nil
	}
	if s.errFile != nil {
		err2 = s.errFile.Close()
		s.errFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendExecution(ctx context.Context, e ExecutionEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return errors.New("execution log closed")
	}
	ev := s.execLog.Log().
		Time("at", e.At).
		Str("rid", e.ReqID).
		Str("command", e.Command).
		Str("layer", e.Layer).
		Bool("ok", e.OK).
		Int64("took_ms", e.TookMS)
	if e.Params != "" {
		ev = ev.Str("params", e.Params)
	}
	if e.Error != "" {
		ev = ev.Str("err", e.Error)
	}
	ev.Msg("execution")
	return nil
}

func (s *fileStore) AppendError(ctx context.Context, e ErrorEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errFile == nil {
		return errors.New("error log closed")
	}
	ev := s.errLog.Log().
		Time("at", e.At).
		Str("comp", e.Component).
		Str("msg", e.Message)
	if e.Detail != "" {
		ev = ev.Str("detail", e.Detail)
	}
	ev.Msg("error")
	return nil
}

func (s *fileStore) RecentLines(ctx context.Context, kind string, n int) ([]string, error) {
	_ = ctx
	var name string
	switch kind {
	case KindExecutions:
		name = "executions.log"
	case KindErrors:
		name = "errors.log"
	default:
		return nil, errors.New("unknown log kind: " + kind)
	}
	if n <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	// Ring of the last n lines; log files stay small enough that a
	// forward scan is fine.
	lines := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(lines) == n {
			copy(lines, lines[1:])
			lines = lines[:n-1]
		}
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
