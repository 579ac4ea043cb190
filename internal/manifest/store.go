package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// CorruptError reports a document whose content failed an integrity
// check (malformed JSON or checksum mismatch).
type CorruptError struct {
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt document %s: %s", e.Path, e.Reason)
}

// IsCorrupt reports whether err carries a CorruptError.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}

// Store reads and writes JSON documents under a single root directory.
// Writes go through a temp file + rename so readers never observe a
// partial document.
type Store struct {
	root string
	log  *slog.Logger
}

func NewStore(root string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{root: root, log: log}
}

func (s *Store) Root() string { return s.root }

// Path joins parts under the store root.
func (s *Store) Path(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

func (s *Store) Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func (s *Store) ReadRaw(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteRaw writes data atomically, creating parent directories.
func (s *Store) WriteRaw(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReadJSON decodes the document at path into v. Malformed JSON is
// reported as a CorruptError so callers can trigger repair.
func (s *Store) ReadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return &CorruptError{Path: path, Reason: "malformed json: " + err.Error()}
	}
	return nil
}

// WriteJSON encodes v (indented, stable for diffs) and writes it
// atomically.
func (s *Store) WriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return s.WriteRaw(path, b)
}

// Backup copies the document at path to a sibling file with the given
// suffix. Used to preserve corrupt files before repair.
func (s *Store) Backup(path, suffix string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	dst := path + "." + suffix
	if err := s.WriteRaw(dst, b); err != nil {
		return "", err
	}
	s.log.Debug("document backed up", slog.String("src", path), slog.String("dst", dst))
	return dst, nil
}
