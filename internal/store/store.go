// Package store manages the temporary mirror files the daemon materializes
// remote content into, per spec.md §4.2.
package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ErrAlreadyExists signals a write_exclusive collision — the path-uniqueness
// mechanism spec.md §4.5 uses to reject a duplicate open.
var ErrAlreadyExists = errors.New("store: mirror file already exists")

// Store roots every operation at BaseDir.
type Store struct {
	BaseDir string
}

// New returns a Store rooted at baseDir.
func New(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

// InitBase creates BaseDir if it doesn't already exist and best-effort sets
// its mode to 0700.
func (s *Store) InitBase() error {
	if err := os.MkdirAll(s.BaseDir, 0o700); err != nil {
		return fmt.Errorf("store: init base dir: %w", err)
	}
	if err := os.Chmod(s.BaseDir, 0o700); err != nil {
		slog.Warn("could not chmod base dir", "dir", s.BaseDir, "error", err)
	}
	return nil
}

// QuarantineLeftovers moves every top-level directory entry of BaseDir that
// isn't "_recovered" into BaseDir/_recovered/<timestamp>/<orig_name>, per
// spec.md §4.2. Failures on individual entries are logged and skipped so one
// bad entry can't block the rest of startup.
func (s *Store) QuarantineLeftovers(now time.Time) error {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		return fmt.Errorf("store: read base dir: %w", err)
	}

	var quarantineDir string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "_recovered" {
			continue
		}

		if quarantineDir == "" {
			quarantineDir = filepath.Join(s.BaseDir, "_recovered", now.Format("20060102-150405"))
			if err := os.MkdirAll(quarantineDir, 0o700); err != nil {
				return fmt.Errorf("store: create quarantine dir: %w", err)
			}
		}

		src := filepath.Join(s.BaseDir, e.Name())
		dst := filepath.Join(quarantineDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			slog.Warn("failed to quarantine stale directory", "path", src, "error", err)
			continue
		}
		slog.Info("quarantined stale directory from prior run", "from", src, "to", dst)
	}

	return nil
}

// CreateMirror computes the mirror path for (host, remotePath) and ensures
// its parent directories exist. It does not create the file itself.
func (s *Store) CreateMirror(host, remotePath string) (string, error) {
	path, err := MirrorPath(s.BaseDir, host, remotePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("store: create mirror parents: %w", err)
	}
	return path, nil
}

// WriteExclusive creates path with O_CREAT|O_EXCL|O_WRONLY semantics and
// writes data to it. It is the collision signal spec.md §4.5 relies on:
// ErrAlreadyExists means a FileSession already owns this path.
func (s *Store) WriteExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: write exclusive: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("store: write exclusive: %w", err)
	}
	return nil
}

// ReadAll reads the full current contents of path, retrying short reads.
func (s *Store) ReadAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: read all: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("store: read all: stat: %w", err)
	}

	buf := make([]byte, info.Size())
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		// ErrUnexpectedEOF means the file shrank between Stat and Read (the
		// editor is still writing); return what we got rather than failing
		// the save — the watcher will fire again on the next write.
		return nil, fmt.Errorf("store: read all: %w", err)
	}
	return buf[:n], nil
}

// Prune deletes tempPath, then walks its parents upward, deleting each one
// that is empty, stopping at the first non-empty parent or at BaseDir
// itself. It refuses (logs and returns) if tempPath is not lexically under
// BaseDir.
func (s *Store) Prune(tempPath string) error {
	rel, err := filepath.Rel(s.BaseDir, tempPath)
	if err != nil || rel == ".." || hasDotDotPrefix(rel) {
		slog.Warn("refusing to prune path outside base dir", "path", tempPath, "base", s.BaseDir)
		return fmt.Errorf("store: %q is not under base dir %q", tempPath, s.BaseDir)
	}

	if err := os.Remove(tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: prune: remove file: %w", err)
	}

	dir := filepath.Dir(tempPath)
	for {
		if dir == s.BaseDir || dir == "." || dir == string(filepath.Separator) {
			return nil
		}
		relDir, err := filepath.Rel(s.BaseDir, dir)
		if err != nil || relDir == ".." || hasDotDotPrefix(relDir) {
			return nil
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				dir = filepath.Dir(dir)
				continue
			}
			return fmt.Errorf("store: prune: read dir %q: %w", dir, err)
		}
		if len(entries) > 0 {
			return nil
		}
		if err := os.Remove(dir); err != nil {
			return fmt.Errorf("store: prune: remove dir %q: %w", dir, err)
		}
		dir = filepath.Dir(dir)
	}
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.' &&
		(len(rel) == 2 || rel[2] == filepath.Separator)
}
