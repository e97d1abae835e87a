// Package store provides the filesystem primitives shared by the backup
// manager and the reload strategies: torn-write-safe reads, atomic writes,
// and whole-artifact snapshots.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"pkt.systems/reloadd/internal/clock"
)

// ErrTornWrite is returned when a file keeps changing underneath the reader
// for the full retry budget.
var ErrTornWrite = errors.New("store: file is mid-write")

// ReadStable reads path and verifies the file did not change while being
// read. Certificate and credential writers perform sequential writes, so a
// torn read here would snapshot or validate garbage. On instability it
// retries up to attempts times, sleeping delay between tries.
func ReadStable(clk clock.Clock, path string, attempts int, delay time.Duration) ([]byte, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			clk.Sleep(delay)
		}
		before, err := os.Stat(path)
		if err != nil {
			lastErr = fmt.Errorf("store: stat %q: %w", path, err)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = fmt.Errorf("store: read %q: %w", path, err)
			continue
		}
		after, err := os.Stat(path)
		if err != nil {
			lastErr = fmt.Errorf("store: stat %q: %w", path, err)
			continue
		}
		if before.Size() != after.Size() || !before.ModTime().Equal(after.ModTime()) {
			lastErr = fmt.Errorf("%w: %q", ErrTornWrite, path)
			continue
		}
		return data, nil
	}
	return nil, lastErr
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by rename, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: prepare directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".reloadd-*")
	if err != nil {
		return fmt.Errorf("store: create temp in %q: %w", dir, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("store: write temp %q: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("store: sync temp %q: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: close temp %q: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: chmod temp %q: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: rename into %q: %w", path, err)
	}
	return nil
}

// Snapshot captures the regular files of an artifact. A certificate bundle
// snapshot holds the files of its scope directory; a credential map snapshot
// holds a single entry keyed by the file's base name.
type Snapshot struct {
	Files map[string][]byte
}

// Digest returns a stable hex digest over the snapshot contents, used to
// recognise no-op changes and restore echoes.
func (s Snapshot) Digest() string {
	names := make([]string, 0, len(s.Files))
	for name := range s.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(s.Files[name])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotPath captures path, which may be a single file or a flat directory
// of regular files. Every file read goes through ReadStable with the supplied
// retry budget.
func SnapshotPath(clk clock.Clock, path string, attempts int, delay time.Duration) (Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: stat %q: %w", path, err)
	}
	snap := Snapshot{Files: make(map[string][]byte)}
	if !info.IsDir() {
		data, err := ReadStable(clk, path, attempts, delay)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Files[filepath.Base(path)] = data
		return snap, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: read dir %q: %w", path, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !entry.Type().IsRegular() {
			continue
		}
		data, err := ReadStable(clk, filepath.Join(path, entry.Name()), attempts, delay)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Files[entry.Name()] = data
	}
	if len(snap.Files) == 0 {
		return Snapshot{}, fmt.Errorf("store: nothing to snapshot under %q", path)
	}
	return snap, nil
}

// WriteSnapshot materialises snap under dir, one file per entry.
func WriteSnapshot(dir string, snap Snapshot, perm os.FileMode) error {
	for name, data := range snap.Files {
		if err := WriteFileAtomic(filepath.Join(dir, name), data, perm); err != nil {
			return err
		}
	}
	return nil
}

// RestoreSnapshot writes snap back over target. A single-entry snapshot of a
// non-directory target restores the file itself; otherwise entries land as
// files inside the target directory.
func RestoreSnapshot(target string, snap Snapshot, perm os.FileMode) error {
	info, err := os.Stat(target)
	isDir := err == nil && info.IsDir()
	if !isDir && len(snap.Files) == 1 {
		for _, data := range snap.Files {
			return WriteFileAtomic(target, data, perm)
		}
	}
	return WriteSnapshot(target, snap, perm)
}
