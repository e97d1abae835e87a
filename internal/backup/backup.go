// Package backup captures versioned snapshots of live artifacts before any
// reload attempt and restores them on rollback. Snapshots live in a
// dedicated tree outside the watched roots so backup traffic never
// retriggers the watcher.
package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/reloadd/internal/artifact"
	"pkt.systems/reloadd/internal/clock"
	"pkt.systems/reloadd/internal/store"
)

// Backup identifies one captured generation of an artifact.
type Backup struct {
	Ref        artifact.Ref
	Generation uint64
	CapturedAt time.Time
	Snapshot   store.Snapshot
	Dir        string
}

// Config captures the tunables for the backup manager.
type Config struct {
	// Root is the backup storage directory. Must not be under a watched root.
	Root string
	// Retain bounds how many generations are kept per artifact key.
	Retain int
	// Attempts and RetryDelay bound torn-write retries while snapshotting.
	Attempts   int
	RetryDelay time.Duration

	Clock  clock.Clock
	Logger pslog.Logger
}

// Manager owns the backup tree. Generations are monotonically increasing
// per artifact key and survive process restarts.
type Manager struct {
	root       string
	retain     int
	attempts   int
	retryDelay time.Duration
	clock      clock.Clock
	logger     pslog.Logger

	mu   sync.Mutex
	gens map[artifact.Key]uint64
}

// New initialises a backup manager rooted at cfg.Root.
func New(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, errors.New("backup: root path required")
	}
	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return nil, fmt.Errorf("backup: prepare root %q: %w", cfg.Root, err)
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 1
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Manager{
		root:       filepath.Clean(cfg.Root),
		retain:     cfg.Retain,
		attempts:   cfg.Attempts,
		retryDelay: cfg.RetryDelay,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With("subsystem", "backup"),
		gens:       make(map[artifact.Key]uint64),
	}, nil
}

func (m *Manager) keyDir(key artifact.Key) string {
	return filepath.Join(m.root, string(key.Kind), key.Scope)
}

// Backup snapshots the current live state of ref. A torn live artifact is
// retried with bounded backoff; persistent instability fails the backup and
// with it the whole attempt. The new generation does not supersede earlier
// ones until Promote: its content is still unverified.
func (m *Manager) Backup(ref artifact.Ref) (Backup, error) {
	snap, err := store.SnapshotPath(m.clock, ref.Path, m.attempts, m.retryDelay)
	if err != nil {
		return Backup{}, fmt.Errorf("backup: snapshot %s: %w", ref.Key, err)
	}
	gen, err := m.nextGeneration(ref.Key)
	if err != nil {
		return Backup{}, err
	}
	dir := filepath.Join(m.keyDir(ref.Key), fmt.Sprintf("gen-%06d", gen))
	if err := store.WriteSnapshot(dir, snap, 0o600); err != nil {
		return Backup{}, fmt.Errorf("backup: persist generation %d of %s: %w", gen, ref.Key, err)
	}
	b := Backup{
		Ref:        ref,
		Generation: gen,
		CapturedAt: m.clock.Now(),
		Snapshot:   snap,
		Dir:        dir,
	}
	m.logger.Debug("backup.captured",
		"key", ref.Key.String(),
		"generation", gen,
		"files", len(snap.Files))
	return b, nil
}

// Promote makes b the retention baseline once its content is known good:
// generations beyond the ring ending at b are removed. Per-key attempts are
// serialized, so b is always the newest generation when this runs.
func (m *Manager) Promote(b Backup) {
	m.prune(b.Ref.Key)
	m.logger.Debug("backup.promoted",
		"key", b.Ref.Key.String(),
		"generation", b.Generation)
}

// Discard removes the snapshot of an attempt that did not commit. A failed
// candidate's generation must never outlive its attempt: the newest on-disk
// generation seeds the rollback baseline after a restart. Best effort.
func (m *Manager) Discard(b Backup) {
	if err := os.RemoveAll(b.Dir); err != nil {
		m.logger.Warn("backup.discard_failed",
			"key", b.Ref.Key.String(),
			"generation", b.Generation,
			"error", err)
		return
	}
	m.logger.Debug("backup.discarded",
		"key", b.Ref.Key.String(),
		"generation", b.Generation)
}

// Restore writes the backed-up content over the live artifact location.
func (m *Manager) Restore(b Backup) error {
	if len(b.Snapshot.Files) == 0 {
		loaded, err := m.load(b)
		if err != nil {
			return err
		}
		b.Snapshot = loaded
	}
	if err := store.RestoreSnapshot(b.Ref.Path, b.Snapshot, 0o644); err != nil {
		return fmt.Errorf("backup: restore generation %d of %s: %w", b.Generation, b.Ref.Key, err)
	}
	m.logger.Info("backup.restored",
		"key", b.Ref.Key.String(),
		"generation", b.Generation)
	return nil
}

// Latest returns the newest on-disk backup for key, if any. Used to seed the
// last-known-good baseline after a restart.
func (m *Manager) Latest(ref artifact.Ref) (Backup, bool, error) {
	gens, err := m.generations(ref.Key)
	if err != nil || len(gens) == 0 {
		return Backup{}, false, err
	}
	gen := gens[len(gens)-1]
	b := Backup{
		Ref:        ref,
		Generation: gen,
		Dir:        filepath.Join(m.keyDir(ref.Key), fmt.Sprintf("gen-%06d", gen)),
	}
	snap, err := m.load(b)
	if err != nil {
		return Backup{}, false, err
	}
	b.Snapshot = snap
	return b, true, nil
}

func (m *Manager) load(b Backup) (store.Snapshot, error) {
	snap, err := store.SnapshotPath(m.clock, b.Dir, 1, 0)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("backup: load generation %d of %s: %w", b.Generation, b.Ref.Key, err)
	}
	return snap, nil
}

func (m *Manager) nextGeneration(key artifact.Key) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen, ok := m.gens[key]; ok {
		m.gens[key] = gen + 1
		return gen + 1, nil
	}
	gens, err := m.generationsLocked(key)
	if err != nil {
		return 0, err
	}
	var next uint64 = 1
	if len(gens) > 0 {
		next = gens[len(gens)-1] + 1
	}
	m.gens[key] = next
	return next, nil
}

func (m *Manager) generations(key artifact.Key) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generationsLocked(key)
}

func (m *Manager) generationsLocked(key artifact.Key) ([]uint64, error) {
	entries, err := os.ReadDir(m.keyDir(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: list generations of %s: %w", key, err)
	}
	var gens []uint64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, found := strings.CutPrefix(entry.Name(), "gen-")
		if !found {
			continue
		}
		gen, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// prune removes generations beyond the retention ring. Best effort: a failed
// removal is logged, never fatal.
func (m *Manager) prune(key artifact.Key) {
	gens, err := m.generations(key)
	if err != nil {
		m.logger.Warn("backup.prune.list_failed", "key", key.String(), "error", err)
		return
	}
	if len(gens) <= m.retain {
		return
	}
	for _, gen := range gens[:len(gens)-m.retain] {
		dir := filepath.Join(m.keyDir(key), fmt.Sprintf("gen-%06d", gen))
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("backup.prune.remove_failed",
				"key", key.String(),
				"generation", gen,
				"error", err)
		}
	}
}
