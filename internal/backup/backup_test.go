package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/reloadd/internal/artifact"
	"pkt.systems/reloadd/internal/clock"
)

func testRef(t *testing.T, dir string) artifact.Ref {
	t.Helper()
	path := filepath.Join(dir, "mail.yaml")
	if err := os.WriteFile(path, []byte("domains: []\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	return artifact.Ref{
		Key:  artifact.Key{Kind: artifact.KindCredentialMap, Scope: "mail"},
		Path: path,
	}
}

func newTestManager(t *testing.T, retain int) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	m, err := New(Config{
		Root:   root,
		Retain: retain,
		Clock:  clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, root
}

func TestBackupAndRestore(t *testing.T) {
	m, _ := newTestManager(t, 2)
	ref := testRef(t, t.TempDir())

	b, err := m.Backup(ref)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if b.Generation != 1 {
		t.Fatalf("generation %d, want 1", b.Generation)
	}
	if string(b.Snapshot.Files["mail.yaml"]) != "domains: []\n" {
		t.Fatalf("snapshot content %q", b.Snapshot.Files["mail.yaml"])
	}

	// Clobber the live file and restore.
	if err := os.WriteFile(ref.Path, []byte("broken"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := m.Restore(b); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "domains: []\n" {
		t.Fatalf("restored content %q", data)
	}
}

func TestGenerationsIncrement(t *testing.T) {
	m, _ := newTestManager(t, 8)
	ref := testRef(t, t.TempDir())
	for want := uint64(1); want <= 3; want++ {
		b, err := m.Backup(ref)
		if err != nil {
			t.Fatalf("Backup %d: %v", want, err)
		}
		if b.Generation != want {
			t.Fatalf("generation %d, want %d", b.Generation, want)
		}
	}
}

func TestGenerationsSurviveRestart(t *testing.T) {
	m, root := newTestManager(t, 8)
	ref := testRef(t, t.TempDir())
	if _, err := m.Backup(ref); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Backup(ref); err != nil {
		t.Fatal(err)
	}

	// A fresh manager over the same tree continues the sequence.
	m2, err := New(Config{Root: root, Retain: 8})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m2.Backup(ref)
	if err != nil {
		t.Fatal(err)
	}
	if b.Generation != 3 {
		t.Fatalf("generation %d after restart, want 3", b.Generation)
	}
}

func TestRetentionRing(t *testing.T) {
	m, root := newTestManager(t, 2)
	ref := testRef(t, t.TempDir())
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(ref.Path, []byte{byte('a' + i)}, 0o640); err != nil {
			t.Fatal(err)
		}
		b, err := m.Backup(ref)
		if err != nil {
			t.Fatal(err)
		}
		m.Promote(b)
	}
	keyDir := filepath.Join(root, string(ref.Kind), ref.Scope)
	entries, err := os.ReadDir(keyDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 retained generations, found %d", len(entries))
	}
	if entries[0].Name() != "gen-000004" || entries[1].Name() != "gen-000005" {
		t.Fatalf("unexpected retained generations: %s, %s", entries[0].Name(), entries[1].Name())
	}
}

func TestLatest(t *testing.T) {
	m, _ := newTestManager(t, 8)
	ref := testRef(t, t.TempDir())

	if _, found, err := m.Latest(ref); err != nil || found {
		t.Fatalf("Latest on empty tree: found=%v err=%v", found, err)
	}

	if _, err := m.Backup(ref); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(ref.Path, []byte("v2"), 0o640)
	if _, err := m.Backup(ref); err != nil {
		t.Fatal(err)
	}

	b, found, err := m.Latest(ref)
	if err != nil || !found {
		t.Fatalf("Latest: found=%v err=%v", found, err)
	}
	if b.Generation != 2 {
		t.Fatalf("latest generation %d, want 2", b.Generation)
	}
	if string(b.Snapshot.Files["mail.yaml"]) != "v2" {
		t.Fatalf("latest content %q", b.Snapshot.Files["mail.yaml"])
	}
}

func TestBackupWithoutPromoteKeepsPredecessor(t *testing.T) {
	m, root := newTestManager(t, 1)
	ref := testRef(t, t.TempDir())

	good, err := m.Backup(ref)
	if err != nil {
		t.Fatal(err)
	}
	m.Promote(good)

	// An unverified candidate is captured but must not evict the baseline.
	os.WriteFile(ref.Path, []byte("suspect"), 0o640)
	if _, err := m.Backup(ref); err != nil {
		t.Fatal(err)
	}
	keyDir := filepath.Join(root, string(ref.Kind), ref.Scope)
	entries, err := os.ReadDir(keyDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected both generations on disk, found %d", len(entries))
	}
}

func TestDiscardRestoresLatestToBaseline(t *testing.T) {
	m, _ := newTestManager(t, 1)
	ref := testRef(t, t.TempDir())

	good, err := m.Backup(ref)
	if err != nil {
		t.Fatal(err)
	}
	m.Promote(good)

	os.WriteFile(ref.Path, []byte("suspect"), 0o640)
	bad, err := m.Backup(ref)
	if err != nil {
		t.Fatal(err)
	}
	m.Discard(bad)

	b, found, err := m.Latest(ref)
	if err != nil || !found {
		t.Fatalf("Latest: found=%v err=%v", found, err)
	}
	if b.Generation != good.Generation {
		t.Fatalf("latest generation %d, want baseline %d", b.Generation, good.Generation)
	}
	if string(b.Snapshot.Files["mail.yaml"]) != "domains: []\n" {
		t.Fatalf("latest content %q, want baseline content", b.Snapshot.Files["mail.yaml"])
	}

	// Generation numbers stay monotonic past a discard.
	next, err := m.Backup(ref)
	if err != nil {
		t.Fatal(err)
	}
	if next.Generation != bad.Generation+1 {
		t.Fatalf("generation %d after discard, want %d", next.Generation, bad.Generation+1)
	}
}

func TestBackupMissingArtifact(t *testing.T) {
	m, _ := newTestManager(t, 1)
	ref := artifact.Ref{
		Key:  artifact.Key{Kind: artifact.KindCredentialMap, Scope: "gone"},
		Path: filepath.Join(t.TempDir(), "gone.yaml"),
	}
	if _, err := m.Backup(ref); err == nil {
		t.Fatal("expected error backing up a missing artifact")
	}
}
