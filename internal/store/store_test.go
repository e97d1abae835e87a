package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/reloadd/internal/clock"
)

// hookClock runs a callback on every Sleep, letting tests mutate the
// filesystem between retries.
type hookClock struct {
	clock.Real
	onSleep func()
}

func (c *hookClock) Sleep(time.Duration) {
	if c.onSleep != nil {
		c.onSleep()
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "file.txt")
	if err := WriteFileAtomic(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("content %q, want %q", data, "hello")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm %o, want 0600", perm)
	}
	// No temp leftovers.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the target file, found %d entries", len(entries))
	}
}

func TestReadStableRetriesUntilFileAppears(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late.txt")
	clk := &hookClock{onSleep: func() {
		if err := os.WriteFile(path, []byte("arrived"), 0o644); err != nil {
			t.Errorf("write during retry: %v", err)
		}
	}}
	data, err := ReadStable(clk, path, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("ReadStable: %v", err)
	}
	if string(data) != "arrived" {
		t.Fatalf("content %q, want %q", data, "arrived")
	}
}

func TestReadStableGivesUp(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadStable(&hookClock{}, filepath.Join(dir, "missing"), 2, time.Millisecond); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSnapshotDigest(t *testing.T) {
	a := Snapshot{Files: map[string][]byte{"one": []byte("1"), "two": []byte("2")}}
	b := Snapshot{Files: map[string][]byte{"two": []byte("2"), "one": []byte("1")}}
	if a.Digest() != b.Digest() {
		t.Fatal("digest depends on map iteration order")
	}
	c := Snapshot{Files: map[string][]byte{"one": []byte("1"), "two": []byte("changed")}}
	if a.Digest() == c.Digest() {
		t.Fatal("digest failed to distinguish different content")
	}
	// Name/content boundary must matter.
	d := Snapshot{Files: map[string][]byte{"on": []byte("e1"), "two": []byte("2")}}
	if a.Digest() == d.Digest() {
		t.Fatal("digest failed to distinguish shifted name boundary")
	}
}

func TestSnapshotPathFileAndDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "map.yaml")
	if err := os.WriteFile(file, []byte("domains: []"), 0o644); err != nil {
		t.Fatal(err)
	}
	snap, err := SnapshotPath(clock.Real{}, file, 1, 0)
	if err != nil {
		t.Fatalf("SnapshotPath(file): %v", err)
	}
	if len(snap.Files) != 1 || string(snap.Files["map.yaml"]) != "domains: []" {
		t.Fatalf("unexpected snapshot %+v", snap.Files)
	}

	bundle := filepath.Join(dir, "example.com")
	if err := os.MkdirAll(filepath.Join(bundle, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(bundle, "fullchain.pem"), []byte("chain"), 0o644)
	os.WriteFile(filepath.Join(bundle, "privkey.pem"), []byte("key"), 0o600)
	snap, err = SnapshotPath(clock.Real{}, bundle, 1, 0)
	if err != nil {
		t.Fatalf("SnapshotPath(dir): %v", err)
	}
	if len(snap.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(snap.Files))
	}

	if _, err := SnapshotPath(clock.Real{}, filepath.Join(dir, "nope"), 1, 0); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestWriteAndRestoreSnapshot(t *testing.T) {
	dir := t.TempDir()
	snap := Snapshot{Files: map[string][]byte{
		"fullchain.pem": []byte("chain"),
		"privkey.pem":   []byte("key"),
	}}
	stash := filepath.Join(dir, "gen-000001")
	if err := WriteSnapshot(stash, snap, 0o600); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	live := filepath.Join(dir, "live")
	if err := os.MkdirAll(live, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(live, "fullchain.pem"), []byte("bad"), 0o644)
	if err := RestoreSnapshot(live, snap, 0o644); err != nil {
		t.Fatalf("RestoreSnapshot(dir): %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(live, "fullchain.pem"))
	if string(data) != "chain" {
		t.Fatalf("restored content %q, want %q", data, "chain")
	}

	// Single-entry snapshot over a plain file restores the file itself.
	single := Snapshot{Files: map[string][]byte{"map.yaml": []byte("good")}}
	target := filepath.Join(dir, "map.yaml")
	os.WriteFile(target, []byte("bad"), 0o644)
	if err := RestoreSnapshot(target, single, 0o644); err != nil {
		t.Fatalf("RestoreSnapshot(file): %v", err)
	}
	data, _ = os.ReadFile(target)
	if string(data) != "good" {
		t.Fatalf("restored content %q, want %q", data, "good")
	}
}
