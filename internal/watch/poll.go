package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/reloadd/internal/artifact"
)

// pollWatcher periodically scans the roots and diffs artifact fingerprints.
// Degraded but correct: every change is still observed, just later.
type pollWatcher struct {
	cfg Config
}

func newPollWatcher(cfg Config) *pollWatcher {
	return &pollWatcher{cfg: cfg}
}

func (w *pollWatcher) Mode() string { return "polling" }

// Start begins scanning. The first scan emits Created events for artifacts
// already on disk, mirroring the notify watcher's initial scan.
func (w *pollWatcher) Start(ctx context.Context) (<-chan artifact.ChangeEvent, error) {
	out := make(chan artifact.ChangeEvent)
	go w.run(ctx, out)
	return out, nil
}

func (w *pollWatcher) run(ctx context.Context, out chan<- artifact.ChangeEvent) {
	defer close(out)
	known := make(map[artifact.Key]string)
	refs := make(map[artifact.Key]artifact.Ref)
	emit := func(ref artifact.Ref, op artifact.Op) bool {
		select {
		case out <- artifact.ChangeEvent{Ref: ref, Op: op, ObservedAt: w.cfg.Clock.Now()}:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		current := w.scan()
		for key, fp := range current {
			prev, ok := known[key]
			known[key] = fp.fingerprint
			refs[key] = fp.ref
			switch {
			case !ok:
				if !emit(fp.ref, artifact.OpCreated) {
					return
				}
			case prev != fp.fingerprint:
				if !emit(fp.ref, artifact.OpModified) {
					return
				}
			}
		}
		for key := range known {
			if _, ok := current[key]; ok {
				continue
			}
			ref := refs[key]
			delete(known, key)
			delete(refs, key)
			if !emit(ref, artifact.OpRemoved) {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-w.cfg.Clock.After(w.cfg.PollInterval):
		}
	}
}

type polled struct {
	ref         artifact.Ref
	fingerprint string
}

// scan walks the roots and aggregates a per-key fingerprint over the size
// and mtime of every file belonging to the artifact.
func (w *pollWatcher) scan() map[artifact.Key]polled {
	result := make(map[artifact.Key]polled)
	for _, root := range w.cfg.Roots {
		filepath.WalkDir(root.Path, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			ref, ok := root.Classify(path)
			if !ok {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			entry := result[ref.Key]
			entry.ref = ref
			entry.fingerprint += fmt.Sprintf("%s|%d|%d;", filepath.Base(path), info.Size(), info.ModTime().UnixNano())
			result[ref.Key] = entry
			return nil
		})
	}
	return result
}
