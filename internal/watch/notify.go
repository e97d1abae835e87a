package watch

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/reloadd/internal/artifact"
)

// notifyWatcher uses inotify-style notifications with per-key debouncing.
type notifyWatcher struct {
	cfg  Config
	mode string
}

func newNotifyWatcher(cfg Config) *notifyWatcher {
	return &notifyWatcher{cfg: cfg, mode: "fsnotify"}
}

func (w *notifyWatcher) Mode() string { return w.mode }

// Start begins watching. If the notification mechanism cannot be set up the
// watcher degrades to polling instead of failing.
func (w *notifyWatcher) Start(ctx context.Context) (<-chan artifact.ChangeEvent, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.cfg.Logger.Warn("watch.notify.unavailable", "error", err)
		w.mode = "polling"
		return newPollWatcher(w.cfg).Start(ctx)
	}
	for _, root := range w.cfg.Roots {
		if err := addTree(fsw, root.Path); err != nil {
			fsw.Close()
			w.cfg.Logger.Warn("watch.notify.add_failed", "root", root.Path, "error", err)
			w.mode = "polling"
			return newPollWatcher(w.cfg).Start(ctx)
		}
	}
	out := make(chan artifact.ChangeEvent)
	go w.run(ctx, fsw, out)
	return out, nil
}

// addTree registers root and its immediate scope subdirectories. Artifact
// layouts are at most one level deep.
func addTree(fsw *fsnotify.Watcher, root string) error {
	if err := fsw.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() && !artifact.TransientName(entry.Name()) {
			if err := fsw.Add(filepath.Join(root, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

type pendingChange struct {
	ref artifact.Ref
	op  artifact.Op
	// gen distinguishes the debounce window opened by the latest write from
	// windows superseded by it.
	gen uint64
}

type flushTick struct {
	key artifact.Key
	gen uint64
}

func (w *notifyWatcher) run(ctx context.Context, fsw *fsnotify.Watcher, out chan<- artifact.ChangeEvent) {
	defer close(out)
	defer fsw.Close()

	flushCh := make(chan flushTick, 64)
	pending := make(map[artifact.Key]*pendingChange)

	touch := func(ref artifact.Ref, op artifact.Op) {
		p, ok := pending[ref.Key]
		if !ok {
			p = &pendingChange{ref: ref, op: op}
			pending[ref.Key] = p
		} else {
			p.ref = ref
			p.op = mergeOps(p.op, op)
		}
		p.gen++
		tick := flushTick{key: ref.Key, gen: p.gen}
		wait := w.cfg.Clock.After(w.cfg.Debounce)
		go func() {
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
			select {
			case flushCh <- tick:
			case <-ctx.Done():
			}
		}()
	}

	// Initial scan: artifacts already on disk become synthetic Created
	// events so a restart converges without waiting for the next write.
	for _, ref := range scanRoots(w.cfg.Roots) {
		touch(ref, artifact.OpCreated)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-flushCh:
			p, ok := pending[tick.key]
			if !ok || p.gen != tick.gen {
				// A later write re-opened the window; this tick is stale.
				continue
			}
			delete(pending, tick.key)
			ev, emit := w.resolve(p)
			if !emit {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		case fev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(fsw, fev, touch)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.cfg.Logger.Warn("watch.notify.error", "error", err)
		}
	}
}

func (w *notifyWatcher) handleFSEvent(fsw *fsnotify.Watcher, fev fsnotify.Event, touch func(artifact.Ref, artifact.Op)) {
	// New scope directories must join the watch before their files land.
	if fev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(fev.Name); err == nil && info.IsDir() {
			for _, root := range w.cfg.Roots {
				if root.Kind != artifact.KindCertificateBundle {
					continue
				}
				if filepath.Dir(fev.Name) == filepath.Clean(root.Path) {
					if err := fsw.Add(fev.Name); err != nil {
						w.cfg.Logger.Warn("watch.notify.add_scope_failed",
							"dir", fev.Name, "error", err)
						continue
					}
					// Files may have landed before the watch was in
					// place; pick them up now.
					entries, err := os.ReadDir(fev.Name)
					if err != nil {
						continue
					}
					for _, entry := range entries {
						if ref, ok := root.Classify(filepath.Join(fev.Name, entry.Name())); ok {
							touch(ref, artifact.OpCreated)
						}
					}
				}
			}
			return
		}
	}
	for _, root := range w.cfg.Roots {
		ref, ok := root.Classify(fev.Name)
		if !ok {
			continue
		}
		switch {
		case fev.Op.Has(fsnotify.Remove) || fev.Op.Has(fsnotify.Rename):
			touch(ref, artifact.OpRemoved)
		case fev.Op.Has(fsnotify.Create):
			touch(ref, artifact.OpCreated)
		case fev.Op.Has(fsnotify.Write):
			touch(ref, artifact.OpModified)
		}
		return
	}
}

// resolve decides what a settled burst means by looking at the disk state:
// a complete artifact emits the pending op, a vanished artifact emits
// Removed, and a partial one (key written, chain still pending) stays
// silent until the writer finishes.
func (w *notifyWatcher) resolve(p *pendingChange) (artifact.ChangeEvent, bool) {
	complete, missing := artifactPresence(p.ref)
	switch {
	case complete:
		op := p.op
		if op == artifact.OpRemoved {
			op = artifact.OpModified
		}
		return artifact.ChangeEvent{Ref: p.ref, Op: op, ObservedAt: w.cfg.Clock.Now()}, true
	case missing:
		return artifact.ChangeEvent{Ref: p.ref, Op: artifact.OpRemoved, ObservedAt: w.cfg.Clock.Now()}, true
	default:
		w.cfg.Logger.Debug("watch.notify.partial_artifact", "key", p.ref.Key.String())
		return artifact.ChangeEvent{}, false
	}
}

func mergeOps(old, new artifact.Op) artifact.Op {
	if new == artifact.OpRemoved {
		return artifact.OpRemoved
	}
	if old == artifact.OpCreated {
		return artifact.OpCreated
	}
	return new
}

// artifactPresence reports whether the artifact's material is fully present
// or fully absent on disk.
func artifactPresence(ref artifact.Ref) (complete, missing bool) {
	switch ref.Kind {
	case artifact.KindCertificateBundle:
		_, chainErr := os.Stat(ref.ChainPath())
		_, keyErr := os.Stat(ref.KeyPath())
		if chainErr == nil && keyErr == nil {
			return true, false
		}
		if chainErr != nil && keyErr != nil {
			return false, true
		}
		return false, false
	default:
		if _, err := os.Stat(ref.Path); err == nil {
			return true, false
		}
		return false, true
	}
}

// scanRoots classifies everything currently on disk, one ref per key.
func scanRoots(roots []artifact.Root) []artifact.Ref {
	seen := make(map[artifact.Key]bool)
	var refs []artifact.Ref
	for _, root := range roots {
		filepath.WalkDir(root.Path, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			ref, ok := root.Classify(path)
			if !ok || seen[ref.Key] {
				return nil
			}
			seen[ref.Key] = true
			refs = append(refs, ref)
			return nil
		})
	}
	return refs
}
