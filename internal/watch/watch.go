// Package watch observes the artifact roots and emits normalized change
// events. Two interchangeable implementations exist behind the same
// contract: an fsnotify-based watcher and a polling fallback for
// filesystems without reliable change notification. Selection happens at
// startup; degradation to polling is a warning, never a fatal error.
package watch

import (
	"context"
	"fmt"
	"os"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/reloadd/internal/artifact"
	"pkt.systems/reloadd/internal/clock"
)

const (
	// DefaultDebounce coalesces bursts of writes to one artifact (key file
	// then chain file) into a single logical change.
	DefaultDebounce = 300 * time.Millisecond
	// DefaultPollInterval drives the fallback scanner.
	DefaultPollInterval = 5 * time.Second
)

// Config captures the tunables shared by both watcher implementations.
type Config struct {
	Roots        []artifact.Root
	Debounce     time.Duration
	PollInterval time.Duration
	// ForcePoll skips the notification capability probe entirely.
	ForcePoll bool
	Logger    pslog.Logger
	Clock     clock.Clock
}

func (cfg *Config) applyDefaults() {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
}

// Watcher emits change events for the configured roots until ctx ends.
type Watcher interface {
	Start(ctx context.Context) (<-chan artifact.ChangeEvent, error)
	// Mode reports "fsnotify" or "polling" for status output.
	Mode() string
}

// New selects a watcher implementation based on platform capability.
func New(cfg Config) (Watcher, error) {
	cfg.applyDefaults()
	if len(cfg.Roots) == 0 {
		return nil, fmt.Errorf("watch: at least one root required")
	}
	for _, root := range cfg.Roots {
		if err := os.MkdirAll(root.Path, 0o755); err != nil {
			return nil, fmt.Errorf("watch: prepare root %q: %w", root.Path, err)
		}
	}
	if cfg.ForcePoll {
		cfg.Logger.Info("watch.mode", "mode", "polling", "reason", "config_forced")
		return newPollWatcher(cfg), nil
	}
	for _, root := range cfg.Roots {
		if !notifySupported(root.Path) {
			cfg.Logger.Warn("watch.mode",
				"mode", "polling",
				"reason", "filesystem_not_supported",
				"root", root.Path)
			return newPollWatcher(cfg), nil
		}
	}
	return newNotifyWatcher(cfg), nil
}
