package strategy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/reloadd/internal/artifact"
	"pkt.systems/reloadd/internal/clock"
	"pkt.systems/reloadd/internal/credmap"
	"pkt.systems/reloadd/internal/store"
)

// DualDaemon reloads the mail transfer and delivery daemons that share one
// credential map. It derives the MTA's virtual mailbox and alias maps plus
// the IMAP passwd database from the candidate, rebuilds the indexed map
// forms, and reloads both daemons in sequence. A failure anywhere surfaces
// as an Apply error so the coordinator rolls both daemons back together.
type DualDaemon struct {
	// MTAMapDir receives the derived vmailbox and valias map files.
	MTAMapDir string
	// IMAPPasswdPath receives the derived passwd database.
	IMAPPasswdPath string
	// UserDataRoot is where per-account Maildir skeletons are created.
	// Empty disables homedir management.
	UserDataRoot string
	// IndexCmd rebuilds a map's indexed form; the map file path is appended
	// as the final argument (postmap semantics). Empty disables indexing.
	IndexCmd []string
	// MTAReload and IMAPReload are each daemon's own reload commands.
	MTAReload  []string
	IMAPReload []string

	Runner         Runner
	Clock          clock.Clock
	ReadAttempts   int
	ReadRetryDelay time.Duration
	Logger         pslog.Logger
}

const (
	mailboxMapFile = "vmailbox"
	aliasMapFile   = "valias"
)

// Name implements Strategy.
func (s *DualDaemon) Name() string { return "dual-daemon" }

// Apply implements Strategy for credential map artifacts.
func (s *DualDaemon) Apply(ctx context.Context, ref artifact.Ref, candidatePath string) error {
	if s.Runner == nil {
		return errors.New("strategy: dual-daemon requires a runner")
	}
	logger := s.logger().With("key", ref.Key.String())

	data, err := store.ReadStable(s.clk(), candidatePath, s.ReadAttempts, s.ReadRetryDelay)
	if err != nil {
		return fmt.Errorf("strategy: read candidate map: %w", err)
	}
	file, err := credmap.Parse(data)
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	accounts, err := file.Accounts()
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}

	if s.UserDataRoot != "" {
		for _, dir := range credmap.HomeDirs(accounts) {
			if err := os.MkdirAll(filepath.Join(s.UserDataRoot, dir), 0o750); err != nil {
				return fmt.Errorf("strategy: prepare homedir %q: %w", dir, err)
			}
		}
	}

	mailboxPath := filepath.Join(s.MTAMapDir, mailboxMapFile)
	aliasPath := filepath.Join(s.MTAMapDir, aliasMapFile)
	if err := store.WriteFileAtomic(mailboxPath, credmap.MailboxMap(accounts), 0o644); err != nil {
		return fmt.Errorf("strategy: write mailbox map: %w", err)
	}
	if err := store.WriteFileAtomic(aliasPath, credmap.AliasMap(accounts), 0o644); err != nil {
		return fmt.Errorf("strategy: write alias map: %w", err)
	}
	passwd := credmap.PasswdFile(accounts, credmap.DeriveOptions{UserDataRoot: s.UserDataRoot})
	if err := store.WriteFileAtomic(s.IMAPPasswdPath, passwd, 0o640); err != nil {
		return fmt.Errorf("strategy: write passwd database: %w", err)
	}
	logger.Debug("strategy.dual.derived",
		"accounts", len(accounts),
		"mailbox_map", mailboxPath,
		"alias_map", aliasPath,
		"passwd", s.IMAPPasswdPath)

	if len(s.IndexCmd) > 0 {
		for _, mapPath := range []string{mailboxPath, aliasPath} {
			args := append(append([]string{}, s.IndexCmd[1:]...), mapPath)
			if _, err := s.Runner.Run(ctx, s.IndexCmd[0], args...); err != nil {
				return fmt.Errorf("strategy: index %s: %w", filepath.Base(mapPath), err)
			}
		}
	}
	if len(s.MTAReload) > 0 {
		if _, err := s.Runner.Run(ctx, s.MTAReload[0], s.MTAReload[1:]...); err != nil {
			return fmt.Errorf("strategy: mta reload failed: %w", err)
		}
	}
	if len(s.IMAPReload) > 0 {
		if _, err := s.Runner.Run(ctx, s.IMAPReload[0], s.IMAPReload[1:]...); err != nil {
			return fmt.Errorf("strategy: imap reload failed: %w", err)
		}
	}
	logger.Info("strategy.dual.applied", "accounts", len(accounts))
	return nil
}

func (s *DualDaemon) clk() clock.Clock {
	if s.Clock == nil {
		return clock.Real{}
	}
	return s.Clock
}

func (s *DualDaemon) logger() pslog.Logger {
	if s.Logger == nil {
		return pslog.NoopLogger()
	}
	return s.Logger
}
