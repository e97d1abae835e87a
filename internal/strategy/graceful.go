package strategy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/reloadd/internal/artifact"
	"pkt.systems/reloadd/internal/clock"
	"pkt.systems/reloadd/internal/store"
)

// GracefulProcess reloads a single daemon that supports configuration
// self-tests and graceful reload signals (new workers serve new connections
// while old workers drain). Destination templates may contain {scope}.
type GracefulProcess struct {
	// ChainDst and KeyDst are where the live process expects the chain and
	// key files.
	ChainDst string
	KeyDst   string
	// SelfTest is the configuration check command. A failing self-test
	// aborts Apply before the reload signal is ever issued.
	SelfTest []string
	// Reload is the graceful reload command.
	Reload []string

	Runner         Runner
	Clock          clock.Clock
	ReadAttempts   int
	ReadRetryDelay time.Duration
	Logger         pslog.Logger
}

// Name implements Strategy.
func (s *GracefulProcess) Name() string { return "graceful-process" }

// Apply implements Strategy for certificate bundle artifacts.
func (s *GracefulProcess) Apply(ctx context.Context, ref artifact.Ref, candidatePath string) error {
	if s.Runner == nil {
		return errors.New("strategy: graceful-process requires a runner")
	}
	logger := s.logger().With("key", ref.Key.String())

	chain, err := store.ReadStable(s.clk(), filepath.Join(candidatePath, artifact.FullChainFile), s.ReadAttempts, s.ReadRetryDelay)
	if err != nil {
		return fmt.Errorf("strategy: read candidate chain: %w", err)
	}
	key, err := store.ReadStable(s.clk(), filepath.Join(candidatePath, artifact.PrivateKeyFile), s.ReadAttempts, s.ReadRetryDelay)
	if err != nil {
		return fmt.Errorf("strategy: read candidate key: %w", err)
	}

	chainDst := artifact.ExpandScope(s.ChainDst, ref.Scope)
	keyDst := artifact.ExpandScope(s.KeyDst, ref.Scope)
	if err := store.WriteFileAtomic(chainDst, chain, 0o644); err != nil {
		return fmt.Errorf("strategy: install chain: %w", err)
	}
	if err := store.WriteFileAtomic(keyDst, key, 0o600); err != nil {
		return fmt.Errorf("strategy: install key: %w", err)
	}
	logger.Debug("strategy.graceful.installed", "chain", chainDst, "key", keyDst)

	if len(s.SelfTest) > 0 {
		if _, err := s.Runner.Run(ctx, s.SelfTest[0], s.SelfTest[1:]...); err != nil {
			return fmt.Errorf("strategy: self-test failed: %w", err)
		}
	}
	if len(s.Reload) > 0 {
		if _, err := s.Runner.Run(ctx, s.Reload[0], s.Reload[1:]...); err != nil {
			return fmt.Errorf("strategy: reload failed: %w", err)
		}
	}
	logger.Info("strategy.graceful.applied")
	return nil
}

func (s *GracefulProcess) clk() clock.Clock {
	if s.Clock == nil {
		return clock.Real{}
	}
	return s.Clock
}

func (s *GracefulProcess) logger() pslog.Logger {
	if s.Logger == nil {
		return pslog.NoopLogger()
	}
	return s.Logger
}
