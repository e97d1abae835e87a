package coordinator

import (
	"context"
	"fmt"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/reloadd/internal/artifact"
	"pkt.systems/reloadd/internal/audit"
	"pkt.systems/reloadd/internal/backup"
	"pkt.systems/reloadd/internal/health"
	"pkt.systems/reloadd/internal/store"
)

// attempt tracks one Detected→Idle run of a key's state machine.
type attempt struct {
	id           string
	ks           *keyState
	ref          artifact.Ref
	target       Target
	outcome      Outcome
	reason       string
	healthDetail string
	generation   uint64
	operatorFlag bool
}

func (c *Coordinator) setMachineState(ks *keyState, state string) {
	c.mu.Lock()
	ks.machineState = state
	c.mu.Unlock()
}

// runAttempt drives the state machine for a single change:
// Validating → BackingUp → Reloading → HealthChecking → Committed,
// with failures branching to Aborted (no side effects yet) or RolledBack
// (restore + re-apply + re-verify).
func (c *Coordinator) runAttempt(ctx context.Context, ks *keyState, ev artifact.ChangeEvent) {
	a := &attempt{
		id:     xid.New().String(),
		ks:     ks,
		ref:    ev.Ref,
		target: ks.target,
	}
	started := c.clock.Now()
	logger := c.logger.With("key", a.ref.Key.String(), "attempt_id", a.id)
	c.metrics.inFlightAdd(1)
	defer c.metrics.inFlightAdd(-1)

	// A rollback rewrites the watched tree, which the watcher reports as a
	// fresh change. Recognise and swallow that one echo. A non-matching
	// change leaves the suppression armed: the echo may still be in flight
	// behind an operator change that raced ahead of it.
	if digest, err := c.candidateDigest(a.ref); err == nil {
		c.mu.Lock()
		suppressed := ks.suppressDigest != "" && ks.suppressDigest == digest
		if suppressed {
			ks.suppressDigest = ""
		}
		c.mu.Unlock()
		if suppressed {
			logger.Debug("coordinator.event.restore_echo_suppressed")
			return
		}
	}

	logger.Info("coordinator.attempt.start", "op", string(ev.Op))
	c.execute(ctx, a, logger)

	finished := c.clock.Now()
	duration := finished.Sub(started)
	c.mu.Lock()
	ks.lastOutcome = a.outcome
	ks.lastAttemptID = a.id
	if a.operatorFlag {
		ks.degraded = true
		ks.degradedReason = a.reason
	}
	ks.machineState = "idle"
	c.mu.Unlock()

	if a.operatorFlag {
		c.metrics.degradedSet(len(c.DegradedKeys()))
		logger.Error("coordinator.key.operator_fatal", "reason", a.reason)
	}
	if c.audit != nil {
		c.audit.Append(audit.Entry{
			Timestamp:    finished,
			Key:          a.ref.Key.String(),
			AttemptID:    a.id,
			Outcome:      string(a.outcome),
			Strategy:     a.target.Strategy.Name(),
			Generation:   a.generation,
			DurationMS:   duration.Milliseconds(),
			Reason:       a.reason,
			HealthDetail: a.healthDetail,
			OperatorFlag: a.operatorFlag,
		})
	}
	c.metrics.observeAttempt(string(a.outcome), string(a.ref.Kind), duration.Seconds())
}

func (c *Coordinator) execute(ctx context.Context, a *attempt, logger pslog.Logger) {
	// Validating: a malformed candidate is a local, recoverable failure.
	// Skip the reload entirely: no backup, no strategy invocation.
	c.setMachineState(a.ks, "validating")
	validator, ok := c.validators.For(a.ref.Kind)
	if !ok {
		a.outcome = OutcomeAborted
		a.reason = fmt.Sprintf("no validator registered for kind %q", a.ref.Kind)
		return
	}
	result := validator.Validate(ctx, a.ref, a.ref.Path)
	for _, warning := range result.Warnings {
		logger.Warn("coordinator.validate.warning", "detail", warning)
	}
	if !result.OK {
		a.outcome = OutcomeAborted
		a.reason = "validation failed: " + result.Reason
		return
	}

	// BackingUp: never reload without a snapshot of the current live state.
	c.setMachineState(a.ks, "backing_up")
	b, err := c.backups.Backup(a.ref)
	if err != nil {
		a.outcome = OutcomeAborted
		a.reason = "backup failed: " + err.Error()
		return
	}
	a.generation = b.Generation

	// Reloading.
	c.setMachineState(a.ks, "reloading")
	if err := c.applyBounded(ctx, a.target, a.ref, a.ref.Path); err != nil {
		logger.Warn("coordinator.apply.failed", "error", err)
		a.reason = "apply failed: " + err.Error()
		c.rollback(ctx, a, b, c.restorePoint(a.ks, b))
		return
	}

	// HealthChecking.
	c.setMachineState(a.ks, "health_checking")
	hres := c.checkBounded(ctx, a.target, a.ref)
	a.healthDetail = hres.Detail
	if !hres.OK {
		logger.Warn("coordinator.health.failed", "detail", hres.Detail)
		a.reason = "health check failed: " + hres.Detail
		c.rollback(ctx, a, b, c.restorePoint(a.ks, b))
		return
	}

	// Committed: this backup becomes the last known good baseline and only
	// now supersedes earlier generations in the retention ring.
	c.mu.Lock()
	a.ks.lastGood = &b
	a.ks.suppressDigest = ""
	c.mu.Unlock()
	c.backups.Promote(b)
	a.outcome = OutcomeCommitted
	logger.Info("coordinator.attempt.committed",
		"generation", b.Generation, "health", hres.Detail)
}

// restorePoint picks what rollback restores: the last committed baseline
// when one exists. On a key's very first attempt no baseline exists yet, so
// the snapshot of the failing candidate is the only restore target; its
// re-verification then decides whether the key degrades.
func (c *Coordinator) restorePoint(ks *keyState, fallback backup.Backup) backup.Backup {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ks.lastGood != nil {
		return *ks.lastGood
	}
	return fallback
}

// rollback restores the last known good state over the watched artifact and
// re-establishes it in the target service. If the restored state cannot be
// re-verified healthy the key escalates to the operator-fatal degraded
// state: the engine can no longer assert a known-good state exists.
func (c *Coordinator) rollback(ctx context.Context, a *attempt, head, restore backup.Backup) {
	a.outcome = OutcomeRolledBack
	// The failed candidate's snapshot must not outlive its attempt: the
	// newest on-disk generation seeds the rollback baseline after a restart.
	if restore.Generation != head.Generation {
		c.backups.Discard(head)
	}
	if err := c.backups.Restore(restore); err != nil {
		a.operatorFlag = true
		a.reason = fmt.Sprintf("%s; restore failed: %v", a.reason, err)
		return
	}
	c.mu.Lock()
	a.ks.suppressDigest = restore.Snapshot.Digest()
	c.mu.Unlock()
	if err := c.applyBounded(ctx, a.target, a.ref, a.ref.Path); err != nil {
		a.operatorFlag = true
		a.reason = fmt.Sprintf("%s; re-apply of restored state failed: %v", a.reason, err)
		return
	}
	confirm := c.checkBounded(ctx, a.target, a.ref)
	if !confirm.OK {
		a.operatorFlag = true
		a.reason = fmt.Sprintf("%s; restored state failed health re-verification: %s", a.reason, confirm.Detail)
		return
	}
	// The restored state just passed the health probe; it is the baseline.
	c.mu.Lock()
	a.ks.lastGood = &restore
	c.mu.Unlock()
}

// applyBounded invokes the strategy under its hard timeout. A strategy that
// never returns is treated as failed once the timeout fires; the goroutine
// is abandoned to its (cancelled) context.
func (c *Coordinator) applyBounded(ctx context.Context, target Target, ref artifact.Ref, candidatePath string) error {
	applyCtx, cancel := context.WithTimeout(ctx, target.applyTimeout())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- target.Strategy.Apply(applyCtx, ref, candidatePath)
	}()
	select {
	case err := <-done:
		return err
	case <-applyCtx.Done():
		return fmt.Errorf("coordinator: apply exceeded %s: %w", target.applyTimeout(), applyCtx.Err())
	}
}

func (c *Coordinator) checkBounded(ctx context.Context, target Target, ref artifact.Ref) health.Result {
	checkCtx, cancel := context.WithTimeout(ctx, target.checkTimeout())
	defer cancel()
	done := make(chan health.Result, 1)
	go func() {
		done <- target.Checker.Check(checkCtx, ref)
	}()
	select {
	case res := <-done:
		return res
	case <-checkCtx.Done():
		return health.Result{Detail: fmt.Sprintf("health check exceeded %s", target.checkTimeout())}
	}
}

func (c *Coordinator) candidateDigest(ref artifact.Ref) (string, error) {
	snap, err := store.SnapshotPath(c.clock, ref.Path, 1, 0)
	if err != nil {
		return "", err
	}
	return snap.Digest(), nil
}
