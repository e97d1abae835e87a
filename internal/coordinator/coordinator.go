// Package coordinator sequences validation, backup, reload, and health
// verification for each artifact change, serialized per artifact key. It is
// the only component that mutates live service configuration, and it does so
// under a per-key lock with commit-or-rollback discipline.
package coordinator

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/reloadd/internal/artifact"
	"pkt.systems/reloadd/internal/audit"
	"pkt.systems/reloadd/internal/backup"
	"pkt.systems/reloadd/internal/clock"
	"pkt.systems/reloadd/internal/health"
	"pkt.systems/reloadd/internal/strategy"
	"pkt.systems/reloadd/internal/validate"
)

// Outcome is the terminal state of a reload attempt.
type Outcome string

const (
	// OutcomeCommitted means the candidate is live and healthy.
	OutcomeCommitted Outcome = "committed"
	// OutcomeRolledBack means the candidate failed and the previous state
	// was restored.
	OutcomeRolledBack Outcome = "rolled_back"
	// OutcomeAborted means the attempt stopped before any side effect
	// (validation or backup failure).
	OutcomeAborted Outcome = "aborted"
)

const (
	// DefaultApplyTimeout bounds a single strategy invocation.
	DefaultApplyTimeout = 30 * time.Second
	// DefaultCheckTimeout bounds a single health probe.
	DefaultCheckTimeout = 10 * time.Second
	// DefaultShutdownGrace bounds how long in-flight attempts may run after
	// shutdown begins.
	DefaultShutdownGrace = 15 * time.Second
)

// Target statically maps an artifact kind (and optionally a specific scope)
// to the strategy and health checker that make it live.
type Target struct {
	Kind artifact.Kind
	// Scope restricts the target to one scope; empty matches any scope of
	// the kind. Exact matches win over wildcards.
	Scope        string
	Strategy     strategy.Strategy
	Checker      health.Checker
	ApplyTimeout time.Duration
	CheckTimeout time.Duration
}

func (t Target) applyTimeout() time.Duration {
	if t.ApplyTimeout > 0 {
		return t.ApplyTimeout
	}
	return DefaultApplyTimeout
}

func (t Target) checkTimeout() time.Duration {
	if t.CheckTimeout > 0 {
		return t.CheckTimeout
	}
	return DefaultCheckTimeout
}

// Config captures the coordinator's collaborators and tunables.
type Config struct {
	Targets    []Target
	Validators validate.Registry
	Backups    *backup.Manager
	Audit      *audit.Log
	Logger     pslog.Logger
	Clock      clock.Clock
	Metrics    *Metrics
	// MaxParallel bounds concurrently progressing keys. Defaults to the
	// number of configured targets.
	MaxParallel int
	// ShutdownGrace bounds the drain of in-flight attempts.
	ShutdownGrace time.Duration
}

// Coordinator owns one state machine per artifact key. Different keys
// progress in parallel; a single key never has two attempts in flight.
type Coordinator struct {
	targets       []Target
	validators    validate.Registry
	backups       *backup.Manager
	audit         *audit.Log
	logger        pslog.Logger
	clock         clock.Clock
	metrics       *Metrics
	sem           chan struct{}
	shutdownGrace time.Duration

	mu     sync.Mutex
	states map[artifact.Key]*keyState
	wg     sync.WaitGroup
}

// keyState holds the live machine for one artifact key. Its fields are
// guarded by Coordinator.mu; the in-flight flag is the per-key lock held for
// the full Detected→Idle lifecycle.
type keyState struct {
	ref      artifact.Ref
	target   Target
	inFlight bool
	// pending is the depth-1 intake queue: only the most recent change
	// matters, older queued changes for the same key are superseded.
	pending        *artifact.ChangeEvent
	machineState   string
	degraded       bool
	degradedReason string
	lastOutcome    Outcome
	lastAttemptID  string
	lastChangeAt   time.Time
	lastGood       *backup.Backup
	// suppressDigest swallows the single watcher echo produced when a
	// rollback rewrites the watched tree.
	suppressDigest string
}

// New constructs a coordinator.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	parallel := cfg.MaxParallel
	if parallel <= 0 {
		parallel = len(cfg.Targets)
	}
	if parallel <= 0 {
		parallel = 1
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	return &Coordinator{
		targets:       cfg.Targets,
		validators:    cfg.Validators,
		backups:       cfg.Backups,
		audit:         cfg.Audit,
		logger:        logger.With("subsystem", "coordinator"),
		clock:         clk,
		metrics:       cfg.Metrics,
		sem:           make(chan struct{}, parallel),
		shutdownGrace: grace,
		states:        make(map[artifact.Key]*keyState),
	}
}

// Run consumes change events until events closes or ctx is cancelled, then
// drains in-flight attempts within the shutdown grace period. An interrupted
// Reloading state could leave an artifact partially applied, so attempts get
// a chance to reach a terminal state.
func (c *Coordinator) Run(ctx context.Context, events <-chan artifact.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			c.drain()
			return
		case ev, ok := <-events:
			if !ok {
				c.drain()
				return
			}
			c.Dispatch(ctx, ev)
		}
	}
}

func (c *Coordinator) drain() {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("coordinator.drained")
	case <-c.clock.After(c.shutdownGrace):
		c.logger.Warn("coordinator.drain_timeout", "grace", c.shutdownGrace.String())
	}
}

// Dispatch routes one change event into its key's state machine: start an
// attempt when the key is idle, otherwise replace the pending slot.
func (c *Coordinator) Dispatch(ctx context.Context, ev artifact.ChangeEvent) {
	key := ev.Ref.Key
	target, ok := c.lookupTarget(key)
	if !ok {
		c.finishWithoutRun(ev, "no service target configured for artifact")
		return
	}
	c.mu.Lock()
	ks, exists := c.states[key]
	if !exists {
		ks = &keyState{ref: ev.Ref, target: target, machineState: "idle"}
		// Failed candidates are discarded at rollback, so after a restart
		// the newest on-disk generation is the last known good state.
		if c.backups != nil {
			if b, found, err := c.backups.Latest(ev.Ref); err == nil && found {
				ks.lastGood = &b
			}
		}
		c.states[key] = ks
	}
	ks.ref = ev.Ref
	ks.lastChangeAt = ev.ObservedAt
	if ks.degraded {
		c.mu.Unlock()
		c.logger.Warn("coordinator.event.dropped_degraded",
			"key", key.String(), "reason", ks.degradedReason)
		return
	}
	if ev.Op == artifact.OpRemoved {
		c.mu.Unlock()
		c.finishWithoutRun(ev, "artifact removed upstream; live state left untouched")
		return
	}
	if ks.inFlight {
		superseded := ks.pending != nil
		ks.pending = &ev
		c.mu.Unlock()
		c.logger.Debug("coordinator.event.coalesced",
			"key", key.String(), "superseded", superseded)
		return
	}
	ks.inFlight = true
	ks.machineState = "detected"
	c.wg.Add(1)
	c.mu.Unlock()
	go c.worker(ctx, ks, ev)
}

func (c *Coordinator) worker(ctx context.Context, ks *keyState, ev artifact.ChangeEvent) {
	defer c.wg.Done()
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		c.mu.Lock()
		ks.inFlight = false
		ks.machineState = "idle"
		c.mu.Unlock()
		return
	}
	defer func() { <-c.sem }()
	for {
		c.runAttempt(ctx, ks, ev)
		c.mu.Lock()
		if ks.pending == nil || ks.degraded || ctx.Err() != nil {
			ks.inFlight = false
			ks.machineState = "idle"
			c.mu.Unlock()
			return
		}
		ev = *ks.pending
		ks.pending = nil
		ks.machineState = "detected"
		c.mu.Unlock()
	}
}

// lookupTarget resolves the service target for a key, preferring an exact
// scope match over a kind-wide wildcard.
func (c *Coordinator) lookupTarget(key artifact.Key) (Target, bool) {
	var wildcard Target
	var haveWildcard bool
	for _, t := range c.targets {
		if t.Kind != key.Kind {
			continue
		}
		if t.Scope == key.Scope {
			return t, true
		}
		if t.Scope == "" && !haveWildcard {
			wildcard = t
			haveWildcard = true
		}
	}
	return wildcard, haveWildcard
}

func (c *Coordinator) finishWithoutRun(ev artifact.ChangeEvent, reason string) {
	c.logger.Warn("coordinator.event.aborted",
		"key", ev.Ref.Key.String(), "op", string(ev.Op), "reason", reason)
	if c.audit != nil {
		c.audit.Append(audit.Entry{
			Timestamp: c.clock.Now(),
			Key:       ev.Ref.Key.String(),
			Outcome:   string(OutcomeAborted),
			Reason:    reason,
		})
	}
	c.metrics.observeAttempt(string(OutcomeAborted), string(ev.Ref.Kind), 0)
}

// KeyStatus is the queryable per-key view exposed to operators.
type KeyStatus struct {
	Key            string    `json:"key"`
	State          string    `json:"state"`
	Degraded       bool      `json:"degraded"`
	DegradedReason string    `json:"degraded_reason,omitempty"`
	LastOutcome    string    `json:"last_outcome,omitempty"`
	LastAttemptID  string    `json:"last_attempt_id,omitempty"`
	LastChangeAt   time.Time `json:"last_change_at,omitzero"`
	LastGoodGen    uint64    `json:"last_good_generation,omitempty"`
}

// Status snapshots every known key's state.
func (c *Coordinator) Status() []KeyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	statuses := make([]KeyStatus, 0, len(c.states))
	for key, ks := range c.states {
		status := KeyStatus{
			Key:            key.String(),
			State:          ks.machineState,
			Degraded:       ks.degraded,
			DegradedReason: ks.degradedReason,
			LastOutcome:    string(ks.lastOutcome),
			LastAttemptID:  ks.lastAttemptID,
			LastChangeAt:   ks.lastChangeAt,
		}
		if ks.lastGood != nil {
			status.LastGoodGen = ks.lastGood.Generation
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// DegradedKeys lists keys stuck in the operator-fatal state.
func (c *Coordinator) DegradedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for key, ks := range c.states {
		if ks.degraded {
			keys = append(keys, key.String())
		}
	}
	return keys
}
