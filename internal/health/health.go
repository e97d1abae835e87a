// Package health implements the functional post-reload probes. These are
// deliberately stronger than liveness checks: the TLS probe confirms the
// served certificate is the one just applied, and the mail-pair probe
// completes a trivial protocol round-trip on both daemons.
package health

import (
	"context"

	"pkt.systems/reloadd/internal/artifact"
)

// Result is the verdict of a probe.
type Result struct {
	OK     bool
	Detail string
}

// Checker probes a just-reloaded service. A probe that cannot complete
// before ctx expires must report failure, never hang.
type Checker interface {
	Check(ctx context.Context, ref artifact.Ref) Result
}
