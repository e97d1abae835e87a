// Package strategy implements the service-specific procedures that make a
// validated artifact live without restarting the consuming service.
//
// Two implementations exist: a graceful-process strategy for a single
// TLS-terminating daemon (copy material, self-test, signal reload) and a
// dual-daemon strategy for the MTA/IMAP pair sharing one credential map
// (derive map files, rebuild indexes, reload both daemons in sequence).
// All strategies are idempotent: re-applying the same candidate overwrites
// rather than appends.
package strategy

import (
	"context"

	"pkt.systems/reloadd/internal/artifact"
)

// Strategy applies a validated candidate artifact to its target service.
// Apply must either fully take effect or return an error; the coordinator
// responds to an error by rolling back.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, ref artifact.Ref, candidatePath string) error
}
