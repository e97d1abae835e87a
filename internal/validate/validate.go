// Package validate gates candidate artifacts before they are allowed to
// become live. A failed verdict causes the coordinator to skip the reload
// entirely: no backup, no strategy invocation.
package validate

import (
	"context"

	"pkt.systems/reloadd/internal/artifact"
)

// Result is a validation verdict. Warnings accompany a passing verdict and
// are logged without blocking the reload.
type Result struct {
	OK       bool
	Reason   string
	Warnings []string
}

func fail(reason string) Result {
	return Result{Reason: reason}
}

// Validator checks a candidate artifact for structural and semantic
// correctness.
type Validator interface {
	Validate(ctx context.Context, ref artifact.Ref, candidatePath string) Result
}

// Registry maps artifact kinds to their validators.
type Registry map[artifact.Kind]Validator

// For returns the validator registered for kind.
func (r Registry) For(kind artifact.Kind) (Validator, bool) {
	v, ok := r[kind]
	return v, ok
}
