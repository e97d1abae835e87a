package validate

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/reloadd/internal/artifact"
	"pkt.systems/reloadd/internal/clock"
	"pkt.systems/reloadd/internal/credmap"
	"pkt.systems/reloadd/internal/store"
)

// CredentialMap validates a credential map file: it parses, every record has
// an identifier and a hashed credential, and no primary key (address or
// alias) is declared twice.
type CredentialMap struct {
	Clock          clock.Clock
	ReadAttempts   int
	ReadRetryDelay time.Duration
}

func (v CredentialMap) clk() clock.Clock {
	if v.Clock == nil {
		return clock.Real{}
	}
	return v.Clock
}

// Validate implements Validator for credential map artifacts.
func (v CredentialMap) Validate(ctx context.Context, ref artifact.Ref, candidatePath string) Result {
	if err := ctx.Err(); err != nil {
		return fail(fmt.Sprintf("validation cancelled: %v", err))
	}
	data, err := store.ReadStable(v.clk(), candidatePath, v.ReadAttempts, v.ReadRetryDelay)
	if err != nil {
		return fail(fmt.Sprintf("read credential map: %v", err))
	}
	file, err := credmap.Parse(data)
	if err != nil {
		return fail(err.Error())
	}
	accounts, err := file.Accounts()
	if err != nil {
		return fail(err.Error())
	}
	result := Result{OK: true}
	if len(accounts) == 0 {
		result.Warnings = append(result.Warnings, "credential map declares no accounts")
	}
	return result
}
