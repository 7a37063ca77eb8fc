// Package orchestrator adapts the auto-scaler's scale decisions to the
// external worker orchestrator. No transport is mandated by the spec this
// implements; the reference adapter here speaks HTTP/JSON.
package orchestrator

import "context"

// Orchestrator dispatches a scale command for a team. Implementations must
// be idempotent with respect to re-issuing the same target: calling Scale
// twice with the same (teamID, target) leaves the pool in the same state
// as calling it once. Any partial application during a failed call is the
// implementation's concern, not the caller's.
type Orchestrator interface {
	Scale(ctx context.Context, teamID string, target int) error
}
