package veto

import (
	"context"
)

// Handler executes one action type on behalf of the governor. Registered
// via WithHandler; the returned string is the execution output recorded in
// the audit trail. An error marks the attempt failed and, for reversible
// actions, triggers automatic rollback.
type Handler func(ctx context.Context, a Action) (string, error)

// RollbackHandler reverses an executed action of one type from its
// checkpoint. Registered via WithRollbackHandler. Action types without a
// rollback handler still execute; they just cannot be rolled back.
type RollbackHandler func(ctx context.Context, cp Checkpoint) error

// EventHook receives async notifications for governance lifecycle events.
// Multiple hooks may be registered via multiple WithEventHook calls.
// Hooks run on a dedicated goroutine — they must not block indefinitely.
// Failures are logged but never fail the originating request.
type EventHook interface {
	OnEvent(ctx context.Context, ev Event) error
}
