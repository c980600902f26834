// Package faults defines the error taxonomy shared by the instance
// runtime, the service bridge, and the persistence layer. Callers branch
// on these with errors.Is.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: unknown instance, game, player, or datastore key.
	ErrNotFound = errors.New("not found")

	// ErrConflict: duplicate join or a concurrent persistent-write
	// collision. Caller-retryable.
	ErrConflict = errors.New("conflict")

	// ErrResourceExhausted: instance or player-slot capacity reached.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvalidInput: unknown action type or malformed payload,
	// rejected at enqueue time.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreFailure: the persistent data store is unreachable or
	// failing. Surfaced per-call, never treated as absent data.
	ErrStoreFailure = errors.New("store failure")
)

// ScriptFault is an unhandled error from sandboxed game logic. It is
// terminal for the owning instance and never for the host process.
type ScriptFault struct {
	Game    string
	Tick    uint64
	Hook    string // which callback faulted (heartbeat, input:MoveTo, ...)
	Message string
}

func (f *ScriptFault) Error() string {
	return fmt.Sprintf("script fault in %s at tick %d (%s): %s", f.Game, f.Tick, f.Hook, f.Message)
}

// AsScriptFault unwraps err to a *ScriptFault if one is in the chain.
func AsScriptFault(err error) (*ScriptFault, bool) {
	var f *ScriptFault
	ok := errors.As(err, &f)
	return f, ok
}
