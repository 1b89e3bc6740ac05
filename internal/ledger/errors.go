// errors.go defines the typed error kinds surfaced by the ledger core so
// callers can map each failure mode to a distinct HTTP status and operators
// can triage signing failures without reading stack traces.
package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for the integrity-critical failure modes. Wrap sites add
// context with fmt.Errorf("...: %w", ...) so errors.Is still matches.
var (
	// ErrRecordNotFound is returned when the target audit record does not exist.
	ErrRecordNotFound = errors.New("audit record not found")

	// ErrAlreadySigned is returned when signing is attempted on a record that
	// already carries a signature. Signing is a terminal transition; there is
	// no overwrite path.
	ErrAlreadySigned = errors.New("audit record already signed")

	// ErrStaleAuthentication is returned when the signer's authentication
	// event is older than the configured freshness window.
	ErrStaleAuthentication = errors.New("stale or missing re-authentication for electronic signature")

	// ErrHistoryCollision is returned (in strict mode) when a history entry
	// already exists for a (scope, entity) pair.
	ErrHistoryCollision = errors.New("history entry already exists for scope and entity")
)

// ValidationError reports a rejected input before any write occurs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps an underlying document-store or blob-store failure. It is
// always propagated to the immediate caller; the decision to treat an audit
// write failure as non-fatal belongs to the call site, not the core.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
