// Package errs defines the closed set of error kinds the ingestion core
// can raise, per the error-handling design: every fallible operation
// returns one of these instead of an ad-hoc error string, so the
// orchestrator can branch on Kind without parsing messages.
package errs

import "fmt"

// Kind is a closed sum type of disposition classes.
type Kind string

const (
	KindRateLimited       Kind = "RateLimited"
	KindServerError       Kind = "ServerError"
	KindTransportError    Kind = "TransportError"
	KindProtocolError     Kind = "ProtocolError"
	KindClientError       Kind = "ClientError"
	KindCircuitOpen       Kind = "CircuitOpen"
	KindCheckpointCorrupt Kind = "CheckpointCorrupt"
	KindNonMonotonic      Kind = "NonMonotonic"
	KindLockHeld          Kind = "LockHeld"
	KindLockLost          Kind = "LockLost"
	KindUnorderedBatch    Kind = "UnorderedBatch"
	KindStoreUnavailable  Kind = "StoreUnavailable"
)

// IngestError is the typed error every component surfaces to its caller.
type IngestError struct {
	Kind Kind
	// Op identifies the operation that failed, e.g. "fetch_page", "checkpoint.save".
	Op  string
	Err error
}

func (e *IngestError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, target) match any *IngestError target of the
// same Kind, e.g. errors.Is(err, &IngestError{Kind: KindRateLimited}).
// Callers more commonly use errs.KindOf.
func (e *IngestError) Is(target error) bool {
	other, ok := target.(*IngestError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New wraps err as an IngestError of the given kind.
func New(kind Kind, op string, err error) *IngestError {
	return &IngestError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, or "" if err isn't an *IngestError.
func KindOf(err error) Kind {
	ie, ok := err.(*IngestError)
	if !ok {
		return ""
	}
	return ie.Kind
}

// Retriable reports whether the fetcher should re-enqueue the cursor
// rather than abandon the batch.
func Retriable(k Kind) bool {
	switch k {
	case KindRateLimited, KindServerError, KindTransportError, KindProtocolError, KindStoreUnavailable:
		return true
	default:
		return false
	}
}

// CircuitFailure reports whether an outcome should count against the
// circuit breaker's consecutive-failure count. RateLimited does not:
// the token bucket is the control loop for 429s, not the breaker.
func CircuitFailure(k Kind) bool {
	switch k {
	case KindServerError, KindTransportError, KindProtocolError, KindClientError:
		return true
	default:
		return false
	}
}

// Fatal reports whether an outcome should abort the run outright rather
// than being retried or re-enqueued.
func Fatal(k Kind) bool {
	switch k {
	case KindClientError, KindCheckpointCorrupt, KindNonMonotonic, KindUnorderedBatch, KindLockLost:
		return true
	default:
		return false
	}
}
