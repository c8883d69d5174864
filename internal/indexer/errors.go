package indexer

import (
	"context"
	"errors"
	"fmt"

	"ownershipMirror/internal/erc721"
	"ownershipMirror/internal/ledger"
	"ownershipMirror/internal/storage"
)

// ErrorKind separates failures by how the caller should react.
type ErrorKind int

const (
	// KindTransientTransport is an RPC timeout or outage; retry with backoff.
	KindTransientTransport ErrorKind = iota + 1
	// KindApplyConflict is a store transaction that did not commit; retry.
	KindApplyConflict
	// KindPermanentApply is an event that can never be applied as-is.
	KindPermanentApply
	// KindFatalConnection means a dependency could not be reached at all.
	KindFatalConnection
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientTransport:
		return "transient_transport"
	case KindApplyConflict:
		return "apply_conflict"
	case KindPermanentApply:
		return "permanent_apply"
	case KindFatalConnection:
		return "fatal_connection"
	default:
		return "unknown"
	}
}

// Error carries an ErrorKind alongside the failing operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the operation may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientTransport || e.Kind == KindApplyConflict
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Errors that were not produced by this package are
// classified by the sentinels of the packages below it.
func KindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, erc721.ErrMalformedLog):
		return KindPermanentApply
	case errors.Is(err, storage.ErrConflict):
		return KindApplyConflict
	case errors.Is(err, ledger.ErrUnavailable), errors.Is(err, ledger.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTransientTransport
	default:
		return 0
	}
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	kind := KindOf(err)
	return kind == KindTransientTransport || kind == KindApplyConflict
}
