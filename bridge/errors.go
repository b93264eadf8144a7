package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"

	"adslink/ads"
)

// ConnKind classifies connection errors.
type ConnKind int

const (
	// ConnUnreachable: no session could be established, or an established
	// one broke mid-operation.
	ConnUnreachable ConnKind = iota
	// ConnNotConnected: the operation was attempted outside the Connected
	// state. Nothing is queued; the caller fails immediately.
	ConnNotConnected
	// ConnTimeout: a transport call exceeded its bounded timeout.
	ConnTimeout
)

func (k ConnKind) String() string {
	switch k {
	case ConnUnreachable:
		return "unreachable"
	case ConnNotConnected:
		return "not connected"
	case ConnTimeout:
		return "timeout"
	default:
		return "connection error"
	}
}

// ConnectionError reports a transport-level failure. These are recovered
// locally with bounded backoff before being surfaced.
type ConnectionError struct {
	Kind ConnKind
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection %v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("connection %v", e.Kind)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is a ConnectionError of the
// given kind.
func IsConnectionError(err error, kind ConnKind) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Kind == kind
}

// SymbolError reports that a symbolic name did not resolve on the PLC.
// A renamed or deleted variable will not appear on retry, so these are
// surfaced immediately to the owning subscription and never retried.
type SymbolError struct {
	Name string
	Err  error
}

func (e *SymbolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("symbol %q: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("symbol %q not found", e.Name)
}

func (e *SymbolError) Unwrap() error { return e.Err }

// connErr wraps a raw transport failure, mapping deadline expiry to
// ConnTimeout.
func connErr(err error) *ConnectionError {
	kind := ConnUnreachable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ConnTimeout
	} else {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			kind = ConnTimeout
		}
	}
	return &ConnectionError{Kind: kind, Err: err}
}

// transportLevel reports whether err should trigger the reconnect path.
// Symbol and codec errors are application-level: they affect only the
// operation that raised them.
func transportLevel(err error) bool {
	var se *SymbolError
	if errors.As(err, &se) {
		return false
	}
	var ce *ads.CodecError
	return !errors.As(err, &ce)
}
