// Package errkind defines the error taxonomy that drives the forward loop's
// retry decisions: five outcome classes the request and CONNECT engines
// branch on.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the forward loop. It says nothing about the
// underlying transport reason (timeout, reset, refused) — that detail is
// kept as the wrapped cause.
type Kind int

const (
	// ClientError originates on the client side of the proxy connection.
	// Always terminal: the connection is closed, never retried.
	ClientError Kind = iota
	// UpstreamTransient is a recoverable upstream failure: refused,
	// reset, timed out, read short, malformed response framing, or a
	// bad302. Retried while retryable.
	UpstreamTransient
	// UpstreamExhausted means the candidate list ran out.
	UpstreamExhausted
	// Malformed means a request or response could not be parsed.
	Malformed
	// PolicyReject means the policy engine returned a status or control
	// token without any upstream being contacted.
	PolicyReject
)

func (k Kind) String() string {
	switch k {
	case ClientError:
		return "ClientError"
	case UpstreamTransient:
		return "UpstreamTransient"
	case UpstreamExhausted:
		return "UpstreamExhausted"
	case Malformed:
		return "Malformed"
	case PolicyReject:
		return "PolicyReject"
	default:
		return "Unknown"
	}
}

// Error wraps a cause with a Kind so the forward loop can switch on outcome
// class without caring about the underlying transport reason.
type Error struct {
	Kind  Kind
	Cause error
	// Target is the short host:port the error occurred against, for
	// logging; empty for client-side errors.
	Target string
}

func (e *Error) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s(%s): %v", e.Kind, e.Target, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

func New(kind Kind, target string, cause error) *Error {
	return &Error{Kind: kind, Cause: cause, Target: target}
}

func Client(cause error) *Error             { return New(ClientError, "", cause) }
func Transient(target string, cause error) *Error { return New(UpstreamTransient, target, cause) }
func Exhausted(target string) *Error        { return New(UpstreamExhausted, target, errors.New("candidate list exhausted")) }
func Malform(cause error) *Error            { return New(Malformed, "", cause) }
func PolicyRejected(cause error) *Error     { return New(PolicyReject, "", cause) }
