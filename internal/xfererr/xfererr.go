// Package xfererr defines the error taxonomy used across meshxfer: a small
// set of sentinel kinds that every component maps its failures onto, so
// callers can branch with errors.Is/errors.As instead of string matching.
package xfererr

import (
	"errors"
	"fmt"
)

// Kind identifies which taxonomy bucket an error belongs to. The bucket
// decides whether the failure is recoverable and how it is surfaced.
type Kind int

const (
	// KindTransportClosed covers a short read or broken pipe on the
	// underlying TCP connection. Not recoverable: terminate the session
	// and keep .part files for a later resume.
	KindTransportClosed Kind = iota

	// KindProtocolError covers malformed framing or bad metadata. Not
	// recoverable: abort and exit non-zero.
	KindProtocolError

	// KindAuthFailure covers an AEAD tag mismatch or challenge mismatch.
	// Not recoverable: abort and report "Authentication failed".
	KindAuthFailure

	// KindHandshakeTimeout covers a handshake that did not complete in
	// time. Not recoverable.
	KindHandshakeTimeout

	// KindStallDetected covers a transfer making no progress for the
	// stall window. Recoverable up to 3 times via a resend request.
	KindStallDetected

	// KindStallUnrecoverable covers a stall that exhausted its retries.
	// Not recoverable: abort, keep .part, prompt resume on next run.
	KindStallUnrecoverable

	// KindHashMismatch covers a file whose post-stream hash didn't match.
	// Recoverable up to 3 attempts via the retry engine.
	KindHashMismatch

	// KindIOError covers EMFILE, ENOSPC, EPERM and similar local I/O
	// failures. Not recoverable for ENOSPC/EMFILE; per-file for EPERM.
	KindIOError

	// KindUnsafePath covers a file descriptor whose relative path would
	// escape the output directory. Not recoverable: abort before any
	// write happens.
	KindUnsafePath
)

func (k Kind) String() string {
	switch k {
	case KindTransportClosed:
		return "TransportClosed"
	case KindProtocolError:
		return "ProtocolError"
	case KindAuthFailure:
		return "AuthFailure"
	case KindHandshakeTimeout:
		return "HandshakeTimeout"
	case KindStallDetected:
		return "StallDetected"
	case KindStallUnrecoverable:
		return "StallUnrecoverable"
	case KindHashMismatch:
		return "HashMismatch"
	case KindIOError:
		return "IOError"
	case KindUnsafePath:
		return "UnsafePath"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a taxonomy Kind and optional context
// (which file, which stage) so it can be logged and matched uniformly.
type Error struct {
	Kind    Kind
	Context string
	Err     error
}

func (e *Error) Error() string {
	if e.Context != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Context)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, xfererr.New(xfererr.KindAuthFailure, "", nil)) works, and
// more usefully so that errors.Is(err, ErrAuthFailure) works against the
// sentinel values below.
func (e *Error) Is(target error) bool {
	var kindMatch *kindSentinel
	if errors.As(target, &kindMatch) {
		return e.Kind == kindMatch.kind
	}
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// kindSentinel is a lightweight error value that only carries a Kind, used
// to build package-level sentinels that errors.Is can match against any
// *Error of the same kind regardless of context or wrapped cause.
type kindSentinel struct{ kind Kind }

func (s *kindSentinel) Error() string { return s.kind.String() }

// Sentinels for use with errors.Is. They carry no context; construct a
// concrete *Error with New for anything that needs a message.
var (
	ErrTransportClosed    error = &kindSentinel{KindTransportClosed}
	ErrProtocolError      error = &kindSentinel{KindProtocolError}
	ErrAuthFailure        error = &kindSentinel{KindAuthFailure}
	ErrHandshakeTimeout   error = &kindSentinel{KindHandshakeTimeout}
	ErrStallDetected      error = &kindSentinel{KindStallDetected}
	ErrStallUnrecoverable error = &kindSentinel{KindStallUnrecoverable}
	ErrHashMismatch       error = &kindSentinel{KindHashMismatch}
	ErrIOError            error = &kindSentinel{KindIOError}
	ErrUnsafePath         error = &kindSentinel{KindUnsafePath}
)

// New builds a concrete taxonomy error. context describes what was being
// done ("decrypt record", "write block for report.pdf"); err is the
// underlying cause, which may be nil.
func New(kind Kind, context string, err error) *Error {
	return &Error{Kind: kind, Context: context, Err: err}
}

// Recoverable reports whether the taxonomy kind is retried at all before
// being surfaced as terminal. StallDetected and HashMismatch are retried
// by their respective engines up to a fixed attempt count; everything else
// is terminal on first occurrence.
func Recoverable(kind Kind) bool {
	switch kind {
	case KindStallDetected, KindHashMismatch:
		return true
	default:
		return false
	}
}
