package source

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure. The orchestrator's retry policy is
// driven entirely by this taxonomy.
type Kind int

const (
	// KindTransient covers network failures and timeouts; retried with
	// standard backoff.
	KindTransient Kind = iota
	// KindRateLimited means the source itself throttled us; retried with
	// standard backoff.
	KindRateLimited
	// KindAuthExpired means credentials or session were rejected; one
	// re-authentication is attempted, a second occurrence is terminal.
	KindAuthExpired
	// KindChallengeBlocked means an anti-bot challenge could not be cleared;
	// retried on the long-backoff track.
	KindChallengeBlocked
	// KindNotFound is terminal: the requested item does not exist.
	KindNotFound
	// KindParseFailure is terminal: the response shape did not match
	// expectations (changed selectors, garbled body, honeypot markup).
	KindParseFailure
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient_network"
	case KindRateLimited:
		return "rate_limited_by_source"
	case KindAuthExpired:
		return "auth_expired"
	case KindChallengeBlocked:
		return "challenge_blocked"
	case KindNotFound:
		return "not_found"
	case KindParseFailure:
		return "parse_failure"
	}
	return "unknown"
}

// Error is a typed fetch failure.
type Error struct {
	Kind   Kind
	Source string
	Op     Op
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("source %s/%s: %s: %s", e.Source, e.Op, e.Kind, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed fetch failure.
func NewError(kind Kind, src string, op Op, msg string, cause error) *Error {
	return &Error{Kind: kind, Source: src, Op: op, Msg: msg, Err: cause}
}

// KindOf extracts the failure kind from err. Unclassified errors are
// reported as transient: unknown failure modes get retried, not dropped.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// Retryable reports whether err belongs to a class recovered by standard
// retry/backoff (transient network, source-side throttling).
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// Terminal reports whether err must not be retried at all.
func Terminal(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindParseFailure:
		return true
	}
	return false
}
