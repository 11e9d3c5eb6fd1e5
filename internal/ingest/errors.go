package ingest

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure classes the pipeline discriminates on.
// Everything scraping or loading can throw collapses into one of these four
// tags; the coordinator dispatches on the tag, never on concrete API errors.
type Kind int

const (
	// KindTransient covers network timeouts and unspecified flakiness.
	// Retried with exponential backoff up to a retry budget.
	KindTransient Kind = iota
	// KindChannel covers permanent per-channel conditions (not found,
	// private, admin required). The channel is skipped, the run continues.
	KindChannel
	// KindFatal covers authentication rejection. No channel can be scraped,
	// so the whole run aborts.
	KindFatal
	// KindRecord covers a single malformed message. Sibling records in the
	// same batch are unaffected.
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindChannel:
		return "channel"
	case KindFatal:
		return "fatal"
	case KindRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Error tags an underlying error with a failure class.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with the given kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the failure class of err. Untagged errors are treated as
// transient, the safest default for an unknown network-facing failure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsFatal reports whether err aborts the whole run.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}

// CooldownError signals an API-quoted mandatory pause (FLOOD_WAIT). The
// quoted duration is honored verbatim by the backoff controller and the
// request that hit it is retried.
type CooldownError struct {
	Seconds int
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("flood wait: %d seconds", e.Seconds)
}

// AsCooldown extracts a CooldownError from err, if present.
func AsCooldown(err error) (*CooldownError, bool) {
	var c *CooldownError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}
