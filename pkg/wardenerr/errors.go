// Package wardenerr defines the error taxonomy shared across Warden's
// components (spec §7). Components wrap underlying failures in *Error so the
// Orchestrator can branch on Kind without caring which client produced it.
package wardenerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for orchestration purposes. Kinds are not
// exception types — they are a closed set the Orchestrator switches on.
type Kind string

const (
	// KindValidation covers rejected commands and malformed payloads.
	// Non-retryable; surfaced as an immediate terminal Attempt.
	KindValidation Kind = "validation"

	// KindTransientNetwork covers SSH timeouts, monitoring 5xx, LLM 429/5xx.
	// Retried inside the owning client; the SSH executor re-wraps it as
	// KindRemoteUnavailable on exhaustion, while the monitoring and log
	// clients return it as KindTransientNetwork.
	KindTransientNetwork Kind = "transient_network"

	// KindRemoteUnavailable is a failed Attempt during execute/verify, or a
	// skip during gating (host offline).
	KindRemoteUnavailable Kind = "remote_unavailable"

	// KindStorageUnavailable triggers degraded-mode queueing.
	KindStorageUnavailable Kind = "storage_unavailable"

	// KindPolicyDeny is a Validator or self-protection deny. Non-retryable.
	KindPolicyDeny Kind = "policy_deny"

	// KindTimeout is an overall alert deadline or LLM loop deadline expiry.
	KindTimeout Kind = "timeout"

	// KindUnknownOutcome is a verification that could not be performed.
	// Counted as failed for retry pacing but never recorded as a
	// FailurePattern.
	KindUnknownOutcome Kind = "unknown_outcome"
)

// Error wraps an underlying error with a Kind so callers can recover the
// taxonomy via errors.As without string matching.
type Error struct {
	Kind  Kind
	Alert string // alertname|instance, best-effort, for logging
	Err   error
}

func (e *Error) Error() string {
	if e.Alert != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Alert, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. Returns nil if err is nil.
func New(kind Kind, alert string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Alert: alert, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, or "" if err isn't a *Error.
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return ""
}
