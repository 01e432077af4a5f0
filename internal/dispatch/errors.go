package dispatch

import (
	"errors"
	"fmt"
	"time"

	"wagate/internal/classify"
)

// Code is the outcome taxonomy of a send.
type Code = classify.Code

const (
	CodeRateLimited       = classify.CodeRateLimited
	CodeUpstreamBackoff   = classify.CodeUpstreamBackoff
	CodeUpstreamTransient = classify.CodeUpstreamTransient
	CodeCredentialInvalid = classify.CodeCredentialInvalid
	CodePolicyViolation   = classify.CodePolicyViolation
	CodeAccountBlocked    = classify.CodeAccountBlocked
	CodeRecipientInvalid  = classify.CodeRecipientInvalid
	CodeComplianceBlocked = classify.CodeComplianceBlocked
	CodeRetryExhausted    = classify.CodeRetryExhausted
	CodeUnknown           = classify.CodeUnknown
)

var (
	ErrInvalidRequest = errors.New("dispatch: invalid request")
	ErrCampaignPaused = errors.New("dispatch: campaign paused")
)

// Error is a send that did not go through.
type Error struct {
	Code   Code
	Reason string
	After  time.Duration
	Err    error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Code.Retryable() }

// RetryAfter is the suggested wait for retryable codes.
func (e *Error) RetryAfter() time.Duration { return e.After }

// CodeOf returns the taxonomy code of err; empty for nil and UNKNOWN for
// errors that did not come from a dispatch decision.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUnknown
}
