// Package classify maps provider failures to a dispatch action.
//
// The table is a fixed contract: provider error codes are checked first, then
// the HTTP status. Anything that matches neither is retried with a
// conservative delay rather than dropped.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"wagate/internal/upstream"
)

type Action string

const (
	ActionBackoff       Action = "BACKOFF"
	ActionRetry         Action = "RETRY"
	ActionPauseCampaign Action = "PAUSE_CAMPAIGN"
	ActionFailMessage   Action = "FAIL_MESSAGE"
)

// Code is the error taxonomy shared by every dispatch outcome.
type Code string

const (
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeUpstreamBackoff   Code = "UPSTREAM_BACKOFF"
	CodeUpstreamTransient Code = "UPSTREAM_TRANSIENT"
	CodeCredentialInvalid Code = "CREDENTIAL_INVALID"
	CodePolicyViolation   Code = "POLICY_VIOLATION"
	CodeAccountBlocked    Code = "ACCOUNT_BLOCKED"
	CodeRecipientInvalid  Code = "RECIPIENT_INVALID"
	CodeComplianceBlocked Code = "COMPLIANCE_BLOCKED"
	CodeRetryExhausted    Code = "RETRY_EXHAUSTED"
	CodeUnknown           Code = "UNKNOWN"
)

// Retryable reports whether the code is resolved by waiting and trying again.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeUpstreamBackoff, CodeUpstreamTransient, CodeUnknown:
		return true
	}
	return false
}

// Provider error code reported when the recipient stopped marketing messages.
const CodeUserOptedOut = 131050

const (
	DelayBackoff   = 60 * time.Second
	DelayTransient = 5 * time.Second
	DelayUnknown   = 30 * time.Second
)

type Classification struct {
	Action    Action
	Code      Code
	Retryable bool
	Backoff   time.Duration
	Reason    string
	// OptOut is set when the provider says the recipient opted out.
	OptOut bool
}

type rule struct {
	action Action
	code   Code
	reason string
}

var providerCodes = map[int]rule{
	4:      {ActionBackoff, CodeUpstreamBackoff, "application request limit reached"},
	80007:  {ActionBackoff, CodeUpstreamBackoff, "business account rate limit"},
	130429: {ActionBackoff, CodeUpstreamBackoff, "cloud api throughput reached"},
	131048: {ActionBackoff, CodeUpstreamBackoff, "spam rate limit hit"},
	131056: {ActionBackoff, CodeUpstreamBackoff, "pair rate limit hit"},

	190: {ActionPauseCampaign, CodeCredentialInvalid, "access token expired or invalid"},
	10:  {ActionPauseCampaign, CodeCredentialInvalid, "permission denied"},

	368:    {ActionPauseCampaign, CodePolicyViolation, "temporarily blocked for policy violations"},
	131045: {ActionPauseCampaign, CodePolicyViolation, "phone number not registered with a certificate"},
	131031: {ActionPauseCampaign, CodeAccountBlocked, "business account locked"},
	131042: {ActionPauseCampaign, CodeAccountBlocked, "business account payment issue"},
	130497: {ActionPauseCampaign, CodeAccountBlocked, "business account restricted in recipient country"},

	100:    {ActionFailMessage, CodeRecipientInvalid, "invalid parameter"},
	131008: {ActionFailMessage, CodeRecipientInvalid, "required parameter missing"},
	131009: {ActionFailMessage, CodeRecipientInvalid, "parameter value invalid"},
	131021: {ActionFailMessage, CodeRecipientInvalid, "recipient cannot be sender"},
	131026: {ActionFailMessage, CodeRecipientInvalid, "message undeliverable"},
	131030: {ActionFailMessage, CodeRecipientInvalid, "recipient not in allowed list"},
	131047: {ActionFailMessage, CodeRecipientInvalid, "re-engagement window closed"},
	131051: {ActionFailMessage, CodeRecipientInvalid, "unsupported message type"},
	132001: {ActionFailMessage, CodeRecipientInvalid, "template does not exist"},
	131050: {ActionFailMessage, CodeRecipientInvalid, "recipient stopped marketing messages"},

	1:      {ActionRetry, CodeUpstreamTransient, "provider unknown error"},
	2:      {ActionRetry, CodeUpstreamTransient, "provider service unavailable"},
	131000: {ActionRetry, CodeUpstreamTransient, "provider internal error"},
	131016: {ActionRetry, CodeUpstreamTransient, "provider service overloaded"},
}

// Classify is pure: it depends only on err.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		if isTimeout(err) {
			return Classification{Action: ActionRetry, Code: CodeUpstreamTransient, Retryable: true,
				Backoff: DelayTransient, Reason: "request timed out"}
		}
		return unknown(err.Error())
	}
	if ue.Timeout {
		return Classification{Action: ActionRetry, Code: CodeUpstreamTransient, Retryable: true,
			Backoff: DelayTransient, Reason: "request timed out"}
	}

	if ue.Code != 0 {
		if r, ok := providerCodes[ue.Code]; ok {
			return fromRule(r, ue)
		}
		if ue.Code >= 200 && ue.Code <= 299 {
			return fromRule(rule{ActionPauseCampaign, CodeCredentialInvalid, "permission denied"}, ue)
		}
	}
	switch {
	case ue.Status == 429:
		return fromRule(rule{ActionBackoff, CodeUpstreamBackoff, "rate limited by provider"}, ue)
	case ue.Status == 401:
		return fromRule(rule{ActionPauseCampaign, CodeCredentialInvalid, "credential rejected"}, ue)
	case ue.Status == 403:
		return fromRule(rule{ActionPauseCampaign, CodePolicyViolation, "forbidden by provider policy"}, ue)
	case ue.Status >= 500:
		return fromRule(rule{ActionRetry, CodeUpstreamTransient, "provider server error"}, ue)
	case ue.Status == 0:
		return fromRule(rule{ActionRetry, CodeUpstreamTransient, "transport error"}, ue)
	}
	return unknown(ue.Error())
}

func fromRule(r rule, ue *upstream.Error) Classification {
	c := Classification{
		Action:    r.action,
		Code:      r.code,
		Retryable: r.action == ActionBackoff || r.action == ActionRetry,
		Reason:    r.reason,
		OptOut:    ue.Code == CodeUserOptedOut,
	}
	switch r.action {
	case ActionBackoff:
		c.Backoff = DelayBackoff
	case ActionRetry:
		c.Backoff = DelayTransient
	}
	if c.Retryable && ue.RetryAfter > 0 {
		c.Backoff = ue.RetryAfter
	}
	if ue.Message != "" {
		c.Reason = fmt.Sprintf("%s: %s", c.Reason, ue.Message)
	}
	return c
}

func unknown(detail string) Classification {
	return Classification{
		Action:    ActionRetry,
		Code:      CodeUnknown,
		Retryable: true,
		Backoff:   DelayUnknown,
		Reason:    "unrecognized error: " + detail,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
