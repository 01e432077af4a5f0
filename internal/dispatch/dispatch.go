// Package dispatch governs a single outbound send: compliance gate, throughput
// limits, credential, provider call and then the failure policy chosen by the
// classifier.
//
// Side effects around the call (message records, audit, counters, alerts) are
// best effort. Their failures are logged and never change the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"wagate/internal/audit"
	"wagate/internal/backoff"
	"wagate/internal/classify"
	"wagate/internal/compliance"
	"wagate/internal/eventbus"
	"wagate/internal/message"
	"wagate/internal/ratelimit"
	"wagate/internal/retryq"
	"wagate/internal/upstream"
	"wagate/internal/vault"
	"wagate/pkg/logx"
)

// pausedRecheck is how long a retry job of a paused campaign is held back.
const pausedRecheck = time.Minute

type Gate interface {
	Check(ctx context.Context, tenantID, recipient string) compliance.Decision
	OptOut(ctx context.Context, tenantID, recipient string, src compliance.Source, reason string) error
}

type Limiter interface {
	CheckAll(ctx context.Context, req ratelimit.Request) (ratelimit.Result, *ratelimit.Admission, error)
}

type Credentials interface {
	Token(ctx context.Context, tenantID, channelID string) (string, vault.Credential, error)
}

type Upstream interface {
	SendMessage(ctx context.Context, token, channelID, recipient string, p upstream.Payload) (upstream.SendResult, error)
	SubmitTemplate(ctx context.Context, token, accountID string, t upstream.Template) (upstream.TemplateResult, error)
}

type Backoff interface {
	RecordFailure(ctx context.Context, campaignID, code, message string) (backoff.State, error)
	Clear(ctx context.Context, campaignID string) error
}

type ErrorStats interface {
	RecordError(ctx context.Context, campaignID string, code classify.Code, msg string) (classify.ErrorStats, bool, error)
	RecordSuccess(ctx context.Context, campaignID string) error
}

type Campaigns interface {
	Pause(ctx context.Context, campaignID, reason string) error
	Paused(ctx context.Context, campaignID string) (bool, string, error)
}

type Retries interface {
	EnqueueRetry(ctx context.Context, m message.Message, lastErr string, retryCount int) (retryq.Job, error)
}

type FirstResponder interface {
	ClearOnFirstResponse(ctx context.Context, conversationID, responderID string) (bool, error)
}

type ChannelDirectory interface {
	Channels(tenantID string) []string
}

// Deps wires a Dispatcher. Gate, Limiter, Credentials and Upstream are
// required; the rest may be nil.
type Deps struct {
	Gate        Gate
	Limiter     Limiter
	Credentials Credentials
	Upstream    Upstream
	Backoff     Backoff
	Stats       ErrorStats
	Campaigns   Campaigns
	Retries     Retries
	Messages    message.Store
	SLA         FirstResponder
	Channels    ChannelDirectory
	Audit       audit.Recorder
	Bus         eventbus.Bus
	Log         logx.Logger
}

type Dispatcher struct {
	d   Deps
	log logx.Logger
	now func() time.Time
}

func New(d Deps) *Dispatcher {
	if d.Audit == nil {
		d.Audit = audit.Nop()
	}
	return &Dispatcher{d: d, log: d.Log.With(logx.String("comp", "dispatch")), now: time.Now}
}

func (x *Dispatcher) SetClock(now func() time.Time) { x.now = now }

type Request struct {
	// MessageID is generated when empty.
	MessageID      string
	TenantID       string
	ChannelID      string
	CampaignID     string
	ConversationID string
	Recipient      string
	Payload        upstream.Payload
	// Responder is the agent replying; a successful send clears the first
	// response deadline of ConversationID on their behalf.
	Responder string
}

type Result struct {
	MessageID  string         `json:"message_id"`
	ProviderID string         `json:"provider_id,omitempty"`
	Status     message.Status `json:"status,omitempty"`
	Code       Code           `json:"code,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	RetryAfter time.Duration  `json:"-"`
	RetryJobID string         `json:"retry_job_id,omitempty"`
}

type stage int

const (
	stagePaused stage = iota + 1
	stageCompliance
	stageLimit
	stageCredential
	stageUpstream
)

// failure is why one attempt did not reach the provider or was rejected by it.
type failure struct {
	stage  stage
	code   Code
	reason string
	after  time.Duration
	action classify.Action
	optOut bool
	err    error
}

func (f *failure) asError() *Error {
	return &Error{Code: f.code, Reason: f.reason, After: f.after, Err: f.err}
}

func (x *Dispatcher) resolveChannel(req *Request) error {
	if req.ChannelID != "" {
		return nil
	}
	if x.d.Channels != nil {
		if ch := x.d.Channels.Channels(req.TenantID); len(ch) > 0 {
			req.ChannelID = ch[0]
			return nil
		}
	}
	return fmt.Errorf("%w: no channel for tenant %q", ErrInvalidRequest, req.TenantID)
}

// Send makes one attempt. Retryable failures are queued and reported as a
// nil error with Status retry_pending; terminal outcomes return *Error.
func (x *Dispatcher) Send(ctx context.Context, req Request) (Result, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Recipient = compliance.NormalizeRecipient(req.Recipient)
	if req.TenantID == "" || req.Recipient == "" {
		return Result{}, fmt.Errorf("%w: tenant and recipient are required", ErrInvalidRequest)
	}
	if err := x.resolveChannel(&req); err != nil {
		return Result{}, err
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	now := x.now().UTC()
	m := message.Message{
		ID:             req.MessageID,
		TenantID:       req.TenantID,
		ChannelID:      req.ChannelID,
		CampaignID:     req.CampaignID,
		ConversationID: req.ConversationID,
		Recipient:      req.Recipient,
		Payload:        req.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	pid, f := x.attempt(ctx, req, 0)
	if f == nil {
		x.succeeded(ctx, req)
		m.Status, m.ProviderID = message.StatusSent, pid
		x.save(ctx, m)
		x.d.Audit.Record(audit.Record{Kind: audit.KindMessageSent, TenantID: req.TenantID, MessageID: m.ID,
			CampaignID: req.CampaignID, ConversationID: req.ConversationID, Recipient: req.Recipient,
			Actor: req.Responder, Attempt: 1, Meta: map[string]string{"provider_id": pid}})
		x.publish(eventbus.TopicMessageSent, m)
		return Result{MessageID: m.ID, ProviderID: pid, Status: message.StatusSent}, nil
	}

	switch f.stage {
	case stagePaused:
		return Result{MessageID: m.ID}, fmt.Errorf("%w: %s", ErrCampaignPaused, f.reason)
	case stageLimit:
		if f.err != nil && f.code == "" {
			return Result{MessageID: m.ID}, f.err
		}
		return Result{MessageID: m.ID, Code: f.code, Reason: f.reason, RetryAfter: f.after}, f.asError()
	case stageCompliance:
		m.Status, m.Code, m.Reason = message.StatusBlocked, string(f.code), f.reason
		x.save(ctx, m)
		return Result{MessageID: m.ID, Status: m.Status, Code: f.code, Reason: f.reason}, f.asError()
	}

	x.recordFailure(ctx, req, f)
	m.Code, m.Reason = string(f.code), f.reason
	if f.code.Retryable() && f.action != classify.ActionPauseCampaign && x.d.Retries != nil {
		m.Status = message.StatusRetryPending
		x.save(ctx, m)
		job, err := x.d.Retries.EnqueueRetry(ctx, m, f.reason, 0)
		if err == nil {
			return Result{MessageID: m.ID, Status: m.Status, Code: f.code, Reason: f.reason,
				RetryAfter: job.ScheduledAt.Sub(now), RetryJobID: job.ID}, nil
		}
		x.log.Error("retry enqueue failed; failing message",
			logx.String("tenant", req.TenantID), logx.String("message", m.ID), logx.Err(err))
	}

	m.Status = message.StatusFailed
	x.save(ctx, m)
	x.d.Audit.Record(audit.Record{Kind: audit.KindMessageFailed, TenantID: req.TenantID, MessageID: m.ID,
		CampaignID: req.CampaignID, Recipient: req.Recipient, Attempt: 1, Error: f.reason,
		Meta: map[string]string{"code": string(f.code), "action": string(f.action)}})
	x.publish(eventbus.TopicMessageFailed, m)
	return Result{MessageID: m.ID, Status: m.Status, Code: f.code, Reason: f.reason}, f.asError()
}

// Resend is the retry consumer's attempt. Message records and the retry trail
// are written by the consumer from the returned verdict.
func (x *Dispatcher) Resend(ctx context.Context, j retryq.Job) retryq.Attempt {
	req := Request{
		MessageID:      j.MessageID,
		TenantID:       j.TenantID,
		ChannelID:      j.ChannelID,
		CampaignID:     j.CampaignID,
		ConversationID: j.ConversationID,
		Recipient:      j.Recipient,
		Payload:        j.Payload,
	}
	if err := x.resolveChannel(&req); err != nil {
		return retryq.Attempt{Verdict: retryq.VerdictFail, Code: string(CodeUnknown), Reason: err.Error()}
	}
	pid, f := x.attempt(ctx, req, j.RetryCount+1)
	if f == nil {
		x.succeeded(ctx, req)
		return retryq.Attempt{Verdict: retryq.VerdictSent, ProviderID: pid}
	}
	switch f.stage {
	case stagePaused:
		return retryq.Attempt{Verdict: retryq.VerdictDefer, After: pausedRecheck, Reason: f.reason}
	case stageLimit:
		return retryq.Attempt{Verdict: retryq.VerdictDefer, After: f.after, Code: string(f.code), Reason: f.reason}
	case stageCompliance:
		return retryq.Attempt{Verdict: retryq.VerdictFail, Status: message.StatusBlocked, Code: string(f.code), Reason: f.reason}
	}
	x.recordFailure(ctx, req, f)
	if f.code.Retryable() {
		return retryq.Attempt{Verdict: retryq.VerdictRetry, Code: string(f.code), Reason: f.reason, After: f.after}
	}
	return retryq.Attempt{Verdict: retryq.VerdictFail, Code: string(f.code), Reason: f.reason}
}

// attempt runs the gate sequence and the provider call. The plaintext token
// lives only inside this call.
func (x *Dispatcher) attempt(ctx context.Context, req Request, retry int) (string, *failure) {
	if req.CampaignID != "" && x.d.Campaigns != nil {
		paused, reason, err := x.d.Campaigns.Paused(ctx, req.CampaignID)
		if err != nil {
			x.log.Warn("campaign state lookup failed", logx.String("campaign", req.CampaignID), logx.Err(err))
		} else if paused {
			return "", &failure{stage: stagePaused, reason: reason}
		}
	}

	dec := x.d.Gate.Check(ctx, req.TenantID, req.Recipient)
	if !dec.Blocked && dec.LookupErr != nil {
		x.d.Audit.Record(audit.Record{Kind: audit.KindComplianceUnchecked, TenantID: req.TenantID, MessageID: req.MessageID,
			CampaignID: req.CampaignID, Recipient: req.Recipient, Attempt: retry + 1, Error: dec.LookupErr.Error()})
	}
	if dec.Blocked {
		x.d.Audit.Record(audit.Record{Kind: audit.KindComplianceBlocked, TenantID: req.TenantID, MessageID: req.MessageID,
			CampaignID: req.CampaignID, Recipient: req.Recipient, Attempt: retry + 1,
			Meta: map[string]string{"lookup_failed": fmt.Sprint(dec.LookupErr != nil)}})
		reason := "recipient opted out"
		if dec.LookupErr != nil {
			reason = "opt-out lookup failed and policy blocks"
		}
		return "", &failure{stage: stageCompliance, code: CodeComplianceBlocked, reason: reason, err: dec.LookupErr}
	}

	lim, adm, err := x.d.Limiter.CheckAll(ctx, ratelimit.Request{TenantID: req.TenantID, ChannelID: req.ChannelID})
	if err != nil {
		return "", &failure{stage: stageLimit, err: fmt.Errorf("dispatch: limiter: %w", err)}
	}
	if !lim.Allowed {
		after := time.Duration(lim.RetryAfterSeconds()) * time.Second
		x.d.Audit.Record(audit.Record{Kind: audit.KindRateLimited, TenantID: req.TenantID, MessageID: req.MessageID,
			CampaignID: req.CampaignID,
			Meta: map[string]string{"level": string(lim.Level), "kind": string(lim.Kind), "limit": fmt.Sprint(lim.Limit)}})
		x.publish(eventbus.TopicRateLimited, lim)
		return "", &failure{stage: stageLimit, code: CodeRateLimited, after: after,
			reason: fmt.Sprintf("%s %s limit reached", lim.Level, lim.Kind)}
	}

	token, _, err := x.d.Credentials.Token(ctx, req.TenantID, req.ChannelID)
	if err != nil {
		adm.Release(ctx)
		return "", credentialFailure(err)
	}
	res, err := x.d.Upstream.SendMessage(ctx, token, req.ChannelID, req.Recipient, req.Payload)
	if err != nil {
		adm.Release(ctx)
		cls := classify.Classify(err)
		return "", &failure{stage: stageUpstream, code: cls.Code, reason: cls.Reason, after: cls.Backoff,
			action: cls.Action, optOut: cls.OptOut, err: err}
	}
	return res.MessageID, nil
}

// credentialFailure separates a missing or unreadable credential, which needs an
// operator, from a storage fault behind it, which is retried.
func credentialFailure(err error) *failure {
	if credentialUnusable(err) {
		return &failure{stage: stageCredential, code: CodeCredentialInvalid, action: classify.ActionPauseCampaign,
			reason: "no usable credential: " + err.Error(), err: err}
	}
	return &failure{stage: stageCredential, code: CodeUnknown, action: classify.ActionRetry,
		reason: "credential lookup failed: " + err.Error(), err: err}
}

func credentialUnusable(err error) bool {
	return errors.Is(err, vault.ErrNoCredential) || errors.Is(err, vault.ErrDecrypt) ||
		errors.Is(err, vault.ErrUnknownVersion) || errors.Is(err, vault.ErrMalformed)
}

func (x *Dispatcher) succeeded(ctx context.Context, req Request) {
	if req.CampaignID != "" {
		if x.d.Backoff != nil {
			if err := x.d.Backoff.Clear(ctx, req.CampaignID); err != nil {
				x.log.Warn("backoff clear failed", logx.String("campaign", req.CampaignID), logx.Err(err))
			}
		}
		if x.d.Stats != nil {
			if err := x.d.Stats.RecordSuccess(ctx, req.CampaignID); err != nil {
				x.log.Warn("error stats reset failed", logx.String("campaign", req.CampaignID), logx.Err(err))
			}
		}
	}
	if req.ConversationID != "" && x.d.SLA != nil {
		responder := req.Responder
		if responder == "" {
			responder = "campaign:" + req.CampaignID
		}
		if _, err := x.d.SLA.ClearOnFirstResponse(ctx, req.ConversationID, responder); err != nil {
			x.log.Warn("first response not recorded", logx.String("conversation", req.ConversationID), logx.Err(err))
		}
	}
}

// recordFailure applies the campaign-level consequences of a provider or
// credential failure and may raise f.after to the campaign backoff.
func (x *Dispatcher) recordFailure(ctx context.Context, req Request, f *failure) {
	pause := f.action == classify.ActionPauseCampaign
	pauseReason := string(f.code) + ": " + f.reason

	if req.CampaignID != "" && x.d.Stats != nil {
		st, hit, err := x.d.Stats.RecordError(ctx, req.CampaignID, f.code, f.reason)
		if err != nil {
			x.log.Warn("error stats not recorded", logx.String("campaign", req.CampaignID), logx.Err(err))
		} else if hit && !pause {
			pause = true
			pauseReason = fmt.Sprintf("%d consecutive errors, last %s", st.ConsecutiveErrors, f.code)
		}
	}

	if f.optOut {
		if err := x.d.Gate.OptOut(ctx, req.TenantID, req.Recipient, compliance.SourceWebhook,
			fmt.Sprintf("provider code %d", classify.CodeUserOptedOut)); err != nil {
			x.log.Warn("provider opt-out not stored", logx.String("tenant", req.TenantID), logx.Err(err))
		}
	}

	if f.action == classify.ActionBackoff && req.CampaignID != "" && x.d.Backoff != nil {
		st, err := x.d.Backoff.RecordFailure(ctx, req.CampaignID, string(f.code), f.reason)
		if err != nil {
			x.log.Warn("backoff not recorded", logx.String("campaign", req.CampaignID), logx.Err(err))
		} else {
			if d := st.BackoffDuration(); d > f.after {
				f.after = d
			}
			x.d.Audit.Record(audit.Record{Kind: audit.KindBackoffRecorded, TenantID: req.TenantID,
				CampaignID: req.CampaignID, MessageID: req.MessageID, Attempt: int(st.Attempts), Error: f.reason,
				Meta: map[string]string{"backoff_ms": fmt.Sprint(st.Backoff)}})
		}
	}

	if f.code == CodeCredentialInvalid {
		x.publish(eventbus.TopicCredentialReject, map[string]string{"tenant": req.TenantID, "channel": req.ChannelID})
	}

	if pause && req.CampaignID != "" && x.d.Campaigns != nil {
		if err := x.d.Campaigns.Pause(ctx, req.CampaignID, pauseReason); err != nil {
			x.log.Error("campaign pause failed", logx.String("campaign", req.CampaignID), logx.Err(err))
		}
	}
	x.log.Info("send failed",
		logx.String("tenant", req.TenantID),
		logx.String("message", req.MessageID),
		logx.String("code", string(f.code)),
		logx.String("action", string(f.action)),
	)
}

type TemplateRequest struct {
	TenantID  string
	ChannelID string
	Template  upstream.Template
}

// SubmitTemplate sends a template for review under the channel's business
// account, counted against the daily template quota. It is never retried.
func (x *Dispatcher) SubmitTemplate(ctx context.Context, req TemplateRequest) (upstream.TemplateResult, error) {
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.Template.Name) == "" {
		return upstream.TemplateResult{}, fmt.Errorf("%w: tenant and template name are required", ErrInvalidRequest)
	}
	r := Request{TenantID: req.TenantID, ChannelID: req.ChannelID}
	if err := x.resolveChannel(&r); err != nil {
		return upstream.TemplateResult{}, err
	}
	lim, adm, err := x.d.Limiter.CheckAll(ctx, ratelimit.Request{TenantID: r.TenantID, ChannelID: r.ChannelID, Template: true})
	if err != nil {
		return upstream.TemplateResult{}, fmt.Errorf("dispatch: limiter: %w", err)
	}
	if !lim.Allowed {
		return upstream.TemplateResult{}, &Error{Code: CodeRateLimited, After: time.Duration(lim.RetryAfterSeconds()) * time.Second,
			Reason: fmt.Sprintf("%s %s limit reached", lim.Level, lim.Kind)}
	}
	token, cred, err := x.d.Credentials.Token(ctx, r.TenantID, r.ChannelID)
	if err != nil {
		adm.Release(ctx)
		return upstream.TemplateResult{}, credentialFailure(err).asError()
	}
	res, err := x.d.Upstream.SubmitTemplate(ctx, token, cred.AccountID, req.Template)
	if err != nil {
		adm.Release(ctx)
		cls := classify.Classify(err)
		return upstream.TemplateResult{}, &Error{Code: cls.Code, Reason: cls.Reason, After: cls.Backoff, Err: err}
	}
	x.d.Audit.Record(audit.Record{Kind: audit.KindTemplateSubmitted, TenantID: r.TenantID,
		Meta: map[string]string{"template": req.Template.Name, "template_id": res.ID, "status": res.Status}})
	return res, nil
}

func (x *Dispatcher) save(ctx context.Context, m message.Message) {
	if x.d.Messages == nil {
		return
	}
	m.UpdatedAt = x.now().UTC()
	if err := x.d.Messages.SaveMessage(ctx, m); err != nil {
		x.log.Warn("message record not saved", logx.String("message", m.ID), logx.Err(err))
	}
}

func (x *Dispatcher) publish(topic string, data any) {
	if x.d.Bus == nil {
		return
	}
	x.d.Bus.Publish(eventbus.Event{Topic: topic, Time: x.now(), Data: data})
}
