package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wagate/internal/audit"
	"wagate/internal/backoff"
	"wagate/internal/campaign"
	"wagate/internal/classify"
	"wagate/internal/compliance"
	"wagate/internal/dispatch"
	"wagate/internal/kv"
	"wagate/internal/message"
	"wagate/internal/ratelimit"
	"wagate/internal/retryq"
	"wagate/internal/tenant"
	"wagate/internal/upstream"
	"wagate/internal/vault"
	"wagate/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type reply struct {
	status int
	body   string
}

// provider replays replies in order and repeats the last one.
type provider struct {
	mu      sync.Mutex
	replies []reply
	calls   int
}

func (p *provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	i := p.calls
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	p.calls++
	rep := p.replies[i]
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rep.status)
	_, _ = w.Write([]byte(rep.body))
}

func (p *provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type plans map[string]tenant.Limits

func (p plans) Limits(id string) tenant.Limits { return p[id] }

type directory map[string][]string

func (d directory) Channels(id string) []string { return d[id] }

const okBody = `{"messages":[{"id":"wamid.ok"}]}`

type fixture struct {
	d        *dispatch.Dispatcher
	prov     *provider
	clk      *clock
	rec      *audit.Memory
	msgs     *message.MemoryStore
	queue    *retryq.MemoryQueue
	retries  *retryq.Service
	ctl      *campaign.Controller
	gate     *compliance.Gate
	backoffs *backoff.Tracker
	deps     dispatch.Deps
}

// rewire rebuilds the dispatcher with some dependencies replaced.
func (f *fixture) rewire(edit func(*dispatch.Deps)) {
	edit(&f.deps)
	f.d = dispatch.New(f.deps)
	f.d.SetClock(f.clk.Now)
}

func newFixture(t *testing.T, limits tenant.Limits, replies ...reply) *fixture {
	t.Helper()
	f := &fixture{
		prov:  &provider{replies: replies},
		clk:   &clock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)},
		rec:   audit.NewMemory(),
		msgs:  message.NewMemoryStore(),
		queue: retryq.NewMemoryQueue(),
	}
	srv := httptest.NewServer(f.prov)
	t.Cleanup(srv.Close)

	store := kv.NewMemoryStore(kv.WithClock(f.clk.Now))
	keys, err := vault.NewKeyring("v1", map[string][]byte{"v1": []byte(strings.Repeat("k", 32))})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	creds := vault.NewCredentials(vault.NewMemoryCredentialStore(), keys, f.rec, logx.Nop())
	if err := creds.Put(context.Background(), "t1", "ph1", "waba1", "secret-token"); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	f.gate = compliance.New(compliance.NewMemoryStore(), compliance.Config{}, f.rec, nil, logx.Nop())
	f.backoffs = backoff.New(store, backoff.Config{})
	f.backoffs.SetClock(f.clk.Now)
	stats := classify.NewStats(store, 3, 0)
	f.ctl = campaign.NewController(store, f.rec, nil, logx.Nop(), stats.RecordSuccess, f.backoffs.Clear)
	f.retries = retryq.New(f.queue, f.msgs, retryq.Config{}, f.rec, nil, logx.Nop())
	f.retries.SetClock(f.clk.Now)

	f.deps = dispatch.Deps{
		Gate:        f.gate,
		Limiter:     ratelimit.New(store, plans{"t1": limits}, ratelimit.Config{}, ratelimit.WithClock(f.clk.Now)),
		Credentials: creds,
		Upstream:    upstream.New(upstream.Options{BaseURL: srv.URL, Timeout: 2 * time.Second}),
		Backoff:     f.backoffs,
		Stats:       stats,
		Campaigns:   f.ctl,
		Retries:     f.retries,
		Messages:    f.msgs,
		Channels:    directory{"t1": {"ph1"}},
		Audit:       f.rec,
		Log:         logx.Nop(),
	}
	f.d = dispatch.New(f.deps)
	f.d.SetClock(f.clk.Now)
	return f
}

func TestSendSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenant.Limits{PerSecond: 10}, reply{200, okBody})
	res, err := f.d.Send(context.Background(), dispatch.Request{TenantID: "t1", Recipient: "+62 810-0", Payload: upstream.Payload{Type: "text"}})
	if err != nil || res.Status != message.StatusSent || res.ProviderID != "wamid.ok" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
	m, err := f.msgs.GetMessage(context.Background(), res.MessageID)
	if err != nil || m.ChannelID != "ph1" || m.Recipient != "628100" {
		t.Fatalf("record = %+v, %v", m, err)
	}
	kinds := audit.Kinds(f.rec.Records())
	if kinds[len(kinds)-2] != audit.KindCredentialUsed || kinds[len(kinds)-1] != audit.KindMessageSent {
		t.Fatalf("audit = %v", kinds)
	}
}

func TestCredentialRejectedPausesCampaign(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenant.Limits{PerSecond: 10},
		reply{401, `{"error":{"message":"Invalid OAuth access token","type":"OAuthException","code":190}}`})
	ctx := context.Background()

	res, err := f.d.Send(ctx, dispatch.Request{TenantID: "t1", CampaignID: "c1", Recipient: "628100"})
	if dispatch.CodeOf(err) != dispatch.CodeCredentialInvalid {
		t.Fatalf("code = %q (%v)", dispatch.CodeOf(err), err)
	}
	if res.Status != message.StatusFailed {
		t.Fatalf("status = %s", res.Status)
	}
	if paused, _, _ := f.ctl.Paused(ctx, "c1"); !paused {
		t.Fatalf("campaign not paused")
	}
	if f.queue.Pending() != 0 {
		t.Fatalf("retry job created for credential failure")
	}

	// Nothing more goes out for a paused campaign.
	if _, err := f.d.Send(ctx, dispatch.Request{TenantID: "t1", CampaignID: "c1", Recipient: "628101"}); !errors.Is(err, dispatch.ErrCampaignPaused) {
		t.Fatalf("second send err = %v", err)
	}
	if f.prov.Calls() != 1 {
		t.Fatalf("provider calls = %d", f.prov.Calls())
	}
}

func TestTransientFailuresRetryUntilSent(t *testing.T) {
	t.Parallel()
	boom := reply{500, `{"error":{"message":"Internal","code":131000}}`}
	f := newFixture(t, tenant.Limits{PerSecond: 10}, boom, boom, boom, reply{200, okBody})
	ctx := context.Background()

	res, err := f.d.Send(ctx, dispatch.Request{TenantID: "t1", Recipient: "628100"})
	if err != nil || res.Status != message.StatusRetryPending || res.RetryJobID == "" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
	for _, d := range retryq.DefaultSchedule[:3] {
		f.clk.Advance(d)
		if n, err := f.retries.ProcessDue(ctx, f.d); n != 1 || err != nil {
			t.Fatalf("ProcessDue = %d, %v", n, err)
		}
	}
	m, _ := f.msgs.GetMessage(ctx, res.MessageID)
	if m.Status != message.StatusSent || m.RetryCount != 3 {
		t.Fatalf("message = %+v", m)
	}
	trail := f.rec.ForMessage(res.MessageID)
	last := trail[len(trail)-1]
	if last.Kind != audit.KindRetrySucceeded || last.Attempt != 3 {
		t.Fatalf("trail ends with %+v", last)
	}
}

func TestOptedOutRecipientIsNeverAttempted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenant.Limits{PerSecond: 10}, reply{200, okBody})
	ctx := context.Background()
	if err := f.gate.OptOut(ctx, "t1", "628100", compliance.SourceAdmin, "asked"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		res, err := f.d.Send(ctx, dispatch.Request{TenantID: "t1", Recipient: "628100"})
		if dispatch.CodeOf(err) != dispatch.CodeComplianceBlocked || res.Status != message.StatusBlocked {
			t.Fatalf("Send = %+v, %v", res, err)
		}
	}
	if f.prov.Calls() != 0 {
		t.Fatalf("provider called for opted-out recipient")
	}
	if err := f.gate.OptIn(ctx, "t1", "628100", compliance.SourceAdmin); err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.Send(ctx, dispatch.Request{TenantID: "t1", Recipient: "628100"}); err != nil {
		t.Fatalf("send after opt-in: %v", err)
	}
}

func TestProviderOptOutFlagsRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenant.Limits{PerSecond: 10},
		reply{400, `{"error":{"message":"User opted out of marketing","code":131050}}`})
	ctx := context.Background()
	_, err := f.d.Send(ctx, dispatch.Request{TenantID: "t1", Recipient: "628100"})
	if dispatch.CodeOf(err) != dispatch.CodeRecipientInvalid {
		t.Fatalf("code = %q", dispatch.CodeOf(err))
	}
	if !f.gate.IsBlocked(ctx, "t1", "628100") {
		t.Fatalf("recipient not opted out after provider signal")
	}
}

func TestRateLimitedRefundsQuota(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenant.Limits{PerSecond: 1, PerDay: 5}, reply{200, okBody})
	ctx := context.Background()
	if _, err := f.d.Send(ctx, dispatch.Request{TenantID: "t1", Recipient: "628100"}); err != nil {
		t.Fatal(err)
	}
	res, err := f.d.Send(ctx, dispatch.Request{TenantID: "t1", Recipient: "628101"})
	var de *dispatch.Error
	if !errors.As(err, &de) || de.Code != dispatch.CodeRateLimited || !de.Retryable() || res.RetryAfter != time.Second {
		t.Fatalf("Send = %+v, %v", res, err)
	}
	if f.prov.Calls() != 1 {
		t.Fatalf("provider calls = %d", f.prov.Calls())
	}
}

func TestProviderThrottleRecordsBackoff(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenant.Limits{PerSecond: 10},
		reply{429, `{"error":{"message":"Too many messages","code":130429}}`})
	ctx := context.Background()
	res, err := f.d.Send(ctx, dispatch.Request{TenantID: "t1", CampaignID: "c9", Recipient: "628100"})
	if err != nil || res.Status != message.StatusRetryPending || res.Code != dispatch.CodeUpstreamBackoff {
		t.Fatalf("Send = %+v, %v", res, err)
	}
	wait, d, err := f.backoffs.ShouldWait(ctx, "c9")
	if err != nil || !wait || d != time.Second {
		t.Fatalf("ShouldWait = %v %s %v", wait, d, err)
	}
}

func TestConsecutiveErrorsPauseCampaign(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenant.Limits{PerSecond: 10},
		reply{400, `{"error":{"message":"Message undeliverable","code":131026}}`})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.d.Send(ctx, dispatch.Request{TenantID: "t1", CampaignID: "c2", Recipient: "62810" + string(rune('0'+i))})
		if dispatch.CodeOf(err) != dispatch.CodeRecipientInvalid {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	paused, reason, _ := f.ctl.Paused(ctx, "c2")
	if !paused || !strings.Contains(reason, "3 consecutive errors") {
		t.Fatalf("paused=%v reason=%q", paused, reason)
	}
	if err := f.ctl.Resume(ctx, "c2", "ops"); err != nil {
		t.Fatal(err)
	}
	if paused, _, _ := f.ctl.Paused(ctx, "c2"); paused {
		t.Fatalf("still paused after resume")
	}
}

func TestSubmitTemplateQuota(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenant.Limits{PerSecond: 10, TemplatesPerDay: 1},
		reply{200, `{"id":"tpl1","status":"PENDING","category":"MARKETING"}`})
	ctx := context.Background()
	req := dispatch.TemplateRequest{TenantID: "t1", Template: upstream.Template{Name: "promo", Language: "en_US", Category: "MARKETING"}}
	if res, err := f.d.SubmitTemplate(ctx, req); err != nil || res.ID != "tpl1" {
		t.Fatalf("SubmitTemplate = %+v, %v", res, err)
	}
	f.clk.Advance(2 * time.Second)
	if _, err := f.d.SubmitTemplate(ctx, req); dispatch.CodeOf(err) != dispatch.CodeRateLimited {
		t.Fatalf("second submit err = %v", err)
	}
}

type brokenCredentials struct{ err error }

func (b brokenCredentials) Token(context.Context, string, string) (string, vault.Credential, error) {
	return "", vault.Credential{}, b.err
}

func TestCredentialStoreFaultIsRetriedWithoutPausing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenant.Limits{PerSecond: 10}, reply{200, okBody})
	f.rewire(func(d *dispatch.Deps) {
		d.Credentials = brokenCredentials{err: errors.New("database is locked (SQLITE_BUSY)")}
	})
	ctx := context.Background()

	res, err := f.d.Send(ctx, dispatch.Request{TenantID: "t1", CampaignID: "c1", Recipient: "628100"})
	if err != nil || res.Status != message.StatusRetryPending || res.Code != dispatch.CodeUnknown {
		t.Fatalf("Send = %+v, %v", res, err)
	}
	if paused, _, _ := f.ctl.Paused(ctx, "c1"); paused {
		t.Fatalf("campaign paused by a storage fault")
	}
	if f.queue.Pending() != 1 {
		t.Fatalf("pending retries = %d, want 1", f.queue.Pending())
	}
	if f.prov.Calls() != 0 {
		t.Fatalf("provider called without a token")
	}

	job, err := f.queue.Claim(ctx, f.clk.Now().Add(time.Hour), 1, time.Minute)
	if err != nil || len(job) != 1 {
		t.Fatalf("claim = %v, %v", job, err)
	}
	if got := f.d.Resend(ctx, job[0]); got.Verdict != retryq.VerdictRetry {
		t.Fatalf("Resend verdict = %v", got.Verdict)
	}
}

func TestUnusableCredentialPausesCampaign(t *testing.T) {
	t.Parallel()
	for _, sentinel := range []error{vault.ErrNoCredential, vault.ErrDecrypt, vault.ErrUnknownVersion, vault.ErrMalformed} {
		f := newFixture(t, tenant.Limits{PerSecond: 10}, reply{200, okBody})
		f.rewire(func(d *dispatch.Deps) {
			d.Credentials = brokenCredentials{err: fmt.Errorf("vault: open credential t1/ph1: %w", sentinel)}
		})
		ctx := context.Background()
		res, err := f.d.Send(ctx, dispatch.Request{TenantID: "t1", CampaignID: "c1", Recipient: "628100"})
		if dispatch.CodeOf(err) != dispatch.CodeCredentialInvalid || res.Status != message.StatusFailed {
			t.Fatalf("%v: Send = %+v, %v", sentinel, res, err)
		}
		if paused, _, _ := f.ctl.Paused(ctx, "c1"); !paused {
			t.Fatalf("%v: campaign not paused", sentinel)
		}
	}
}

type downOptOuts struct{}

func (downOptOuts) IsOptedOut(context.Context, string, string) (bool, error) {
	return false, errors.New("opt-out store unreachable")
}
func (downOptOuts) SetOptOut(context.Context, compliance.OptOut) error { return nil }
func (downOptOuts) ClearOptOut(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestFailOpenSendLeavesComplianceTrail(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenant.Limits{PerSecond: 10}, reply{200, okBody})
	f.rewire(func(d *dispatch.Deps) {
		d.Gate = compliance.New(downOptOuts{}, compliance.Config{Policy: compliance.PolicyAllow}, f.rec, nil, logx.Nop())
	})
	res, err := f.d.Send(context.Background(), dispatch.Request{TenantID: "t1", Recipient: "628100"})
	if err != nil || res.Status != message.StatusSent {
		t.Fatalf("Send = %+v, %v", res, err)
	}
	var found bool
	for _, r := range f.rec.ForMessage(res.MessageID) {
		if r.Kind == audit.KindComplianceUnchecked && strings.Contains(r.Error, "unreachable") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no lookup_failed record in %v", audit.Kinds(f.rec.ForMessage(res.MessageID)))
	}
}

// stickyFailPause drops the first pause request.
type stickyFailPause struct {
	*campaign.Controller
	mu    sync.Mutex
	calls int
}

func (s *stickyFailPause) Pause(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		return errors.New("kv unavailable")
	}
	return s.Controller.Pause(ctx, id, reason)
}

func TestAutoPauseRetriedAfterFailedPause(t *testing.T) {
	t.Parallel()
	f := newFixture(t, tenant.Limits{PerSecond: 10},
		reply{400, `{"error":{"message":"Message undeliverable","code":131026}}`})
	flaky := &stickyFailPause{Controller: f.ctl}
	f.rewire(func(d *dispatch.Deps) { d.Campaigns = flaky })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = f.d.Send(ctx, dispatch.Request{TenantID: "t1", CampaignID: "c3", Recipient: fmt.Sprintf("62810%d", i)})
	}
	if paused, _, _ := f.ctl.Paused(ctx, "c3"); paused {
		t.Fatalf("paused although the pause call failed")
	}
	_, _ = f.d.Send(ctx, dispatch.Request{TenantID: "t1", CampaignID: "c3", Recipient: "628109"})
	if paused, _, _ := f.ctl.Paused(ctx, "c3"); !paused {
		t.Fatalf("campaign not paused on the error after a failed pause")
	}
}
