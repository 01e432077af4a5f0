package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"wagate/internal/kv"
	"wagate/internal/upstream"
)

func TestClassifyTable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		err    error
		action Action
		code   Code
	}{
		{"http 429", &upstream.Error{Status: 429}, ActionBackoff, CodeUpstreamBackoff},
		{"throughput code", &upstream.Error{Status: 400, Code: 130429}, ActionBackoff, CodeUpstreamBackoff},
		{"pair rate limit", &upstream.Error{Status: 400, Code: 131056}, ActionBackoff, CodeUpstreamBackoff},
		{"http 500", &upstream.Error{Status: 500}, ActionRetry, CodeUpstreamTransient},
		{"http 503", &upstream.Error{Status: 503}, ActionRetry, CodeUpstreamTransient},
		{"http 401", &upstream.Error{Status: 401}, ActionPauseCampaign, CodeCredentialInvalid},
		{"token expired", &upstream.Error{Status: 400, Code: 190}, ActionPauseCampaign, CodeCredentialInvalid},
		{"permission range", &upstream.Error{Status: 400, Code: 200}, ActionPauseCampaign, CodeCredentialInvalid},
		{"policy block", &upstream.Error{Status: 400, Code: 368}, ActionPauseCampaign, CodePolicyViolation},
		{"account locked", &upstream.Error{Status: 400, Code: 131031}, ActionPauseCampaign, CodeAccountBlocked},
		{"undeliverable", &upstream.Error{Status: 400, Code: 131026}, ActionFailMessage, CodeRecipientInvalid},
		{"opted out", &upstream.Error{Status: 400, Code: 131050}, ActionFailMessage, CodeRecipientInvalid},
		{"timeout", &upstream.Error{Timeout: true}, ActionRetry, CodeUpstreamTransient},
		{"context deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), ActionRetry, CodeUpstreamTransient},
		{"unknown code", &upstream.Error{Status: 400, Code: 999999}, ActionRetry, CodeUnknown},
		{"plain error", errors.New("boom"), ActionRetry, CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Classify(tt.err)
			if c.Action != tt.action || c.Code != tt.code {
				t.Fatalf("Classify = %s/%s, want %s/%s", c.Action, c.Code, tt.action, tt.code)
			}
			if c.Retryable != (tt.action == ActionBackoff || tt.action == ActionRetry) {
				t.Fatalf("Retryable = %v for %s", c.Retryable, c.Action)
			}
			if c.Retryable && c.Backoff <= 0 {
				t.Fatalf("retryable without backoff: %+v", c)
			}
			if c.Reason == "" {
				t.Fatal("empty reason")
			}
		})
	}
}

func TestClassifyDetails(t *testing.T) {
	t.Parallel()
	if c := Classify(&upstream.Error{Status: 400, Code: 131050}); !c.OptOut {
		t.Fatal("131050 should flag opt-out")
	}
	if c := Classify(&upstream.Error{Status: 429, RetryAfter: 7 * time.Second}); c.Backoff != 7*time.Second {
		t.Fatalf("retry-after ignored: %v", c.Backoff)
	}
	if c := Classify(errors.New("x")); c.Backoff != DelayUnknown {
		t.Fatalf("unknown delay = %v", c.Backoff)
	}
	if c := Classify(nil); c.Action != "" {
		t.Fatalf("nil error classified as %s", c.Action)
	}
}

func TestStatsAutoPause(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStats(kv.NewMemoryStore(), 3, time.Hour)

	var pauses int
	for i := 0; i < 5; i++ {
		_, pause, err := s.RecordError(ctx, "c1", CodeUpstreamTransient, "500")
		if err != nil {
			t.Fatal(err)
		}
		if pause != (i >= 2) {
			t.Fatalf("error %d: pause = %v, want from the 3rd on", i+1, pause)
		}
		if pause {
			pauses++
		}
	}
	if pauses != 3 {
		t.Fatalf("pause signalled %d times, want 3", pauses)
	}
	if err := s.RecordSuccess(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	st, pause, _ := s.RecordError(ctx, "c1", CodeRecipientInvalid, "bad number")
	if pause || st.ConsecutiveErrors != 1 || st.TotalErrors != 6 {
		t.Fatalf("after success: %+v pause=%v", st, pause)
	}
	if st.ErrorsByCode[string(CodeUpstreamTransient)] != 5 || st.LastError != "bad number" || st.LastErrorAt.IsZero() {
		t.Fatalf("stats = %+v", st)
	}
}
