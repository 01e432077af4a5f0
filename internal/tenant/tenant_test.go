package tenant

import (
	"testing"
	"time"

	"wagate/internal/config"
)

func TestResolver(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Limits: config.LimitsConfig{Tiers: map[string]config.TierLimits{
			"custom": {PerSecond: 3, PerDay: 30},
		}},
		SLA: config.SLAConfig{FirstResponseMinutes: 20},
		Tenants: map[string]config.TenantConfig{
			"acme":  {Plan: "pro", SLA: config.TenantSLA{Enabled: true, FirstResponseMinutes: 5, AutoEscalate: true}},
			"small": {Plan: "custom", SLA: config.TenantSLA{Enabled: true}},
			"typo":  {Plan: "platinum"},
		},
	}
	r := Static(cfg)

	tests := []struct {
		tenant string
		plan   string
		mps    int
		sla    SLASettings
	}{
		{"acme", "pro", 40, SLASettings{Enabled: true, FirstResponse: 5 * time.Minute, AutoEscalate: true}},
		{"small", "custom", 3, SLASettings{Enabled: true, FirstResponse: 20 * time.Minute}},
		{"typo", config.PlanFree, 1, SLASettings{}},
		{"nobody", config.PlanFree, 1, SLASettings{}},
	}
	for _, tt := range tests {
		t.Run(tt.tenant, func(t *testing.T) {
			t.Parallel()
			l := r.Limits(tt.tenant)
			if l.Plan != tt.plan || l.PerSecond != tt.mps {
				t.Fatalf("Limits = %+v, want plan %s mps %d", l, tt.plan, tt.mps)
			}
			if got := r.SLA(tt.tenant); got != tt.sla {
				t.Fatalf("SLA = %+v, want %+v", got, tt.sla)
			}
		})
	}
}

func TestResolverFollowsReload(t *testing.T) {
	t.Parallel()
	cur := &config.Config{Tenants: map[string]config.TenantConfig{"a": {Plan: "basic"}}}
	r := NewResolver(func() *config.Config { return cur })
	if r.Limits("a").PerSecond != 10 {
		t.Fatalf("basic mps = %d", r.Limits("a").PerSecond)
	}
	cur = &config.Config{Tenants: map[string]config.TenantConfig{"a": {Plan: "enterprise"}}}
	if r.Limits("a").PerSecond != 80 {
		t.Fatalf("after reload mps = %d", r.Limits("a").PerSecond)
	}
	if NewResolver(nil).Limits("x").Plan != config.PlanFree {
		t.Fatal("nil source should resolve free tier")
	}
}
