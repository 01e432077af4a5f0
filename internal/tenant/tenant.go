// Package tenant resolves per-tenant plan limits and SLA settings from the
// current config snapshot, so a reload takes effect on the next call.
package tenant

import (
	"time"

	"wagate/internal/config"
)

// Limits are the plan ceilings for one tenant. Zero means unlimited.
type Limits struct {
	Plan            string
	PerSecond       int
	PerDay          int
	PerMonth        int
	TemplatesPerDay int
}

type SLASettings struct {
	Enabled       bool
	FirstResponse time.Duration
	AutoEscalate  bool
}

type Resolver struct {
	get func() *config.Config
}

// NewResolver reads through get on every call; get may return nil.
func NewResolver(get func() *config.Config) *Resolver {
	if get == nil {
		get = func() *config.Config { return nil }
	}
	return &Resolver{get: get}
}

// Static is a Resolver over a fixed config, mostly for tests.
func Static(cfg *config.Config) *Resolver {
	return NewResolver(func() *config.Config { return cfg })
}

func (r *Resolver) lookup(tenantID string) (config.TenantConfig, *config.Config, bool) {
	cfg := r.get()
	if cfg == nil {
		return config.TenantConfig{}, nil, false
	}
	t, ok := cfg.Tenants[tenantID]
	return t, cfg, ok
}

// Known reports whether tenantID has an entry in config.
func (r *Resolver) Known(tenantID string) bool {
	_, _, ok := r.lookup(tenantID)
	return ok
}

// Limits falls back to the free tier for unknown tenants or plans.
func (r *Resolver) Limits(tenantID string) Limits {
	t, cfg, _ := r.lookup(tenantID)
	tiers := cfg.Tiers()
	plan := t.Plan
	row, ok := tiers[plan]
	if !ok {
		plan = config.PlanFree
		row = tiers[plan]
	}
	return Limits{
		Plan:            plan,
		PerSecond:       row.PerSecond,
		PerDay:          row.PerDay,
		PerMonth:        row.PerMonth,
		TemplatesPerDay: row.TemplatesPerDay,
	}
}

// SLA is disabled for unknown tenants.
func (r *Resolver) SLA(tenantID string) SLASettings {
	t, cfg, ok := r.lookup(tenantID)
	if !ok || !t.SLA.Enabled {
		return SLASettings{}
	}
	mins := t.SLA.FirstResponseMinutes
	if mins <= 0 && cfg.SLA.FirstResponseMinutes > 0 {
		mins = cfg.SLA.FirstResponseMinutes
	}
	first := config.DefaultFirstResponse
	if mins > 0 {
		first = time.Duration(mins) * time.Minute
	}
	return SLASettings{Enabled: true, FirstResponse: first, AutoEscalate: t.SLA.AutoEscalate}
}

// Channels lists the sender identities configured for tenantID.
func (r *Resolver) Channels(tenantID string) []string {
	t, _, _ := r.lookup(tenantID)
	return append([]string(nil), t.Channels...)
}
