package config

// Config is the whole wagate configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m"). Omitted
// fields fall back to the defaults documented on each section.
type Config struct {
	Logging    LoggingConfig           `json:"logging"`
	HTTP       HTTPConfig              `json:"http"`
	Store      StoreConfig             `json:"store"`
	Storage    StorageConfig           `json:"storage"`
	Limits     LimitsConfig            `json:"limits"`
	Tenants    map[string]TenantConfig `json:"tenants,omitempty"`
	Backoff    BackoffConfig           `json:"backoff"`
	Retry      RetryConfig             `json:"retry"`
	Compliance ComplianceConfig        `json:"compliance"`
	Vault      VaultConfig             `json:"vault"`
	Locks      LocksConfig             `json:"locks"`
	SLA        SLAConfig               `json:"sla"`
	Upstream   UpstreamConfig          `json:"upstream"`
	Alerts     *AlertsConfig           `json:"alerts,omitempty"`
	Campaign   CampaignConfig          `json:"campaign"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the API listener. Defaults: addr ":8080", read/write
// timeouts 15s, shutdown timeout 10s.
//
// Token, when set, is required as "Authorization: Bearer <token>" on every
// route except /healthz. A non-loopback addr without a token is refused
// unless allow_insecure is set.
type HTTPConfig struct {
	Addr            string   `json:"addr,omitempty"`
	Token           string   `json:"token,omitempty"`
	AllowInsecure   bool     `json:"allow_insecure,omitempty"`
	CORSOrigins     []string `json:"cors_origins,omitempty"`
	ReadTimeout     string   `json:"read_timeout,omitempty"`
	WriteTimeout    string   `json:"write_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
}

// StoreConfig selects the shared counter/lock store.
//
// Example:
//
//	"store": { "driver": "redis", "redis": { "url": "redis://localhost:6379/0" } }
//
// The memory driver is only correct for a single running instance.
type StoreConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	URL    string `json:"url,omitempty"`
	Prefix string `json:"prefix,omitempty"` // default: "wagate"
}

// StorageConfig controls the durable SQLite store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// LevelLimit is a per-second ceiling plus a sliding-window ceiling.
// Zero disables the constraint.
type LevelLimit struct {
	PerSecond int    `json:"per_second"`
	PerWindow int    `json:"per_window"`
	Window    string `json:"window,omitempty"` // default: "60s"
}

// TierLimits is one row of the plan tier table. Zero means unlimited.
type TierLimits struct {
	PerSecond       int `json:"per_second"`
	PerDay          int `json:"per_day"`
	PerMonth        int `json:"per_month"`
	TemplatesPerDay int `json:"templates_per_day"`
}

type LimitsConfig struct {
	Global  LevelLimit `json:"global"`
	Channel LevelLimit `json:"channel"`
	// TenantWindow is the tenant sliding-window length; the tenant ceiling is
	// the tier's per_second times the window in seconds.
	TenantWindow string `json:"tenant_window,omitempty"`
	// Tiers overrides or extends the built-in free/basic/pro/enterprise table.
	Tiers map[string]TierLimits `json:"tiers,omitempty"`
}

type TenantConfig struct {
	Plan     string    `json:"plan"`
	SLA      TenantSLA `json:"sla,omitempty"`
	Channels []string  `json:"channels,omitempty"`
}

type TenantSLA struct {
	Enabled              bool `json:"enabled"`
	FirstResponseMinutes int  `json:"first_response_minutes,omitempty"`
	AutoEscalate         bool `json:"auto_escalate,omitempty"`
}

// BackoffConfig defaults: initial "1s", max "5m", ttl "1h".
type BackoffConfig struct {
	Initial string `json:"initial,omitempty"`
	Max     string `json:"max,omitempty"`
	TTL     string `json:"ttl,omitempty"`
}

// RetryConfig controls the delayed re-delivery queue.
//
// Defaults: schedule ["1m","5m","15m","1h"], max_retries 4, poll_interval "5s",
// batch 20, claim_ttl "2m", driver "sqlite".
type RetryConfig struct {
	Driver       string   `json:"driver,omitempty"` // "sqlite" or "redis"
	Schedule     []string `json:"schedule,omitempty"`
	MaxRetries   int      `json:"max_retries,omitempty"`
	PollInterval string   `json:"poll_interval,omitempty"`
	Batch        int      `json:"batch,omitempty"`
	ClaimTTL     string   `json:"claim_ttl,omitempty"`
}

// ComplianceConfig: fail_policy is "allow" (default) or "block" and decides
// what happens when the opt-out lookup itself fails.
type ComplianceConfig struct {
	FailPolicy     string   `json:"fail_policy,omitempty"`
	OptOutKeywords []string `json:"opt_out_keywords,omitempty"`
	OptInKeywords  []string `json:"opt_in_keywords,omitempty"`
}

// VaultConfig maps key versions to base64 encoded 32-byte keys. Keys are
// secrets and are never logged.
type VaultConfig struct {
	ActiveVersion string            `json:"active_version"`
	Keys          map[string]string `json:"keys"`
}

// LocksConfig defaults: ttl "2m", sweep_interval "1m".
type LocksConfig struct {
	TTL           string `json:"ttl,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// SLAConfig defaults: sweep_interval "1m", default first response 15 minutes.
type SLAConfig struct {
	SweepInterval        string `json:"sweep_interval,omitempty"`
	FirstResponseMinutes int    `json:"first_response_minutes,omitempty"`
}

// UpstreamConfig defaults: base_url "https://graph.facebook.com",
// api_version "v21.0", timeout "15s".
type UpstreamConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// AlertsConfig controls the async operator alert pipeline.
// If the whole section is omitted, alerts are disabled.
type AlertsConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token,omitempty"`
	ChatID        int64  `json:"chat_id,omitempty"`
	ThreadID      int    `json:"thread_id,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

// CampaignConfig: auto_pause_after defaults to 10 consecutive errors,
// pacing_per_sec to 5 with burst 1.
type CampaignConfig struct {
	AutoPauseAfter int     `json:"auto_pause_after,omitempty"`
	PacingPerSec   float64 `json:"pacing_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
}
