package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wagate/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
store:
  driver: memory
limits:
  global: {per_second: 80, per_window: 4000}
  tiers:
    basic: {per_second: 12, per_day: 500, per_month: 5000, templates_per_day: 5}
tenants:
  acme:
    plan: basic
    sla: {enabled: true, first_response_minutes: 30, auto_escalate: true}
retry:
  schedule: ["1m", "5m", "15m", "1h"]
  max_retries: 4
compliance:
  fail_policy: allow
vault:
  active_version: v1
  keys:
    v1: MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("wagate.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Tenants["acme"].SLA.FirstResponseMinutes != 30 {
		t.Fatalf("tenant sla = %+v", cfg.Tenants["acme"].SLA)
	}
	tiers := cfg.Tiers()
	if tiers[PlanBasic].PerSecond != 12 || tiers[PlanPro].PerSecond != 40 {
		t.Fatalf("tiers merge: basic=%+v pro=%+v", tiers[PlanBasic], tiers[PlanPro])
	}
}

func TestDecodeYAMLAliasesAndEdgeCases(t *testing.T) {
	t.Parallel()
	doc := `
levels: &lim {per_second: 5, per_window: 100}
`
	if _, err := Decode("c.yml", []byte(doc)); err == nil {
		t.Fatal("unknown top-level key accepted")
	}
	cfg, err := Decode("c.yml", []byte("limits:\n  global: &lim {per_second: 5}\n  channel: *lim\n"))
	if err != nil {
		t.Fatalf("alias decode: %v", err)
	}
	if cfg.Limits.Channel.PerSecond != 5 {
		t.Fatalf("alias not resolved: %+v", cfg.Limits.Channel)
	}
	if _, err := Decode("c.yaml", []byte("? [a, b]\n: 1\n")); err == nil {
		t.Fatal("non-scalar key accepted")
	}
	if cfg, err := Decode("empty.yaml", nil); err != nil || cfg == nil {
		t.Fatalf("empty yaml: %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.yaml", []byte("logging: {levle: debug}\n")); err == nil {
		t.Fatal("unknown yaml field accepted")
	}
	if _, err := Decode("c.json", []byte(`{"logging":{}} {}`)); err == nil {
		t.Fatal("trailing json accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad duration", Config{Backoff: BackoffConfig{Initial: "soon"}}, "backoff.initial"},
		{"bad policy", Config{Compliance: ComplianceConfig{FailPolicy: "maybe"}}, "compliance.fail_policy"},
		{"redis without url", Config{Store: StoreConfig{Driver: "redis"}}, "store.redis.url"},
		{"unknown plan", Config{Tenants: map[string]TenantConfig{"t": {Plan: "gold"}}}, "unknown plan"},
		{"short key", Config{Vault: VaultConfig{ActiveVersion: "v1", Keys: map[string]string{"v1": "c2hvcnQ="}}}, "vault.keys.v1"},
		{"missing active key", Config{Vault: VaultConfig{ActiveVersion: "v2", Keys: map[string]string{}}}, "vault.active_version"},
		{"zero schedule entry", Config{Retry: RetryConfig{Schedule: []string{"1m", "0s"}}}, "retry.schedule[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.want)
			}
		})
	}
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("empty config should be valid: %v", err)
	}
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "wagate.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	sentinel := errors.New("nope")
	m.SetValidator(func(context.Context, *Config) error { return sentinel })
	if _, err := m.Load(); !errors.Is(err, sentinel) {
		t.Fatalf("Load err = %v, want validator error", err)
	}
	if m.Get() != nil {
		t.Fatal("rejected config was committed")
	}
}

func TestWatchPublishesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wagate.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub, unsub := m.Subscribe(1)
	defer unsub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg == nil || cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Tenants: map[string]TenantConfig{"a": {Plan: "free"}}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Tenants: map[string]TenantConfig{"a": {Plan: "pro"}, "b": {Plan: "free"}},
		Vault:   VaultConfig{ActiveVersion: "v1", Keys: map[string]string{"v1": "secret"}},
	}
	changed, attrs, tenants := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "logging,tenants,vault" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(tenants, ",") != "a,b" {
		t.Fatalf("tenants = %v", tenants)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("reload", attrs...)
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("secret leaked in summary: %s", buf.String())
	}
}

func TestSubscribeKeepsNewestWhenBehind(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	sub, unsub := m.Subscribe(1)
	m.publish(&Config{Logging: LoggingConfig{Level: "info"}})
	m.publish(&Config{Logging: LoggingConfig{Level: "debug"}})
	if got := <-sub; got.Logging.Level != "debug" {
		t.Fatalf("got level %q, want the newest snapshot", got.Logging.Level)
	}
	unsub()
	unsub()
	if _, ok := <-sub; ok {
		t.Fatalf("channel open after unsubscribe")
	}
	m.publish(&Config{})
}
