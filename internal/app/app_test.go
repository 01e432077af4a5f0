package app

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wagate/internal/campaign"
	"wagate/internal/compliance"
	"wagate/internal/config"
	"wagate/internal/runtime/supervisor"
	"wagate/pkg/logx"
)

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}

	if got := mapStorage(cfg).Path; got != defaultDBPath {
		t.Fatalf("storage path = %q", got)
	}
	up := mapUpstream(cfg)
	if up.BaseURL != config.DefaultUpstreamBaseURL || up.APIVersion != config.DefaultAPIVersion || up.Timeout != 15*time.Second {
		t.Fatalf("upstream = %+v", up)
	}
	r, err := mapRetry(cfg)
	if err != nil {
		t.Fatalf("mapRetry: %v", err)
	}
	if r.MaxRetries != config.DefaultMaxRetries || len(r.Schedule) != len(config.DefaultRetrySchedule) {
		t.Fatalf("retry = %+v", r)
	}
	c := mapCompliance(cfg)
	if c.Policy != compliance.PolicyAllow || len(c.OptOutKeywords) == 0 || len(c.OptInKeywords) == 0 {
		t.Fatalf("compliance = %+v", c)
	}
	if mapAlerts(cfg).Enabled {
		t.Fatalf("alerts enabled without a section")
	}
	if autoPauseAfter(cfg) != config.DefaultAutoPauseAfter || lockTTL(cfg) != config.DefaultLockTTL {
		t.Fatalf("defaults not applied")
	}
	if redisPrefix(cfg) != "wagate" || needsRedis(cfg) {
		t.Fatalf("redis defaults wrong")
	}
}

func TestMappingOverrides(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Limits: config.LimitsConfig{
			Global:       config.LevelLimit{PerSecond: 80, PerWindow: 1000, Window: "10s"},
			TenantWindow: "30s",
		},
		Retry: config.RetryConfig{Driver: "Redis", Schedule: []string{"1s", "2s"}, MaxRetries: 2},
		Locks: config.LocksConfig{TTL: "30s", SweepInterval: "10s"},
		Store: config.StoreConfig{Redis: config.RedisConfig{Prefix: "wg"}},
	}
	l := mapLimits(cfg)
	if l.Global.PerSecond != 80 || l.Global.PerWindow != 1000 || l.Global.Window != 10*time.Second || l.TenantWindow != 30*time.Second {
		t.Fatalf("limits = %+v", l)
	}
	if l.Channel.Window != config.DefaultWindow {
		t.Fatalf("channel window default = %v", l.Channel.Window)
	}
	r, err := mapRetry(cfg)
	if err != nil {
		t.Fatalf("mapRetry: %v", err)
	}
	if r.MaxRetries != 2 || len(r.Schedule) != 2 || r.Schedule[1] != 2*time.Second {
		t.Fatalf("retry = %+v", r)
	}
	if !needsRedis(cfg) || redisPrefix(cfg) != "wg" {
		t.Fatalf("redis detection wrong")
	}
	if every := sweepIntervals(cfg); every[sweepLocks] != 10*time.Second || every[sweepSLA] != defaultSLASweep {
		t.Fatalf("sweep intervals = %v", every)
	}
	if lockTTL(cfg) != 30*time.Second {
		t.Fatalf("lock ttl = %v", lockTTL(cfg))
	}
}

func TestSenderChanged(t *testing.T) {
	t.Parallel()
	a := &config.AlertsConfig{Token: "x", ChatID: 1}
	b := &config.AlertsConfig{Token: "x", ChatID: 1, Enabled: true, RatePerSec: 9}
	if senderChanged(a, b) {
		t.Fatalf("non-target fields reported as sender change")
	}
	if !senderChanged(nil, a) || !senderChanged(a, &config.AlertsConfig{Token: "y", ChatID: 1}) {
		t.Fatalf("target change not detected")
	}
}

type blockingRunner struct {
	release chan struct{}
	started chan string
}

func (r blockingRunner) Run(ctx context.Context, c campaign.Campaign, recipients []string) (campaign.Report, error) {
	r.started <- c.ID
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return campaign.Report{Sent: len(recipients)}, nil
}

func TestLauncherOneRunPerCampaign(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := supervisor.New(ctx)
	r := blockingRunner{release: make(chan struct{}), started: make(chan string, 2)}
	l := newLauncher(func() *supervisor.Supervisor { return sup }, r, logx.Nop())

	c := campaign.Campaign{ID: "c1", TenantID: "t1"}
	if err := l.Launch(ctx, c, []string{"+1", "+2"}); err != nil {
		t.Fatalf("first launch: %v", err)
	}
	<-r.started
	if err := l.Launch(ctx, c, nil); !errors.Is(err, ErrCampaignRunning) {
		t.Fatalf("second launch err = %v, want ErrCampaignRunning", err)
	}
	if err := l.Launch(ctx, campaign.Campaign{ID: "c2"}, nil); err != nil {
		t.Fatalf("other campaign: %v", err)
	}
	<-r.started

	close(r.release)
	deadline := time.Now().Add(2 * time.Second)
	for l.Running("c1") || l.Running("c2") {
		if time.Now().After(deadline) {
			t.Fatalf("runs did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := l.Launch(ctx, c, nil); err != nil {
		t.Fatalf("relaunch after finish: %v", err)
	}
	<-r.started
}

func TestLauncherRefusesWithoutSupervisor(t *testing.T) {
	t.Parallel()
	l := newLauncher(func() *supervisor.Supervisor { return nil }, blockingRunner{}, logx.Nop())
	if err := l.Launch(context.Background(), campaign.Campaign{ID: "c1"}, nil); err == nil {
		t.Fatalf("expected error before Start")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "DIR", filepath.ToSlash(dir))
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestNewRequiresVaultKeys(t *testing.T) {
	t.Parallel()
	p := writeConfig(t, `{"storage":{"path":"DIR/db.sqlite"}}`)
	if _, err := New(p); err == nil || !strings.Contains(err.Error(), "vault") {
		t.Fatalf("err = %v, want vault error", err)
	}
}

func TestAppStartServesHealthAndStops(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	p := writeConfig(t, `{
		"logging": {"level": "error"},
		"http": {"addr": "127.0.0.1:0"},
		"storage": {"path": "DIR/db.sqlite"},
		"vault": {"active_version": "v1", "keys": {"v1": "`+key+`"}}
	}`)

	a, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + a.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
}
