// Package app wires every wagate component from one config file and owns the
// process lifecycle: start order, hot reload fan-out and bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"wagate/internal/alerts"
	"wagate/internal/audit"
	"wagate/internal/backoff"
	"wagate/internal/campaign"
	"wagate/internal/classify"
	"wagate/internal/compliance"
	"wagate/internal/config"
	"wagate/internal/dispatch"
	"wagate/internal/eventbus"
	"wagate/internal/httpapi"
	"wagate/internal/kv"
	"wagate/internal/ratelimit"
	"wagate/internal/replylock"
	"wagate/internal/retryq"
	"wagate/internal/runtime/supervisor"
	"wagate/internal/sla"
	"wagate/internal/storage"
	"wagate/internal/sweep"
	"wagate/internal/tenant"
	"wagate/internal/upstream"
	"wagate/internal/vault"
	"wagate/pkg/logx"
)

// bootTimeout bounds the network and disk work done by New.
const bootTimeout = 15 * time.Second

type App struct {
	cfgm *config.ConfigManager
	sup  atomic.Pointer[supervisor.Supervisor]
	bg   context.Context

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	kv    kv.Store
	redis *goredis.Client
	db    *storage.SQLite
	audit *audit.Async

	limiter    *ratelimit.Limiter
	gate       *compliance.Gate
	creds      *vault.Credentials
	locks      *replylock.Service
	deadlines  *sla.Tracker
	retry      *retryq.Service
	campaigns  *campaign.Controller
	dispatcher *dispatch.Dispatcher
	launcher   *launcher
	alerts     *alerts.Service
	sweeps     *sweep.Service
	http       *httpapi.Server
}

// New loads cfgPath and builds the component graph. Nothing runs until Start.
func New(cfgPath string) (a *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if len(cfg.Vault.Keys) == 0 {
		return nil, errors.New("vault: active_version and keys are required to store channel credentials")
	}

	logs, log := logx.New(mapLogConfig(cfg))
	a = &App{cfgm: cfgm, logs: logs, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()

	// Shared counters and locks.
	if needsRedis(cfg) {
		a.redis, err = kv.DialRedis(ctx, cfg.Store.Redis.URL)
		if err != nil {
			return nil, err
		}
	}
	if storeDriver(cfg) == "redis" {
		a.kv = kv.NewRedisStore(a.redis, kv.WithPrefix(redisPrefix(cfg)))
	} else {
		a.kv = kv.NewMemoryStore()
		a.log.Warn("store.driver is memory; counters and locks are not shared across instances")
	}

	// Durable state.
	a.db, err = storage.Open(ctx, mapStorage(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.audit = audit.NewAsync(a.db, log.With(logx.String("comp", "audit")), audit.AsyncConfig{})

	tenants := tenant.NewResolver(cfgm.Get)
	a.limiter = ratelimit.New(a.kv, tenants, mapLimits(cfg),
		ratelimit.WithLogger(log.With(logx.String("comp", "ratelimit"))))
	backoffs := backoff.New(a.kv, mapBackoff(cfg))
	stats := classify.NewStats(a.kv, autoPauseAfter(cfg), 0)

	a.gate = compliance.New(a.db, mapCompliance(cfg), a.audit, a.bus, log.With(logx.String("comp", "compliance")))

	keys, err := vault.ParseKeyring(cfg.Vault.ActiveVersion, cfg.Vault.Keys)
	if err != nil {
		return nil, err
	}
	a.creds = vault.NewCredentials(a.db, keys, a.audit, log.With(logx.String("comp", "vault")))

	a.locks = replylock.New(a.kv, lockTTL(cfg), a.audit, log.With(logx.String("comp", "replylock")))
	a.deadlines = sla.NewTracker(a.db, tenants, a.audit, a.bus, log.With(logx.String("comp", "sla")))

	rcfg, err := mapRetry(cfg)
	if err != nil {
		return nil, err
	}
	var q retryq.Queue = a.db
	if retryDriver(cfg) == "redis" {
		q = retryq.NewRedisQueue(a.redis, redisPrefix(cfg))
	}
	a.retry = retryq.New(q, a.db, rcfg, a.audit, a.bus, log.With(logx.String("comp", "retry")))

	a.campaigns = campaign.NewController(a.kv, a.audit, a.bus, log.With(logx.String("comp", "campaign")),
		stats.RecordSuccess, backoffs.Clear)

	a.dispatcher = dispatch.New(dispatch.Deps{
		Gate:        a.gate,
		Limiter:     a.limiter,
		Credentials: a.creds,
		Upstream:    upstream.New(mapUpstream(cfg)),
		Backoff:     backoffs,
		Stats:       stats,
		Campaigns:   a.campaigns,
		Retries:     a.retry,
		Messages:    a.db,
		SLA:         a.deadlines,
		Channels:    tenants,
		Audit:       a.audit,
		Bus:         a.bus,
		Log:         log.With(logx.String("comp", "dispatch")),
	})
	runner := campaign.NewRunner(a.dispatcher, a.campaigns, backoffs, mapRunner(cfg), log.With(logx.String("comp", "campaign")))
	a.launcher = newLauncher(a.sup.Load, runner, log.With(logx.String("comp", "campaign")))

	sender, err := alertSender(cfg)
	if err != nil {
		return nil, err
	}
	a.alerts = alerts.New(mapAlerts(cfg), sender, log.With(logx.String("comp", "alerts")), a.bus, a.kv)

	a.sweeps = sweep.New(log.With(logx.String("comp", "sweep")))
	if err := a.sweeps.Add(a.sweepTasks(cfg)...); err != nil {
		return nil, err
	}

	a.http = httpapi.New(mapHTTP(cfg), httpapi.Deps{
		Sender:      a.dispatcher,
		OptOuts:     a.gate,
		Deadlines:   a.deadlines,
		Locks:       a.locks,
		DeadLetters: a.retry,
		Campaigns:   a.campaigns,
		Launcher:    a.launcher,
		Credentials: a.creds,
		Messages:    a.db,
		Bus:         a.bus,
		Health:      a.health,
		Log:         log,
	})
	return a, nil
}

// alertSender is Telegram when credentials are configured, so alerts can be
// switched on by reload, and a no-op otherwise.
func alertSender(cfg *config.Config) (alerts.Sender, error) {
	ac := cfg.Alerts
	if ac == nil || strings.TrimSpace(ac.Token) == "" || ac.ChatID == 0 {
		return alerts.NopSender(), nil
	}
	s, err := alerts.NewTelegramSender(ac.Token, ac.ChatID, ac.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("alerts: %w", err)
	}
	return s, nil
}

func (a *App) sweepTasks(cfg *config.Config) []sweep.Task {
	every := sweepIntervals(cfg)
	tasks := []sweep.Task{
		{Name: sweepLocks, Every: every[sweepLocks], Run: a.locks.Sweep},
		{Name: sweepSLA, Every: every[sweepSLA], Run: func(ctx context.Context) (int, error) {
			ids, err := a.deadlines.SweepBreaches(ctx)
			return len(ids), err
		}},
	}
	// Redis expires keys itself; only the memory store needs a pass.
	if storeDriver(cfg) != "redis" {
		tasks = append(tasks, sweep.Task{Name: sweepKV, Every: every[sweepKV], Run: func(ctx context.Context) (int, error) {
			return a.kv.Sweep(ctx, time.Now())
		}})
	}
	return tasks
}

func (a *App) health(ctx context.Context) error {
	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Addr is the bound HTTP address once Start returned.
func (a *App) Addr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	sup := a.sup.Load()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if sup := a.sup.Load(); sup != nil {
		return sup.Err()
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sup.Store(sup)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if len(cfg.Vault.Keys) == 0 {
			return errors.New("vault: keys cannot be removed while running")
		}
		_, err := mapRetry(cfg)
		return err
	})

	// Audit and alerts drain in Stop after the supervisor is canceled, so
	// they must not inherit its cancellation.
	a.bg = context.WithoutCancel(ctx)
	a.audit.Start(a.bg)
	if a.alerts.Enabled() {
		a.alerts.Start(a.bg)
	}

	sup.GoRestart("retry.consumer", func(c context.Context) error {
		return a.retry.Run(c, a.dispatcher)
	})
	sup.Go("vault.rotate", func(c context.Context) error {
		// Re-seal credentials still under an old key version.
		n, err := a.creds.Rotate(c)
		if err != nil && c.Err() == nil {
			a.log.Warn("credential rotation failed", logx.Err(err))
		} else if n > 0 {
			a.log.Info("credentials re-sealed", logx.Int("count", n))
		}
		return nil
	})

	if err := a.sweeps.Start(sup.Context()); err != nil {
		sup.Cancel()
		return err
	}
	if err := a.http.Start(sup.Context()); err != nil {
		sup.Cancel()
		return err
	}

	sub, unsub := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(c context.Context) error {
		defer unsub()
		a.reloadLoop(c, sub)
		return nil
	})
	sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("addr", a.http.Addr()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	sup := a.sup.Load()
	if sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping")

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	// Stop intake first so no new work reaches the dispatcher.
	step("http", httpShutdownTimeout(a.cfgm.Get()), func(c context.Context) error { a.http.Stop(c); return nil })
	step("sweep", 2*time.Second, func(c context.Context) error { a.sweeps.Stop(c); return nil })

	// Background loops (retry consumer, campaign runs, config watch) unwind on cancel.
	sup.Cancel()
	step("supervisor", 5*time.Second, func(c context.Context) error { return sup.Wait(c) })

	step("alerts", 3*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	// Audit drains last so shutdown transitions are recorded.
	step("audit", 3*time.Second, func(c context.Context) error { return a.audit.Stop(c) })

	a.log.Info("stopped")
	a.closeResources()
	return nil
}

// closeResources releases storage, redis and the log file. Safe on a
// partially built App.
func (a *App) closeResources() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
