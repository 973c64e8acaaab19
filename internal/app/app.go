package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chanpost/internal/cache"
	"chanpost/internal/config"
	"chanpost/internal/dispatch"
	"chanpost/internal/eventbus"
	"chanpost/internal/events"
	"chanpost/internal/guard"
	"chanpost/internal/metricsync"
	"chanpost/internal/observability/debugserver"
	"chanpost/internal/observability/metrics"
	rtsup "chanpost/internal/runtime/supervisor"
	"chanpost/internal/storage"
	"chanpost/internal/task/engine"
	"chanpost/internal/task/scheduler"
	"chanpost/internal/transport"
	"chanpost/internal/transport/telegram"
	"chanpost/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store      storage.Store
	cache      cache.Cache
	guardCache cache.Cache // same as cache unless cache is in memory
	client     transport.Client

	disp   *dispatch.Dispatcher
	sync   *metricsync.Engine
	engine *engine.Service
	sched  *scheduler.Service

	metrics *metrics.Recorder
	debug   *debugserver.Server
	pub     events.Publisher
	fwd     *events.Forwarder
}

type Option func(*options)

type options struct {
	client transport.Client
}

// WithClient replaces the Telegram client, mainly for tests.
func WithClient(c transport.Client) Option {
	return func(o *options) { o.client = c }
}

// NewApp loads the config at cfgPath and builds every component. Storage
// and broker connections are opened here so misconfiguration fails startup.
func NewApp(ctx context.Context, cfgPath string, opts ...Option) (_ *App, err error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(loggingConfig(cfg), nil)
	cfgm.SetLogger(log)
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}

	defer func() {
		if err != nil {
			a.closeResources()
			_ = logSvc.Close()
		}
	}()

	a.client = o.client
	if a.client == nil {
		tc, err := telegram.New(telegramConfig(cfg), log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.client = tc
	}
	logSvc.SetSender(a.client)

	sc := storageConfig(cfg)
	if a.store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	cc := cacheConfig(cfg)
	if a.cache, err = cache.Open(cc, log.With(logx.String("comp", "cache"))); err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	a.guardCache = a.cache
	if cc.Driver == "memory" {
		// View counts must not evict delivery records from a shared LRU.
		mem, err := cache.NewMemory(cc.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		a.guardCache = mem
		a.log.Warn("memory cache: delivery idempotency does not survive a restart")
	}

	g := guard.New(a.guardCache, guard.WithLogger(log.With(logx.String("comp", "guard"))))
	a.disp = dispatch.New(dispatchConfig(cfg), a.store, g, a.client, a.bus, log)
	a.sync = metricsync.New(syncConfig(cfg), a.store, a.cache, a.client, a.bus, log)

	a.engine = engine.New(engineConfig(cfg), log, a.bus)
	a.sched = scheduler.New(schedulerConfig(cfg), a.engine, log)
	if err = a.registerJobs(cfg); err != nil {
		return nil, err
	}

	a.metrics = metrics.New(a.bus)
	a.debug = debugserver.New(debugConfig(cfg), a.metrics.Handler(), a.health, log)

	ec := eventsConfig(cfg)
	if a.pub, err = events.Open(ec, log); err != nil {
		return nil, err
	}
	if a.pub != nil {
		a.fwd = events.NewForwarder(a.pub, ec, log)
		a.log.Info("event forwarding enabled", logx.String("driver", ec.Driver))
	}
	return a, nil
}

// Dispatcher accepts new scheduled items.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Sync exposes on-demand channel refresh.
func (a *App) Sync() *metricsync.Engine { return a.sync }

// Trigger runs a periodic job now.
func (a *App) Trigger(job string) error { return a.sched.Trigger(job) }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.sup.Go("metrics.record", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	if a.fwd != nil {
		a.sup.Go("events.forward", func(c context.Context) error { return a.fwd.Run(c, a.bus) })
	}
	a.sup.Go("eventbus.log", a.logEvents)

	a.engine.Start(runCtx)
	a.sched.Start(runCtx)
	a.debug.Start(runCtx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.log.Info("app started", logx.Int("schedules", len(a.sched.Snapshot().Schedules)))
	return nil
}

func (a *App) logEvents(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) health(ctx context.Context) (map[string]any, error) {
	out := map[string]any{
		"engine":         a.engine.Snapshot(),
		"scheduler":      a.sched.Snapshot(),
		"events_dropped": a.bus.Dropped(),
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	if a.fwd != nil {
		sent, failed := a.fwd.Stats()
		out["forwarded"] = map[string]uint64{"sent": sent, "failed": failed}
	}
	if err := a.store.Ping(ctx); err != nil {
		return out, fmt.Errorf("storage: %w", err)
	}
	return out, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Stop the trigger before the executor so no new task lands mid-shutdown.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "debugserver", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	a.step(ctx, "resources", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs fn bounded by limit and the caller's deadline. A step that
// overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) closeResources() {
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.log.Warn("event publisher close failed", logx.Err(err))
		}
		a.pub = nil
	}
	if a.guardCache != nil && a.guardCache != a.cache {
		_ = a.guardCache.Close()
	}
	a.guardCache = nil
	if a.cache != nil {
		_ = a.cache.Close()
		a.cache = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}
