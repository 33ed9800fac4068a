// Package app is the composition root: it wires config, logging, storage, the
// assignment engine, the broadcast notifier, the Telegram transport and the
// chat front-end, and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"proxybot/internal/bot"
	"proxybot/internal/config"
	"proxybot/internal/eventbus"
	"proxybot/internal/metrics"
	"proxybot/internal/notifier/broadcast"
	"proxybot/internal/observability/ops"
	"proxybot/internal/proxy"
	rtsup "proxybot/internal/runtime/supervisor"
	"proxybot/internal/storage"
	kit "proxybot/internal/transport"
	telegram "proxybot/internal/transport/telegram/adapter"
	"proxybot/internal/transport/telegram/router"
	logx "proxybot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store    *storage.Store
	engine   *proxy.Engine
	notifier *broadcast.Notifier
	jobs     *broadcast.Service

	adapter *telegram.Adapter
	router  *router.Router
	bot     *bot.Bot
	ops     *ops.Server
	house   *Housekeeping

	updates chan kit.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg), ad)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheus(reg, "proxybot")

	sc, _ := StorageConfig(cfg)
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")), storage.WithMetrics(rec))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", store.Driver()))

	bus := eventbus.New()
	eng := proxy.NewEngine(store, log, proxy.WithBus(bus), proxy.WithMetrics(rec))

	bcfg, _ := BroadcastConfig(cfg)
	n := broadcast.NewNotifier(ad, bcfg.Gap, log, rec)
	jobs := broadcast.NewService(n, eng.Clients, bcfg, log)

	botCfg, routerCfg, _ := mapFrontend(cfg)
	r := router.New(log, ad, cfg.Telegram.OwnerUserIDs, routerCfg)
	b := bot.New(eng, jobs, store, botCfg, log, rec)
	b.Mount(r)

	opsCfg, _ := mapOps(cfg)
	opsSrv := ops.New(opsCfg, reg, log)
	opsSrv.AddCheck("store", store.Ping)

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		reg:      reg,
		store:    store,
		engine:   eng,
		notifier: n,
		jobs:     jobs,
		adapter:  ad,
		router:   r,
		bot:      b,
		ops:      opsSrv,
		updates:  make(chan kit.Update, 256),
	}
	a.house = NewHousekeeping(b, eng, ad, a.owners, log)
	return a, nil
}

func (a *App) owners() []int64 {
	if cfg := a.cfgm.Get(); cfg != nil {
		return cfg.Telegram.OwnerUserIDs
	}
	return nil
}

// Done is closed when the app context ends (fatal error or Stop).
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.ops.Watch("app", a.sup)
	a.ops.Watch("telegram", a.adapter.Supervisor())
	a.ops.Start(run)

	a.sup.Go("router", func(c context.Context) error { return a.router.Run(c, a.updates) })
	a.sup.Go("broadcast.jobs", a.jobs.Run)
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
			a.log.Warn("command menu not published", logx.Err(err))
		}
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	cfg := a.cfgm.Get()
	hk, _ := mapHousekeeping(cfg)
	if err := a.house.Apply(run, hk); err != nil {
		return err
	}

	list := staticProxies(cfg)
	a.sup.Go0("proxies.reconcile", func(c context.Context) {
		Reconcile(c, a.engine, a.notifier, list, a.log)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = latest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("bot", a.adapter.Username()), logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)))
	return nil
}

// latest drains queued configs and returns the newest.
func latest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case next := <-ch:
			if next != nil {
				cur = next
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
		if s == "proxies" {
			a.log.Info("static proxy list changed; new entries are registered on the next start")
		}
	}

	a.logs.Apply(mapLogging(next))
	a.router.SetOwners(next.Telegram.OwnerUserIDs)

	if botCfg, _, err := mapFrontend(next); err == nil {
		a.bot.Apply(botCfg)
	}
	if bcfg, err := BroadcastConfig(next); err == nil {
		a.notifier.SetGap(bcfg.Gap)
	}
	if oc, err := mapOps(next); err == nil {
		a.ops.Reconfigure(ctx, oc)
	}
	if hk, err := mapHousekeeping(next); err == nil {
		if err := a.house.Apply(ctx, hk); err != nil {
			a.log.Warn("housekeeping not rescheduled", logx.Err(err))
		}
	}

	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(sctx.Err()))
		}
	}

	step("housekeeping", 2*time.Second, func(context.Context) error { a.house.Stop(); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Int64("dropped_events", int64(a.bus.Dropped())))
	return a.logs.Close()
}
