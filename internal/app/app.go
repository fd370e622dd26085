// Package app wires configuration, storage, the scheduler and the chat
// transport into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"animebot/internal/anilist"
	"animebot/internal/commands"
	"animebot/internal/config"
	"animebot/internal/digest"
	"animebot/internal/eventbus"
	"animebot/internal/notifier"
	"animebot/internal/observability/ops"
	"animebot/internal/releases"
	"animebot/internal/reminder"
	rtsup "animebot/internal/runtime/supervisor"
	"animebot/internal/storage"
	"animebot/internal/task/engine"
	"animebot/internal/task/scheduler"
	kit "animebot/internal/transport"
	telegram "animebot/internal/transport/telegram/adapter"
	"animebot/internal/transport/telegram/router"
	logx "animebot/pkg/logx"
)

// Ledger ids of the jobs the process arms for itself.
var (
	dailySummaryID   = reminder.InternalKey("daily_summary").String()
	newSeasonCheckID = reminder.InternalKey("new_season_check").String()
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	adapter kit.Adapter

	engine   *engine.Service
	sched    *scheduler.Service
	notif    *notifier.Service
	deliver  *reminder.Deliverer
	digest   *digest.Service
	releases *releases.Service
	router   *router.Manager
	cmds     *commands.Handlers
	ops      *ops.Service
	fwd      *eventbus.Forwarder

	sweepTimeout time.Duration

	updates chan kit.Update
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, log)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", store.Driver()))

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log, bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, store, engineSvc, log, bus)
	sweepTimeout, err := mapSweepTimeout(cfg)
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, ad, log, bus)
	logSvc.SetAlertSender(notifSvc)

	alCfg, err := mapAniListConfig(cfg)
	if err != nil {
		return nil, err
	}
	relCfg, err := mapReleasesConfig(cfg)
	if err != nil {
		return nil, err
	}
	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	deliver := reminder.NewDeliverer(notifSvc, log)
	digestSvc := digest.New(mapDigestConfig(cfg), schedSvc.Location(), store, notifSvc, log, bus)
	relSvc := releases.New(relCfg, store, anilist.New(alCfg, log), notifSvc, log, bus)

	cmds := commands.New(commands.Deps{
		Scheduler: schedSvc,
		Store:     store,
		Digest:    digestSvc,
		Actions:   deliver,
		Log:       log,
	})

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		engine:   engineSvc,
		sched:    schedSvc,
		notif:    notifSvc,
		deliver:  deliver,
		digest:   digestSvc,
		releases: relSvc,
		router:   router.NewManager(log, ad, cfg.Telegram.OwnerUserIDs),
		cmds:     cmds,
		updates:  make(chan kit.Update, 256),

		sweepTimeout: sweepTimeout,
	}
	a.ops = ops.New(opsCfg, func() any { return a.sched.Snapshot() }, log)
	if ec, ok := mapEventsConfig(cfg); ok {
		a.fwd = eventbus.NewForwarder(bus, ec, log)
	}
	return a, nil
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		_, err := mapOpsConfig(cfg)
		return err
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.engine.Start(runCtx)
	a.sched.Start(runCtx)
	a.router.SetRegistry(runCtx, a.cmds.Commands(), a.cmds.Callbacks())

	res, err := a.sched.Rehydrate(runCtx, func(id, trigger, text string) (scheduler.Action, error) {
		return a.deliver.Action(id, trigger, text)
	})
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	a.log.Info("reminders rehydrated", logx.Int("armed", res.Armed), logx.Int("skipped", res.Skipped), logx.Int("internal", res.Internal))

	if err := a.armInternalJobs(runCtx, a.cfgm.Get()); err != nil {
		return err
	}

	if opsCfg, err := mapOpsConfig(a.cfgm.Get()); err == nil {
		a.ops.Reconfigure(runCtx, opsCfg)
	}

	if a.fwd != nil {
		a.sup.GoRestart("events.amqp", a.fwd.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
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

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// armInternalJobs schedules the daily digest and the new release sweep.
// Both go through the ledger like user reminders but run under the sweep
// budget instead of the per-reminder timeout.
func (a *App) armInternalJobs(ctx context.Context, cfg *config.Config) error {
	budget := scheduler.WithTimeout(a.sweepTimeout)
	summary := cronOrDefault(cfg.Scheduler.DailySummary, defaultDailySummary)
	if _, err := a.sched.Schedule(ctx, dailySummaryID, summary, a.digest.Sweep, "Daily Anime Summary Generation", budget); err != nil {
		return fmt.Errorf("schedule %s: %w", dailySummaryID, err)
	}

	check := cronOrDefault(cfg.Scheduler.NewSeasonCheck, defaultNewSeasonCheck)
	sweep := func(c context.Context) error {
		if err := a.releases.Sweep(c); err != nil {
			return err
		}
		_, err := a.releases.PruneHistory(c)
		return err
	}
	if _, err := a.sched.Schedule(ctx, newSeasonCheckID, check, sweep, "New Season Check", budget); err != nil {
		return fmt.Errorf("schedule %s: %w", newSeasonCheckID, err)
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	change := config.Diff(prev, next)
	if len(change.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if change.Has("logging") {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if change.Has("delivery") {
		if ncfg, err := mapNotifierConfig(next); err != nil {
			a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
		}
	}
	if change.Has("telegram.owners") {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
	}
	if change.Has("ops") {
		if oc, err := mapOpsConfig(next); err != nil {
			a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
		} else {
			a.ops.Reconfigure(ctx, oc)
		}
	}
	if pending := change.RestartRequired(); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect", logx.Strings("sections", pending))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config reloaded", fields...)
}
