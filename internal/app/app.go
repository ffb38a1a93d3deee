// Package app wires the daemon together: config, logging, storage, the
// Telegram transport, presence, the scheduler and the operator commands.
package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"homepi/internal/arrival"
	"homepi/internal/config"
	"homepi/internal/control"
	"homepi/internal/eventbus"
	"homepi/internal/metrics"
	"homepi/internal/notify"
	"homepi/internal/presence"
	rtsup "homepi/internal/runtime/supervisor"
	"homepi/internal/scheduler"
	"homepi/internal/storage"
	kit "homepi/internal/transport"
	telegram "homepi/internal/transport/telegram/adapter"
	"homepi/internal/transport/telegram/router"
	logx "homepi/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	rec  *metrics.Recorder

	store   *storage.Store
	adapter kit.Adapter
	notif   *notify.TelegramNotifier
	sound   *soundSwitch

	presence *presence.StateMachine
	sched    *scheduler.Scheduler
	arrival  *arrival.Evaluator
	control  *control.Service
	cmdm     *router.CommandManager
	serv     *router.Services
	metrics  *metrics.Server
	systemd  *sdNotifier

	presenceOn atomic.Bool
	schedOn    atomic.Bool

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// Forwarding starts disabled: the notifier it needs is built below.
	bootCfg := mapLogging(cfg)
	bootCfg.Forward.Enabled = false
	logSvc, root := logx.New(bootCfg)
	log := root.With(logx.String("comp", "app"))

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := storage.Open(openCtx, sc, root.With(logx.String("comp", "storage")))
	cancel()
	if err != nil {
		return nil, err
	}

	a, err := build(cfg, cfgm, logSvc, root, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Info("app built", logx.String("db", sc.Path), logx.Int64("chat_id", cfg.Telegram.ChatID))
	return a, nil
}

func build(cfg *config.Config, cfgm *config.ConfigManager, logSvc *logx.Service, root logx.Logger, store *storage.Store) (*App, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, root.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	rec := metrics.New()

	notif := notify.NewTelegram(mapNotifier(cfg), ad, store, rec, root)
	logSvc.SetForwarder(notif)
	logSvc.Apply(mapLogging(cfg))

	sound := newSoundSwitch(notify.NewCommandPlayer(mapSound(cfg), rec, root), cfg.Sound.Enabled)

	sc, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	ev := arrival.New(mapArrival(sc), store, notif, sound, root, arrival.WithBus(bus), arrival.WithMetrics(rec))

	pc, err := mapPresence(cfg)
	if err != nil {
		return nil, err
	}
	providers, err := buildProviders(cfg, pc, store, root)
	if err != nil {
		return nil, err
	}
	sm := presence.NewStateMachine(pc, store, providers, ev.Async(), root, presence.WithBus(bus), presence.WithMetrics(rec))
	states := notify.PresenceSnapshot(sm.CurrentStates)

	sched := scheduler.New(sc, store, notif, sound, states, root, scheduler.WithBus(bus), scheduler.WithMetrics(rec))
	ctl := control.New(store, states, sc.Location, root, control.WithPresenceDetail(sm.Snapshot))

	serv := &router.Services{Control: ctl, Metrics: rec}
	cmdm := router.NewCommandManager(root, ad, serv, mapRouter(cfg))

	a := &App{
		cfgm:     cfgm,
		log:      root.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		rec:      rec,
		store:    store,
		adapter:  ad,
		notif:    notif,
		sound:    sound,
		presence: sm,
		sched:    sched,
		arrival:  ev,
		control:  ctl,
		cmdm:     cmdm,
		serv:     serv,
		systemd:  newSdNotifier(cfg.Systemd, root),
		updates:  make(chan kit.Update, 256),
	}
	a.metrics = metrics.NewServer(rec, a.health, root)
	return a, nil
}

func buildProviders(cfg *config.Config, pc presence.Config, store *storage.Store, log logx.Logger) ([]presence.Provider, error) {
	var out []presence.Provider
	if cfg.Presence.Ping.Enabled {
		pingCfg, err := mapPing(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, presence.NewPingProvider(store, pingCfg, log))
	}
	if cfg.Presence.BLE.Enabled {
		scan, scanner, err := mapBLE(cfg, pc)
		if err != nil {
			return nil, err
		}
		out = append(out, presence.NewBLEProvider(store, scanner, scan, log))
	}
	return out, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.serv.AppSupervisor = a.sup
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.cmdm.SetRegistry(router.Commands())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if err := a.setPresence(runCtx, cfg.Presence.Enabled); err != nil {
		return err
	}
	if err := a.setScheduler(runCtx, cfg.Scheduler.Enabled); err != nil {
		return err
	}
	a.metrics.Apply(runCtx, cfg.Metrics.Enabled, cfg.Metrics.Addr)

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// keep only the latest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.reload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if cfg.Systemd.Watchdog {
		a.sup.Go0("systemd.watchdog", a.systemd.watchdog)
	}
	a.systemd.ready()
	a.log.Info("app started",
		logx.Bool("presence", a.presenceOn.Load()),
		logx.Bool("scheduler", a.schedOn.Load()),
		logx.Bool("sound", cfg.Sound.Enabled))
	return nil
}

func (a *App) setPresence(ctx context.Context, enabled bool) error {
	was := a.presenceOn.Load()
	switch {
	case enabled && !was:
		if err := a.presence.Start(ctx); err != nil {
			return fmt.Errorf("presence: %w", err)
		}
		a.presenceOn.Store(true)
	case !enabled && was:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		a.presenceOn.Store(false)
		return a.presence.Stop(stopCtx)
	case !enabled:
		// still load persisted states so /who and gated reminders see them
		return a.presence.Restore(ctx)
	}
	return nil
}

func (a *App) setScheduler(ctx context.Context, enabled bool) error {
	was := a.schedOn.Load()
	switch {
	case enabled && !was:
		if err := a.sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		a.schedOn.Store(true)
	case !enabled && was:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		a.schedOn.Store(false)
		return a.sched.Stop(stopCtx)
	}
	return nil
}

// reload applies a validated config to the running components. Sections
// that cannot change live are reported and left as they were.
func (a *App) reload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	a.logs.Apply(mapLogging(newCfg))
	a.notif.Apply(mapNotifier(newCfg))
	a.cmdm.Apply(mapRouter(newCfg))
	a.sound.set(newCfg.Sound.Enabled)

	restart := config.RestartRequired(sections)
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		restart = append(restart, "telegram.connection")
	}
	if !reflect.DeepEqual(oldCfg.Presence.Ping, newCfg.Presence.Ping) || !reflect.DeepEqual(oldCfg.Presence.BLE, newCfg.Presence.BLE) {
		restart = append(restart, "presence.providers")
	}
	if oldCfg.Sound.Player != newCfg.Sound.Player || oldCfg.Sound.Downloader != newCfg.Sound.Downloader {
		restart = append(restart, "sound.player")
	}

	if pc, err := mapPresence(newCfg); err != nil {
		a.log.Warn("invalid presence config; keeping previous", logx.Err(err))
	} else {
		a.presence.Apply(pc)
	}
	if err := a.setPresence(ctx, newCfg.Presence.Enabled); err != nil {
		a.log.Warn("presence toggle failed", logx.Err(err))
	}

	if sc, err := mapScheduler(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
		a.arrival.Apply(mapArrival(sc))
		a.control.SetLocation(sc.Location)
	}
	if err := a.setScheduler(ctx, newCfg.Scheduler.Enabled); err != nil {
		a.log.Warn("scheduler toggle failed", logx.Err(err))
	}

	a.metrics.Apply(ctx, newCfg.Metrics.Enabled, newCfg.Metrics.Addr)

	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) health(ctx context.Context) (any, error) {
	if err := a.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return nil, err
		}
	}
	home := 0
	states := a.presence.CurrentStates()
	for _, s := range states {
		if s == storage.StateHome {
			home++
		}
	}
	return map[string]any{
		"presence":  a.presenceOn.Load(),
		"scheduler": a.schedOn.Load(),
		"tracked":   len(states),
		"home":      home,
	}, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.systemd.stopping()

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			if max > 0 {
				var cancel context.CancelFunc
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("presence", 3*time.Second, a.presence.Stop)
	step("scheduler", 3*time.Second, a.sched.Stop)
	step("arrival", 3*time.Second, a.arrival.Wait)
	step("metrics", 1*time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.SetForwarder(nil)
	return a.logs.Close()
}
