package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"guardbot/internal/ai"
	"guardbot/internal/config"
	"guardbot/internal/directive"
	"guardbot/internal/dispatch"
	"guardbot/internal/eventbus"
	"guardbot/internal/moderation"
	"guardbot/internal/observability/ops"
	"guardbot/internal/pacing"
	"guardbot/internal/registry"
	"guardbot/internal/runtime/supervisor"
	"guardbot/internal/storage"
	"guardbot/internal/task/scheduler"
	"guardbot/internal/transport"
	"guardbot/internal/transport/telegram"
	"guardbot/internal/transport/whatsapp"
	"guardbot/pkg/logx"
)

const statusTimeLayout = "02/01/2006, 15:04:05"

type App struct {
	cfgPath string

	cfgm   *config.ConfigManager
	sup    *supervisor.Supervisor
	cancel context.CancelFunc

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	state *State

	client transport.Client

	ai       ai.Service
	pacer    *pacing.Limiter
	reg      *registry.Registry
	exec     *directive.Executor
	mod      *moderation.Engine
	sched    *scheduler.Service
	disp     *dispatch.Dispatcher
	pipe     *Pipeline
	pool     *dispatch.Pool
	ops      *ops.Service
	counters *eventbus.Counters

	inbox chan transport.Message
}

// New loads the config and wires every component. A missing owner or AI
// credential fails here, before anything is started.
func New(cfgPath string) (a *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The chat sink needs the messaging client, which does not exist yet.
	bootLogCfg := mapLogConfig(cfg)
	bootLogCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootLogCfg, nil)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
		}
	}()

	state := NewState(store, bus, log)
	client, err := newClient(cfg, state.OnStatus, log)
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(client)
	logSvc.Apply(mapLogConfig(cfg))

	aiCfg, err := mapAIConfig(cfg)
	if err != nil {
		return nil, err
	}
	svc, err := ai.New(context.Background(), aiCfg, log)
	if err != nil {
		return nil, err
	}

	pc, err := mapPacingConfig(cfg)
	if err != nil {
		return nil, err
	}
	pacer := pacing.New(pc)

	reg := registry.New(store, log)
	exec := directive.NewExecutor(svc, client, pacer, log)
	mod := moderation.New(mapModerationConfig(cfg), svc, client, pacer, bus, log)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, reg, exec, bus, log)

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dc, dispatch.Deps{
		Client:     client,
		Registry:   reg,
		Directives: exec,
		Pacer:      pacer,
		Bus:        bus,
	}, log)

	pipe := NewPipeline(client, disp, mod, svc, pacer, log)
	pipe.SetTemperature(cfg.AI.Temperature)

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	a = &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		state:    state,
		client:   client,
		ai:       svc,
		pacer:    pacer,
		reg:      reg,
		exec:     exec,
		mod:      mod,
		sched:    sched,
		disp:     disp,
		pipe:     pipe,
		pool:     dispatch.NewPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, pipe.Handle, log),
		counters: eventbus.NewCounters(),
		inbox:    make(chan transport.Message, 256),
	}
	a.ops = ops.New(opsCfg, ops.Deps{Health: store.Ping, Status: a.status}, log)
	return a, nil
}

func newClient(cfg *config.Config, onStatus transport.StatusListener, log logx.Logger) (transport.Client, error) {
	switch d := transportDriver(cfg); d {
	case "whatsapp":
		wc, err := mapWhatsAppConfig(cfg)
		if err != nil {
			return nil, err
		}
		return whatsapp.New(wc, onStatus, log), nil
	case "telegram":
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		return telegram.New(tc, onStatus, log)
	default:
		return nil, fmt.Errorf("unknown transport driver: %s", d)
	}
}

// Done is closed when the app context is canceled (Stop or parent cancel).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.sup = supervisor.New(runCtx, supervisor.WithLogger(a.log))

	// Reloads are validated as a whole before they are committed.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.counters", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.counters.Observe(e)
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if err := a.client.Start(a.sup.Context(), a.inbox); err != nil {
		return err
	}

	a.sup.Go("dispatch.pool", func(c context.Context) error {
		return a.pool.Run(c, a.inbox)
	})

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

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
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("transport", transportDriver(a.cfgm.Get())),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("moderation", a.mod.Enabled()),
		logx.Bool("ops", a.ops.Enabled()),
	)
	return nil
}

// applyConfig re-applies the live sections of newCfg.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strs("sections", restart))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if pc, err := mapPacingConfig(newCfg); err != nil {
		a.log.Warn("invalid pacing config; keeping previous", logx.Err(err))
	} else {
		a.pacer.Apply(pc)
	}

	a.mod.Reconfigure(mapModerationConfig(newCfg))
	a.pipe.SetTemperature(newCfg.AI.Temperature)

	if dc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Reconfigure(dc)
	}

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(sc)
		switch {
		case wasEnabled && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, sc.ActionTimeout+5*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasEnabled && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	a.log.Info("config reloaded", fields...)
}

// status assembles the dashboard view.
func (a *App) status(ctx context.Context) ops.Status {
	st, qr := a.state.Current()
	out := ops.Status{
		WhatsappStatus: string(st),
		QRCode:         qr,
		RedisStatus:    ops.StoreUnhealthy,
		BotOwner:       a.cfgm.Get().Owner,
		CurrentTime:    time.Now().In(a.sched.Location()).Format(statusTimeLayout),
		Scheduler:      a.sched.Snapshot(),
		Counters:       a.counters.Snapshot(""),
	}
	if a.reg.HealthCheck(ctx) {
		out.RedisStatus = ops.StoreHealthy
	}
	if slots, err := a.reg.ListAllSlots(ctx); err != nil {
		a.log.Warn("status: listing scheduled actions failed", logx.Err(err))
		out.PromptsAgendados = registry.Snapshot{}
	} else {
		out.PromptsAgendados = slots
	}
	return out
}

// stopMargin bounds each non-scheduler stop step taken together.
const stopMargin = 15 * time.Second

// StopBudget is the longest Stop may take: one full scheduled action plus
// the remaining steps.
func (a *App) StopBudget() time.Duration {
	return a.sched.ActionTimeout() + stopMargin
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// step runs one shutdown step with an upper bound so a stuck component
	// cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// The scheduler goes first, while the transport is still up, so an
	// in-flight tick can deliver before anything else unwinds.
	step("scheduler", a.sched.ActionTimeout()+stopMargin, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.cancel()
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("transport", 3*time.Second, func(c context.Context) error { return a.client.Stop(c) })

	// Pool drain, config watch and the event counters.
	step("supervisor", 5*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	return a.logs.Close()
}
