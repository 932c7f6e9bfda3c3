// Package app wires notifyd together: config, logging, storage, the change
// feed, the pipeline and the optional ops server.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/domain"
	"notifyd/internal/eventbus"
	"notifyd/internal/feed"
	"notifyd/internal/opsserver"
	"notifyd/internal/payload"
	"notifyd/internal/pipeline"
	"notifyd/internal/resolve"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	disp     *dispatch.Dispatcher
	pipe     *pipeline.Pipeline
	listener *feed.Listener
	sweeper  *feed.Sweeper
	cron     *feed.Cron
	ops      *opsserver.Server
}

// Stats is the runtime snapshot served on /v1/stats.
type Stats struct {
	Pipeline   pipeline.Stats      `json:"pipeline"`
	Dispatch   dispatch.Stats      `json:"dispatch"`
	Feed       feed.Stats          `json:"feed"`
	Jobs       map[string]uint64   `json:"jobs"`
	BusDropped uint64              `json:"bus_dropped"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgm *config.Manager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(mapLogging(cfg))

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a, err := build(ctx, cfg, store, logs, root)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.log.Info("storage ready", logx.String("driver", sc.Driver))
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, store storage.Store, logs *logx.Service, root logx.Logger) (*App, error) {
	pushSender, err := newPushSender(ctx, cfg, root)
	if err != nil {
		return nil, err
	}
	emailSender, err := newEmailSender(cfg, root)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	disp := dispatch.New(mapDispatch(cfg), pushSender, emailSender, root)
	res := resolve.New(store, store, broadcastTopic(cfg), root)
	pipe := pipeline.New(mapPipeline(cfg), store, disp, res, payload.Builder{}, bus, root)

	src, err := newSource(cfg, store, root.With(logx.String("comp", "feed.source")))
	if err != nil {
		return nil, err
	}
	listener := feed.NewListener(src, func(ctx context.Context, ev domain.ChangeEvent) {
		pipe.Handle(ctx, ev)
	}, root)

	grace, err := sweepGrace(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		root:     root,
		log:      root.With(logx.String("comp", "app")),
		logs:     logs,
		bus:      bus,
		store:    store,
		disp:     disp,
		pipe:     pipe,
		listener: listener,
		sweeper:  feed.NewSweeper(store, listener.Emit, grace, root),
		cron:     feed.NewCron(root),
	}
	a.ops = opsserver.New(mapOps(cfg), opsserver.Deps{History: store, Stats: func() any { return a.Stats() }}, root)
	return a, nil
}

// Store exposes the record store (used by the migrate command and tests).
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stats() Stats {
	s := Stats{
		Pipeline:   a.pipe.Stats(),
		Dispatch:   a.disp.Stats(),
		Feed:       a.listener.Stats(),
		Jobs:       a.cron.Runs(),
		BusDropped: eventbus.Dropped(a.bus),
	}
	if a.sup != nil {
		s.Supervisor = a.sup.Snapshot()
	}
	return s
}

// Start opens the change feed and launches every background loop. A feed
// that cannot be opened is fatal.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.listener.Start(runCtx); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("change feed: %w", err)
	}
	a.sup.GoRestart("feed.listen", a.listener.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)

	cfg := a.currentConfig()
	a.cron.Start(runCtx)
	if err := a.applyJobs(cfg); err != nil {
		a.sup.Cancel()
		return err
	}
	a.ops.Reconfigure(runCtx, mapOps(cfg))

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
		a.sup.Go0("config.reload", a.reloadLoop)
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started")
	return nil
}

func (a *App) currentConfig() *config.Config {
	if a.cfgm != nil {
		if cfg := a.cfgm.Get(); cfg != nil {
			return cfg
		}
	}
	return &config.Config{}
}

func (a *App) applyJobs(cfg *config.Config) error {
	jobs, err := mapJobs(cfg, a.sweeper, a.store, a.root.With(logx.String("comp", "prune")))
	if err != nil {
		return err
	}
	a.cron.Set(jobs...)
	return nil
}

// Stop shuts down in bounded steps: stop intake, drain handlers, then close
// transports and storage. Each step has its own upper bound so one stuck
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("cron", 2*time.Second, a.cron.Stop)
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("handlers", 10*time.Second, a.listener.Wait)
	step("feed", 2*time.Second, func(context.Context) error { return a.listener.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// reloadLoop applies hot-reloaded config. Storage, feed and transport
// drivers are bound at startup and only produce a restart warning.
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
			a.apply(ctx, last, next)
			last = next
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "feed":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		case "push", "email":
			a.log.Warn("transport settings changed; limits apply now, driver changes need a restart", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogging(next))
	a.disp.Apply(mapDispatch(next))
	a.pipe.Apply(mapPipeline(next))
	if err := a.applyJobs(next); err != nil {
		a.log.Warn("invalid maintenance schedule; keeping previous", logx.Err(err))
	}
	a.ops.Reconfigure(ctx, mapOps(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
