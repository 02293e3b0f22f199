// Package app wires the notifyd host: configuration, logging, storage, the
// election channel, the pipeline, the desktop sink and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsnotify/internal/config"
	"opsnotify/internal/desktop"
	"opsnotify/internal/eventbus"
	"opsnotify/internal/leader"
	"opsnotify/internal/metrics"
	"opsnotify/internal/pipeline"
	"opsnotify/internal/runtime/supervisor"
	"opsnotify/internal/storage"
	"opsnotify/internal/transport/httpapi"
	"opsnotify/internal/transport/wsbus"
	logx "opsnotify/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	relay   *wsbus.Client
	hub     *wsbus.Hub
	desk    *desktop.Notifier
	metrics *metrics.Metrics
	pipe    *pipeline.Service
	http    *httpapi.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	log = log.Component("app")

	bus := eventbus.New()

	store, err := storage.Open(storageConfig(res), log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("storage opened", logx.String("driver", res.Storage.Driver))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: metrics.New(true),
	}

	var ch leader.Channel
	switch res.Bus.Mode {
	case "ws":
		if res.Bus.URL == "" {
			a.closeEarly()
			return nil, errors.New("bus.url is required when bus.mode=ws")
		}
		a.relay = wsbus.NewClient(res.Bus.URL, log)
		ch = a.relay
	default:
		ch = leader.BusChannel(bus)
	}

	deps := pipeline.Deps{
		Bus:     bus,
		Channel: ch,
		Store:   store,
		Metrics: a.metrics,
	}
	if res.Desktop.Enabled {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d, err := desktop.Dial(dctx, desktopConfig(res), log)
		cancel()
		if err != nil {
			// Degrade to in-app only; the leader still decides desktop outcomes.
			log.Warn("desktop notifications unavailable", logx.Err(err))
		} else {
			a.desk = d
			deps.Desktop = d
		}
	}

	a.pipe = pipeline.New(pipeline.ConfigFromResolved(res), deps, pipeline.WithLogger(log))

	if res.HTTP.Enabled {
		a.hub = wsbus.NewHub(log, nil)
		a.http = httpapi.New(res.HTTP, a.pipe,
			httpapi.WithLogger(log),
			httpapi.WithMetrics(a.metrics.Handler()),
			httpapi.WithRelay(a.hub),
		)
	}
	return a, nil
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
}

func (a *App) Pipeline() *pipeline.Service { return a.pipe }

func (a *App) Bus() eventbus.Bus { return a.bus }

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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Reject a hot reload that cannot be resolved before it is published.
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		_, err := cfg.Resolve()
		return err
	})

	if a.relay != nil {
		a.sup.GoRestart("bus.relay", a.relay.Run, supervisor.RestartOptions{MaxBackoff: 10 * time.Second})
	}
	if err := a.pipe.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start pipeline: %w", err)
	}
	if a.http != nil {
		a.sup.Go("http", func(c context.Context) error { return a.http.ListenAndServe() })
	}

	// Keep this debug-level; visible-list events are frequent.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", watchdog)

	sdNotify(a.log, sdReady)
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) reloadLoop(c context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = cfg
		}
		// Coalesce bursts: keep only the latest config in the channel.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.apply(lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) apply(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	res, err := next.Resolve()
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	sdNotify(a.log, sdReloading)
	a.logs.Apply(loggingConfig(next))
	a.pipe.Apply(pipeline.ConfigFromResolved(res))
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Time: time.Now(), Data: sections})
	sdNotify(a.log, sdReady)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, sdStopping)

	// HTTP and the pipeline go first so the leader release still reaches peers.
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error {
		if a.hub != nil {
			a.hub.Close()
		}
		if a.http == nil {
			return nil
		}
		return a.http.Shutdown(c)
	})
	a.step(ctx, "pipeline", 3*time.Second, a.pipe.Stop)

	a.sup.Cancel()

	a.step(ctx, "bus.relay", time.Second, func(context.Context) error {
		if a.relay == nil {
			return nil
		}
		return a.relay.Close()
	})
	a.step(ctx, "desktop", time.Second, func(context.Context) error {
		if a.desk == nil {
			return nil
		}
		return a.desk.Close()
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	// Finally, wait for supervised goroutines (config watch/reload, http, relay).
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
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
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
