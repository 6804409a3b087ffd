package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"commdispatch/internal/api"
	"commdispatch/internal/channel"
	"commdispatch/internal/config"
	"commdispatch/internal/dispatch"
	"commdispatch/internal/eventbus"
	"commdispatch/internal/runner"
	rtsup "commdispatch/internal/runtime/supervisor"
	"commdispatch/internal/segment"
	"commdispatch/internal/storage"
	logx "commdispatch/pkg/logx"
)

// App wires the store, channel senders, engine and the background services
// of the daemon.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus      eventbus.Bus
	activity *eventbus.Recorder
	store    storage.Store
	redis    *redis.Client
	telegram *channel.TelegramSender
	senders  *channel.Registry

	engine *dispatch.Engine
	runner *runner.Service
	api    *api.Service
}

// New loads the config at cfgPath and builds every component without
// starting anything.
func New(cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := build(cfg)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

func build(cfg *config.Config) (_ *App, err error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		senders: channel.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	if cfg.Redis != nil {
		a.redis = redis.NewClient(mapRedisOptions(cfg.Redis))
	}
	if cfg.Telegram != nil {
		if a.telegram, err = channel.NewTelegramSender(channel.TelegramConfig{
			Token:     cfg.Telegram.Token,
			ParseMode: cfg.Telegram.ParseMode,
			APIURL:    cfg.Telegram.APIURL,
		}); err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}
	senders, err := buildSenders(cfg, a.senderDeps())
	if err != nil {
		return nil, err
	}
	a.senders.Replace(senders)

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	seg, err := segment.NewEvaluator()
	if err != nil {
		return nil, err
	}
	if a.engine, err = dispatch.New(a.store, a.senders, dc, dispatch.Options{
		Bus:      a.bus,
		Segments: seg,
		Log:      log.With(logx.String("comp", "engine")),
	}); err != nil {
		return nil, err
	}

	rc, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.runner = runner.New(rc, a.store, a.engine, log.With(logx.String("comp", "runner")))
	if err := a.runner.Validate(rc); err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.activity = eventbus.NewRecorder(cfg.HTTP.ActivitySize)
	a.api = api.New(hc, a.engine, a.activity, a.Health, log.With(logx.String("comp", "http")))
	return a, nil
}

func (a *App) senderDeps() senderDeps {
	return senderDeps{redis: a.redis, telegram: a.telegram, log: a.log}
}

func (a *App) Engine() *dispatch.Engine { return a.engine }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed once the app supervisor is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HealthReport is served on /healthz.
type HealthReport struct {
	App     rtsup.Snapshot  `json:"app"`
	HTTP    *rtsup.Snapshot `json:"http,omitempty"`
	Runner  runner.Stats    `json:"runner"`
	Senders []string        `json:"senders"`
}

func (a *App) Health() (bool, any) {
	rep := HealthReport{Runner: a.runner.Stats()}
	ok := true
	if a.sup != nil {
		rep.App = a.sup.Snapshot()
		ok = a.sup.Err() == nil
	}
	if sup := a.api.Supervisor(); sup != nil {
		snap := sup.Snapshot()
		rep.HTTP = &snap
	}
	for _, m := range a.senders.Mediums() {
		rep.Senders = append(rep.Senders, string(m))
	}
	return ok, rep
}

// validate is the reload gate: a config that fails here is never applied.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	rc, err := mapRunnerConfig(cfg)
	if err != nil {
		return err
	}
	if err := a.runner.Validate(rc); err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	_, err = buildSenders(cfg, a.senderDeps())
	return err
}

// Start runs the background services: event recorder, runner, HTTP API and
// the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.sup.Go("events.record", func(c context.Context) error {
		a.activity.Run(c, a.bus)
		return nil
	})

	if a.runner.Enabled() {
		if err := a.runner.Start(runCtx); err != nil {
			return fmt.Errorf("runner: %w", err)
		}
	}
	a.api.Start(runCtx)

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(a.validate)
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			last := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return nil
				case next, ok := <-sub:
					if !ok {
						return nil
					}
					a.apply(c, last, next)
					last = next
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started")
	return nil
}

// apply hot-applies everything except storage and the redis and telegram
// clients.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	if dc, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(dc)
	}

	if senders, err := buildSenders(next, a.senderDeps()); err != nil {
		a.log.Warn("invalid channels config; keeping previous", logx.Err(err))
	} else {
		a.senders.Replace(senders)
	}

	if rc, err := mapRunnerConfig(next); err != nil {
		a.log.Warn("invalid runner config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.runner.Enabled()
		a.runner.Apply(rc)
		switch {
		case wasEnabled && !rc.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			a.runner.Stop(stopCtx)
			cancel()
		case !wasEnabled && rc.Enabled:
			if err := a.runner.Start(ctx); err != nil {
				a.log.Error("runner start failed", logx.Err(err))
			}
		}
	}

	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(ctx, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts services down in reverse start order, each step bounded so one
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn(stepCtx) }()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("runner", 10*time.Second, func(c context.Context) error { a.runner.Stop(c); return nil })
	step("http", 3*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases the store and clients. The logger is closed last.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
		a.redis = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
		a.store = nil
	}
	if a.logs != nil {
		a.log.Info("stopped")
		_ = a.logs.Close()
		a.logs = nil
	}
	return errors.Join(errs...)
}
