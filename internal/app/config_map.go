package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"commdispatch/internal/api"
	"commdispatch/internal/channel"
	"commdispatch/internal/comm"
	"commdispatch/internal/config"
	"commdispatch/internal/dispatch"
	"commdispatch/internal/runner"
	"commdispatch/internal/storage"
	logx "commdispatch/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none":
		return storage.Config{}, fmt.Errorf("storage.driver is required")
	case "memory", "mem":
		return storage.Config{Driver: driver}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
		}
		return storage.Config{Driver: driver, DSN: dsn, MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	lease, err := config.ParseDurationOrDefault("dispatch.lease_expiry", cfg.Dispatch.LeaseExpiry, dispatch.DefaultLeaseExpiry)
	if err != nil {
		return dispatch.Config{}, err
	}
	hard, err := config.ParseDurationOrDefault("dispatch.hard_failure_window", cfg.Dispatch.HardFailureWindow, dispatch.DefaultHardFailureWindow)
	if err != nil {
		return dispatch.Config{}, err
	}
	if hard <= lease {
		return dispatch.Config{}, fmt.Errorf("dispatch.hard_failure_window (%s) must exceed dispatch.lease_expiry (%s)", hard, lease)
	}
	if cfg.Dispatch.DrainWorkers < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.drain_workers must be >= 0")
	}
	attempts := map[comm.Medium]int{}
	for name, ch := range cfg.Channels {
		m, err := comm.ParseMedium(name)
		if err != nil {
			return dispatch.Config{}, fmt.Errorf("channels.%s: %w", name, err)
		}
		if ch.MaxAttempts < 0 {
			return dispatch.Config{}, fmt.Errorf("channels.%s.max_attempts must be >= 0", name)
		}
		if ch.MaxAttempts > 0 {
			attempts[m] = ch.MaxAttempts
		}
	}
	return dispatch.Config{
		LeaseExpiry:       lease,
		HardFailureWindow: hard,
		MaxAttempts:       attempts,
		DrainWorkers:      cfg.Dispatch.DrainWorkers,
	}, nil
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	rc := cfg.Runner
	if rc.Workers < 0 || rc.BatchSize < 0 {
		return runner.Config{}, fmt.Errorf("runner.workers and runner.batch_size must be >= 0")
	}
	timeout, err := config.ParseDurationField("runner.send_timeout", rc.SendTimeout)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		Enabled:     rc.Enabled,
		Schedule:    rc.Schedule,
		Timezone:    rc.Timezone,
		Workers:     rc.Workers,
		BatchSize:   rc.BatchSize,
		SendTimeout: timeout,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (api.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	// Sends run inside the request, so no write timeout unless asked for.
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:       hc.Enabled,
		Addr:          hc.Addr,
		Token:         hc.Token,
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapRedisOptions(rc *config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	}
}

// senderDeps are the long-lived clients channel drivers may share.
type senderDeps struct {
	redis    *redis.Client
	telegram *channel.TelegramSender
	log      logx.Logger
}

// buildSenders maps channels.* onto senders, each wrapped with its rate limit
// and breaker. Without a channels section every medium is logged only.
func buildSenders(cfg *config.Config, deps senderDeps) (map[comm.Medium]channel.Sender, error) {
	out := map[comm.Medium]channel.Sender{}
	if len(cfg.Channels) == 0 {
		dry := channel.NewLogSender(deps.log.With(logx.String("comp", "channel.log")))
		for _, m := range comm.Mediums {
			out[m] = dry
		}
		return out, nil
	}

	for name, cc := range cfg.Channels {
		m, err := comm.ParseMedium(name)
		if err != nil {
			return nil, fmt.Errorf("channels.%s: %w", name, err)
		}
		var s channel.Sender
		switch driver := strings.ToLower(strings.TrimSpace(cc.Driver)); driver {
		case "", "log":
			s = channel.NewLogSender(deps.log.With(logx.String("comp", "channel.log"), logx.String("medium", name)))
		case "redis":
			if deps.redis == nil {
				return nil, fmt.Errorf("channels.%s: driver redis needs a redis section", name)
			}
			prefix, maxLen := "", int64(0)
			if cfg.Redis != nil {
				prefix, maxLen = cfg.Redis.Prefix, cfg.Redis.MaxLen
			}
			s = channel.NewRedisSender(deps.redis, channel.RedisConfig{Prefix: prefix, MaxLen: maxLen})
		case "telegram":
			if deps.telegram == nil {
				return nil, fmt.Errorf("channels.%s: driver telegram needs a telegram section", name)
			}
			s = deps.telegram
		default:
			return nil, fmt.Errorf("channels.%s: unknown driver %q", name, cc.Driver)
		}

		if cc.RatePerSec < 0 {
			return nil, fmt.Errorf("channels.%s.rate_per_sec must be >= 0", name)
		}
		s = channel.WithRateLimit(s, cc.RatePerSec)
		if cc.Breaker != nil {
			reset, err := config.ParseDurationField("channels."+name+".breaker.reset_timeout", cc.Breaker.ResetTimeout)
			if err != nil {
				return nil, err
			}
			s = channel.WithBreaker(s, channel.BreakerConfig{
				Name:             name,
				FailureThreshold: cc.Breaker.FailureThreshold,
				ResetTimeout:     reset,
			}, deps.log.With(logx.String("comp", "channel.breaker")))
		}
		out[m] = s
	}
	return out, nil
}
