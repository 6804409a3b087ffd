package app

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commdispatch/internal/channel"
	"commdispatch/internal/comm"
	"commdispatch/internal/config"
	"commdispatch/internal/dispatch"
	logx "commdispatch/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		wantErr string
	}{
		{name: "missing", in: config.StorageConfig{}, wantErr: "storage.driver is required"},
		{name: "memory", in: config.StorageConfig{Driver: " Memory "}, driver: "memory"},
		{name: "sqlite needs path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: "storage.path"},
		{name: "sqlite", in: config.StorageConfig{Driver: "sqlite", Path: "x.db"}, driver: "sqlite"},
		{name: "sqlite bad busy", in: config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, wantErr: "storage.busy_timeout"},
		{name: "postgres needs dsn", in: config.StorageConfig{Driver: "postgres"}, wantErr: "storage.dsn"},
		{name: "postgres negative conns", in: config.StorageConfig{Driver: "pgx", DSN: "postgres://x", MaxConns: -1}, wantErr: "max_conns"},
		{name: "unknown", in: config.StorageConfig{Driver: "mongo"}, wantErr: "unknown storage.driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.driver, sc.Driver)
		})
	}
}

func TestMapDispatchConfig(t *testing.T) {
	dc, err := mapDispatchConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, dispatch.DefaultLeaseExpiry, dc.LeaseExpiry)
	assert.Equal(t, dispatch.DefaultHardFailureWindow, dc.HardFailureWindow)

	_, err = mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{LeaseExpiry: "2h", HardFailureWindow: "1h"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must exceed")

	dc, err = mapDispatchConfig(&config.Config{Channels: map[string]config.ChannelConfig{
		"sms":   {MaxAttempts: 5},
		"email": {},
	}})
	require.NoError(t, err)
	assert.Equal(t, map[comm.Medium]int{comm.MediumSMS: 5}, dc.MaxAttempts)

	_, err = mapDispatchConfig(&config.Config{Channels: map[string]config.ChannelConfig{"fax": {}}})
	require.Error(t, err)
}

func TestMapHTTPConfigDefaults(t *testing.T) {
	hc, err := mapHTTPConfig(&config.Config{HTTP: config.HTTPConfig{Enabled: true, Addr: "127.0.0.1:8085"}})
	require.NoError(t, err)
	assert.True(t, hc.Enabled)
	assert.Zero(t, hc.WriteTimeout)
	assert.NotZero(t, hc.ReadTimeout)

	_, err = mapHTTPConfig(&config.Config{HTTP: config.HTTPConfig{IdleTimeout: "forever"}})
	require.Error(t, err)
}

func TestMapRunnerConfig(t *testing.T) {
	_, err := mapRunnerConfig(&config.Config{Runner: config.RunnerConfig{Workers: -1}})
	require.Error(t, err)

	rc, err := mapRunnerConfig(&config.Config{Runner: config.RunnerConfig{Enabled: true, Schedule: "@every 1m", SendTimeout: "30s"}})
	require.NoError(t, err)
	assert.True(t, rc.Enabled)
	assert.Equal(t, "@every 1m", rc.Schedule)
}

func TestBuildSenders(t *testing.T) {
	deps := senderDeps{log: logx.Nop()}

	t.Run("no channels logs every medium", func(t *testing.T) {
		out, err := buildSenders(&config.Config{}, deps)
		require.NoError(t, err)
		require.Len(t, out, len(comm.Mediums))
		for _, m := range comm.Mediums {
			assert.IsType(t, &channel.LogSender{}, out[m])
		}
	})

	t.Run("redis without client", func(t *testing.T) {
		_, err := buildSenders(&config.Config{Channels: map[string]config.ChannelConfig{"sms": {Driver: "redis"}}}, deps)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "needs a redis section")
	})

	t.Run("telegram without client", func(t *testing.T) {
		_, err := buildSenders(&config.Config{Channels: map[string]config.ChannelConfig{"push": {Driver: "telegram"}}}, deps)
		require.Error(t, err)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := buildSenders(&config.Config{Channels: map[string]config.ChannelConfig{"email": {Driver: "smtp"}}}, deps)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown driver")
	})

	t.Run("bad breaker timeout", func(t *testing.T) {
		_, err := buildSenders(&config.Config{Channels: map[string]config.ChannelConfig{
			"email": {Breaker: &config.BreakerConfig{ResetTimeout: "later"}},
		}}, deps)
		require.Error(t, err)
	})

	t.Run("only configured mediums", func(t *testing.T) {
		rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
		defer rdb.Close()
		channels := map[string]config.ChannelConfig{
			"sms":   {Driver: "redis", RatePerSec: 5, Breaker: &config.BreakerConfig{FailureThreshold: 3, ResetTimeout: "30s"}},
			"email": {Driver: "log"},
		}
		cfg := &config.Config{Redis: &config.RedisConfig{Addr: "127.0.0.1:1", Prefix: "outbox"}, Channels: channels}
		out, err := buildSenders(cfg, senderDeps{redis: rdb, log: logx.Nop()})
		require.NoError(t, err)
		assert.Len(t, out, 2)
		assert.Contains(t, out, comm.MediumSMS)
		assert.NotContains(t, out, comm.MediumPush)
	})
}

func TestBuildMemoryApp(t *testing.T) {
	a, err := build(&config.Config{Storage: config.StorageConfig{Driver: "memory"}})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Engine())
	require.NotNil(t, a.Store())
	ok, rep := a.Health()
	assert.True(t, ok)
	assert.Len(t, rep.(HealthReport).Senders, len(comm.Mediums))
	assert.NoError(t, a.Err())

	select {
	case <-a.Done():
	default:
		t.Fatal("Done must be closed before Start")
	}
}

func TestBuildRejectsBadConfig(t *testing.T) {
	_, err := build(&config.Config{})
	require.Error(t, err)

	_, err = build(&config.Config{
		Storage: config.StorageConfig{Driver: "memory"},
		Runner:  config.RunnerConfig{Schedule: "not a schedule"},
	})
	require.Error(t, err)
}
