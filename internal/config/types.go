package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10m", "48h").
// String values may reference environment variables as ${NAME}; a .env file
// next to the working directory is loaded first.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch"`

	// Channels is keyed by medium: "email", "sms" or "push".
	Channels map[string]ChannelConfig `json:"channels,omitempty"`

	Redis    *RedisConfig    `json:"redis,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Runner RunnerConfig `json:"runner"`
	HTTP   HTTPConfig   `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the recipient store.
//
// Example:
//
//	"storage": { "driver": "postgres", "dsn": "${DATABASE_URL}" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`         // sqlite
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

// DispatchConfig holds the lease and retry knobs of the engine.
//
// Defaults:
//   - lease_expiry: "10m"
//   - hard_failure_window: "48h"
//   - drain_workers: 1
type DispatchConfig struct {
	LeaseExpiry       string `json:"lease_expiry,omitempty"`
	HardFailureWindow string `json:"hard_failure_window,omitempty"`
	DrainWorkers      int    `json:"drain_workers,omitempty"`
}

// ChannelConfig wires one medium to a sender.
type ChannelConfig struct {
	// Driver is "log", "redis" or "telegram".
	Driver      string         `json:"driver"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	RatePerSec  int            `json:"rate_per_sec,omitempty"`
	Breaker     *BreakerConfig `json:"breaker,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	ResetTimeout     string `json:"reset_timeout,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	// Prefix names the outbound streams as <prefix>:<medium>.
	Prefix string `json:"prefix,omitempty"`
	MaxLen int64  `json:"max_len,omitempty"`
}

type TelegramConfig struct {
	Token     string `json:"token"`
	ParseMode string `json:"parse_mode,omitempty"`
	APIURL    string `json:"api_url,omitempty"`
}

type RunnerConfig struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// HTTPConfig controls the operator API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8085").
//   - A non-loopback address needs a token or an explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// ActivitySize is how many recent events /v1/activity keeps.
	ActivitySize int `json:"activity_size,omitempty"`
}
