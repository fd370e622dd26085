package config

// Config is the on-disk configuration. Every duration is a Go duration
// string ("500ms", "10s", "24h").
type Config struct {
	Telegram   TelegramConfig    `json:"telegram"`
	Logging    LoggingConfig     `json:"logging"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Digest     DigestConfig      `json:"digest"`
	Releases   ReleasesConfig    `json:"releases"`
	AniList    AniListConfig     `json:"anilist"`
	Delivery   DeliveryConfig    `json:"delivery"`
	History    HistoryConfig     `json:"history"`
	Events     EventsConfig      `json:"events"`
	Ops        OpsConfig         `json:"ops"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warnings and errors to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls trigger evaluation.
//
// Defaults:
//   - timezone: "UTC"
//   - action_timeout: "30s" (one reminder delivery)
//   - sweep_timeout: "6h" (one digest or release sweep)
//   - daily_summary: "0 9 * * *"
//   - new_season_check: "0 8 * * *"
type SchedulerConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	ActionTimeout  string `json:"action_timeout,omitempty"`
	SweepTimeout   string `json:"sweep_timeout,omitempty"`
	DailySummary   string `json:"daily_summary,omitempty"`
	NewSeasonCheck string `json:"new_season_check,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs fired jobs.
//
// Defaults: workers 4, queue_size 256, default_timeout "0s" (disabled),
// history_size 200, retry_max 0.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./animebot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/animebot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type DigestConfig struct {
	Concurrency int `json:"concurrency,omitempty"`
}

type ReleasesConfig struct {
	Concurrency int `json:"concurrency,omitempty"`
}

type AniListConfig struct {
	Endpoint   string `json:"endpoint,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
}

// DeliveryConfig paces outgoing chat messages. Hot reloadable.
type DeliveryConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Burst       int    `json:"burst,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// HistoryConfig controls notification history pruning. A zero retention
// keeps rows forever.
type HistoryConfig struct {
	Retention string `json:"retention,omitempty"`
}

// EventsConfig forwards bus events to an AMQP exchange when URL is set.
type EventsConfig struct {
	URL      string `json:"url,omitempty"` // never logged
	Exchange string `json:"exchange,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// OpsConfig controls the operator HTTP server. Prefer a loopback addr;
// anything else needs a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
