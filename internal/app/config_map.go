package app

import (
	"strings"
	"time"

	"animebot/internal/anilist"
	"animebot/internal/config"
	"animebot/internal/digest"
	"animebot/internal/eventbus"
	"animebot/internal/notifier"
	"animebot/internal/observability/ops"
	"animebot/internal/releases"
	"animebot/internal/storage"
	"animebot/internal/task/engine"
	"animebot/internal/task/scheduler"
	logx "animebot/pkg/logx"
)

const (
	defaultDailySummary   = "0 9 * * *"
	defaultNewSeasonCheck = "0 8 * * *"
	defaultSQLitePath     = "./animebot.db"

	defaultActionTimeout = 30 * time.Second
	defaultSweepTimeout  = 6 * time.Hour
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: defaultSQLitePath}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if driver == "sqlite" && path == "" {
		path = defaultSQLitePath
	}
	return storage.Config{Driver: driver, Path: path, DSN: sc.DSN, BusyTimeout: busy}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{}, nil
	}
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scheduler.action_timeout", cfg.Scheduler.ActionTimeout, defaultActionTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: cfg.Scheduler.Timezone, ActionTimeout: timeout}, nil
}

// mapSweepTimeout is the budget of one internal sweep. It has to cover
// every tracked id at the metadata rate limit, which ActionTimeout never
// does.
func mapSweepTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.sweep_timeout", cfg.Scheduler.SweepTimeout, defaultSweepTimeout)
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	timeout, err := config.ParseDurationField("delivery.send_timeout", cfg.Delivery.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{RatePerSec: cfg.Delivery.RatePerSec, Burst: cfg.Delivery.Burst, SendTimeout: timeout}, nil
}

func mapAniListConfig(cfg *config.Config) (anilist.Config, error) {
	timeout, err := config.ParseDurationField("anilist.timeout", cfg.AniList.Timeout)
	if err != nil {
		return anilist.Config{}, err
	}
	return anilist.Config{Endpoint: cfg.AniList.Endpoint, Timeout: timeout, RatePerMin: cfg.AniList.RatePerMin}, nil
}

func mapReleasesConfig(cfg *config.Config) (releases.Config, error) {
	retention, err := config.ParseDurationField("history.retention", cfg.History.Retention)
	if err != nil {
		return releases.Config{}, err
	}
	return releases.Config{Concurrency: cfg.Releases.Concurrency, Retention: retention}, nil
}

func mapDigestConfig(cfg *config.Config) digest.Config {
	return digest.Config{Concurrency: cfg.Digest.Concurrency}
}

func mapEventsConfig(cfg *config.Config) (eventbus.AMQPConfig, bool) {
	url := strings.TrimSpace(cfg.Events.URL)
	return eventbus.AMQPConfig{URL: url, Exchange: cfg.Events.Exchange, Prefix: cfg.Events.Prefix}, url != ""
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// pprof profile and trace stream for 30s+, so no write timeout unless set.
	write, err := config.ParseDurationField("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		PprofPrefix:   o.PprofPrefix,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func cronOrDefault(expr, def string) string {
	if expr = strings.TrimSpace(expr); expr == "" {
		return def
	}
	return expr
}
