package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate rejects configs that would fail at startup or on reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set %s)", EnvBotToken)
	}
	durations := map[string]string{
		"telegram.poll_timeout":    cfg.Telegram.PollTimeout,
		"scheduler.action_timeout": cfg.Scheduler.ActionTimeout,
		"scheduler.sweep_timeout":  cfg.Scheduler.SweepTimeout,
		"anilist.timeout":          cfg.AniList.Timeout,
		"delivery.send_timeout":    cfg.Delivery.SendTimeout,
		"history.retention":        cfg.History.Retention,
		"ops.read_timeout":         cfg.Ops.ReadTimeout,
		"ops.write_timeout":        cfg.Ops.WriteTimeout,
		"ops.idle_timeout":         cfg.Ops.IdleTimeout,
	}
	if cfg.TaskEngine != nil {
		durations["task_engine.default_timeout"] = cfg.TaskEngine.DefaultTimeout
		if cfg.TaskEngine.Workers < 0 || cfg.TaskEngine.QueueSize < 0 || cfg.TaskEngine.HistorySize < 0 || cfg.TaskEngine.RetryMax < 0 {
			return errors.New("task_engine: sizes must be >= 0")
		}
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	for path, expr := range map[string]string{
		"scheduler.daily_summary":    cfg.Scheduler.DailySummary,
		"scheduler.new_season_check": cfg.Scheduler.NewSeasonCheck,
	} {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("%s: invalid cron %q: %w", path, expr, err)
		}
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "sqlite":
		case "postgres":
			if strings.TrimSpace(cfg.Storage.DSN) == "" {
				return fmt.Errorf("storage.dsn is required when storage.driver=postgres (or set %s)", EnvDatabaseURL)
			}
		default:
			return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
		}
	}
	if cfg.Digest.Concurrency < 0 || cfg.Releases.Concurrency < 0 {
		return errors.New("digest/releases concurrency must be >= 0")
	}
	if cfg.AniList.RatePerMin < 0 || cfg.Delivery.RatePerSec < 0 || cfg.Delivery.Burst < 0 {
		return errors.New("rates must be >= 0")
	}
	return nil
}
