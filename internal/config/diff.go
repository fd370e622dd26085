package config

import (
	"reflect"
	"sort"
	"strings"

	logx "animebot/pkg/logx"
)

// Sections that apply without a restart.
var hotSections = map[string]bool{"logging": true, "delivery": true, "ops": true, "telegram.owners": true}

// Change summarizes a reload.
type Change struct {
	Sections []string
	Attrs    []logx.Field // safe to log: never tokens, DSNs or URLs
}

// RestartRequired lists changed sections that only apply on restart.
func (c Change) RestartRequired() []string {
	var out []string
	for _, s := range c.Sections {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		mark("telegram.owners", logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)))
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		mark("telegram", logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler", logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if !reflect.DeepEqual(deref(oldCfg.TaskEngine), deref(newCfg.TaskEngine)) {
		mark("task_engine")
	}
	if !reflect.DeepEqual(deref(oldCfg.Storage), deref(newCfg.Storage)) {
		var driver string
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		mark("storage", logx.String("storage.driver", driver))
	}
	if oldCfg.Digest != newCfg.Digest {
		mark("digest", logx.Int("digest.concurrency", newCfg.Digest.Concurrency))
	}
	if oldCfg.Releases != newCfg.Releases {
		mark("releases", logx.Int("releases.concurrency", newCfg.Releases.Concurrency))
	}
	if oldCfg.AniList != newCfg.AniList {
		mark("anilist", logx.Int("anilist.rate_per_min", newCfg.AniList.RatePerMin))
	}
	if oldCfg.Delivery != newCfg.Delivery {
		mark("delivery", logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec))
	}
	if oldCfg.History != newCfg.History {
		mark("history", logx.String("history.retention", newCfg.History.Retention))
	}
	if oldCfg.Events != newCfg.Events {
		mark("events", logx.Bool("events.url_set", newCfg.Events.URL != ""), logx.String("events.exchange", newCfg.Events.Exchange))
	}
	if oldCfg.Ops != newCfg.Ops {
		mark("ops",
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}
	sort.Strings(ch.Sections)
	return ch
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
