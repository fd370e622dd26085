// Package commands is the chat command surface over the scheduler, the
// digest and the storage layer.
package commands

import (
	"context"
	"time"

	"animebot/internal/storage"
	"animebot/internal/task/scheduler"
	"animebot/internal/transport/telegram/router"
	logx "animebot/pkg/logx"
)

type Scheduler interface {
	Schedule(ctx context.Context, id, trigger string, action scheduler.Action, text string, opts ...scheduler.JobOption) (string, error)
	Cancel(ctx context.Context, id string) error
	Describe(trigger string) (string, error)
	Location() *time.Location
	Snapshot() scheduler.Snapshot
}

type Store interface {
	GetJob(ctx context.Context, id string) (storage.Job, error)
	ListJobsForOwner(ctx context.Context, ownerID int64) ([]storage.Job, error)
	TrackedItem(ctx context.Context, id, ownerID int64) (storage.TrackedItem, error)
	EnsureGroup(ctx context.Context, chatID int64) (storage.Group, bool, error)
	GroupByChat(ctx context.Context, chatID int64) (storage.Group, error)
	AddMember(ctx context.Context, groupID, ownerID int64) (bool, error)
}

type Digest interface {
	Today(ctx context.Context, ownerID int64) ([]string, error)
	Preview(ctx context.Context, ownerID int64, wd time.Weekday) (time.Time, []string, error)
	PreviewGroup(ctx context.Context, grp storage.Group, wd time.Weekday) (time.Time, []string)
}

// Actions rebuilds the runnable action for a reminder row.
type Actions interface {
	Action(id, trigger, text string) (func(ctx context.Context) error, error)
}

type Deps struct {
	Scheduler Scheduler
	Store     Store
	Digest    Digest
	Actions   Actions
	Log       logx.Logger
}

type Handlers struct {
	sched   Scheduler
	store   Store
	digest  Digest
	actions Actions
	log     logx.Logger

	now func() time.Time
}

func New(d Deps) *Handlers {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{
		sched:   d.Scheduler,
		store:   d.Store,
		digest:  d.Digest,
		actions: d.Actions,
		log:     log.With(logx.String("comp", "commands")),
		now:     time.Now,
	}
}

const handlerTimeout = 20 * time.Second

// Commands returns the command registry.
func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{Name: "reminder", Usage: "/reminder <date | epoch-ms | cron> - <text>", Description: "set a custom reminder", Timeout: handlerTimeout, Handle: h.reminder},
		{Name: "myreminders", Aliases: []string{"myjobs"}, Description: "list your active reminders", Timeout: handlerTimeout, Handle: h.myReminders},
		{Name: "cancel", Usage: "/cancel <reminder id>", Description: "cancel one of your reminders", Timeout: handlerTimeout, Handle: h.cancelCommand},
		{Name: "remind_anime", Usage: "/remind_anime <tracked id> <date | epoch-ms>", Description: "remind you about a tracked anime", Timeout: handlerTimeout, Handle: h.remindAnime},
		{Name: "notify", Description: "activate daily anime summaries in this group", GroupOnly: true, Timeout: handlerTimeout, Handle: h.notify},
		{Name: "opt_in", Description: "join this group's daily summary", GroupOnly: true, Timeout: handlerTimeout, Handle: h.optIn},
		{Name: "notify_on", Usage: "/notify_on <weekday>", Description: "preview the summary for a weekday", Timeout: handlerTimeout, Handle: h.notifyOn},
		{Name: "status", Description: "scheduler and worker status", Access: router.AccessOwnerOnly, Handle: h.status},
	}
}

// Callbacks returns the inline-button routes.
func (h *Handlers) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Prefix: "cancel", Timeout: handlerTimeout, Handle: h.cancelCallback},
		{Prefix: "check_date", Timeout: handlerTimeout, Handle: h.checkDate},
		{Prefix: "a_scheduler", Timeout: handlerTimeout, Handle: h.repeat},
	}
}
