package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"animebot/internal/reminder"
	"animebot/internal/storage"
	"animebot/internal/task/scheduler"
	kit "animebot/internal/transport"
	"animebot/internal/transport/telegram/router"
	logx "animebot/pkg/logx"
	"animebot/pkg/tgui"
)

var errPastDate = errors.New("date is in the past")

// dateLayouts are the wall-clock forms accepted for one-shot reminders,
// read in the scheduler's timezone.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// normalizeTrigger turns user input into a stored trigger: epoch
// milliseconds for dates, the expression itself for cron.
func (h *Handlers) normalizeTrigger(raw string) (trigger string, oneShot bool, err error) {
	raw = strings.TrimSpace(raw)
	if at, ok := reminder.ParseOneShot(raw); ok {
		if !at.After(h.now()) {
			return "", true, errPastDate
		}
		return reminder.FormatOneShot(at), true, nil
	}
	loc := h.sched.Location()
	for _, layout := range dateLayouts {
		at, perr := time.ParseInLocation(layout, raw, loc)
		if perr != nil {
			continue
		}
		if !at.After(h.now()) {
			return "", true, errPastDate
		}
		return reminder.FormatOneShot(at), true, nil
	}
	return raw, false, nil
}

func (h *Handlers) schedule(ctx context.Context, id, trigger, text string) error {
	act, err := h.actions.Action(id, trigger, text)
	if err != nil {
		return err
	}
	_, err = h.sched.Schedule(ctx, id, trigger, act, text)
	return err
}

func triggerHint(err error) string {
	switch {
	case errors.Is(err, errPastDate):
		return "That date is already in the past."
	case errors.Is(err, scheduler.ErrBadTrigger):
		return "I could not understand that date. Use epoch milliseconds, 2006-01-02 15:04 or a cron expression like 0 9 * * 1."
	default:
		return ""
	}
}

func (h *Handlers) reminder(ctx context.Context, req *router.Request) error {
	when, text, ok := strings.Cut(req.Text, " - ")
	text = strings.TrimSpace(text)
	if !ok || strings.TrimSpace(when) == "" || text == "" {
		return req.Reply(ctx, "Usage: /reminder <date | epoch-ms | cron> - <text>", nil)
	}
	trigger, _, err := h.normalizeTrigger(when)
	if hint := triggerHint(err); hint != "" {
		return req.Reply(ctx, hint, nil)
	}

	key := reminder.CustomKey(trigger, req.FromID)
	id := key.String()
	if err := h.schedule(ctx, id, trigger, text); err != nil {
		if hint := triggerHint(err); hint != "" {
			return req.Reply(ctx, hint, nil)
		}
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	desc, _ := h.sched.Describe(trigger)
	req.Logger.Info("reminder scheduled", logx.String("job", id))
	body := tgui.B("Reminder set").String() + "\n" + tgui.I(text).String() + "\n" + tgui.Esc(desc).String()
	return req.ReplyHTML(ctx, body, reminder.Affordances(key))
}

func (h *Handlers) remindAnime(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return req.Reply(ctx, "Usage: /remind_anime <tracked id> <date | epoch-ms>", nil)
	}
	itemID, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil || itemID <= 0 {
		return req.Reply(ctx, "The tracked id must be a positive number.", nil)
	}
	trigger, oneShot, err := h.normalizeTrigger(strings.Join(req.Args[1:], " "))
	if hint := triggerHint(err); hint != "" {
		return req.Reply(ctx, hint, nil)
	}
	if !oneShot {
		return req.Reply(ctx, "Anime reminders need a date, not a cron expression.", nil)
	}
	return h.scheduleContent(ctx, req, itemID, trigger)
}

// repeat handles the "Repeat next week" button: the payload is the new
// content key.
func (h *Handlers) repeat(ctx context.Context, req *router.Request) error {
	key, err := reminder.ParseKey(req.Payload)
	if err != nil || key.Kind != reminder.KindContent {
		return req.Answer(ctx, "This button is no longer valid")
	}
	if key.OwnerID != req.FromID {
		return req.Answer(ctx, "This is not your list")
	}
	if at, ok := reminder.ParseOneShot(key.Trigger); !ok || !at.After(h.now()) {
		return req.Answer(ctx, "That date is already in the past")
	}
	return h.scheduleContent(ctx, req, key.SubjectID, key.Trigger)
}

func (h *Handlers) scheduleContent(ctx context.Context, req *router.Request, itemID int64, trigger string) error {
	item, err := h.store.TrackedItem(ctx, itemID, req.FromID)
	if errors.Is(err, storage.ErrNotFound) {
		if req.Update.Callback != nil {
			return req.Answer(ctx, "This is not your list")
		}
		return req.Reply(ctx, "No tracked item with that id.", nil)
	}
	if err != nil {
		return err
	}
	key := reminder.ContentKey(item.ID, trigger, req.FromID)
	text := "This is your reminder for " + string(item.Kind) + " " + item.Name
	if err := h.schedule(ctx, key.String(), trigger, text); err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	desc, _ := h.sched.Describe(trigger)
	_ = req.Answer(ctx, "Scheduled")
	body := "Reminder for " + string(item.Kind) + " " + tgui.B(item.Name).String() + "\n" + tgui.Esc(desc).String()
	return req.ReplyHTML(ctx, body, nil)
}

const listTextRunes = 40

func (h *Handlers) myReminders(ctx context.Context, req *router.Request) error {
	jobs, err := h.store.ListJobsForOwner(ctx, req.FromID)
	if err != nil {
		return err
	}
	now := h.now()
	loc := h.sched.Location()

	var (
		b  strings.Builder
		kb kit.Keyboard
		n  int
	)
	b.WriteString(tgui.B("Your reminders:").String())
	for _, j := range jobs {
		when := j.Trigger
		if at, ok := reminder.ParseOneShot(j.Trigger); ok {
			if !at.After(now) {
				continue
			}
			when = at.In(loc).Format("Mon, 02 Jan 2006 15:04")
		}
		n++
		b.WriteString("\n[" + tgui.Esc(when).String() + "] " + tgui.I(j.Text).String())
		if data := reminder.CancelData(j.ID); tgui.FitsCallback(data) {
			label := fmt.Sprintf("Cancel #%d %s", n, tgui.TruncRunes(j.Text, listTextRunes))
			kb = append(kb, []kit.Button{{Text: label, Data: data}})
		}
	}
	if n == 0 {
		return req.Reply(ctx, "You have no active reminders.", nil)
	}
	return req.ReplyHTML(ctx, b.String(), kb)
}

func (h *Handlers) cancelCommand(ctx context.Context, req *router.Request) error {
	id := strings.TrimSpace(req.Text)
	if id == "" {
		return req.Reply(ctx, "Usage: /cancel <reminder id>", nil)
	}
	return h.cancel(ctx, req, id)
}

func (h *Handlers) cancelCallback(ctx context.Context, req *router.Request) error {
	return h.cancel(ctx, req, req.Payload)
}

func (h *Handlers) cancel(ctx context.Context, req *router.Request, id string) error {
	key, err := reminder.ParseKey(id)
	if err != nil || !key.Owned() {
		return h.say(ctx, req, "Error 404: Job not found")
	}
	if key.OwnerID != req.FromID {
		return h.say(ctx, req, "This is not your reminder")
	}
	if _, err := h.store.GetJob(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return h.say(ctx, req, "Error 404: Job not found")
		}
		return err
	}
	if err := h.sched.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	req.Logger.Info("reminder canceled", logx.String("job", id))
	_ = req.Answer(ctx, "Canceled")
	return req.Reply(ctx, fmt.Sprintf("Scheduled job %q was canceled", id), nil)
}

func (h *Handlers) checkDate(ctx context.Context, req *router.Request) error {
	trigger := strings.TrimSpace(req.Payload)
	if at, ok := reminder.ParseOneShot(trigger); ok {
		at = at.In(h.sched.Location())
		body := "This job should run at " + tgui.Esc(at.Format("Mon, 02 Jan 2006 15:04 MST")).String() +
			" " + tgui.I("("+humanize.RelTime(at, h.now(), "ago", "from now")+")").String()
		return req.ReplyHTML(ctx, body, nil)
	}
	if trigger == "" {
		return req.Answer(ctx, "This button is no longer valid")
	}
	return req.ReplyHTML(ctx, "This job uses no date, but a cron expression: "+tgui.I(trigger).String(), nil)
}

// say answers callbacks with a toast and messages with a reply.
func (h *Handlers) say(ctx context.Context, req *router.Request, text string) error {
	if req.Update.Callback != nil {
		return req.Answer(ctx, text)
	}
	return req.Reply(ctx, text, nil)
}
