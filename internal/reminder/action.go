package reminder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"animebot/internal/notifier"
	"animebot/internal/task/engine"
	kit "animebot/internal/transport"
	logx "animebot/pkg/logx"
	"animebot/pkg/tgui"
)

// Callback data prefixes attached to reminder messages.
const (
	CallbackRepeat    = "a_scheduler"
	CallbackCancel    = "cancel"
	CallbackCheckDate = "check_date"
)

// rateLimitBackoff is the retry hint when the platform throttles a send.
const rateLimitBackoff = 30 * time.Second

func RepeatData(subjectID int64, trigger string, ownerID int64) string {
	return CallbackRepeat + ":" + strconv.FormatInt(subjectID, 10) + ":" + trigger + ":" + strconv.FormatInt(ownerID, 10)
}

func CancelData(id string) string { return CallbackCancel + ":" + id }

func CheckDateData(trigger string) string { return CallbackCheckDate + ":" + trigger }

// Affordances returns the buttons shown with a fired reminder. Content
// reminders offer a repeat one week later; custom ones offer cancel and a
// date check. Buttons whose payload would not fit are left out.
func Affordances(k Key) kit.Keyboard {
	var row []kit.Button
	add := func(text, data string) {
		if tgui.FitsCallback(data) {
			row = append(row, kit.Button{Text: text, Data: data})
		}
	}
	switch k.Kind {
	case KindContent:
		if next, err := RepeatTrigger(k.Trigger); err == nil {
			add("Repeat next week", RepeatData(k.SubjectID, next, k.OwnerID))
		}
	case KindCustom:
		add("Cancel Reminder", CancelData(k.String()))
		add("Check date", CheckDateData(k.Trigger))
	}
	if len(row) == 0 {
		return nil
	}
	return kit.Row(row...)
}

// Sender delivers one chat message.
type Sender interface {
	Send(ctx context.Context, m notifier.Message) error
}

// Deliverer turns ledger rows back into runnable actions.
type Deliverer struct {
	sender Sender
	log    logx.Logger
}

func NewDeliverer(sender Sender, log logx.Logger) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{sender: sender, log: log.With(logx.String("comp", "reminder"))}
}

// Action rebuilds the action for a user reminder row: send text to the
// owner with the kind's buttons. Internal ids and rows without text are
// integrity errors; the application owns internal actions. A throttled
// send is retried after a pause; an unreachable owner ends the reminder.
func (d *Deliverer) Action(id, trigger, text string) (func(ctx context.Context) error, error) {
	k, err := ParseKey(id)
	if err != nil {
		return nil, err
	}
	if !k.Owned() {
		return nil, &IntegrityError{ID: id, Reason: "internal jobs have no stored action"}
	}
	if text == "" {
		return nil, &IntegrityError{ID: id, Reason: "empty reminder text"}
	}
	msg := notifier.Message{ChatID: k.OwnerID, Text: text, Keyboard: Affordances(k)}

	return func(ctx context.Context) error {
		err := d.sender.Send(ctx, msg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, notifier.ErrDestinationGone):
			// Nobody left to remind; let the row be pruned.
			d.log.Info("reminder owner unreachable; dropping", logx.String("id", id), logx.Int64("owner", k.OwnerID), logx.Err(err))
			return nil
		case errors.Is(err, notifier.ErrRateLimited):
			return engine.RetryAfter(err, rateLimitBackoff)
		default:
			return fmt.Errorf("reminder %s: %w", id, err)
		}
	}, nil
}
