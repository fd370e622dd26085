package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"animebot/internal/digest"
	"animebot/internal/storage"
	"animebot/internal/transport/telegram/router"
	logx "animebot/pkg/logx"
	"animebot/pkg/tgui"
)

const notActivated = "Daily notifications haven't been activated in this group yet. Use /notify first."

func displayName(req *router.Request) string {
	if req.FromName != "" {
		return req.FromName
	}
	return "there"
}

func (h *Handlers) notify(ctx context.Context, req *router.Request) error {
	name := tgui.Esc(displayName(req)).String()
	grp, created, err := h.store.EnsureGroup(ctx, req.ChatID)
	if err != nil {
		return fmt.Errorf("ensure group %d: %w", req.ChatID, err)
	}
	added, err := h.store.AddMember(ctx, grp.ID, req.FromID)
	if err != nil {
		return fmt.Errorf("add member %d: %w", req.FromID, err)
	}

	var msg string
	switch {
	case created:
		req.Logger.Info("notifications activated for group", logx.Int64("group_id", grp.ID))
		msg = "Daily anime notifications activated for this group! " + name + ", you've been automatically added. Others can join using <code>/opt_in</code>."
	case added:
		msg = name + ", you've been added to the daily anime notifications for this group."
	default:
		msg = name + ", you are already set up for daily anime notifications in this group."
	}
	if err := req.ReplyHTML(ctx, msg, nil); err != nil {
		return err
	}
	if !added {
		return nil
	}
	return h.sendSample(ctx, req)
}

func (h *Handlers) optIn(ctx context.Context, req *router.Request) error {
	name := displayName(req)
	grp, err := h.store.GroupByChat(ctx, req.ChatID)
	if errors.Is(err, storage.ErrNotFound) {
		return req.Reply(ctx, notActivated, nil)
	}
	if err != nil {
		return err
	}
	added, err := h.store.AddMember(ctx, grp.ID, req.FromID)
	if err != nil {
		return fmt.Errorf("add member %d: %w", req.FromID, err)
	}
	if !added {
		return req.Reply(ctx, name+", you are already receiving daily notifications in this group.", nil)
	}
	req.Logger.Info("user opted in", logx.Int64("group_id", grp.ID))
	if err := req.Reply(ctx, name+", you've opted in! You'll receive daily anime notifications.", nil); err != nil {
		return err
	}
	return h.sendSample(ctx, req)
}

// sendSample shows the caller what their own part of today's digest looks
// like. Failures are logged only.
func (h *Handlers) sendSample(ctx context.Context, req *router.Request) error {
	titles, err := h.digest.Today(ctx, req.FromID)
	if err != nil {
		req.Logger.Warn("sample digest failed", logx.Err(err))
		return nil
	}
	if err := req.Reply(ctx, digest.SampleText(titles), nil); err != nil {
		req.Logger.Warn("failed to send sample digest", logx.Err(err))
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func parseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if wd, ok := weekdays[s]; ok {
		return wd, true
	}
	if len(s) >= 3 {
		for name, wd := range weekdays {
			if strings.HasPrefix(name, s) {
				return wd, true
			}
		}
	}
	return 0, false
}

// notifyOn previews a weekday. In a group it covers the group's members;
// in a private chat every group the caller belongs to.
func (h *Handlers) notifyOn(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "Please specify a day of the week (e.g., /notify_on monday).", nil)
	}
	wd, ok := parseWeekday(req.Args[0])
	if !ok {
		return req.Reply(ctx, "Invalid day of the week. Please use Sunday, Monday, Tuesday, Wednesday, Thursday, Friday, or Saturday.", nil)
	}

	if !req.IsGroup {
		day, titles, err := h.digest.Preview(ctx, req.FromID, wd)
		if err != nil {
			return err
		}
		return req.Reply(ctx, digest.PreviewText(day, titles), nil)
	}

	grp, err := h.store.GroupByChat(ctx, req.ChatID)
	if errors.Is(err, storage.ErrNotFound) {
		return req.Reply(ctx, notActivated, nil)
	}
	if err != nil {
		return err
	}
	if len(grp.Members) == 0 {
		return req.Reply(ctx, "No users have opted into notifications in this group yet.", nil)
	}
	day, titles := h.digest.PreviewGroup(ctx, grp, wd)
	return req.Reply(ctx, digest.PreviewText(day, titles), nil)
}
