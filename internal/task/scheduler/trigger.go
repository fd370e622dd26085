package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"animebot/internal/reminder"
	logx "animebot/pkg/logx"
)

// parsedTrigger is a classified trigger: exactly one of at or sched is set.
type parsedTrigger struct {
	at    time.Time
	sched cron.Schedule
}

func (p parsedTrigger) oneShot() bool { return p.sched == nil }

// parseTrigger classifies raw as a one-shot (unsigned epoch milliseconds)
// or a recurring cron expression.
func (s *Service) parseTrigger(raw string) (parsedTrigger, error) {
	raw = strings.TrimSpace(raw)
	if at, ok := reminder.ParseOneShot(raw); ok {
		return parsedTrigger{at: at}, nil
	}
	if raw == "" {
		return parsedTrigger{}, fmt.Errorf("%w: empty", ErrBadTrigger)
	}
	sched, err := s.parser.Parse(raw)
	if err != nil {
		return parsedTrigger{}, fmt.Errorf("%w %q: %v", ErrBadTrigger, raw, err)
	}
	return parsedTrigger{sched: sched}, nil
}

// NextRuns returns up to n upcoming fire times of trigger after from, in
// the reference zone. A one-shot yields at most one time.
func (s *Service) NextRuns(trigger string, from time.Time, n int) ([]time.Time, error) {
	p, err := s.parseTrigger(trigger)
	if err != nil {
		return nil, err
	}
	loc := s.Location()
	if p.oneShot() {
		if p.at.After(from) && n > 0 {
			return []time.Time{p.at.In(loc)}, nil
		}
		return nil, nil
	}
	out := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = p.sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// Describe renders a human readable sentence for when trigger runs.
func (s *Service) Describe(trigger string) (string, error) {
	return s.describe(trigger, time.Now())
}

func (s *Service) describe(trigger string, now time.Time) (string, error) {
	p, err := s.parseTrigger(trigger)
	if err != nil {
		return "", err
	}
	loc := s.Location()
	if p.oneShot() {
		at := p.at.In(loc)
		if !at.After(now) {
			return fmt.Sprintf("once, right away (was due %s)", at.Format(describeLayout)), nil
		}
		return fmt.Sprintf("once on %s (%s)", at.Format(describeLayout), humanize.RelTime(at, now, "ago", "from now")), nil
	}
	next := p.sched.Next(now.In(loc))
	if next.IsZero() {
		return fmt.Sprintf("recurring %q, no upcoming run", strings.TrimSpace(trigger)), nil
	}
	return fmt.Sprintf("recurring %q, next on %s (%s)", strings.TrimSpace(trigger), next.Format(describeLayout), humanize.RelTime(next, now, "ago", "from now")), nil
}

const describeLayout = "Mon, 02 Jan 2006 15:04 MST"

// previewNextRunsLocked returns a short list of upcoming run times for
// debug logs. Call with s.mu held.
func (s *Service) previewNextRunsLocked(sched cron.Schedule, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
