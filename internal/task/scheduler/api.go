package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"animebot/internal/eventbus"
	"animebot/internal/observability/metrics"
	"animebot/internal/reminder"
	"animebot/internal/storage"
	"animebot/internal/task/engine"
	logx "animebot/pkg/logx"
)

// Schedule stores the job and arms it, replacing any live timer under the
// same id. A one-shot already in the past fires right away. The returned
// string describes when the job runs.
func (s *Service) Schedule(ctx context.Context, id, trigger string, action Action, text string, opts ...JobOption) (string, error) {
	id = strings.TrimSpace(id)
	trigger = strings.TrimSpace(trigger)
	if id == "" {
		return "", errors.New("job id required")
	}
	if action == nil {
		return "", errors.New("job action required")
	}
	p, err := s.parseTrigger(trigger)
	if err != nil {
		return "", err
	}
	o := s.resolveOptions(opts)

	unlock := s.ids.lock(id)
	defer unlock()
	if err := s.ledger.UpsertJob(ctx, storage.Job{ID: id, Trigger: trigger, Text: text}); err != nil {
		return "", fmt.Errorf("failed to store job %s: %w", id, err)
	}
	s.mu.Lock()
	s.armLocked(id, trigger, p, action, o.timeout)
	s.mu.Unlock()
	return s.describe(trigger, time.Now())
}

// Get looks up the live timer for id. It never touches the ledger.
func (s *Service) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil {
		return nil, false
	}
	return &Handle{ID: e.id, Trigger: e.trigger, Next: s.nextLocked(e), Recur: e.recurring(), s: s, ver: e.ver}, true
}

// Cancel disarms the timer only; the ledger row is left untouched and will
// be re-armed by the next Rehydrate. It reports whether the handle was
// still the live one.
func (h *Handle) Cancel() bool {
	if h == nil || h.s == nil {
		return false
	}
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[h.ID]
	if e == nil || e.ver != h.ver {
		return false
	}
	s.disarmLocked(h.ID)
	return true
}

// Cancel deletes the ledger row and disarms the timer under the id's lock,
// so no Schedule for the same id can interleave. The row goes first: a
// crash in between never leaves a row that would be rehydrated after a
// cancel that looked successful.
func (s *Service) Cancel(ctx context.Context, id string) error {
	unlock := s.ids.lock(id)
	defer unlock()
	if err := s.ledger.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	s.mu.Lock()
	s.disarmLocked(id)
	s.mu.Unlock()
	s.log.Debug("job canceled", logx.String("id", id))
	return nil
}

// Rehydrate arms every ledger row except internal ones, which the
// application re-arms by name. Rows whose id or trigger cannot be
// interpreted are logged and skipped.
func (s *Service) Rehydrate(ctx context.Context, build BuildFunc) (RehydrateResult, error) {
	var res RehydrateResult
	rows, err := s.ledger.ListJobs(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list jobs: %w", err)
	}

	for _, row := range rows {
		if k, err := reminder.ParseKey(row.ID); err == nil && k.Kind == reminder.KindInternal {
			res.Internal++
			continue
		}
		skip := func(err error) {
			res.Skipped++
			metrics.RehydrateSkipped.Inc()
			lvl := s.log.Warn
			if !reminder.IsIntegrity(err) && !errors.Is(err, ErrBadTrigger) {
				lvl = s.log.Error
			}
			lvl("job skipped during rehydrate", logx.String("id", row.ID), logx.String("trigger", row.Trigger), logx.Err(err))
		}

		p, err := s.parseTrigger(row.Trigger)
		if err != nil {
			skip(err)
			continue
		}
		action, err := build(row.ID, row.Trigger, row.Text)
		if err != nil {
			skip(err)
			continue
		}
		if action == nil {
			skip(&reminder.IntegrityError{ID: row.ID, Reason: "no action"})
			continue
		}

		unlock := s.ids.lock(row.ID)
		s.mu.Lock()
		s.armLocked(row.ID, strings.TrimSpace(row.Trigger), p, action, s.cfg.ActionTimeout)
		s.mu.Unlock()
		unlock()
		res.Armed++
	}
	s.log.Info("rehydrated jobs", logx.Int("armed", res.Armed), logx.Int("skipped", res.Skipped), logx.Int("internal", res.Internal))
	return res, nil
}

// armLocked replaces whatever is armed under id. Call with s.mu held.
func (s *Service) armLocked(id, trigger string, p parsedTrigger, action Action, timeout time.Duration) {
	s.disarmLocked(id)
	s.seq++
	e := &entry{id: id, trigger: trigger, ver: s.seq, action: action, timeout: timeout}

	if p.oneShot() {
		e.at = p.at
		delay := time.Until(p.at)
		if delay < 0 {
			delay = 0
		}
		ver := e.ver
		e.timer = time.AfterFunc(delay, func() { s.fireOnce(id, ver) })
		s.entries[id] = e
		s.setArmedGaugeLocked()
		s.log.Debug("one-shot armed", logx.String("id", id), logx.Time("at", p.at), logx.Duration("in", delay))
		return
	}

	e.state = &engine.RunState{}
	ver := e.ver
	e.cronID = s.c.Schedule(p.sched, cron.FuncJob(func() { s.fireRecurring(id, ver) }))
	s.entries[id] = e
	s.setArmedGaugeLocked()

	args := []logx.Field{logx.String("id", id), logx.String("trigger", trigger)}
	if next := s.previewNextRunsLocked(p.sched, 4); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("recurring job armed", args...)
}

// disarmLocked stops the timer or cron entry for id. Call with s.mu held.
func (s *Service) disarmLocked(id string) {
	e := s.entries[id]
	if e == nil {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.cronID != 0 {
		s.c.Remove(e.cronID)
	}
	delete(s.entries, id)
	s.setArmedGaugeLocked()

	s.enqMu.Lock()
	delete(s.lastEnqWarn, id)
	s.enqMu.Unlock()
}

func (s *Service) nextLocked(e *entry) time.Time {
	if !e.recurring() {
		return e.at
	}
	return s.c.Entry(e.cronID).Next
}

// fireOnce runs from the timer goroutine. A stale version means the id was
// re-armed or canceled after this timer was created.
func (s *Service) fireOnce(id string, ver uint64) {
	s.mu.Lock()
	e := s.entries[id]
	if e == nil || e.ver != ver {
		s.mu.Unlock()
		return
	}
	delete(s.entries, id)
	s.setArmedGaugeLocked()
	ctx := s.ctx
	s.mu.Unlock()

	s.fired(e)
	trigger, action := e.trigger, e.action
	err := s.engine.Submit(ctx, engine.Task{
		Name:    "job:" + id,
		Timeout: e.timeout,
		Run: func(ctx context.Context) error {
			if err := action(ctx); err != nil {
				return err
			}
			s.prune(ctx, id, trigger)
			return nil
		},
	})
	if err != nil {
		// The row is still in the ledger; the next Rehydrate fires it again.
		s.reportEnqueueError(id, err)
	}
}

// prune drops a fired one-shot row, unless the id was re-scheduled with a
// different trigger in the meantime.
func (s *Service) prune(ctx context.Context, id, trigger string) {
	deleted, err := s.ledger.DeleteJobIf(ctx, id, trigger)
	if err != nil {
		s.log.Warn("failed to prune fired job", logx.String("id", id), logx.Err(err))
		return
	}
	if !deleted {
		s.log.Debug("fired job was replaced; row kept", logx.String("id", id))
	}
}

func (s *Service) fireRecurring(id string, ver uint64) {
	s.mu.Lock()
	e := s.entries[id]
	if e == nil || e.ver != ver {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.fired(e)
	err := s.engine.Enqueue(engine.Task{
		Name:    "job:" + id,
		Timeout: e.timeout,
		Run:     e.action,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		State:   e.state,
	})
	if err != nil {
		s.reportEnqueueError(id, err)
	}
}

func (s *Service) fired(e *entry) {
	metrics.JobsFired.WithLabelValues(kindLabel(e.id)).Inc()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.ReminderFired, Data: FiredEvent{ID: e.id, Trigger: e.trigger, Recur: e.recurring()}})
	}
}

func kindLabel(id string) string {
	k, err := reminder.ParseKey(id)
	if err != nil {
		return "unknown"
	}
	return k.Kind.String()
}
