// Package digest builds the daily "airing today" summaries for notification
// groups. The job ledger doubles as the release calendar: a content
// reminder due inside a day window means the tracked anime airs that day.
package digest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"animebot/internal/eventbus"
	"animebot/internal/notifier"
	"animebot/internal/observability/metrics"
	"animebot/internal/reminder"
	"animebot/internal/storage"
	logx "animebot/pkg/logx"
)

// Store is the slice of storage the digest reads and prunes.
type Store interface {
	ListJobsForOwner(ctx context.Context, ownerID int64) ([]storage.Job, error)
	TrackedItem(ctx context.Context, id, ownerID int64) (storage.TrackedItem, error)
	ListGroups(ctx context.Context) ([]storage.Group, error)
	GroupsForOwner(ctx context.Context, ownerID int64) ([]storage.Group, error)
	DeleteGroup(ctx context.Context, id int64) error
}

type Sender interface {
	Send(ctx context.Context, m notifier.Message) error
}

type Config struct {
	// Concurrency bounds how many groups are processed at once.
	Concurrency int
}

type Service struct {
	cfg    Config
	loc    *time.Location
	store  Store
	sender Sender
	log    logx.Logger
	bus    eventbus.Bus

	now func() time.Time
}

func New(cfg Config, loc *time.Location, store Store, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		loc:    loc,
		store:  store,
		sender: sender,
		log:    log.With(logx.String("comp", "digest")),
		bus:    bus,
		now:    time.Now,
	}
}

// DayWindow returns [start, end) of the reference-zone day containing t.
func (s *Service) DayWindow(t time.Time) (start, end time.Time) {
	t = t.In(s.loc)
	start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
	return start, start.AddDate(0, 0, 1)
}

// AiringOn lists "<name> - Ep <n>" for every content reminder of ownerID
// due on day, ordered by due time. Rows that do not resolve to one of the
// owner's tracked anime are skipped.
func (s *Service) AiringOn(ctx context.Context, ownerID int64, day time.Time) ([]string, error) {
	start, end := s.DayWindow(day)
	jobs, err := s.store.ListJobsForOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs of %d: %w", ownerID, err)
	}

	type due struct {
		at   time.Time
		item int64
	}
	var hits []due
	for _, j := range jobs {
		k, err := reminder.ParseKey(j.ID)
		if err != nil || k.Kind != reminder.KindContent || k.OwnerID != ownerID {
			continue
		}
		at, ok := reminder.ParseOneShot(j.Trigger)
		if !ok || at.Before(start) || !at.Before(end) {
			continue
		}
		hits = append(hits, due{at: at, item: k.SubjectID})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at.Before(hits[j].at) })

	out := make([]string, 0, len(hits))
	for _, h := range hits {
		it, err := s.store.TrackedItem(ctx, h.item, ownerID)
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("reminder points at unknown item", logx.Int64("owner", ownerID), logx.Int64("item", h.item))
			continue
		}
		if err != nil {
			return nil, err
		}
		if it.Kind != storage.KindAnime {
			continue
		}
		out = append(out, fmt.Sprintf("%s - Ep %d", it.Name, it.Progress+1))
	}
	return out, nil
}

// Today is AiringOn for the current reference day.
func (s *Service) Today(ctx context.Context, ownerID int64) ([]string, error) {
	return s.AiringOn(ctx, ownerID, s.now())
}

// NextWeekday returns the next date strictly after today that falls on wd.
func (s *Service) NextWeekday(wd time.Weekday) time.Time {
	today, _ := s.DayWindow(s.now())
	diff := (int(wd) - int(today.Weekday()) + 7) % 7
	if diff == 0 {
		diff = 7
	}
	return today.AddDate(0, 0, diff)
}

// Preview unions what airs on the next wd across every member of every
// group ownerID belongs to.
func (s *Service) Preview(ctx context.Context, ownerID int64, wd time.Weekday) (time.Time, []string, error) {
	day := s.NextWeekday(wd)
	groups, err := s.store.GroupsForOwner(ctx, ownerID)
	if err != nil {
		return day, nil, fmt.Errorf("failed to list groups of %d: %w", ownerID, err)
	}
	var members []int64
	for _, g := range groups {
		members = append(members, g.Members...)
	}
	titles := s.union(ctx, members, day, newMemo())
	return day, titles, nil
}

// PreviewGroup is Preview scoped to the members of one group.
func (s *Service) PreviewGroup(ctx context.Context, grp storage.Group, wd time.Weekday) (time.Time, []string) {
	day := s.NextWeekday(wd)
	return day, s.union(ctx, grp.Members, day, newMemo())
}

// Sweep sends today's digest to every group. A failing group never stops
// the others; the only error returned is the context's.
func (s *Service) Sweep(ctx context.Context) error {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list groups: %w", err)
	}
	if len(groups) == 0 {
		s.log.Info("no groups subscribed to daily digests")
		return nil
	}
	s.log.Info("daily digest sweep started", logx.Int("groups", len(groups)))

	day := s.now()
	memo := newMemo()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, grp := range groups {
		g.Go(func() error {
			s.sweepGroup(gctx, grp, day, memo)
			return nil
		})
	}
	_ = g.Wait()
	s.log.Info("daily digest sweep finished", logx.Int("groups", len(groups)))
	return ctx.Err()
}

func (s *Service) sweepGroup(ctx context.Context, grp storage.Group, day time.Time, memo *memo) {
	log := s.log.With(logx.Int64("chat", grp.ChatID))
	if len(grp.Members) == 0 {
		metrics.DigestGroups.WithLabelValues("empty").Inc()
		log.Debug("group has no members; skipped")
		return
	}
	titles := s.union(ctx, grp.Members, day, memo)
	if len(titles) == 0 {
		metrics.DigestGroups.WithLabelValues("nothing").Inc()
		log.Debug("nothing airs today for this group")
		return
	}

	err := s.sender.Send(ctx, notifier.Message{ChatID: grp.ChatID, Text: DailyText(titles)})
	switch {
	case err == nil:
		metrics.DigestGroups.WithLabelValues("sent").Inc()
		log.Info("daily digest sent", logx.Int("items", len(titles)))
		s.publish(eventbus.DigestSent, grp, len(titles))

	case errors.Is(err, notifier.ErrDestinationGone):
		log.Warn("group unreachable; removing", logx.Err(err))
		if derr := s.store.DeleteGroup(ctx, grp.ID); derr != nil {
			metrics.DigestGroups.WithLabelValues("failed").Inc()
			log.Error("failed to remove group", logx.Err(derr))
			return
		}
		metrics.DigestGroups.WithLabelValues("removed").Inc()
		s.publish(eventbus.GroupRemoved, grp, 0)

	case errors.Is(err, notifier.ErrRateLimited):
		metrics.DigestGroups.WithLabelValues("rate_limited").Inc()
		log.Warn("rate limited; group skipped this cycle", logx.Err(err))

	default:
		metrics.DigestGroups.WithLabelValues("failed").Inc()
		log.Error("failed to send daily digest", logx.Err(err))
	}
}

// union concatenates each member's titles, dropping duplicates and keeping
// first-seen order. A member whose lookup fails is logged and left out.
func (s *Service) union(ctx context.Context, members []int64, day time.Time, m *memo) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, owner := range members {
		titles, err := m.get(owner, func() ([]string, error) { return s.AiringOn(ctx, owner, day) })
		if err != nil {
			s.log.Error("failed to compute airing list", logx.Int64("owner", owner), logx.Err(err))
			continue
		}
		for _, t := range titles {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

type GroupEvent struct {
	GroupID int64 `json:"group_id"`
	ChatID  int64 `json:"chat_id"`
	Items   int   `json:"items,omitempty"`
}

func (s *Service) publish(typ string, grp storage.Group, items int) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: GroupEvent{GroupID: grp.ID, ChatID: grp.ChatID, Items: items}})
	}
}

// memo caches per-owner results for one sweep; owners in several groups
// are looked up once.
type memo struct {
	mu   sync.Mutex
	vals map[int64][]string
}

func newMemo() *memo { return &memo{vals: map[int64][]string{}} }

func (m *memo) get(owner int64, load func() ([]string, error)) ([]string, error) {
	m.mu.Lock()
	v, ok := m.vals[owner]
	m.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.vals[owner] = v
	m.mu.Unlock()
	return v, nil
}
