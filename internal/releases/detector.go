// Package releases announces newly announced or airing sequels of titles
// users already track. Each (user, release) pair is announced at most once.
package releases

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"animebot/internal/anilist"
	"animebot/internal/eventbus"
	"animebot/internal/notifier"
	"animebot/internal/observability/metrics"
	"animebot/internal/storage"
	kit "animebot/internal/transport"
	logx "animebot/pkg/logx"
	"animebot/pkg/tgui"
)

type Store interface {
	TrackedContentIDs(ctx context.Context, kind storage.ItemKind) ([]int64, error)
	OwnersTracking(ctx context.Context, kind storage.ItemKind, contentID int64) ([]int64, error)
	HasNotified(ctx context.Context, ownerID, contentID int64) (bool, error)
	ClaimNotification(ctx context.Context, ownerID, contentID int64, at time.Time) (bool, error)
	ReleaseNotification(ctx context.Context, ownerID, contentID int64) error
	PruneHistory(ctx context.Context, cutoff time.Time) (int64, error)
}

// Metadata is the external relation graph.
type Metadata interface {
	Relations(ctx context.Context, contentID int64, kind anilist.Kind) ([]anilist.Relation, error)
}

type Sender interface {
	Send(ctx context.Context, m notifier.Message) error
}

// Policy decides which relation edges of one item kind are announced.
type Policy struct {
	Kind      storage.ItemKind
	External  anilist.Kind
	Relations []string
	Headline  string
	Blurb     string
}

var (
	AnimePolicy = Policy{
		Kind:      storage.KindAnime,
		External:  anilist.KindAnime,
		Relations: []string{"SEQUEL"},
		Headline:  "📢 <b>New Season Alert!</b>",
		Blurb:     "A sequel to an anime you are watching is available or coming soon:",
	}
	NovelPolicy = Policy{
		Kind:      storage.KindNovel,
		External:  anilist.KindManga,
		Relations: []string{"SEQUEL", "SIDE_STORY"},
		Headline:  "📚 <b>New Novel Alert!</b>",
		Blurb:     "A sequel/related novel to one you are reading is available or coming soon:",
	}
)

// Candidates keeps the edges this policy announces: an allowed relation
// type, the same media type and a releasing or upcoming status.
func (p Policy) Candidates(rels []anilist.Relation) []anilist.Media {
	var out []anilist.Media
	for _, r := range rels {
		if !slices.Contains(p.Relations, r.Type) || r.Target.Type != p.External || !r.Target.Releasing() {
			continue
		}
		out = append(out, r.Target)
	}
	return out
}

// AlertText renders the HTML announcement for one release.
func (p Policy) AlertText(m anilist.Media) string {
	title := m.Title.Preferred()
	if title == "" {
		title = fmt.Sprintf("#%d", m.ID)
	}
	return p.Headline + "\n\n" + p.Blurb + "\n\n" + tgui.B(title).String() + "\n\nDo you want to add it to your list?"
}

type Config struct {
	// Concurrency bounds how many content ids are checked at once.
	Concurrency int
	// Retention prunes history rows older than this; zero keeps them forever.
	Retention time.Duration
}

type Service struct {
	cfg      Config
	policies []Policy
	store    Store
	meta     Metadata
	sender   Sender
	log      logx.Logger
	bus      eventbus.Bus

	// cursor is where the next sweep starts in the interleaved work list.
	// An interrupted sweep leaves it at the first id it did not finish.
	mu     sync.Mutex
	cursor int

	now func() time.Time
}

type workItem struct {
	policy    Policy
	contentID int64
}

func New(cfg Config, store Store, meta Metadata, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		policies: []Policy{AnimePolicy, NovelPolicy},
		store:    store,
		meta:     meta,
		sender:   sender,
		log:      log.With(logx.String("comp", "releases")),
		bus:      bus,
		now:      time.Now,
	}
}

// Sweep checks every tracked content id of every kind. Kinds are
// interleaved, and a sweep cut short by its context resumes at the first
// unfinished id next time, so every id is reached over consecutive runs.
// Per-item failures are logged and skipped; only the context's error is
// returned.
func (s *Service) Sweep(ctx context.Context) error {
	work := s.collect(ctx)
	if len(work) == 0 {
		return ctx.Err()
	}

	s.mu.Lock()
	start := s.cursor % len(work)
	s.mu.Unlock()

	done := make([]atomic.Bool, len(work))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range work {
		if gctx.Err() != nil {
			break
		}
		idx := (start + i) % len(work)
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			it := work[idx]
			s.checkContent(gctx, it.policy, it.contentID)
			if gctx.Err() == nil {
				done[idx].Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	next, checked := start, 0
	for i := range work {
		idx := (start + i) % len(work)
		if !done[idx].Load() {
			next = idx
			break
		}
		checked++
	}
	if checked == len(work) {
		next = 0
	}
	s.mu.Lock()
	s.cursor = next
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.log.Warn("release sweep interrupted; resuming next run", logx.Int("checked", checked), logx.Int("total", len(work)), logx.Err(err))
		return err
	}
	return nil
}

// collect lists the tracked ids of every policy, alternating between kinds.
// A kind whose lookup fails is logged and left out; the others still run.
func (s *Service) collect(ctx context.Context) []workItem {
	perKind := make([][]int64, len(s.policies))
	total := 0
	for i, p := range s.policies {
		ids, err := s.store.TrackedContentIDs(ctx, p.Kind)
		if err != nil {
			s.log.Error("failed to list tracked ids", logx.String("kind", string(p.Kind)), logx.Err(err))
			continue
		}
		s.log.Info("checking for new releases", logx.String("kind", string(p.Kind)), logx.Int("items", len(ids)))
		perKind[i] = ids
		total += len(ids)
	}

	work := make([]workItem, 0, total)
	for j := 0; len(work) < total; j++ {
		for i, p := range s.policies {
			if j < len(perKind[i]) {
				work = append(work, workItem{policy: p, contentID: perKind[i][j]})
			}
		}
	}
	return work
}

func (s *Service) checkContent(ctx context.Context, p Policy, contentID int64) {
	log := s.log.With(logx.String("kind", string(p.Kind)), logx.Int64("content", contentID))

	rels, err := s.meta.Relations(ctx, contentID, p.External)
	if err != nil {
		metrics.ReleaseAlerts.WithLabelValues("metadata_error").Inc()
		log.Warn("relation lookup failed; skipped this cycle", logx.Err(err))
		return
	}
	cands := p.Candidates(rels)
	if len(cands) == 0 {
		return
	}
	owners, err := s.store.OwnersTracking(ctx, p.Kind, contentID)
	if err != nil {
		log.Error("failed to list owners", logx.Err(err))
		return
	}

	for _, cand := range cands {
		already, err := s.store.OwnersTracking(ctx, p.Kind, cand.ID)
		if err != nil {
			log.Error("failed to list owners of candidate", logx.Int64("candidate", cand.ID), logx.Err(err))
			continue
		}
		for _, owner := range owners {
			if slices.Contains(already, owner) {
				continue
			}
			s.alert(ctx, p, owner, cand)
		}
	}
}

// alert delivers one announcement. The history row is claimed before the
// send, so a pair is announced at most once. A throttled or otherwise
// failed send releases the claim for the next cycle; an unreachable owner
// keeps it, since retrying would fail the same way every day.
func (s *Service) alert(ctx context.Context, p Policy, owner int64, m anilist.Media) {
	log := s.log.With(logx.Int64("owner", owner), logx.Int64("release", m.ID))

	notified, err := s.store.HasNotified(ctx, owner, m.ID)
	if err != nil {
		log.Error("history lookup failed", logx.Err(err))
		return
	}
	if notified {
		metrics.ReleaseAlerts.WithLabelValues("already_notified").Inc()
		return
	}
	won, err := s.store.ClaimNotification(ctx, owner, m.ID, s.now())
	if err != nil {
		log.Error("history claim failed", logx.Err(err))
		return
	}
	if !won {
		metrics.ReleaseAlerts.WithLabelValues("already_notified").Inc()
		return
	}

	err = s.sender.Send(ctx, notifier.Message{ChatID: owner, Text: p.AlertText(m), HTML: true})
	if err != nil {
		reason := kit.Reason(err)
		metrics.ReleaseAlerts.WithLabelValues(reason).Inc()
		if errors.Is(err, notifier.ErrDestinationGone) {
			log.Info("owner unreachable; alert dropped", logx.Err(err))
			return
		}
		if rerr := s.store.ReleaseNotification(context.WithoutCancel(ctx), owner, m.ID); rerr != nil {
			log.Error("failed to release history claim", logx.Err(rerr))
		}
		log.Warn("release alert failed", logx.String("reason", reason), logx.Err(err))
		return
	}

	metrics.ReleaseAlerts.WithLabelValues("sent").Inc()
	log.Info("release alert sent", logx.String("title", m.Title.Preferred()))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.ReleaseAlerted, Data: AlertEvent{OwnerID: owner, ContentID: m.ID, Kind: string(p.Kind)}})
	}
}

type AlertEvent struct {
	OwnerID   int64  `json:"owner_id"`
	ContentID int64  `json:"content_id"`
	Kind      string `json:"kind"`
}

// PruneHistory drops history rows older than the configured retention.
// With no retention it does nothing.
func (s *Service) PruneHistory(ctx context.Context) (int64, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := s.store.PruneHistory(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	s.log.Info("notification history pruned", logx.Int64("rows", n), logx.Duration("retention", s.cfg.Retention))
	return n, nil
}
