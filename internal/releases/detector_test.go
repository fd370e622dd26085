package releases

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"animebot/internal/anilist"
	"animebot/internal/notifier"
	"animebot/internal/storage"
	logx "animebot/pkg/logx"
)

type fakeMeta struct {
	rels map[int64][]anilist.Relation
	errs map[int64]error
}

func (f *fakeMeta) Relations(_ context.Context, id int64, _ anilist.Kind) ([]anilist.Relation, error) {
	if err := f.errs[id]; err != nil {
		return nil, &anilist.ServiceError{ContentID: id, Err: err}
	}
	return f.rels[id], nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []notifier.Message
	errs map[int64]error
}

func (f *fakeSender) Send(_ context.Context, m notifier.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[m.ChatID]; err != nil {
		return fmt.Errorf("send to %d: %w", m.ChatID, err)
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) recipients() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.ChatID)
	}
	return out
}

func edge(typ string, id int64, kind anilist.Kind, status, title string) anilist.Relation {
	return anilist.Relation{Type: typ, Target: anilist.Media{ID: id, Type: kind, Status: status, Title: anilist.Title{Romaji: title}}}
}

func setup(t *testing.T, meta *fakeMeta) (*storage.Store, *fakeSender, *Service) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	snd := &fakeSender{errs: map[int64]error{}}
	return st, snd, New(Config{Concurrency: 2}, st, meta, snd, logx.Nop(), nil)
}

func track(t *testing.T, st *storage.Store, owner int64, kind storage.ItemKind, ext int64) {
	t.Helper()
	_, err := st.AddTrackedItem(context.Background(), storage.TrackedItem{OwnerID: owner, Kind: kind, Name: "n", ExternalContentID: &ext})
	require.NoError(t, err)
}

func TestSequelAlertsEachTrackerOnce(t *testing.T) {
	meta := &fakeMeta{rels: map[int64][]anilist.Relation{
		100: {edge("SEQUEL", 200, anilist.KindAnime, anilist.StatusReleasing, "Season 2")},
	}}
	st, snd, svc := setup(t, meta)
	track(t, st, 7, storage.KindAnime, 100)
	track(t, st, 8, storage.KindAnime, 100)

	require.NoError(t, svc.Sweep(context.Background()))
	assert.ElementsMatch(t, []int64{7, 8}, snd.recipients())
	assert.Contains(t, snd.sent[0].Text, "<b>Season 2</b>")
	assert.True(t, snd.sent[0].HTML)

	require.NoError(t, svc.Sweep(context.Background()))
	assert.Len(t, snd.sent, 2, "a second run alerts nobody")
}

func TestTrackerOfCandidateIsSkipped(t *testing.T) {
	meta := &fakeMeta{rels: map[int64][]anilist.Relation{
		100: {edge("SEQUEL", 200, anilist.KindAnime, anilist.StatusNotYetReleased, "S2")},
	}}
	st, snd, svc := setup(t, meta)
	track(t, st, 7, storage.KindAnime, 100)
	track(t, st, 7, storage.KindAnime, 200)

	require.NoError(t, svc.Sweep(context.Background()))
	assert.Empty(t, snd.sent)
}

func TestPolicyCandidates(t *testing.T) {
	t.Parallel()
	rels := []anilist.Relation{
		edge("SEQUEL", 1, anilist.KindAnime, anilist.StatusReleasing, "a"),
		edge("SIDE_STORY", 2, anilist.KindAnime, anilist.StatusReleasing, "b"),
		edge("SEQUEL", 3, anilist.KindManga, anilist.StatusReleasing, "c"),
		edge("SEQUEL", 4, anilist.KindAnime, "FINISHED", "d"),
		edge("SIDE_STORY", 5, anilist.KindManga, anilist.StatusNotYetReleased, "e"),
		edge("ADAPTATION", 6, anilist.KindManga, anilist.StatusReleasing, "f"),
	}
	ids := func(ms []anilist.Media) []int64 {
		var out []int64
		for _, m := range ms {
			out = append(out, m.ID)
		}
		return out
	}
	assert.Equal(t, []int64{1}, ids(AnimePolicy.Candidates(rels)))
	assert.Equal(t, []int64{3, 5}, ids(NovelPolicy.Candidates(rels)))
}

func TestFailuresAreIsolated(t *testing.T) {
	meta := &fakeMeta{
		rels: map[int64][]anilist.Relation{
			101: {edge("SEQUEL", 201, anilist.KindAnime, anilist.StatusReleasing, "ok")},
			300: {edge("SIDE_STORY", 301, anilist.KindManga, anilist.StatusReleasing, "novel")},
		},
		errs: map[int64]error{100: errors.New("timeout")},
	}
	st, snd, svc := setup(t, meta)
	track(t, st, 7, storage.KindAnime, 100)
	track(t, st, 7, storage.KindAnime, 101)
	track(t, st, 8, storage.KindAnime, 101)
	track(t, st, 9, storage.KindNovel, 300)
	snd.errs[8] = notifier.ErrRateLimited

	require.NoError(t, svc.Sweep(context.Background()))
	assert.ElementsMatch(t, []int64{7, 9}, snd.recipients())

	ok, err := st.HasNotified(context.Background(), 8, 201)
	require.NoError(t, err)
	assert.False(t, ok, "a failed delivery releases its claim")

	delete(snd.errs, 8)
	require.NoError(t, svc.Sweep(context.Background()))
	assert.ElementsMatch(t, []int64{7, 9, 8}, snd.recipients(), "the failed pair is retried next cycle")
}

func TestPruneHistoryDisabledByDefault(t *testing.T) {
	_, _, svc := setup(t, &fakeMeta{})
	n, err := svc.PruneHistory(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnreachableOwnerKeepsClaim(t *testing.T) {
	meta := &fakeMeta{rels: map[int64][]anilist.Relation{
		100: {edge("SEQUEL", 200, anilist.KindAnime, anilist.StatusReleasing, "S2")},
	}}
	st, snd, svc := setup(t, meta)
	track(t, st, 7, storage.KindAnime, 100)
	snd.errs[7] = notifier.ErrDestinationGone

	require.NoError(t, svc.Sweep(context.Background()))
	ok, err := st.HasNotified(context.Background(), 7, 200)
	require.NoError(t, err)
	assert.True(t, ok, "a blocked owner is not retried every cycle")

	delete(snd.errs, 7)
	require.NoError(t, svc.Sweep(context.Background()))
	assert.Empty(t, snd.sent)
}

// pacedMeta answers one lookup per interval, like the rate-limited client,
// and records the ids whose lookup completed.
type pacedMeta struct {
	interval time.Duration

	mu      sync.Mutex
	checked map[int64]int
}

func (m *pacedMeta) Relations(ctx context.Context, id int64, _ anilist.Kind) ([]anilist.Relation, error) {
	select {
	case <-time.After(m.interval):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checked[id]++
	return nil, nil
}

func (m *pacedMeta) seen(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checked[id] > 0
}

func TestInterruptedSweepsReachEveryID(t *testing.T) {
	meta := &pacedMeta{interval: 20 * time.Millisecond, checked: map[int64]int{}}
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svc := New(Config{Concurrency: 1}, st, meta, &fakeSender{}, logx.Nop(), nil)

	var all []int64
	for id := int64(1); id <= 30; id++ {
		track(t, st, 7, storage.KindAnime, id)
		all = append(all, id)
	}
	for _, id := range []int64{1001, 1002} {
		track(t, st, 8, storage.KindNovel, id)
		all = append(all, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	err = svc.Sweep(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded, "the window fits only part of the catalog")
	assert.True(t, meta.seen(1001) && meta.seen(1002), "novels are not starved behind anime")

	for run := 0; run < 20; run++ {
		missing := 0
		for _, id := range all {
			if !meta.seen(id) {
				missing++
			}
		}
		if missing == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_ = svc.Sweep(ctx)
		cancel()
	}
	var never []int64
	for _, id := range all {
		if !meta.seen(id) {
			never = append(never, id)
		}
	}
	t.Fatalf("ids never checked across runs: %v", never)
}

// flakyKinds fails the id listing for one kind.
type flakyKinds struct {
	*storage.Store
	broken storage.ItemKind
}

func (f flakyKinds) TrackedContentIDs(ctx context.Context, kind storage.ItemKind) ([]int64, error) {
	if kind == f.broken {
		return nil, errors.New("listing failed")
	}
	return f.Store.TrackedContentIDs(ctx, kind)
}

func TestFailedKindDoesNotStopOthers(t *testing.T) {
	meta := &fakeMeta{rels: map[int64][]anilist.Relation{
		300: {edge("SEQUEL", 301, anilist.KindManga, anilist.StatusReleasing, "Vol 2")},
	}}
	st, snd, _ := setup(t, meta)
	track(t, st, 7, storage.KindAnime, 100)
	track(t, st, 9, storage.KindNovel, 300)

	svc := New(Config{Concurrency: 2}, flakyKinds{Store: st, broken: storage.KindAnime}, meta, snd, logx.Nop(), nil)
	require.NoError(t, svc.Sweep(context.Background()))
	assert.Equal(t, []int64{9}, snd.recipients())
}
