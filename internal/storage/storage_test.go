package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "animebot/pkg/logx"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err, "failed to open test store")
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestJobUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	require.NoError(t, st.UpsertJob(ctx, Job{ID: "custom:1700000000000:7", Trigger: "1700000000000", Text: "first"}))
	require.NoError(t, st.UpsertJob(ctx, Job{ID: "custom:1700000000000:7", Trigger: "1700000000000", Text: "second"}))

	got, err := st.GetJob(ctx, "custom:1700000000000:7")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Text)

	all, err := st.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetJobNotFound(t *testing.T) {
	st := setupTestStore(t)
	_, err := st.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteJobIfOnlyMatchingTrigger(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	require.NoError(t, st.UpsertJob(ctx, Job{ID: "42:1700000000000:7", Trigger: "1700000000000", Text: "x"}))

	deleted, err := st.DeleteJobIf(ctx, "42:1700000000000:7", "1")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = st.DeleteJobIf(ctx, "42:1700000000000:7", "1700000000000")
	require.NoError(t, err)
	assert.True(t, deleted)

	require.NoError(t, st.DeleteJob(ctx, "42:1700000000000:7"), "deleting a missing row is fine")
}

func TestListJobsForOwner(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	for _, id := range []string{"1:100:7", "custom:200:7", "2:100:17", "internal:daily_summary"} {
		require.NoError(t, st.UpsertJob(ctx, Job{ID: id, Trigger: "100"}))
	}

	jobs, err := st.ListJobsForOwner(ctx, 7)
	require.NoError(t, err)
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"1:100:7", "custom:200:7"}, ids)
}

func TestClaimNotificationOnce(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	ok, err := st.HasNotified(ctx, 7, 200)
	require.NoError(t, err)
	assert.False(t, ok)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := st.ClaimNotification(ctx, 7, 200, time.Now())
			assert.NoError(t, err)
			if won {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)

	ok, err = st.HasNotified(ctx, 7, 200)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, st.ReleaseNotification(ctx, 7, 200))
	won, err := st.ClaimNotification(ctx, 7, 200, time.Now())
	require.NoError(t, err)
	assert.True(t, won, "a released claim can be taken again")
}

func TestPruneHistory(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	now := time.Now()

	_, err := st.ClaimNotification(ctx, 1, 10, now.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = st.ClaimNotification(ctx, 1, 11, now)
	require.NoError(t, err)

	n, err := st.PruneHistory(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestGroupsLifecycle(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	g, created, err := st.EnsureGroup(ctx, -1001)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := st.EnsureGroup(ctx, -1001)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, g.ID, again.ID)

	added, err := st.AddMember(ctx, g.ID, 7)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = st.AddMember(ctx, g.ID, 7)
	require.NoError(t, err)
	assert.False(t, added)
	_, err = st.AddMember(ctx, g.ID, 8)
	require.NoError(t, err)

	groups, err := st.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []int64{7, 8}, groups[0].Members)

	mine, err := st.GroupsForOwner(ctx, 8)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	require.NoError(t, st.DeleteGroup(ctx, g.ID))
	_, err = st.GroupByChat(ctx, -1001)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogQueries(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	ext := func(v int64) *int64 { return &v }

	id, err := st.AddTrackedItem(ctx, TrackedItem{OwnerID: 7, Kind: KindAnime, Name: "Frieren", ExternalContentID: ext(100), Progress: 3})
	require.NoError(t, err)
	_, err = st.AddTrackedItem(ctx, TrackedItem{OwnerID: 8, Kind: KindAnime, Name: "Frieren", ExternalContentID: ext(100)})
	require.NoError(t, err)
	_, err = st.AddTrackedItem(ctx, TrackedItem{OwnerID: 8, Kind: KindNovel, Name: "Mushoku", ExternalContentID: ext(300)})
	require.NoError(t, err)
	_, err = st.AddTrackedItem(ctx, TrackedItem{OwnerID: 9, Kind: KindAnime, Name: "Local only"})
	require.NoError(t, err)

	it, err := st.TrackedItem(ctx, id, 7)
	require.NoError(t, err)
	assert.Equal(t, "Frieren", it.Name)
	assert.Equal(t, 3, it.Progress)

	_, err = st.TrackedItem(ctx, id, 8)
	assert.ErrorIs(t, err, ErrNotFound, "items are scoped to their owner")

	ids, err := st.TrackedContentIDs(ctx, KindAnime)
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, ids)

	owners, err := st.OwnersTracking(ctx, KindAnime, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, owners)
}
