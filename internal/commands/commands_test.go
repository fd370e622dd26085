package commands

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"animebot/internal/storage"
	"animebot/internal/task/scheduler"
	kit "animebot/internal/transport"
	"animebot/internal/transport/telegram/router"
	logx "animebot/pkg/logx"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []string
	answers []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, chatID int64, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: chatID}, nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if text != "" {
		f.answers = append(f.answers, text)
	}
	return nil
}

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAdapter) toasts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.answers...)
}

// fakeScheduler keeps the ledger in the real store so ownership and 404
// checks see what Schedule wrote.
type fakeScheduler struct {
	store *storage.Store
}

func (f *fakeScheduler) Schedule(ctx context.Context, id, trigger string, _ scheduler.Action, text string, _ ...scheduler.JobOption) (string, error) {
	return id, f.store.UpsertJob(ctx, storage.Job{ID: id, Trigger: trigger, Text: text})
}

func (f *fakeScheduler) Cancel(ctx context.Context, id string) error {
	return f.store.DeleteJob(ctx, id)
}
func (f *fakeScheduler) Describe(trigger string) (string, error) { return "when " + trigger, nil }
func (f *fakeScheduler) Location() *time.Location                { return time.UTC }
func (f *fakeScheduler) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{Timezone: "UTC", Jobs: []scheduler.JobInfo{{ID: "internal:daily_summary", Next: fixedNow.Add(time.Hour)}}}
}

type fakeDigest struct{}

func (fakeDigest) Today(context.Context, int64) ([]string, error) {
	return []string{"Frieren - Ep 4"}, nil
}

func (fakeDigest) Preview(_ context.Context, _ int64, wd time.Weekday) (time.Time, []string, error) {
	return time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), []string{"Private - Ep 1"}, nil
}

func (fakeDigest) PreviewGroup(_ context.Context, grp storage.Group, _ time.Weekday) (time.Time, []string) {
	return time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), []string{"Group - Ep 1"}
}

type noopActions struct{}

func (noopActions) Action(string, string, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

type harness struct {
	store   *storage.Store
	ad      *fakeAdapter
	updates chan kit.Update
}

func setup(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := New(Deps{Scheduler: &fakeScheduler{store: st}, Store: st, Digest: fakeDigest{}, Actions: noopActions{}})
	h.now = func() time.Time { return fixedNow }

	ad := &fakeAdapter{}
	m := router.NewManager(logx.Nop(), ad, []int64{1})
	ctx, cancel := context.WithCancel(context.Background())
	m.SetRegistry(ctx, h.Commands(), h.Callbacks())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{store: st, ad: ad, updates: updates}
}

// say sends one message and waits for the replies it produces.
func (h *harness) say(t *testing.T, from, chat int64, text string, replies int) []string {
	t.Helper()
	before := len(h.ad.texts())
	h.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: chat, FromID: from, FromName: "Ana", IsGroup: chat < 0, Text: text,
	}}
	require.Eventually(t, func() bool { return len(h.ad.texts()) >= before+replies }, 3*time.Second, 5*time.Millisecond)
	return h.ad.texts()[before:]
}

func (h *harness) click(t *testing.T, from int64, data string, done func() bool) {
	t.Helper()
	h.updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "q", FromID: from, ChatID: from, Data: data}}
	require.Eventually(t, done, 3*time.Second, 5*time.Millisecond)
}

func TestReminderStoresCustomJob(t *testing.T) {
	h := setup(t)

	out := h.say(t, 7, 7, "/reminder 2024-03-02 09:30 - feed the cat", 1)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "Reminder set")
	assert.Contains(t, out[0], "feed the cat")

	id := "custom:1709371800000:7"
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "1709371800000", job.Trigger)
	assert.Contains(t, out[0], "when 1709371800000")
}

func TestReminderRejectsPastAndMalformed(t *testing.T) {
	h := setup(t)

	out := h.say(t, 7, 7, "/reminder 2024-02-01 09:30 - too late", 1)
	assert.Equal(t, "That date is already in the past.", out[0])

	out = h.say(t, 7, 7, "/reminder no separator here", 1)
	assert.True(t, strings.HasPrefix(out[0], "Usage: /reminder"))

	jobs, err := h.store.ListJobsForOwner(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestReminderAcceptsCron(t *testing.T) {
	h := setup(t)
	h.say(t, 7, 7, "/reminder 0 9 * * 1 - weekly standup", 1)

	_, err := h.store.GetJob(context.Background(), "custom:0 9 * * 1:7")
	assert.NoError(t, err)
}

func TestCancelChecksOwnership(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertJob(ctx, storage.Job{ID: "custom:1709371800000:7", Trigger: "1709371800000", Text: "x"}))

	out := h.say(t, 8, 8, "/cancel custom:1709371800000:7", 1)
	assert.Equal(t, "This is not your reminder", out[0])

	out = h.say(t, 7, 7, "/cancel custom:1:7", 1)
	assert.Equal(t, "Error 404: Job not found", out[0])

	out = h.say(t, 7, 7, "/cancel custom:1709371800000:7", 1)
	assert.Equal(t, `Scheduled job "custom:1709371800000:7" was canceled`, out[0])
	_, err := h.store.GetJob(ctx, "custom:1709371800000:7")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRepeatCallbackSchedulesForOwnerOnly(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	ext := int64(100)
	itemID, err := h.store.AddTrackedItem(ctx, storage.TrackedItem{OwnerID: 7, Kind: storage.KindAnime, Name: "Frieren", ExternalContentID: &ext})
	require.NoError(t, err)

	data := "a_scheduler:" + itoa(itemID) + ":1709976600000:7"
	h.click(t, 8, data, func() bool { return len(h.ad.toasts()) == 1 })
	assert.Equal(t, []string{"This is not your list"}, h.ad.toasts())

	h.click(t, 7, data, func() bool { return len(h.ad.texts()) == 1 })
	assert.Contains(t, h.ad.texts()[0], "Reminder for anime <b>Frieren</b>")

	job, err := h.store.GetJob(ctx, itoa(itemID)+":1709976600000:7")
	require.NoError(t, err)
	assert.Equal(t, "This is your reminder for anime Frieren", job.Text)
}

func TestCheckDateCallback(t *testing.T) {
	h := setup(t)
	h.click(t, 7, "check_date:0 9 * * 1", func() bool { return len(h.ad.texts()) == 1 })
	assert.Equal(t, "This job uses no date, but a cron expression: <i>0 9 * * 1</i>", h.ad.texts()[0])
}

func TestMyRemindersListsUpcomingOnly(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertJob(ctx, storage.Job{ID: "custom:1709371800000:7", Trigger: "1709371800000", Text: "tomorrow"}))
	require.NoError(t, h.store.UpsertJob(ctx, storage.Job{ID: "custom:1700000000000:7", Trigger: "1700000000000", Text: "long gone"}))
	require.NoError(t, h.store.UpsertJob(ctx, storage.Job{ID: "custom:0 9 * * 1:7", Trigger: "0 9 * * 1", Text: "weekly"}))

	out := h.say(t, 7, 7, "/myjobs", 1)
	assert.Contains(t, out[0], "<b>Your reminders:</b>")
	assert.Contains(t, out[0], "[Sat, 02 Mar 2024 09:30] <i>tomorrow</i>")
	assert.Contains(t, out[0], "[0 9 * * 1] <i>weekly</i>")
	assert.NotContains(t, out[0], "long gone")

	out = h.say(t, 9, 9, "/myreminders", 1)
	assert.Equal(t, "You have no active reminders.", out[0])
}

func TestNotifyAndOptInFlow(t *testing.T) {
	h := setup(t)

	out := h.say(t, 8, -100, "/opt_in", 1)
	assert.Equal(t, notActivated, out[0])

	out = h.say(t, 7, -100, "/notify", 2)
	assert.Contains(t, out[0], "Daily anime notifications activated for this group!")
	assert.Contains(t, out[1], "- Frieren - Ep 4")

	out = h.say(t, 7, -100, "/notify", 1)
	assert.Contains(t, out[0], "you are already set up")

	out = h.say(t, 8, -100, "/opt_in", 2)
	assert.Equal(t, "Ana, you've opted in! You'll receive daily anime notifications.", out[0])

	grp, err := h.store.GroupByChat(context.Background(), -100)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, grp.Members)
}

func TestNotifyOn(t *testing.T) {
	h := setup(t)

	out := h.say(t, 7, -100, "/notify_on funday", 1)
	assert.True(t, strings.HasPrefix(out[0], "Invalid day of the week."))

	out = h.say(t, 7, -100, "/notify_on monday", 1)
	assert.Equal(t, notActivated, out[0])

	h.say(t, 7, -100, "/notify", 2)
	out = h.say(t, 7, -100, "/notify_on Monday", 1)
	assert.Contains(t, out[0], "Anime Summary for Monday, March 4")
	assert.Contains(t, out[0], "- Group - Ep 1")

	out = h.say(t, 7, 7, "/notify_on mon", 1)
	assert.Contains(t, out[0], "- Private - Ep 1")
}

func TestStatusIsOwnerOnly(t *testing.T) {
	h := setup(t)

	out := h.say(t, 7, 7, "/status", 1)
	assert.Equal(t, "unauthorized", out[0])

	out = h.say(t, 1, 1, "/status", 1)
	assert.Contains(t, out[0], "timezone: UTC")
	assert.Contains(t, out[0], "<code>internal:daily_summary</code> in 1h0m0s")
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]time.Weekday{"sunday": time.Sunday, "TUE": time.Tuesday, "thurs": time.Thursday, " saturday ": time.Saturday} {
		got, ok := parseWeekday(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := parseWeekday("t")
	assert.False(t, ok)
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
