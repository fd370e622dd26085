package scheduler

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"animebot/internal/eventbus"
	"animebot/internal/storage"
	"animebot/internal/task/engine"
	logx "animebot/pkg/logx"
)

type memLedger struct {
	mu   sync.Mutex
	rows map[string]storage.Job
}

func newMemLedger(rows ...storage.Job) *memLedger {
	l := &memLedger{rows: map[string]storage.Job{}}
	for _, r := range rows {
		l.rows[r.ID] = r
	}
	return l
}

func (l *memLedger) UpsertJob(_ context.Context, j storage.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows[j.ID] = j
	return nil
}

func (l *memLedger) DeleteJob(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows, id)
	return nil
}

func (l *memLedger) DeleteJobIf(_ context.Context, id, trigger string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[id]; ok && r.Trigger == trigger {
		delete(l.rows, id)
		return true, nil
	}
	return false, nil
}

func (l *memLedger) ListJobs(context.Context) ([]storage.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]storage.Job, 0, len(l.rows))
	for _, r := range l.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *memLedger) has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rows[id]
	return ok
}

func newTestScheduler(t *testing.T, ledger Ledger) *Service {
	t.Helper()
	return newTestSchedulerWith(t, Config{}, ledger, nil)
}

func newTestSchedulerWith(t *testing.T, cfg Config, ledger Ledger, bus eventbus.Bus) *Service {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(cfg, ledger, eng, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func inMillis(d time.Duration) string { return itoa(time.Now().Add(d).UnixMilli()) }

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func counter(n *atomic.Int32) Action {
	return func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func TestCancelBeforeFirePreventsAction(t *testing.T) {
	t.Parallel()
	ledger := newMemLedger()
	s := newTestScheduler(t, ledger)

	var fired atomic.Int32
	const id = "custom:x:7"
	if _, err := s.Schedule(context.Background(), id, inMillis(80*time.Millisecond), counter(&fired), "hi"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if fired.Load() != 0 {
		t.Fatalf("action fired %d times after cancel", fired.Load())
	}
	if ledger.has(id) {
		t.Fatal("ledger row survived cancel")
	}
	if _, ok := s.Get(id); ok {
		t.Fatal("timer still armed after cancel")
	}
}

func TestHandleCancelKeepsRow(t *testing.T) {
	t.Parallel()
	ledger := newMemLedger()
	s := newTestScheduler(t, ledger)

	var fired atomic.Int32
	const id = "custom:y:7"
	if _, err := s.Schedule(context.Background(), id, inMillis(time.Hour), counter(&fired), ""); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	h, ok := s.Get(id)
	if !ok {
		t.Fatal("Get: not armed")
	}
	if !h.Cancel() {
		t.Fatal("Handle.Cancel reported stale handle")
	}
	if !ledger.has(id) {
		t.Fatal("Handle.Cancel must not delete the row")
	}
	if h.Cancel() {
		t.Fatal("second Handle.Cancel should be a no-op")
	}
}

func TestRehydrateFiresPastOneShotAndPrunes(t *testing.T) {
	t.Parallel()
	past := itoa(time.Now().Add(-time.Hour).UnixMilli())
	ledger := newMemLedger(
		storage.Job{ID: "42:" + past + ":7", Trigger: past, Text: "x"},
		storage.Job{ID: "internal:daily_summary", Trigger: "0 9 * * *"},
		storage.Job{ID: "garbage", Trigger: past},
		storage.Job{ID: "custom:later:7", Trigger: "not a cron"},
	)
	s := newTestScheduler(t, ledger)

	var fired atomic.Int32
	res, err := s.Rehydrate(context.Background(), func(id, trigger, text string) (Action, error) {
		if id == "garbage" {
			return nil, errors.New("unreachable in this test")
		}
		return counter(&fired), nil
	})
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if res.Armed != 1 || res.Internal != 1 || res.Skipped != 2 {
		t.Fatalf("result=%+v, want armed=1 internal=1 skipped=2", res)
	}

	waitFor(t, func() bool { return fired.Load() == 1 })
	waitFor(t, func() bool { return !ledger.has("42:" + past + ":7") })
	if !ledger.has("internal:daily_summary") {
		t.Fatal("internal row must be left for the application")
	}
}

func TestRescheduleNeverDoubleFires(t *testing.T) {
	t.Parallel()
	ledger := newMemLedger()
	s := newTestScheduler(t, ledger)

	var fired atomic.Int32
	const id = "custom:z:7"
	ctx := context.Background()
	if _, err := s.Schedule(ctx, id, inMillis(40*time.Millisecond), counter(&fired), "a"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	second := inMillis(90 * time.Millisecond)
	if _, err := s.Schedule(ctx, id, second, counter(&fired), "b"); err != nil {
		t.Fatalf("Schedule again: %v", err)
	}

	waitFor(t, func() bool { return fired.Load() >= 1 })
	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired=%d, want 1", got)
	}
	waitFor(t, func() bool { return !ledger.has(id) })
}

func TestFailedOneShotKeepsRow(t *testing.T) {
	t.Parallel()
	ledger := newMemLedger()
	s := newTestScheduler(t, ledger)

	var calls atomic.Int32
	const id = "custom:fail:7"
	_, err := s.Schedule(context.Background(), id, inMillis(0), func(context.Context) error {
		calls.Add(1)
		return engine.NoRetry(errors.New("destination gone"))
	}, "")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().Engine.History) == 1 })
	if !ledger.has(id) {
		t.Fatal("a failed one-shot must stay in the ledger for the next rehydrate")
	}
}

func TestScheduleRejectsBadTrigger(t *testing.T) {
	t.Parallel()
	ledger := newMemLedger()
	s := newTestScheduler(t, ledger)

	_, err := s.Schedule(context.Background(), "custom:bad:7", "every tuesday", counter(new(atomic.Int32)), "")
	if !errors.Is(err, ErrBadTrigger) {
		t.Fatalf("err=%v, want ErrBadTrigger", err)
	}
	if ledger.has("custom:bad:7") {
		t.Fatal("a rejected trigger must not be stored")
	}
}

func TestRecurringArmsCronEntry(t *testing.T) {
	t.Parallel()
	ledger := newMemLedger()
	s := newTestScheduler(t, ledger)

	desc, err := s.Schedule(context.Background(), "internal:daily_summary", "0 9 * * *", counter(new(atomic.Int32)), "")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if desc == "" {
		t.Fatal("empty description")
	}
	h, ok := s.Get("internal:daily_summary")
	if !ok || !h.Recur {
		t.Fatalf("handle=%+v ok=%v, want recurring entry", h, ok)
	}
}

func TestDailyCronSpacing(t *testing.T) {
	t.Parallel()
	for _, tz := range []string{"", "America/New_York", "Asia/Jakarta"} {
		tz := tz
		t.Run("tz="+tz, func(t *testing.T) {
			t.Parallel()
			if tz != "" {
				if _, err := time.LoadLocation(tz); err != nil {
					t.Skipf("zone data unavailable: %v", err)
				}
			}
			s := New(Config{Timezone: tz}, newMemLedger(), nil, logx.Nop(), nil)
			from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			runs, err := s.NextRuns("0 9 * * *", from, 400)
			if err != nil {
				t.Fatalf("NextRuns: %v", err)
			}
			if len(runs) != 400 {
				t.Fatalf("got %d runs", len(runs))
			}
			for i := 1; i < len(runs); i++ {
				gap := runs[i].Sub(runs[i-1])
				if gap < 23*time.Hour || gap > 25*time.Hour {
					t.Fatalf("gap %v between %v and %v", gap, runs[i-1], runs[i])
				}
				if runs[i].Hour() != 9 || runs[i].Minute() != 0 {
					t.Fatalf("run %v not at 09:00 local", runs[i])
				}
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newMemLedger(), nil, logx.Nop(), nil)
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	got, err := s.describe(itoa(now.Add(48*time.Hour).UnixMilli()), now)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if want := "once on Sun, 03 Mar 2024 08:00 UTC (2 days from now)"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	got, err = s.describe("0 9 * * *", now)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if want := `recurring "0 9 * * *", next on Fri, 01 Mar 2024 09:00 UTC (1 hour from now)`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// sleeper runs for d unless its context ends first, and reports how it ended.
func sleeper(d time.Duration, finished, interrupted *atomic.Int32) Action {
	return func(ctx context.Context) error {
		select {
		case <-time.After(d):
			finished.Add(1)
			return nil
		case <-ctx.Done():
			interrupted.Add(1)
			return ctx.Err()
		}
	}
}

func TestJobTimeoutOverridesActionTimeout(t *testing.T) {
	t.Parallel()
	s := newTestSchedulerWith(t, Config{ActionTimeout: 30 * time.Millisecond}, newMemLedger(), nil)

	var finished, interrupted atomic.Int32
	if _, err := s.Schedule(context.Background(), "custom:short:7", inMillis(0), sleeper(300*time.Millisecond, &finished, &interrupted), "x"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, func() bool { return interrupted.Load() == 1 })

	if _, err := s.Schedule(context.Background(), "custom:long:7", inMillis(0), sleeper(300*time.Millisecond, &finished, &interrupted), "x", WithTimeout(5*time.Second)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, func() bool { return finished.Load() == 1 })
	if got := interrupted.Load(); got != 1 {
		t.Fatalf("interrupted=%d, want only the job without its own budget", got)
	}
}

func TestRecurringJobKeepsItsOwnBudget(t *testing.T) {
	t.Parallel()
	s := newTestSchedulerWith(t, Config{ActionTimeout: 30 * time.Millisecond}, newMemLedger(), nil)

	var finished, interrupted atomic.Int32
	_, err := s.Schedule(context.Background(), "internal:new_season_check", "@every 1s",
		sleeper(200*time.Millisecond, &finished, &interrupted), "sweep", WithTimeout(time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, func() bool { return finished.Load() >= 1 })
	if interrupted.Load() != 0 {
		t.Fatal("a sweep armed with its own timeout was cut short by ActionTimeout")
	}
}

// gatedLedger blocks UpsertJob for one id until the gate is closed.
type gatedLedger struct {
	*memLedger
	id      string
	entered chan struct{}
	gate    chan struct{}
}

func (l *gatedLedger) UpsertJob(ctx context.Context, j storage.Job) error {
	if j.ID == l.id {
		close(l.entered)
		<-l.gate
	}
	return l.memLedger.UpsertJob(ctx, j)
}

func TestSlowLedgerWriteDoesNotStallTimers(t *testing.T) {
	t.Parallel()
	ledger := &gatedLedger{memLedger: newMemLedger(), id: "custom:slow:7", entered: make(chan struct{}), gate: make(chan struct{})}
	s := newTestScheduler(t, ledger)

	var fired atomic.Int32
	if _, err := s.Schedule(context.Background(), "custom:fast:8", inMillis(50*time.Millisecond), counter(&fired), "x"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Schedule(context.Background(), "custom:slow:7", inMillis(time.Hour), counter(new(atomic.Int32)), "y")
		done <- err
	}()
	<-ledger.entered

	waitFor(t, func() bool { return fired.Load() == 1 })
	_ = s.Snapshot()
	if _, ok := s.Get("custom:slow:7"); ok {
		t.Fatal("job armed before its row was stored")
	}

	close(ledger.gate)
	if err := <-done; err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, ok := s.Get("custom:slow:7"); !ok {
		t.Fatal("job not armed after its row was stored")
	}
}

func TestFiredJobPublishesEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := newTestSchedulerWith(t, Config{}, newMemLedger(), bus)

	const id = "42:1700000000000:7"
	if _, err := s.Schedule(context.Background(), id, inMillis(0), counter(new(atomic.Int32)), "x"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.ReminderFired {
				continue
			}
			ev, ok := e.Data.(FiredEvent)
			if !ok || ev.ID != id || ev.Recur {
				t.Fatalf("event data=%+v", e.Data)
			}
			return
		case <-timeout:
			t.Fatal("no fired event")
		}
	}
}

func TestStartAfterStopFiresAgain(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, newMemLedger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Start(context.Background())

	var fired atomic.Int32
	if _, err := s.Schedule(context.Background(), "custom:again:7", inMillis(0), counter(&fired), "x"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitFor(t, func() bool { return fired.Load() == 1 })
}
