package scheduler

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"animebot/internal/eventbus"
	"animebot/internal/storage"
	"animebot/internal/task/engine"
	logx "animebot/pkg/logx"
)

// ErrBadTrigger is returned for a trigger that is neither an epoch
// millisecond timestamp nor a valid cron expression.
var ErrBadTrigger = errors.New("invalid trigger")

type Config struct {
	// Timezone is the reference zone for cron expressions and day windows.
	// Empty means UTC.
	Timezone string

	// ActionTimeout bounds one execution of a fired action unless the job
	// was scheduled WithTimeout. Zero uses the task engine default.
	ActionTimeout time.Duration
}

// JobOption tunes a single scheduled job.
type JobOption func(*jobOptions)

type jobOptions struct {
	timeout    time.Duration
	hasTimeout bool
}

// WithTimeout replaces Config.ActionTimeout for one job. Sweeps that walk
// the whole catalog need far more than a single reminder send. Zero falls
// back to the task engine default.
func WithTimeout(d time.Duration) JobOption {
	return func(o *jobOptions) { o.timeout, o.hasTimeout = d, true }
}

func (s *Service) resolveOptions(opts []JobOption) jobOptions {
	o := jobOptions{timeout: s.cfg.ActionTimeout}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// FiredEvent is published each time a job hands its action to the engine.
type FiredEvent struct {
	ID      string `json:"id"`
	Trigger string `json:"trigger"`
	Recur   bool   `json:"recur"`
}

// Action is the work bound to a job id.
type Action func(ctx context.Context) error

// BuildFunc rebuilds the action for a persisted row during rehydration.
type BuildFunc func(id, trigger, text string) (Action, error)

// Ledger is the durable store the scheduler writes through.
type Ledger interface {
	UpsertJob(ctx context.Context, j storage.Job) error
	DeleteJob(ctx context.Context, id string) error
	DeleteJobIf(ctx context.Context, id, trigger string) (bool, error)
	ListJobs(ctx context.Context) ([]storage.Job, error)
}

type entry struct {
	id      string
	trigger string
	ver     uint64
	action  Action
	timeout time.Duration

	// one-shot
	at    time.Time
	timer *time.Timer

	// recurring
	cronID cron.EntryID
	state  *engine.RunState
}

func (e *entry) recurring() bool { return e.timer == nil }

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	ledger Ledger
	engine *engine.Service
	bus    eventbus.Bus

	// ids serializes ledger writes per job id; s.mu is never held across I/O.
	ids idLocks

	parser  cron.Parser
	c       *cron.Cron
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	unlink  func() bool

	seq     uint64
	entries map[string]*entry

	// Enqueue error throttling: key is job id.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

const idLockStripes = 64

type idLocks [idLockStripes]sync.Mutex

func (l *idLocks) lock(id string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &l[h.Sum32()%idLockStripes]
	m.Lock()
	return m.Unlock
}

// Handle is a read-only view of an armed job.
type Handle struct {
	ID      string
	Trigger string
	Next    time.Time
	Recur   bool

	s   *Service
	ver uint64
}

// RehydrateResult summarises a Rehydrate pass.
type RehydrateResult struct {
	Armed    int
	Skipped  int
	Internal int
}

type JobInfo struct {
	ID      string
	Trigger string
	Recur   bool
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Timezone string
	Jobs     []JobInfo
	Engine   engine.Snapshot
}
