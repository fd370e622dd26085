package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"animebot/internal/eventbus"
	"animebot/internal/observability/metrics"
	"animebot/internal/task/engine"
	logx "animebot/pkg/logx"
)

// New builds a stopped scheduler. bus may be nil.
func New(cfg Config, ledger Ledger, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		ledger: ledger,
		engine: eng,
		bus:    bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries:     map[string]*entry{},
		lastEnqWarn: map[string]time.Time{},
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Location is the reference time zone for cron expressions and day windows.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Start begins cron ticking. One-shot timers run from the moment they are
// armed; fired actions still need a started task engine. Canceling ctx
// abandons pending hand-offs to the engine the same way Stop does. A
// stopped scheduler can be started again.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.unlink = context.AfterFunc(ctx, s.cancel)
	s.running = true
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("armed", len(s.entries)))
}

// Stop halts cron ticking and disarms every timer. Ledger rows stay, so
// the next Rehydrate picks them up again.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	wasRunning := s.running
	s.running = false
	for id := range s.entries {
		s.disarmLocked(id)
	}
	s.cancel()
	if s.unlink != nil {
		s.unlink()
		s.unlink = nil
	}
	s.mu.Unlock()

	if wasRunning {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) setArmedGaugeLocked() {
	metrics.JobsArmed.Set(float64(len(s.entries)))
}
