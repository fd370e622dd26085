package scheduler

import (
	"errors"
	"time"

	"animebot/internal/task/engine"
	logx "animebot/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(id string, err error) {
	if err == nil {
		return
	}
	// A recurring job still running from its previous tick is normal.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("job trigger skipped", logx.String("id", id), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[id] = now
	s.enqMu.Unlock()

	s.log.Warn("job failed to enqueue", logx.String("id", id), logx.Err(err))
}
