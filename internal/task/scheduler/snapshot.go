package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	tz := s.loc.String()
	jobs := make([]JobInfo, 0, len(s.entries))
	for _, e := range s.entries {
		it := JobInfo{ID: e.id, Trigger: e.trigger, Recur: e.recurring()}
		if e.recurring() {
			ce := s.c.Entry(e.cronID)
			it.Next, it.Prev = ce.Next, ce.Prev
		} else {
			it.Next = e.at
		}
		jobs = append(jobs, it)
	}
	eng := s.engine
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	snap := Snapshot{Timezone: tz, Jobs: jobs}
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
