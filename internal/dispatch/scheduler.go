package dispatch

// Scheduler sizes the batches of one request. It is owned by the
// orchestrator goroutine and is not safe for concurrent use.
type Scheduler struct {
	current int
	step    int
	ceiling int
}

// NewScheduler starts at min(initial, total) concurrency. A ceiling below
// that starting value is raised to it.
func NewScheduler(initial, step, ceiling, total int) *Scheduler {
	cur := min(initial, total)
	if cur < 1 {
		cur = 1
	}
	if ceiling < cur {
		ceiling = cur
	}
	return &Scheduler{current: cur, step: max(step, 0), ceiling: ceiling}
}

// Current returns the batch size the next call to Next will use.
func (s *Scheduler) Current() int { return s.current }

// Next splits candidates into the next batch and the remainder. An empty
// batch means the candidates are exhausted.
func (s *Scheduler) Next(candidates []string) (batch, rest []string) {
	n := min(s.current, len(candidates))
	return candidates[:n:n], candidates[n:]
}

// Escalate raises the concurrency after a fully failed batch.
func (s *Scheduler) Escalate() int {
	s.current = min(s.current+s.step, s.ceiling)
	return s.current
}
