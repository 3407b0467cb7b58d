package jobs

// Progress is handed to running work. Completed never decreases and Total is
// fixed by the first non-zero value reported.
type Progress struct {
	m *Manager
	e *entry
}

func (p *Progress) Update(stage string, completed, total int, message string) {
	if p == nil || p.e == nil {
		return
	}
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	if p.e.job.State.Terminal() {
		return
	}
	cur := &p.e.job.Progress
	if cur.Total == 0 && total > 0 {
		cur.Total = total
	}
	if completed > cur.Completed {
		cur.Completed = completed
	}
	if cur.Total > 0 && cur.Completed > cur.Total {
		cur.Completed = cur.Total
	}
	if stage != "" {
		cur.Stage = stage
	}
	cur.Message = message
	p.m.persist(p.e.job)
}
