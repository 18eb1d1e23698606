package timeout

import "sync"

// PatternMatchStats counts classifier hits per list.
type PatternMatchStats struct {
	Progress int `json:"progress"`
	Error    int `json:"error"`
}

// Stats is a read-only snapshot of lifetime counters.
type Stats struct {
	TotalCreated    int               `json:"total_created"`
	Completions     int               `json:"completions"`
	GraceRecoveries int               `json:"grace_recoveries"`
	PatternMatches  PatternMatchStats `json:"pattern_matches"`
	Terminations    map[Reason]int    `json:"terminations"`
}

// StatsRecorder accumulates counters for one or more timeouts. A session
// shares one recorder across all of its commands.
type StatsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

// NewStatsRecorder returns an empty recorder.
func NewStatsRecorder() *StatsRecorder {
	return &StatsRecorder{stats: Stats{Terminations: make(map[Reason]int)}}
}

// Snapshot returns a copy of the counters.
func (r *StatsRecorder) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Terminations = make(map[Reason]int, len(r.stats.Terminations))
	for k, v := range r.stats.Terminations {
		s.Terminations[k] = v
	}
	return s
}

func (r *StatsRecorder) update(fn func(s *Stats)) {
	r.mu.Lock()
	if r.stats.Terminations == nil {
		r.stats.Terminations = make(map[Reason]int)
	}
	fn(&r.stats)
	r.mu.Unlock()
}
