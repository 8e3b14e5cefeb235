package app

import (
	"sync/atomic"
	"time"
)

// LegState 一条腿的运行计数，主循环写，控制接口读
type LegState struct {
	running      atomic.Bool
	cycles       atomic.Int64
	fills        atomic.Int64
	hedgesOK     atomic.Int64
	hedgesFailed atomic.Int64
	timeouts     atomic.Int64
	lastFillAt   atomic.Int64
	lastErr      atomic.Value // string
}

// LegStateSnapshot LegState 的只读拷贝
type LegStateSnapshot struct {
	Running      bool      `json:"running"`
	Cycles       int64     `json:"cycles"`
	Fills        int64     `json:"fills"`
	HedgesOK     int64     `json:"hedges_ok"`
	HedgesFailed int64     `json:"hedges_failed"`
	Timeouts     int64     `json:"timeouts"`
	LastFillAt   time.Time `json:"last_fill_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

func (s *LegState) setErr(err error) {
	if err == nil {
		s.lastErr.Store("")
		return
	}
	s.lastErr.Store(err.Error())
}

func (s *LegState) markFill(t time.Time) {
	s.fills.Add(1)
	s.lastFillAt.Store(t.UnixNano())
}

func (s *LegState) Snapshot() LegStateSnapshot {
	snap := LegStateSnapshot{
		Running:      s.running.Load(),
		Cycles:       s.cycles.Load(),
		Fills:        s.fills.Load(),
		HedgesOK:     s.hedgesOK.Load(),
		HedgesFailed: s.hedgesFailed.Load(),
		Timeouts:     s.timeouts.Load(),
	}
	if ns := s.lastFillAt.Load(); ns > 0 {
		snap.LastFillAt = time.Unix(0, ns)
	}
	if v, ok := s.lastErr.Load().(string); ok {
		snap.LastError = v
	}
	return snap
}
