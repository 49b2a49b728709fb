package service

import (
	"sync/atomic"
	"time"
)

// State is written by the trading loop and the ticker stream and read by the
// health endpoints.
type State struct {
	ready     atomic.Bool
	startedAt time.Time

	streamConnected atomic.Bool
	lastCycleNano   atomic.Int64
	cycles          atomic.Int64
}

func NewState() *State {
	s := &State{startedAt: time.Now()}
	s.ready.Store(false)
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

func (s *State) SetStreamConnected(v bool) { s.streamConnected.Store(v) }
func (s *State) StreamConnected() bool     { return s.streamConnected.Load() }

// TouchCycle records a completed trading cycle.
func (s *State) TouchCycle(t time.Time) {
	s.lastCycleNano.Store(t.UnixNano())
	s.cycles.Add(1)
}

func (s *State) LastCycle() time.Time {
	u := s.lastCycleNano.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(0, u)
}

func (s *State) Cycles() int64 { return s.cycles.Load() }

// Stale reports whether no cycle completed within maxSilence. Before the
// first cycle the start time counts as the last one.
func (s *State) Stale(maxSilence time.Duration, now time.Time) bool {
	if maxSilence <= 0 {
		return false
	}
	last := s.LastCycle()
	if last.IsZero() {
		last = s.startedAt
	}
	return now.Sub(last) > maxSilence
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
