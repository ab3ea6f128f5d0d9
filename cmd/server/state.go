//go:build linux || darwin

package main

import (
	"sync"
	"time"

	"github.com/matst80/procwrap/internal/relay"
	"github.com/matst80/procwrap/internal/session"
)

// serverState tracks readiness and session counters for the health and
// dashboard endpoints. Sessions themselves share nothing through it.
type serverState struct {
	mu        sync.Mutex
	closing   bool
	ready     bool
	started   time.Time
	active    int
	total     int64
	powFailed int64
	throttled int64
	timeouts  int64
	cancels   int64
	errors    int64
}

func newServerState() *serverState {
	return &serverState{started: time.Now()}
}

func (s *serverState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *serverState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *serverState) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *serverState) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *serverState) sessionStarted() {
	s.mu.Lock()
	s.active++
	s.total++
	s.mu.Unlock()
}

// sessionEnded folds one finished session into the counters.
func (s *serverState) sessionEnded(sum session.Summary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if err != nil {
		s.errors++
	}
	switch sum.Stage {
	case session.StagePow:
		if !sum.Pow.Passed {
			s.powFailed++
		}
	case session.StageThrottled:
		s.throttled++
	case session.StageRelay:
		switch sum.Outcome {
		case relay.Timeout:
			s.timeouts++
		case relay.ClientCancel:
			s.cancels++
		}
	}
}

func (s *serverState) activeSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
