package recognize

import (
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// Scheduler arms one-shot per-track timers. A timer whose track has been
// cancelled, or is no longer tracked when it fires, does nothing. Timers for
// an untracked track are never armed.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[types.TrackID]map[uint64]*time.Timer
	seq     uint64
	stopped bool
	tracked func(types.TrackID) bool
}

// NewScheduler creates a scheduler. tracked is consulted under the scheduler
// lock when a timer is armed and again when it fires.
func NewScheduler(tracked func(types.TrackID) bool) *Scheduler {
	return &Scheduler{
		timers:  make(map[types.TrackID]map[uint64]*time.Timer),
		tracked: tracked,
	}
}

// Schedule runs fn after delay unless id is cancelled or gone by then.
func (s *Scheduler) Schedule(id types.TrackID, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	// Callers mark a track gone before Cancel, so a check made here under s.mu
	// either sees the flag or arms a timer that Cancel then removes.
	if s.tracked != nil && !s.tracked(id) {
		return
	}
	s.seq++
	key := s.seq
	// The callback takes s.mu, so it cannot observe the map before the insert below.
	t := time.AfterFunc(delay, func() {
		if !s.claim(id, key) {
			return
		}
		if s.tracked != nil && !s.tracked(id) {
			return
		}
		fn()
	})
	m := s.timers[id]
	if m == nil {
		m = make(map[uint64]*time.Timer)
		s.timers[id] = m
	}
	m[key] = t
}

// claim removes a fired timer; false means it was cancelled first.
func (s *Scheduler) claim(id types.TrackID, key uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.timers[id]
	if !ok {
		return false
	}
	if _, ok := m[key]; !ok {
		return false
	}
	delete(m, key)
	if len(m) == 0 {
		delete(s.timers, id)
	}
	return true
}

// Cancel stops every pending timer of id.
func (s *Scheduler) Cancel(id types.TrackID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers[id] {
		t.Stop()
	}
	delete(s.timers, id)
}

// Pending returns the number of armed timers for id
func (s *Scheduler) Pending(id types.TrackID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers[id])
}

// Len returns the number of armed timers across all tracks
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.timers {
		n += len(m)
	}
	return n
}

// Stop cancels everything and refuses new timers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, m := range s.timers {
		for _, t := range m {
			t.Stop()
		}
		delete(s.timers, id)
	}
}
