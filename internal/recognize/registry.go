package recognize

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// Info is the recognition state of one tracked face. Every transition goes
// through a method that holds the entry's own lock, so the registry never
// needs a global one.
type Info struct {
	id types.TrackID

	mu              sync.Mutex
	status          types.RecognizeStatus
	liveness        types.Liveness
	extractRetries  int
	livenessRetries int
	name            string
	notice          string
	gone            bool
	changed         chan struct{} // closed and replaced on every change
}

// State is a copy of an Info taken under its lock
type State struct {
	Status          types.RecognizeStatus
	Liveness        types.Liveness
	ExtractRetries  int
	LivenessRetries int
	Name            string
	Notice          string
	Gone            bool
}

func newInfo(id types.TrackID) *Info {
	return &Info{
		id:       id,
		status:   types.StatusToRetry,
		liveness: types.LivenessUnknown,
		changed:  make(chan struct{}),
	}
}

func (i *Info) ID() types.TrackID { return i.id }

func (i *Info) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return State{
		Status:          i.status,
		Liveness:        i.liveness,
		ExtractRetries:  i.extractRetries,
		LivenessRetries: i.livenessRetries,
		Name:            i.name,
		Notice:          i.notice,
		Gone:            i.gone,
	}
}

// notifyLocked wakes every waiter. Caller holds i.mu.
func (i *Info) notifyLocked() {
	close(i.changed)
	i.changed = make(chan struct{})
}

func (i *Info) Gone() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.gone
}

// markGone flags the entry as evicted and wakes any parked worker.
func (i *Info) markGone() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gone {
		return
	}
	i.gone = true
	i.notifyLocked()
}

// tryStartSearch moves ToRetry to Searching. Only the caller that gets true may dispatch.
func (i *Info) tryStartSearch() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gone || i.status != types.StatusToRetry {
		return false
	}
	i.status = types.StatusSearching
	return true
}

// tryStartLiveness moves Unknown to Analyzing for faces not yet recognized.
func (i *Info) tryStartLiveness() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gone || i.status == types.StatusSucceeded || i.liveness != types.LivenessUnknown {
		return false
	}
	i.liveness = types.LivenessAnalyzing
	i.notifyLocked()
	return true
}

// setLiveness records a verdict from a completed check.
func (i *Info) setLiveness(l types.Liveness) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gone {
		return false
	}
	i.liveness = l
	i.livenessRetries = 0
	i.notifyLocked()
	return true
}

// livenessFailed counts an engine error. It reports true when the budget is
// exhausted, in which case the counter is reset and the verdict becomes Failed.
func (i *Info) livenessFailed(max int) (escalate, ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gone {
		return false, false
	}
	defer i.notifyLocked()
	if i.livenessRetries >= max {
		i.livenessRetries = 0
		i.liveness = types.LivenessFailed
		return true, true
	}
	i.livenessRetries++
	i.liveness = types.LivenessUnknown
	return false, true
}

// resetLiveness re-arms a rejected or failed verdict for another check.
func (i *Info) resetLiveness() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gone || !(i.liveness.Rejected() || i.liveness == types.LivenessFailed) {
		return false
	}
	i.liveness = types.LivenessUnknown
	i.notifyLocked()
	return true
}

// extractFailed counts a feature-path error. On the error after max retries
// it resets the counter and reports escalate; otherwise the face returns to
// ToRetry for redispatch.
func (i *Info) extractFailed(max int) (escalate, ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gone {
		return false, false
	}
	if i.extractRetries >= max {
		i.extractRetries = 0
		return true, true
	}
	i.extractRetries++
	i.status = types.StatusToRetry
	return false, true
}

// fail enters the backoff state and labels the face as a visitor.
func (i *Info) fail() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gone || i.status == types.StatusSucceeded {
		return false
	}
	i.status = types.StatusFailed
	i.name = fmt.Sprintf("VISITOR %d", i.id)
	i.notifyLocked()
	return true
}

// retry ends a backoff.
func (i *Info) retry() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gone || i.status != types.StatusFailed {
		return false
	}
	i.status = types.StatusToRetry
	return true
}

// requeue returns a searching face to ToRetry without counting an error.
func (i *Info) requeue() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gone || i.status != types.StatusSearching {
		return false
	}
	i.status = types.StatusToRetry
	return true
}

func (i *Info) succeed(name string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gone || i.status != types.StatusSearching {
		return false
	}
	i.status = types.StatusSucceeded
	i.name = name
	i.extractRetries = 0
	i.notifyLocked()
	return true
}

func (i *Info) setNotice(n string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gone {
		return false
	}
	i.notice = n
	return true
}

// clearNotice clears the notice only if it is still n.
func (i *Info) clearNotice(n string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.gone || i.notice != n {
		return false
	}
	i.notice = ""
	return true
}

type waitResult int

const (
	waitAlive waitResult = iota
	waitGone
	waitTimeout
	waitCanceled
)

// waitAlive parks until liveness is Alive, the entry is evicted, timeout
// elapses (0 means no timeout) or ctx is done.
func (i *Info) waitAlive(ctx context.Context, timeout time.Duration) waitResult {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		i.mu.Lock()
		if i.gone {
			i.mu.Unlock()
			return waitGone
		}
		if i.liveness == types.LivenessAlive {
			i.mu.Unlock()
			return waitAlive
		}
		ch := i.changed
		i.mu.Unlock()

		select {
		case <-ch:
		case <-expired:
			return waitTimeout
		case <-ctx.Done():
			return waitCanceled
		}
	}
}

// Registry maps track IDs to their Info. It is safe for concurrent use by the
// frame producer and both worker pools.
type Registry struct {
	m sync.Map // types.TrackID -> *Info
	n atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{}
}

// GetOrCreate returns the entry for id, creating it on first reference.
func (r *Registry) GetOrCreate(id types.TrackID) *Info {
	if v, ok := r.m.Load(id); ok {
		return v.(*Info)
	}
	v, loaded := r.m.LoadOrStore(id, newInfo(id))
	if !loaded {
		r.n.Add(1)
	}
	return v.(*Info)
}

func (r *Registry) Get(id types.TrackID) (*Info, bool) {
	v, ok := r.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Info), true
}

// Contains reports whether info is still the registered entry for its track.
func (r *Registry) Contains(info *Info) bool {
	v, ok := r.m.Load(info.id)
	return ok && v.(*Info) == info
}

// Remove deletes info if it is still the registered entry for its track.
func (r *Registry) Remove(info *Info) bool {
	if r.m.CompareAndDelete(info.id, info) {
		r.n.Add(-1)
		return true
	}
	return false
}

func (r *Registry) Range(fn func(*Info) bool) {
	r.m.Range(func(_, v any) bool {
		return fn(v.(*Info))
	})
}

func (r *Registry) Len() int {
	return int(r.n.Load())
}
