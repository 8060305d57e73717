// Package filter gates which tracked faces are eligible for recognition on a frame.
package filter

import (
	"math"
	"sync"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/types"
)

// Candidate is one tracked face under evaluation for the current frame.
type Candidate struct {
	TrackID   types.TrackID
	Primary   types.Rect
	Secondary *types.Rect // IR-space rect, nil on single-sensor setups
	Display   types.Rect
	Pass      bool
}

// Filter clears Pass on candidates it rejects. It only ever receives candidates
// that are still passing.
type Filter interface {
	Name() string
	Filter(faces []*Candidate)
}

// Retainer is implemented by filters that keep per-track state
type Retainer interface {
	Retain(current map[types.TrackID]struct{})
}

// Pipeline runs filters in order. A candidate rejected by one stage is not
// shown to later stages.
type Pipeline struct {
	stages []Filter
}

func NewPipeline(stages ...Filter) *Pipeline {
	return &Pipeline{stages: stages}
}

// FromConfig builds the size, move and area stages. Stages whose threshold is
// zero (or whose region is nil) are left out.
func FromConfig(c config.FilterConfig) *Pipeline {
	var stages []Filter
	if c.MinFaceWidth > 0 || c.MinFaceHeight > 0 {
		stages = append(stages, &SizeFilter{MinWidth: c.MinFaceWidth, MinHeight: c.MinFaceHeight})
	}
	if c.MaxMoveDistance > 0 {
		stages = append(stages, NewMoveFilter(c.MaxMoveDistance))
	}
	if c.RecognizeArea != nil {
		stages = append(stages, &AreaFilter{Region: *c.RecognizeArea})
	}
	return NewPipeline(stages...)
}

// Run marks every candidate passing, then applies each stage to the survivors.
func (p *Pipeline) Run(faces []*Candidate) {
	live := make([]*Candidate, 0, len(faces))
	for _, f := range faces {
		f.Pass = true
		live = append(live, f)
	}
	for _, s := range p.stages {
		if len(live) == 0 {
			return
		}
		s.Filter(live)
		n := 0
		for _, f := range live {
			if f.Pass {
				live[n] = f
				n++
			}
		}
		live = live[:n]
	}
}

// Retain drops per-track state of every stateful stage for tracks not in current.
func (p *Pipeline) Retain(current map[types.TrackID]struct{}) {
	for _, s := range p.stages {
		if r, ok := s.(Retainer); ok {
			r.Retain(current)
		}
	}
}

func (p *Pipeline) Names() []string {
	out := make([]string, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.Name()
	}
	return out
}

// SizeFilter rejects faces smaller than the minimum in either sensor's rect.
type SizeFilter struct {
	MinWidth  int
	MinHeight int
}

func (f *SizeFilter) Name() string { return "size" }

func (f *SizeFilter) Filter(faces []*Candidate) {
	for _, c := range faces {
		if f.tooSmall(c.Primary) || (c.Secondary != nil && f.tooSmall(*c.Secondary)) {
			c.Pass = false
		}
	}
}

func (f *SizeFilter) tooSmall(r types.Rect) bool {
	return r.Width() < f.MinWidth || r.Height() < f.MinHeight
}

// MoveFilter rejects faces whose center jumped more than MaxDistance pixels
// since the previous frame. A track's first frame always passes.
type MoveFilter struct {
	MaxDistance float64

	mu   sync.Mutex
	last map[types.TrackID][2]float64
}

func NewMoveFilter(maxDistance float64) *MoveFilter {
	return &MoveFilter{MaxDistance: maxDistance, last: make(map[types.TrackID][2]float64)}
}

func (f *MoveFilter) Name() string { return "move" }

func (f *MoveFilter) Filter(faces []*Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		f.last = make(map[types.TrackID][2]float64)
	}
	for _, c := range faces {
		x, y := c.Primary.Center()
		if prev, ok := f.last[c.TrackID]; ok {
			if math.Hypot(x-prev[0], y-prev[1]) > f.MaxDistance {
				c.Pass = false
			}
		}
		f.last[c.TrackID] = [2]float64{x, y}
	}
}

func (f *MoveFilter) Retain(current map[types.TrackID]struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.last {
		if _, ok := current[id]; !ok {
			delete(f.last, id)
		}
	}
}

// Tracked returns how many tracks have a remembered center
func (f *MoveFilter) Tracked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.last)
}

// AreaFilter rejects faces whose display rect is not fully inside Region.
type AreaFilter struct {
	Region types.Rect
}

func (f *AreaFilter) Name() string { return "area" }

func (f *AreaFilter) Filter(faces []*Candidate) {
	for _, c := range faces {
		if !f.Region.Contains(c.Display) {
			c.Pass = false
		}
	}
}
