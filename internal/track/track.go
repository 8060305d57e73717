// Package track turns per-frame engine detections into session-stable track IDs.
package track

import (
	"sync"

	"github.com/andresmejia3/facegate/internal/types"
)

// Assign maps detections to track IDs offset by base.
// In single-face mode only the largest detection is kept.
// highWater is base + max(FaceID) + 1, or base when dets is empty.
func Assign(dets []types.Detection, base int64, singleFace bool) ([]types.Detection, []types.TrackID, int64) {
	if len(dets) == 0 {
		return nil, nil, base
	}
	if singleFace {
		dets = []types.Detection{Largest(dets)}
	}

	ids := make([]types.TrackID, len(dets))
	maxFace := dets[0].FaceID
	for i, d := range dets {
		ids[i] = int64(d.FaceID) + base
		if d.FaceID > maxFace {
			maxFace = d.FaceID
		}
	}
	return dets, ids, base + int64(maxFace) + 1
}

// Largest returns the detection with the largest area. Ties keep the first one.
func Largest(dets []types.Detection) types.Detection {
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Rect.Area() > best.Rect.Area() {
			best = d
		}
	}
	return best
}

// Assigner applies Assign with a fixed session base and remembers the
// highest mark seen so it can be persisted at teardown.
type Assigner struct {
	mu         sync.Mutex
	base       int64
	highWater  int64
	singleFace bool
}

func NewAssigner(base int64, singleFace bool) *Assigner {
	return &Assigner{base: base, highWater: base, singleFace: singleFace}
}

func (a *Assigner) Assign(dets []types.Detection) ([]types.Detection, []types.TrackID) {
	out, ids, hw := Assign(dets, a.base, a.singleFace)
	a.mu.Lock()
	if hw > a.highWater {
		a.highWater = hw
	}
	a.mu.Unlock()
	return out, ids
}

// Base is the high-water mark the session started from
func (a *Assigner) Base() int64 { return a.base }

// HighWater is the value to persist so the next session starts past every ID used here
func (a *Assigner) HighWater() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highWater
}
