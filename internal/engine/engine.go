// Package engine defines the face-recognition engine boundary used by the
// recognition pipeline. Implementations are opaque and not assumed to be safe
// for concurrent use; Locked serializes calls per engine instance.
package engine

import (
	"sync"

	"github.com/andresmejia3/facegate/internal/types"
)

// Engine is the recognition engine facade.
type Engine interface {
	Detect(frame types.Frame) ([]types.Detection, error)
	ExtractFeature(frame types.Frame, det types.Detection, mode types.FeatureMode) (types.Feature, error)
	CheckLiveness(frame types.Frame, det types.Detection, modality types.Modality) (types.Liveness, error)
	Close() error
}

// Locked funnels every call into one engine instance through a single mutex.
// Wrap each instance once and share the wrapper between all callers.
type Locked struct {
	mu  sync.Mutex
	eng Engine
}

func NewLocked(eng Engine) *Locked {
	if l, ok := eng.(*Locked); ok {
		return l
	}
	return &Locked{eng: eng}
}

func (l *Locked) Detect(frame types.Frame) ([]types.Detection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eng.Detect(frame)
}

func (l *Locked) ExtractFeature(frame types.Frame, det types.Detection, mode types.FeatureMode) (types.Feature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eng.ExtractFeature(frame, det, mode)
}

func (l *Locked) CheckLiveness(frame types.Frame, det types.Detection, modality types.Modality) (types.Liveness, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eng.CheckLiveness(frame, det, modality)
}

func (l *Locked) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eng.Close()
}
