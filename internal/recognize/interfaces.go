package recognize

import (
	"context"

	"github.com/andresmejia3/facegate/internal/types"
)

// IdentityStore finds the enrolled identity closest to a feature.
// ok is false when nothing is enrolled.
type IdentityStore interface {
	BestMatch(ctx context.Context, feature types.Feature) (m types.Match, ok bool, err error)
}

// HighWaterStore persists the track-ID high-water mark between sessions.
type HighWaterStore interface {
	LoadHighWater(ctx context.Context, source string) (int64, error)
	SaveHighWater(ctx context.Context, source string, hw int64) error
}

// Result is one entry of the recognized-faces list
type Result struct {
	TrackID  types.TrackID
	Identity types.Identity
	Score    float64
}

// Listener receives UI notifications. Calls are made from worker goroutines
// and the frame producer; implementations must not call back into the Helper.
type Listener interface {
	NoticeChanged(id types.TrackID, notice string)
	ResultInserted(index int, r Result)
	ResultRemoved(index int, r Result)
}

// NopListener discards every notification
type NopListener struct{}

func (NopListener) NoticeChanged(types.TrackID, string) {}
func (NopListener) ResultInserted(int, Result)          {}
func (NopListener) ResultRemoved(int, Result)           {}
