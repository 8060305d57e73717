// Package index keeps enrolled features in an in-memory HNSW graph so the
// recognition path can match without a database round trip.
package index

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/coder/hnsw"
)

// MaxNeighbors is the HNSW M parameter
const MaxNeighbors = 16

// Index is an identity store backed by a coder/hnsw graph.
type Index struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[int64]
	identities map[int64]types.Identity
	dim        int
}

// FeatureSource is where the index loads enrolled features from
type FeatureSource interface {
	AllFeatures(ctx context.Context) ([]store.EnrolledFeature, error)
}

func New() *Index {
	return &Index{identities: make(map[int64]types.Identity)}
}

// Load builds an index from every feature in src.
func Load(ctx context.Context, src FeatureSource) (*Index, error) {
	all, err := src.AllFeatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrolled features: %w", err)
	}
	idx := New()
	for _, e := range all {
		if err := idx.Add(e.Identity, e.Feature); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = MaxNeighbors
	g.Ml = 1.0 / float64(MaxNeighbors)
	g.Distance = hnsw.CosineDistance
	return g
}

// Add inserts one enrolled identity. All features must share one width.
func (x *Index) Add(id types.Identity, feature types.Feature) error {
	if len(feature) == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.graph == nil {
		x.graph = newGraph()
		x.dim = len(feature)
	}
	if len(feature) != x.dim {
		return fmt.Errorf("identity %d has %d dimensions, index holds %d", id.ID, len(feature), x.dim)
	}
	x.graph.Add(hnsw.MakeNode(id.ID, []float32(feature)))
	x.identities[id.ID] = id
	return nil
}

// Len returns the number of enrolled identities
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.identities)
}

// BestMatch returns the nearest enrolled identity. ok is false on an empty index.
func (x *Index) BestMatch(ctx context.Context, feature types.Feature) (types.Match, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Match{}, false, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.graph == nil {
		return types.Match{}, false, nil
	}
	if len(feature) != x.dim {
		return types.Match{}, false, fmt.Errorf("feature has %d dimensions, index holds %d", len(feature), x.dim)
	}

	neighbors := x.graph.Search([]float32(feature), 1)
	if len(neighbors) == 0 {
		return types.Match{}, false, nil
	}
	n := neighbors[0]
	return types.Match{
		Identity: x.identities[n.Key],
		Score:    CosineSimilarity(feature, n.Value),
	}, true, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 if either is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
