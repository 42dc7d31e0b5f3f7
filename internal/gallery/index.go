package gallery

import (
	"errors"
	"slices"
	"sync"

	"github.com/coder/hnsw"
)

// HNSW parameters for face galleries.
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	HNSWEfSearch = 100

	// DefaultCandidates is how many approximate neighbors are re-ranked exactly.
	DefaultCandidates = 32
)

// Index accelerates lookups in large galleries. It retrieves approximate nearest
// neighbors from an HNSW graph and re-ranks them exactly with the gallery's
// metric and match policy. Results can differ from the linear scan when the
// true nearest entry is not among the candidates.
type Index struct {
	gallery    *Gallery
	graph      *hnsw.Graph[int]
	candidates int
	mu         sync.Mutex
}

// NewIndex builds an HNSW graph over all gallery entries. distance selects the
// graph metric and should agree with the gallery's Metric.
func NewIndex(g *Gallery, distance string, candidates int) (*Index, error) {
	if g == nil || g.Len() == 0 {
		return nil, errors.New("cannot index an empty gallery")
	}
	if candidates <= 0 {
		candidates = DefaultCandidates
	}

	graph := hnsw.NewGraph[int]()
	graph.M = HNSWMaxNeighbors
	graph.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	graph.EfSearch = HNSWEfSearch
	switch distance {
	case "cosine":
		graph.Distance = hnsw.CosineDistance
	default:
		graph.Distance = hnsw.EuclideanDistance
	}

	for i, e := range g.entries {
		graph.Add(hnsw.MakeNode(i, e.Embedding))
	}

	return &Index{gallery: g, graph: graph, candidates: candidates}, nil
}

// Match implements Matcher.
func (x *Index) Match(query []float32) Result {
	if len(query) != x.gallery.dim {
		return Result{Index: -1}
	}

	x.mu.Lock()
	neighbors := x.graph.Search(query, min(x.candidates, x.gallery.Len()))
	x.mu.Unlock()

	ids := make([]int, 0, len(neighbors))
	for _, n := range neighbors {
		ids = append(ids, n.Key)
	}
	// Ascending order keeps the first-enrolled tie-break of the linear scan.
	slices.Sort(ids)
	return x.gallery.matchAmong(query, ids)
}

// Len returns the number of indexed entries.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.graph.Len()
}
