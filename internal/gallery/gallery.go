// Package gallery matches face embeddings against the enrolled identities.
package gallery

import (
	"errors"
	"fmt"
	"math"
)

// Entry is one enrolled embedding. An identity may have several entries.
type Entry struct {
	IdentityID string    `json:"identity_id"`
	Embedding  []float32 `json:"embedding"`
}

// Result is the outcome of a gallery lookup. Matched is false for NO_MATCH.
type Result struct {
	IdentityID string
	Distance   float64
	Index      int
	Matched    bool
}

// Matcher is the lookup contract the pipeline depends on.
type Matcher interface {
	Match(query []float32) Result
}

// Options tune the matching policy.
type Options struct {
	// MinMargin, when positive, rejects a match if an entry of a different
	// identity lies within MinMargin of the best distance.
	MinMargin float64
}

// Gallery is an immutable set of enrolled embeddings searched linearly.
type Gallery struct {
	entries []Entry
	metric  Metric
	opts    Options
	dim     int
}

// New builds a gallery. All embeddings must share one non-zero dimension.
func New(entries []Entry, metric Metric, opts Options) (*Gallery, error) {
	if metric == nil {
		return nil, errors.New("gallery metric is required")
	}
	dim := 0
	copied := make([]Entry, len(entries))
	for i, e := range entries {
		if e.IdentityID == "" {
			return nil, fmt.Errorf("entry %d has no identity id", i)
		}
		if len(e.Embedding) == 0 {
			return nil, fmt.Errorf("entry %d (%s) has an empty embedding", i, e.IdentityID)
		}
		if dim == 0 {
			dim = len(e.Embedding)
		} else if len(e.Embedding) != dim {
			return nil, fmt.Errorf("entry %d (%s) has dimension %d, expected %d", i, e.IdentityID, len(e.Embedding), dim)
		}
		emb := make([]float32, len(e.Embedding))
		copy(emb, e.Embedding)
		copied[i] = Entry{IdentityID: e.IdentityID, Embedding: emb}
	}
	return &Gallery{entries: copied, metric: metric, opts: opts, dim: dim}, nil
}

// Len returns the number of enrolled embeddings.
func (g *Gallery) Len() int {
	return len(g.entries)
}

// Dim returns the embedding dimension, 0 for an empty gallery.
func (g *Gallery) Dim() int {
	return g.dim
}

// Entries returns a copy of the gallery entries in enrollment order.
func (g *Gallery) Entries() []Entry {
	out := make([]Entry, len(g.entries))
	copy(out, g.entries)
	return out
}

// Identities returns the distinct identity IDs in enrollment order.
func (g *Gallery) Identities() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range g.entries {
		if !seen[e.IdentityID] {
			seen[e.IdentityID] = true
			ids = append(ids, e.IdentityID)
		}
	}
	return ids
}

// Match finds the nearest enrolled embedding. The first entry wins on equal
// distances. The nearest entry is accepted only if the metric's compatibility
// test also holds for it.
func (g *Gallery) Match(query []float32) Result {
	candidates := make([]int, len(g.entries))
	for i := range candidates {
		candidates[i] = i
	}
	return g.matchAmong(query, candidates)
}

// matchAmong runs the match policy over a subset of entry indices, which must be
// in ascending order so the tie-break stays "first enrolled wins".
func (g *Gallery) matchAmong(query []float32, candidates []int) Result {
	best := -1
	bestDist := math.Inf(1)
	for _, i := range candidates {
		d := g.metric.Distance(query, g.entries[i].Embedding)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return Result{Index: -1, Distance: bestDist}
	}

	res := Result{
		IdentityID: g.entries[best].IdentityID,
		Distance:   bestDist,
		Index:      best,
	}
	if !g.metric.Compatible(query, g.entries[best].Embedding) {
		return res
	}
	if g.opts.MinMargin > 0 && g.ambiguous(query, candidates, best, bestDist) {
		return res
	}
	res.Matched = true
	return res
}

func (g *Gallery) ambiguous(query []float32, candidates []int, best int, bestDist float64) bool {
	winner := g.entries[best].IdentityID
	for _, i := range candidates {
		if i == best || g.entries[i].IdentityID == winner {
			continue
		}
		if g.metric.Distance(query, g.entries[i].Embedding)-bestDist < g.opts.MinMargin {
			return true
		}
	}
	return false
}
