package gallery

import "math"

// Metric measures embedding distance and decides whether two embeddings are
// close enough to be the same person. Compatible is evaluated on its own and is
// not derived from the minimum search.
type Metric interface {
	Distance(a, b []float32) float64
	Compatible(a, b []float32) bool
}

// DefaultEuclideanTolerance is the face_recognition library's compare tolerance.
const DefaultEuclideanTolerance = 0.6

// DefaultCosineMaxDistance is the default maximum cosine distance for a match.
const DefaultCosineMaxDistance = 0.5

// Euclidean is the L2 metric used by dlib style 128-d encodings.
type Euclidean struct {
	Tolerance float64
}

// Distance returns the L2 distance, or +Inf for vectors of different length.
func (m Euclidean) Distance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Compatible reports whether the distance is within tolerance.
func (m Euclidean) Compatible(a, b []float32) bool {
	return m.Distance(a, b) <= m.tolerance()
}

func (m Euclidean) tolerance() float64 {
	if m.Tolerance <= 0 {
		return DefaultEuclideanTolerance
	}
	return m.Tolerance
}

// Cosine is the cosine distance metric used by ArcFace style embeddings.
type Cosine struct {
	MaxDistance float64
}

// Distance computes the cosine distance between two vectors.
// Returns a value between 0 (identical) and 2 (opposite).
func (m Cosine) Distance(a, b []float32) float64 {
	return CosineDistance(a, b)
}

// Compatible reports whether the cosine distance is within MaxDistance.
func (m Cosine) Compatible(a, b []float32) bool {
	limit := m.MaxDistance
	if limit <= 0 {
		limit = DefaultCosineMaxDistance
	}
	return CosineDistance(a, b) <= limit
}

// CosineDistance computes 1 - cosine similarity.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0 // Maximum distance for invalid input
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 2.0
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	similarity = max(-1, min(1, similarity))

	return 1 - similarity
}

// MetricByName returns the metric for a configured name with the given threshold.
// Unknown names return nil.
func MetricByName(name string, threshold float64) Metric {
	switch name {
	case "", "euclidean", "l2":
		return Euclidean{Tolerance: threshold}
	case "cosine":
		return Cosine{MaxDistance: threshold}
	default:
		return nil
	}
}
