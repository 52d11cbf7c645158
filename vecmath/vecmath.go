// Package vecmath provides the small vector operations shared by the
// deduplication, clustering, and hierarchy code: cosine similarity,
// normalization, centroid maintenance, and ranked similarity search over an
// in-memory candidate set.
package vecmath

import (
	"math"
	"sort"
)

// Cosine returns the cosine similarity of two vectors. Mismatched or empty
// vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
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

// Normalize returns a unit-length copy of v. Zero vectors are returned as-is.
func Normalize(v []float32) []float32 {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	if n == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(n)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// Mean returns the element-wise mean of the given vectors, skipping nils.
// Returns nil when no usable vector is present.
func Mean(vecs [][]float32) []float32 {
	var sum []float64
	n := 0
	for _, v := range vecs {
		if v == nil {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(v))
		}
		if len(v) != len(sum) {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make([]float32, len(sum))
	for i, x := range sum {
		out[i] = float32(x / float64(n))
	}
	return out
}

// IncrementalMean folds x into a running mean of n prior vectors:
// new_mean = (old_mean*n + x) / (n+1).
func IncrementalMean(mean []float32, n int, x []float32) []float32 {
	if mean == nil {
		return x
	}
	if x == nil || len(x) != len(mean) {
		return mean
	}
	out := make([]float32, len(mean))
	fn := float64(n)
	for i := range mean {
		out[i] = float32((float64(mean[i])*fn + float64(x[i])) / (fn + 1))
	}
	return out
}

// MeanPairwiseCosine returns the average cosine similarity over all pairs.
// Fewer than two vectors score 1 (a trivially coherent set).
func MeanPairwiseCosine(vecs [][]float32) float64 {
	var usable [][]float32
	for _, v := range vecs {
		if v != nil {
			usable = append(usable, v)
		}
	}
	if len(usable) < 2 {
		return 1
	}
	var sum float64
	pairs := 0
	for i := 0; i < len(usable); i++ {
		for j := i + 1; j < len(usable); j++ {
			sum += Cosine(usable[i], usable[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

// MostDistantPair returns the indices of the two least-similar vectors.
// Requires at least two non-nil vectors; returns (-1, -1) otherwise.
func MostDistantPair(vecs [][]float32) (int, int) {
	bestI, bestJ := -1, -1
	best := math.Inf(1)
	for i := 0; i < len(vecs); i++ {
		if vecs[i] == nil {
			continue
		}
		for j := i + 1; j < len(vecs); j++ {
			if vecs[j] == nil {
				continue
			}
			if sim := Cosine(vecs[i], vecs[j]); sim < best {
				best = sim
				bestI, bestJ = i, j
			}
		}
	}
	return bestI, bestJ
}

// Match is one ranked result from SimilaritySearch.
type Match struct {
	Index int     // index into the candidate set
	ID    string  // candidate ID, when provided
	Score float64 // cosine similarity
}

// SimilaritySearch ranks candidates against a query vector and returns up to
// topK matches with similarity >= threshold, best first. ids may be nil; when
// present it must correspond to candidates by index.
func SimilaritySearch(candidates [][]float32, ids []string, query []float32, threshold float64, topK int) []Match {
	var matches []Match
	for i, c := range candidates {
		if c == nil {
			continue
		}
		score := Cosine(c, query)
		if score < threshold {
			continue
		}
		m := Match{Index: i, Score: score}
		if ids != nil && i < len(ids) {
			m.ID = ids[i]
		}
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}
