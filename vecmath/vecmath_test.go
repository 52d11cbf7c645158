package vecmath

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched lengths", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); !almostEqual(got, tt.want) {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	if !almostEqual(float64(v[0]), 0.6) || !almostEqual(float64(v[1]), 0.8) {
		t.Errorf("Normalize(3,4) = %v", v)
	}

	zero := []float32{0, 0}
	if got := Normalize(zero); got[0] != 0 || got[1] != 0 {
		t.Errorf("zero vector changed: %v", got)
	}
}

func TestMean(t *testing.T) {
	got := Mean([][]float32{{1, 2}, nil, {3, 4}})
	if got[0] != 2 || got[1] != 3 {
		t.Errorf("Mean = %v, want [2 3]", got)
	}
	if Mean(nil) != nil {
		t.Error("Mean of nothing should be nil")
	}
}

func TestIncrementalMeanMatchesFullMean(t *testing.T) {
	vecs := [][]float32{{1, 0}, {0, 1}, {2, 2}, {3, -1}}

	mean := vecs[0]
	for i := 1; i < len(vecs); i++ {
		mean = IncrementalMean(mean, i, vecs[i])
	}
	full := Mean(vecs)
	for i := range full {
		if !almostEqual(float64(mean[i]), float64(full[i])) {
			t.Fatalf("incremental %v != full %v", mean, full)
		}
	}
}

func TestMeanPairwiseCosine(t *testing.T) {
	if got := MeanPairwiseCosine([][]float32{{1, 0}}); got != 1 {
		t.Errorf("single vector = %v, want 1", got)
	}
	got := MeanPairwiseCosine([][]float32{{1, 0}, {0, 1}})
	if !almostEqual(got, 0) {
		t.Errorf("orthogonal pair = %v, want 0", got)
	}
}

func TestMostDistantPair(t *testing.T) {
	vecs := [][]float32{{1, 0}, {0.9, 0.1}, {-1, 0}}
	i, j := MostDistantPair(vecs)
	if i != 0 || j != 2 {
		t.Errorf("MostDistantPair = (%d, %d), want (0, 2)", i, j)
	}

	i, j = MostDistantPair([][]float32{{1, 0}})
	if i != -1 || j != -1 {
		t.Errorf("single vector = (%d, %d), want (-1, -1)", i, j)
	}
}

func TestSimilaritySearch(t *testing.T) {
	candidates := [][]float32{
		{1, 0},
		{0.7, 0.7},
		{0, 1},
		nil,
	}
	ids := []string{"a", "b", "c", "d"}

	matches := SimilaritySearch(candidates, ids, []float32{1, 0}, 0.5, 10)
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].ID != "a" || matches[1].ID != "b" {
		t.Errorf("order = %s, %s, want a, b", matches[0].ID, matches[1].ID)
	}
	if matches[0].Score < matches[1].Score {
		t.Error("results not sorted best first")
	}

	top1 := SimilaritySearch(candidates, ids, []float32{1, 0}, 0.5, 1)
	if len(top1) != 1 || top1[0].ID != "a" {
		t.Errorf("topK=1: %v", top1)
	}
}
