package extract

import (
	"strings"

	"github.com/casegraph/casegraph/store"
	"github.com/casegraph/casegraph/vecmath"
)

// provenance matching thresholds.
const (
	provenancePrefixLen = 80
	provenanceThreshold = 0.75
	provenanceTopK      = 2
)

// matchProvenance links a node back to its originating passages:
// (1) exact substring match of the quoted source passage,
// (2) 80-char-prefix substring match,
// (3) embedding similarity over the document's passages as last resort.
// Failing all three returns nil and the node is persisted without links.
func matchProvenance(passages []store.Passage, sourcePassage string, nodeEmbedding []float32) []int64 {
	quote := strings.TrimSpace(sourcePassage)

	if quote != "" {
		for _, p := range passages {
			if strings.Contains(p.Text, quote) {
				return []int64{p.ID}
			}
		}

		prefix := quote
		if len(prefix) > provenancePrefixLen {
			prefix = prefix[:provenancePrefixLen]
		}
		for _, p := range passages {
			if strings.Contains(p.Text, prefix) {
				return []int64{p.ID}
			}
		}
	}

	if nodeEmbedding == nil {
		return nil
	}

	vecs := make([][]float32, len(passages))
	for i, p := range passages {
		vecs[i] = p.Embedding
	}
	matches := vecmath.SimilaritySearch(vecs, nil, nodeEmbedding, provenanceThreshold, provenanceTopK)
	if len(matches) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, passages[m.Index].ID)
	}
	return ids
}
