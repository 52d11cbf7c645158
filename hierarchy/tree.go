package hierarchy

// Tree levels. Passages are level 0 and appear in the tree as chunk ID
// references on their topic, not as nodes of their own.
const (
	LevelPassage = 0
	LevelTopic   = 1
	LevelTheme   = 2
	LevelRoot    = 3
)

// TreeNode is one node of the serialized passage hierarchy. Topic and theme
// nodes keep their embeddings so similarity queries against a stored
// snapshot need no recomputation.
type TreeNode struct {
	ID          string      `json:"id"`
	Level       int         `json:"level"`
	Label       string      `json:"label"`
	Summary     string      `json:"summary,omitempty"`
	Children    []*TreeNode `json:"children,omitempty"`
	ChunkIDs    []int64     `json:"chunk_ids,omitempty"`
	DocumentIDs []string    `json:"document_ids,omitempty"`
	ChunkCount  int         `json:"chunk_count"`
	CoveragePct float64     `json:"coverage_pct"`
	Embedding   []float32   `json:"embedding,omitempty"`
}

// allChunkIDs collects the chunk IDs reachable from this node.
func (n *TreeNode) allChunkIDs() []int64 {
	if len(n.Children) == 0 {
		return n.ChunkIDs
	}
	var out []int64
	for _, c := range n.Children {
		out = append(out, c.allChunkIDs()...)
	}
	return out
}

// setCoverage fills ChunkCount and CoveragePct for all descendants. Sibling
// coverage percentages sum to roughly 100.
func (n *TreeNode) setCoverage() int {
	if len(n.Children) == 0 {
		n.ChunkCount = len(n.ChunkIDs)
		return n.ChunkCount
	}
	total := 0
	for _, c := range n.Children {
		total += c.setCoverage()
	}
	n.ChunkCount = total
	for _, c := range n.Children {
		if total > 0 {
			c.CoveragePct = 100 * float64(c.ChunkCount) / float64(total)
		}
	}
	return total
}
