package extract

import (
	"log/slog"
	"strings"

	"github.com/casegraph/casegraph/store"
)

// Document role constants. Roles outside this set are coerced to "detail".
const (
	RoleThesis       = "thesis"
	RoleCoreArgument = "core_argument"
	RoleSupporting   = "supporting"
	RoleDetail       = "detail"
	RoleCounterpoint = "counterpoint"
)

var validRoles = map[string]bool{
	RoleThesis:       true,
	RoleCoreArgument: true,
	RoleSupporting:   true,
	RoleDetail:       true,
	RoleCounterpoint: true,
}

// minContentLen is the minimum candidate content length; shorter candidates
// are dropped as extraction noise.
const minContentLen = 10

// candidateNode is the shape the LLM returns for one extracted node.
type candidateNode struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Content       string         `json:"content"`
	Status        string         `json:"status,omitempty"`
	Importance    int            `json:"importance"`
	DocumentRole  string         `json:"document_role"`
	Confidence    float64        `json:"confidence"`
	SourcePassage string         `json:"source_passage,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// candidateEdge is the shape the LLM returns for one intra-document edge.
type candidateEdge struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	EdgeType string `json:"edge_type"`
}

// extractionPayload is the full tool-call result for one extraction call.
type extractionPayload struct {
	Nodes []candidateNode `json:"nodes"`
	Edges []candidateEdge `json:"edges"`
}

var validEdgeTypes = map[string]bool{
	store.EdgeSupports:    true,
	store.EdgeContradicts: true,
	store.EdgeDependsOn:   true,
}

// validateCandidates filters and normalizes raw LLM candidates. Invalid
// nodes are dropped, never raised: content under 10 chars or an unknown type
// disqualifies; status, confidence, importance, and document_role are
// corrected in place.
func validateCandidates(nodes []candidateNode, edges []candidateEdge) ([]candidateNode, []candidateEdge) {
	kept := make(map[string]bool, len(nodes))
	var outNodes []candidateNode
	for _, n := range nodes {
		n.Content = strings.TrimSpace(n.Content)
		n.Type = strings.TrimSpace(strings.ToLower(n.Type))

		if len(n.Content) < minContentLen {
			slog.Debug("extract: dropping candidate with short content", "id", n.ID)
			continue
		}
		if !store.ValidNodeType(n.Type) {
			slog.Debug("extract: dropping candidate with unknown type", "id", n.ID, "type", n.Type)
			continue
		}

		n.Status = store.NormalizeStatus(n.Type, n.Status)
		n.Confidence = store.ClampConfidence(n.Confidence)
		if n.Importance < 1 {
			n.Importance = 1
		}
		if n.Importance > 3 {
			n.Importance = 3
		}
		if !validRoles[n.DocumentRole] {
			n.DocumentRole = RoleDetail
		}

		outNodes = append(outNodes, n)
		kept[n.ID] = true
	}

	var outEdges []candidateEdge
	for _, e := range edges {
		if !validEdgeTypes[e.EdgeType] {
			continue
		}
		if !kept[e.SourceID] || !kept[e.TargetID] || e.SourceID == e.TargetID {
			continue
		}
		outEdges = append(outEdges, e)
	}
	return outNodes, outEdges
}
