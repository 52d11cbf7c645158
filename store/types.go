package store

import "time"

// Node type constants.
const (
	NodeClaim      = "claim"
	NodeEvidence   = "evidence"
	NodeAssumption = "assumption"
	NodeTension    = "tension"
)

// Edge type constants.
const (
	EdgeSupports    = "supports"
	EdgeContradicts = "contradicts"
	EdgeDependsOn   = "depends_on"
)

// Scope constants.
const (
	ScopeProject = "project"
	ScopeCase    = "case"
)

// Source type constants for nodes and edges.
const (
	SourceExtraction  = "extraction"
	SourceIntegration = "integration"
	SourceManual      = "manual"
)

// validStatuses maps each node type to its allowed status set. The first
// entry is the type default used when an unknown status is written.
var validStatuses = map[string][]string{
	NodeClaim:      {"unverified", "supported", "contested", "refuted"},
	NodeEvidence:   {"unverified", "corroborated", "disputed"},
	NodeAssumption: {"unexamined", "validated", "challenged"},
	NodeTension:    {"open", "resolved", "dismissed"},
}

// ValidNodeType reports whether t is a known node type.
func ValidNodeType(t string) bool {
	_, ok := validStatuses[t]
	return ok
}

// DefaultStatus returns the default status for a node type.
func DefaultStatus(nodeType string) string {
	if set, ok := validStatuses[nodeType]; ok {
		return set[0]
	}
	return "unverified"
}

// NormalizeStatus coerces a status outside the valid set for nodeType to the
// type default. An invalid status is rewritten silently rather than rejected;
// callers that need strictness must validate before writing.
func NormalizeStatus(nodeType, status string) string {
	set, ok := validStatuses[nodeType]
	if !ok {
		return status
	}
	for _, s := range set {
		if s == status {
			return status
		}
	}
	return set[0]
}

// ClampConfidence bounds a confidence value to [0, 1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Node is a typed argument-graph node.
type Node struct {
	ID               string         `json:"id"`
	NodeType         string         `json:"node_type"`
	Status           string         `json:"status"`
	Content          string         `json:"content"`
	Properties       map[string]any `json:"properties,omitempty"`
	ProjectID        string         `json:"project_id"`
	CaseID           string         `json:"case_id,omitempty"`
	Scope            string         `json:"scope"`
	SourceType       string         `json:"source_type"`
	SourceDocumentID string         `json:"source_document_id,omitempty"`
	Confidence       float64        `json:"confidence"`
	CreatedBy        string         `json:"created_by,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Edge is a typed relationship between two nodes. At most one edge exists
// per (source, target, edge_type) triple; re-creation updates in place.
type Edge struct {
	ID           string   `json:"id"`
	EdgeType     string   `json:"edge_type"`
	SourceNodeID string   `json:"source_node_id"`
	TargetNodeID string   `json:"target_node_id"`
	Strength     *float64 `json:"strength,omitempty"`
	Provenance   string   `json:"provenance,omitempty"`
	SourceType   string   `json:"source_type"`
}

// GraphDelta is an immutable audit record of one mutation batch.
type GraphDelta struct {
	ID                   string    `json:"id"`
	ProjectID            string    `json:"project_id"`
	Trigger              string    `json:"trigger"`
	Narrative            string    `json:"narrative"`
	NodesCreated         int       `json:"nodes_created"`
	NodesUpdated         int       `json:"nodes_updated"`
	EdgesCreated         int       `json:"edges_created"`
	TensionsSurfaced     int       `json:"tensions_surfaced"`
	AssumptionsChallenged int       `json:"assumptions_challenged"`
	SourceDocumentID     string    `json:"source_document_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Hierarchy status constants.
const (
	HierarchyBuilding = "building"
	HierarchyReady    = "ready"
	HierarchyFailed   = "failed"
)

// ClusterHierarchy is one versioned snapshot of the passage tree. Tree and
// Metadata are stored as JSON; version numbers increase monotonically per
// project and at most one snapshot per project is current.
type ClusterHierarchy struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Version   int       `json:"version"`
	Status    string    `json:"status"`
	Tree      string    `json:"tree"`
	Metadata  string    `json:"metadata"`
	IsCurrent bool      `json:"is_current"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Case node inclusion types.
const (
	InclusionAuto     = "auto"
	InclusionManual   = "manual"
	InclusionDocument = "document"
)

// CaseNodeReference links a case to a project node without copying it.
type CaseNodeReference struct {
	CaseID        string  `json:"case_id"`
	NodeID        string  `json:"node_id"`
	InclusionType string  `json:"inclusion_type"`
	Relevance     float64 `json:"relevance"`
	Excluded      bool    `json:"excluded"`
}

// Passage is a pre-chunked, pre-embedded document passage. Chunking and
// embedding happen upstream; casegraph only consumes these rows.
type Passage struct {
	ID         int64     `json:"id"`
	DocumentID string    `json:"document_id"`
	ProjectID  string    `json:"project_id"`
	Text       string    `json:"text"`
	Position   int       `json:"position"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// Job status constants.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job tracks one pipeline run (extraction, integration, hierarchy build).
// Jobs stuck in a non-terminal state past the sweep window are marked failed.
type Job struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// GraphStats aggregates graph health counters for a project.
type GraphStats struct {
	Nodes         int            `json:"nodes"`
	Edges         int            `json:"edges"`
	NodesByType   map[string]int `json:"nodes_by_type"`
	EdgesByType   map[string]int `json:"edges_by_type"`
	EmbeddedNodes int            `json:"embedded_nodes"`
	OrphanNodes   int            `json:"orphan_nodes"`
	Passages      int            `json:"passages"`
	Deltas        int            `json:"deltas"`
}
