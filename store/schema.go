package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimensions.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Argument graph nodes
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    node_type TEXT NOT NULL,
    status TEXT NOT NULL,
    content TEXT NOT NULL,
    properties JSON,
    project_id TEXT NOT NULL,
    case_id TEXT,
    scope TEXT NOT NULL DEFAULT 'project',
    source_type TEXT NOT NULL,
    source_document_id TEXT,
    confidence REAL NOT NULL DEFAULT 0.5,
    created_by TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Typed relationships; one row per (source, target, edge_type)
CREATE TABLE IF NOT EXISTS edges (
    id TEXT PRIMARY KEY,
    edge_type TEXT NOT NULL,
    source_node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    target_node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    strength REAL,
    provenance TEXT,
    source_type TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(source_node_id, target_node_id, edge_type)
);

-- Node embeddings via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_nodes USING vec0(
    node_id TEXT PRIMARY KEY,
    embedding float[%d]
);

-- Immutable audit records, one per extraction/integration run
CREATE TABLE IF NOT EXISTS graph_deltas (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    trigger_kind TEXT NOT NULL,
    narrative TEXT,
    nodes_created INTEGER DEFAULT 0,
    nodes_updated INTEGER DEFAULT 0,
    edges_created INTEGER DEFAULT 0,
    tensions_surfaced INTEGER DEFAULT 0,
    assumptions_challenged INTEGER DEFAULT 0,
    source_document_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Versioned passage-tree snapshots; at most one current per project
CREATE TABLE IF NOT EXISTS cluster_hierarchies (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'building',
    tree JSON,
    metadata JSON,
    is_current INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(project_id, version)
);

-- Case view composition: references, never copies
CREATE TABLE IF NOT EXISTS case_node_refs (
    case_id TEXT NOT NULL,
    node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    inclusion_type TEXT NOT NULL DEFAULT 'auto',
    relevance REAL DEFAULT 0,
    excluded INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (case_id, node_id)
);

-- Pre-chunked, pre-embedded document passages (produced upstream)
CREATE TABLE IF NOT EXISTS passages (
    id INTEGER PRIMARY KEY,
    document_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    content TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_passages USING vec0(
    passage_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Provenance links between nodes and their originating passages
CREATE TABLE IF NOT EXISTS node_passages (
    node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    passage_id INTEGER NOT NULL REFERENCES passages(id) ON DELETE CASCADE,
    PRIMARY KEY (node_id, passage_id)
);

-- Node cluster sets (for label reuse across rebuilds)
CREATE TABLE IF NOT EXISTS node_cluster_sets (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    clusters JSON NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Pipeline job tracking
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    heartbeat_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_nodes_project ON nodes(project_id);
CREATE INDEX IF NOT EXISTS idx_nodes_case ON nodes(case_id);
CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(node_type);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_node_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_node_id);
CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(edge_type);
CREATE INDEX IF NOT EXISTS idx_deltas_project ON graph_deltas(project_id);
CREATE INDEX IF NOT EXISTS idx_hierarchies_project ON cluster_hierarchies(project_id);
CREATE INDEX IF NOT EXISTS idx_passages_project ON passages(project_id);
CREATE INDEX IF NOT EXISTS idx_passages_document ON passages(document_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`, embeddingDim, embeddingDim)
}
