package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Store wraps the SQLite database for all casegraph persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Node operations ---

// CreateNode persists a node, generating an ID if absent. An out-of-domain
// status for the node type is coerced to the type default, and confidence is
// clamped to [0, 1]; invalid writes are corrected, not rejected.
func (s *Store) CreateNode(ctx context.Context, n Node) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if !ValidNodeType(n.NodeType) {
		return "", fmt.Errorf("unknown node type: %s", n.NodeType)
	}
	n.Status = NormalizeStatus(n.NodeType, n.Status)
	n.Confidence = ClampConfidence(n.Confidence)
	if n.Scope == "" {
		if n.CaseID != "" {
			n.Scope = ScopeCase
		} else {
			n.Scope = ScopeProject
		}
	}

	props, err := marshalProps(n.Properties)
	if err != nil {
		return "", fmt.Errorf("marshalling properties: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, node_type, status, content, properties, project_id,
			case_id, scope, source_type, source_document_id, confidence, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.NodeType, n.Status, n.Content, props, n.ProjectID,
		nullStr(n.CaseID), n.Scope, n.SourceType, nullStr(n.SourceDocumentID),
		n.Confidence, nullStr(n.CreatedBy))
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

// GetNode retrieves a node by ID.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, nodeSelect+" WHERE id = ?", id)
	return scanNode(row)
}

// GetNodes retrieves nodes by ID, skipping unknown IDs.
func (s *Store) GetNodes(ctx context.Context, ids []string) ([]Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := nodeSelect + " WHERE id IN (?" + repeatPlaceholders(len(ids)-1) + ")"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryNodes(ctx, query, args...)
}

// ProjectNodes returns all project-scoped and case-scoped nodes for a project.
func (s *Store) ProjectNodes(ctx context.Context, projectID string) ([]Node, error) {
	return s.queryNodes(ctx, nodeSelect+" WHERE project_id = ? ORDER BY created_at", projectID)
}

// CaseVisibleNodes returns the node set visible to a case: its own case-scoped
// nodes plus project nodes referenced into the case and not excluded.
func (s *Store) CaseVisibleNodes(ctx context.Context, caseID string) ([]Node, error) {
	return s.queryNodes(ctx, nodeSelect+`
		WHERE case_id = ?
		UNION
		`+nodeSelect+`
		WHERE id IN (
			SELECT node_id FROM case_node_refs WHERE case_id = ? AND excluded = 0
		)`, caseID, caseID)
}

// UpdateNodeStatus sets a node's status, coercing out-of-domain values to the
// type default. Returns the stored status.
func (s *Store) UpdateNodeStatus(ctx context.Context, id, status string) (string, error) {
	n, err := s.GetNode(ctx, id)
	if err != nil {
		return "", err
	}
	status = NormalizeStatus(n.NodeType, status)
	_, err = s.db.ExecContext(ctx,
		"UPDATE nodes SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, id)
	return status, err
}

// UpdateNodeProperties replaces a node's property map.
func (s *Store) UpdateNodeProperties(ctx context.Context, id string, props map[string]any) error {
	data, err := marshalProps(props)
	if err != nil {
		return fmt.Errorf("marshalling properties: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE nodes SET properties = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		data, id)
	return err
}

// DeleteNode removes a node, cascading to its edges, embedding, provenance
// links, and case references.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM edges WHERE source_node_id = ? OR target_node_id = ?", id, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_nodes WHERE node_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM node_passages WHERE node_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM case_node_refs WHERE node_id = ?", id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", id)
		return err
	})
}

// --- Node embeddings ---

// SetNodeEmbedding stores (or replaces) the embedding for a node.
func (s *Store) SetNodeEmbedding(ctx context.Context, nodeID string, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_nodes (node_id, embedding) VALUES (?, ?)",
		nodeID, serializeFloat32(embedding))
	return err
}

// NodeEmbeddings returns embeddings for the given node IDs. Nodes without an
// embedding are absent from the result map.
func (s *Store) NodeEmbeddings(ctx context.Context, ids []string) (map[string][]float32, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := "SELECT node_id, embedding FROM vec_nodes WHERE node_id IN (?" +
		repeatPlaceholders(len(ids)-1) + ")"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		out[id] = deserializeFloat32(blob)
	}
	return out, rows.Err()
}

// --- Edge operations ---

// UpsertEdge creates an edge or, when the (source, target, edge_type) triple
// already exists, updates strength and provenance in place. Returns the edge
// ID and whether a new row was created.
func (s *Store) UpsertEdge(ctx context.Context, e Edge) (string, bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	var existing string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM edges
		WHERE source_node_id = ? AND target_node_id = ? AND edge_type = ?
	`, e.SourceNodeID, e.TargetNodeID, e.EdgeType).Scan(&existing)

	switch {
	case err == sql.ErrNoRows:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO edges (id, edge_type, source_node_id, target_node_id, strength, provenance, source_type)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.EdgeType, e.SourceNodeID, e.TargetNodeID, e.Strength, e.Provenance, e.SourceType)
		if err != nil {
			return "", false, err
		}
		return e.ID, true, nil
	case err != nil:
		return "", false, err
	default:
		_, err := s.db.ExecContext(ctx, `
			UPDATE edges SET strength = COALESCE(?, strength),
				provenance = CASE WHEN ? != '' THEN ? ELSE provenance END
			WHERE id = ?
		`, e.Strength, e.Provenance, e.Provenance, existing)
		return existing, false, err
	}
}

// ProjectEdges returns edges whose endpoints both belong to the project,
// optionally filtered to a set of edge types.
func (s *Store) ProjectEdges(ctx context.Context, projectID string, edgeTypes ...string) ([]Edge, error) {
	query := `
		SELECT e.id, e.edge_type, e.source_node_id, e.target_node_id, e.strength, e.provenance, e.source_type
		FROM edges e
		JOIN nodes src ON src.id = e.source_node_id
		WHERE src.project_id = ?`
	args := []any{projectID}
	if len(edgeTypes) > 0 {
		query += " AND e.edge_type IN (?" + repeatPlaceholders(len(edgeTypes)-1) + ")"
		for _, t := range edgeTypes {
			args = append(args, t)
		}
	}
	return s.queryEdges(ctx, query, args...)
}

// EdgesTouching returns all edges with either endpoint in the given node set.
func (s *Store) EdgesTouching(ctx context.Context, nodeIDs []string) ([]Edge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	ph := "?" + repeatPlaceholders(len(nodeIDs)-1)
	query := `
		SELECT id, edge_type, source_node_id, target_node_id, strength, provenance, source_type
		FROM edges
		WHERE source_node_id IN (` + ph + `) OR target_node_id IN (` + ph + `)`
	args := make([]any, 0, len(nodeIDs)*2)
	for _, id := range nodeIDs {
		args = append(args, id)
	}
	for _, id := range nodeIDs {
		args = append(args, id)
	}
	return s.queryEdges(ctx, query, args...)
}

// --- Case references ---

// UpsertCaseNodeReference records (or updates) a case's reference to a
// project node. Uniqueness on (case, node).
func (s *Store) UpsertCaseNodeReference(ctx context.Context, r CaseNodeReference) error {
	if r.InclusionType == "" {
		r.InclusionType = InclusionAuto
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO case_node_refs (case_id, node_id, inclusion_type, relevance, excluded)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(case_id, node_id) DO UPDATE SET
			inclusion_type = excluded.inclusion_type,
			relevance = excluded.relevance,
			excluded = excluded.excluded
	`, r.CaseID, r.NodeID, r.InclusionType, r.Relevance, boolInt(r.Excluded))
	return err
}

// --- Delta recorder ---

// RecordDelta writes an immutable audit record for one mutation batch.
func (s *Store) RecordDelta(ctx context.Context, d GraphDelta) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_deltas (id, project_id, trigger_kind, narrative, nodes_created,
			nodes_updated, edges_created, tensions_surfaced, assumptions_challenged, source_document_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.ProjectID, d.Trigger, d.Narrative, d.NodesCreated, d.NodesUpdated,
		d.EdgesCreated, d.TensionsSurfaced, d.AssumptionsChallenged, nullStr(d.SourceDocumentID))
	return d.ID, err
}

// ListDeltas returns a project's deltas, newest first.
func (s *Store) ListDeltas(ctx context.Context, projectID string, limit int) ([]GraphDelta, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, trigger_kind, COALESCE(narrative, ''), nodes_created,
			nodes_updated, edges_created, tensions_surfaced, assumptions_challenged,
			COALESCE(source_document_id, ''), created_at
		FROM graph_deltas WHERE project_id = ? ORDER BY created_at DESC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deltas []GraphDelta
	for rows.Next() {
		var d GraphDelta
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Trigger, &d.Narrative,
			&d.NodesCreated, &d.NodesUpdated, &d.EdgesCreated,
			&d.TensionsSurfaced, &d.AssumptionsChallenged,
			&d.SourceDocumentID, &d.CreatedAt); err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}

// --- Health aggregation ---

// Stats aggregates graph health counters for a project.
func (s *Store) Stats(ctx context.Context, projectID string) (*GraphStats, error) {
	stats := &GraphStats{
		NodesByType: make(map[string]int),
		EdgesByType: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT node_type, COUNT(*) FROM nodes WHERE project_id = ? GROUP BY node_type", projectID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.NodesByType[t] = n
		stats.Nodes += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT e.edge_type, COUNT(*) FROM edges e
		JOIN nodes src ON src.id = e.source_node_id
		WHERE src.project_id = ? GROUP BY e.edge_type`, projectID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.EdgesByType[t] = n
		stats.Edges += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM vec_nodes v JOIN nodes n ON n.id = v.node_id WHERE n.project_id = ?`, &stats.EmbeddedNodes},
		{`SELECT COUNT(*) FROM nodes n WHERE n.project_id = ?
			AND NOT EXISTS (SELECT 1 FROM edges e WHERE e.source_node_id = n.id OR e.target_node_id = n.id)`, &stats.OrphanNodes},
		{`SELECT COUNT(*) FROM passages WHERE project_id = ?`, &stats.Passages},
		{`SELECT COUNT(*) FROM graph_deltas WHERE project_id = ?`, &stats.Deltas},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, projectID).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting: %w", err)
		}
	}
	return stats, nil
}

// --- helpers ---

const nodeSelect = `
	SELECT id, node_type, status, content, properties, project_id,
		COALESCE(case_id, ''), scope, source_type, COALESCE(source_document_id, ''),
		confidence, COALESCE(created_by, ''), created_at, updated_at
	FROM nodes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var props sql.NullString
	if err := row.Scan(&n.ID, &n.NodeType, &n.Status, &n.Content, &props,
		&n.ProjectID, &n.CaseID, &n.Scope, &n.SourceType, &n.SourceDocumentID,
		&n.Confidence, &n.CreatedBy, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &n.Properties); err != nil {
			return nil, fmt.Errorf("parsing properties for node %s: %w", n.ID, err)
		}
	}
	return &n, nil
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...any) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

func (s *Store) queryEdges(ctx context.Context, query string, args ...any) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var prov sql.NullString
		if err := rows.Scan(&e.ID, &e.EdgeType, &e.SourceNodeID, &e.TargetNodeID,
			&e.Strength, &prov, &e.SourceType); err != nil {
			return nil, err
		}
		e.Provenance = prov.String
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

func marshalProps(props map[string]any) (any, error) {
	if props == nil {
		return nil, nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
