package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// --- Hierarchy snapshots ---

// CreateHierarchy inserts a new snapshot in the building state with the next
// monotonic version for the project. Returns the new row.
func (s *Store) CreateHierarchy(ctx context.Context, projectID string) (*ClusterHierarchy, error) {
	h := &ClusterHierarchy{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    HierarchyBuilding,
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(version), 0) FROM cluster_hierarchies WHERE project_id = ?",
			projectID)
		var maxVersion int
		if err := row.Scan(&maxVersion); err != nil {
			return err
		}
		h.Version = maxVersion + 1

		_, err := tx.ExecContext(ctx, `
			INSERT INTO cluster_hierarchies (id, project_id, version, status, is_current)
			VALUES (?, ?, ?, ?, 0)
		`, h.ID, h.ProjectID, h.Version, h.Status)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// MarkHierarchyReady stores the finished tree and metadata and swaps the
// project's current pointer to this snapshot in one transaction, preserving
// the single-is_current invariant.
func (s *Store) MarkHierarchyReady(ctx context.Context, id, treeJSON, metadataJSON string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var projectID string
		if err := tx.QueryRowContext(ctx,
			"SELECT project_id FROM cluster_hierarchies WHERE id = ?", id).Scan(&projectID); err != nil {
			return fmt.Errorf("resolving hierarchy %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE cluster_hierarchies SET is_current = 0 WHERE project_id = ?", projectID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE cluster_hierarchies
			SET status = ?, tree = ?, metadata = ?, is_current = 1, error = NULL
			WHERE id = ?
		`, HierarchyReady, treeJSON, metadataJSON, id)
		return err
	})
}

// MarkHierarchyFailed records a failed build. The previous current snapshot,
// if any, stays current.
func (s *Store) MarkHierarchyFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE cluster_hierarchies SET status = ?, error = ? WHERE id = ?",
		HierarchyFailed, errMsg, id)
	return err
}

// CurrentHierarchy returns the project's current ready snapshot.
func (s *Store) CurrentHierarchy(ctx context.Context, projectID string) (*ClusterHierarchy, error) {
	row := s.db.QueryRowContext(ctx, hierarchySelect+
		" WHERE project_id = ? AND is_current = 1", projectID)
	return scanHierarchy(row)
}

// GetHierarchyVersion returns a specific snapshot version for a project.
func (s *Store) GetHierarchyVersion(ctx context.Context, projectID string, version int) (*ClusterHierarchy, error) {
	row := s.db.QueryRowContext(ctx, hierarchySelect+
		" WHERE project_id = ? AND version = ?", projectID, version)
	return scanHierarchy(row)
}

// ListHierarchies returns all snapshots for a project, newest version first.
func (s *Store) ListHierarchies(ctx context.Context, projectID string) ([]ClusterHierarchy, error) {
	rows, err := s.db.QueryContext(ctx, hierarchySelect+
		" WHERE project_id = ? ORDER BY version DESC", projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClusterHierarchy
	for rows.Next() {
		h, err := scanHierarchy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

const hierarchySelect = `
	SELECT id, project_id, version, status, COALESCE(tree, ''), COALESCE(metadata, ''),
		is_current, COALESCE(error, ''), created_at
	FROM cluster_hierarchies`

func scanHierarchy(row rowScanner) (*ClusterHierarchy, error) {
	var h ClusterHierarchy
	var current int
	if err := row.Scan(&h.ID, &h.ProjectID, &h.Version, &h.Status, &h.Tree,
		&h.Metadata, &current, &h.Error, &h.CreatedAt); err != nil {
		return nil, err
	}
	h.IsCurrent = current != 0
	return &h, nil
}

// --- Passages ---

// InsertPassages stores pre-chunked passages and their embeddings. Passages
// without an embedding get a row in passages but none in vec_passages.
// Returns the assigned IDs in input order.
func (s *Store) InsertPassages(ctx context.Context, passages []Passage) ([]int64, error) {
	ids := make([]int64, len(passages))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for i, p := range passages {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO passages (document_id, project_id, content, position)
				VALUES (?, ?, ?, ?)
			`, p.DocumentID, p.ProjectID, p.Text, p.Position)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
			if len(p.Embedding) > 0 {
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO vec_passages (passage_id, embedding) VALUES (?, ?)",
					ids[i], serializeFloat32(p.Embedding)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return ids, err
}

// ProjectPassages returns all passages for a project with their embeddings.
func (s *Store) ProjectPassages(ctx context.Context, projectID string) ([]Passage, error) {
	return s.queryPassages(ctx, `
		SELECT p.id, p.document_id, p.project_id, p.content, p.position, v.embedding
		FROM passages p
		LEFT JOIN vec_passages v ON v.passage_id = p.id
		WHERE p.project_id = ? ORDER BY p.document_id, p.position`, projectID)
}

// DocumentPassages returns a document's passages with their embeddings.
func (s *Store) DocumentPassages(ctx context.Context, documentID string) ([]Passage, error) {
	return s.queryPassages(ctx, `
		SELECT p.id, p.document_id, p.project_id, p.content, p.position, v.embedding
		FROM passages p
		LEFT JOIN vec_passages v ON v.passage_id = p.id
		WHERE p.document_id = ? ORDER BY p.position`, documentID)
}

// PassageMatch is one KNN result from SearchPassages.
type PassageMatch struct {
	Passage
	Score float64 `json:"score"`
}

// SearchPassages performs a KNN search over a project's passage embeddings.
func (s *Store) SearchPassages(ctx context.Context, projectID string, query []float32, k int) ([]PassageMatch, error) {
	// Over-fetch: vec0 KNN cannot filter by project, so fetch extra and
	// drop foreign rows.
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.passage_id, v.distance, p.document_id, p.project_id, p.content, p.position
		FROM vec_passages v
		JOIN passages p ON p.id = v.passage_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(query), k*4)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PassageMatch
	for rows.Next() {
		var m PassageMatch
		var distance float64
		if err := rows.Scan(&m.ID, &distance, &m.DocumentID, &m.ProjectID,
			&m.Text, &m.Position); err != nil {
			return nil, err
		}
		if m.ProjectID != projectID {
			continue
		}
		m.Score = 1.0 - distance
		out = append(out, m)
		if len(out) >= k {
			break
		}
	}
	return out, rows.Err()
}

// LinkNodePassage records a provenance link between a node and a passage.
func (s *Store) LinkNodePassage(ctx context.Context, nodeID string, passageID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO node_passages (node_id, passage_id) VALUES (?, ?)",
		nodeID, passageID)
	return err
}

// NodePassageIDs returns the passage IDs linked to a node.
func (s *Store) NodePassageIDs(ctx context.Context, nodeID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT passage_id FROM node_passages WHERE node_id = ? ORDER BY passage_id", nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) queryPassages(ctx context.Context, query string, args ...any) ([]Passage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Passage
	for rows.Next() {
		var p Passage
		var blob []byte
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.ProjectID, &p.Text, &p.Position, &blob); err != nil {
			return nil, err
		}
		if len(blob) > 0 {
			p.Embedding = deserializeFloat32(blob)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Node cluster sets ---

// SaveNodeClusters persists a clustering result as JSON for label reuse on
// the next rebuild.
func (s *Store) SaveNodeClusters(ctx context.Context, projectID, clustersJSON string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO node_cluster_sets (id, project_id, clusters) VALUES (?, ?, ?)",
		id, projectID, clustersJSON)
	return id, err
}

// LatestNodeClusters returns the most recent clustering result for a project,
// or empty string when none exists.
func (s *Store) LatestNodeClusters(ctx context.Context, projectID string) (string, error) {
	var clusters string
	err := s.db.QueryRowContext(ctx, `
		SELECT clusters FROM node_cluster_sets
		WHERE project_id = ? ORDER BY created_at DESC LIMIT 1
	`, projectID).Scan(&clusters)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return clusters, err
}
