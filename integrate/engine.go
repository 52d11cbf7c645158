// Package integrate merges newly extracted nodes into the existing project
// graph: it assembles a comparison context (the full graph when small,
// similarity-narrowed otherwise), asks the LLM for relationships,
// contradictions, status changes, and gaps, then applies each item
// independently so one malformed proposal never aborts the batch.
package integrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/casegraph/casegraph/llm"
	"github.com/casegraph/casegraph/store"
	"github.com/casegraph/casegraph/vecmath"
)

const (
	// defaultContextCap bounds how many existing nodes feed the LLM call.
	// Graphs at or under the cap are used in full; larger graphs are
	// narrowed by per-new-node similarity search.
	defaultContextCap = 30

	// defaultSearchWorkers bounds the parallel similarity searches.
	defaultSearchWorkers = 4

	// topKPerNode is how many context matches each new node contributes.
	topKPerNode = 10
)

var validEdgeTypes = map[string]bool{
	store.EdgeSupports:    true,
	store.EdgeContradicts: true,
	store.EdgeDependsOn:   true,
}

// Engine merges new nodes into the existing graph.
type Engine struct {
	store         *store.Store
	llm           llm.Provider
	contextCap    int
	searchWorkers int
}

// Option configures an Engine.
type Option func(*Engine)

// WithContextCap overrides the comparison context size limit.
func WithContextCap(n int) Option {
	return func(e *Engine) { e.contextCap = n }
}

// WithSearchWorkers overrides the similarity-search pool size.
func WithSearchWorkers(n int) Option {
	return func(e *Engine) { e.searchWorkers = n }
}

// NewEngine creates an integration engine on the extraction LLM tier.
func NewEngine(s *store.Store, provider llm.Provider, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		llm:           provider,
		contextCap:    defaultContextCap,
		searchWorkers: defaultSearchWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result reports what integration applied.
type Result struct {
	Edges        []store.Edge `json:"edges"`
	Tensions     []store.Node `json:"tensions"`
	UpdatedNodes []store.Node `json:"updated_nodes"`
	Gaps         []store.Node `json:"gaps"`
	Narrative    string       `json:"narrative"`
	ContextSize  int          `json:"context_size"`
	DeltaID      string       `json:"delta_id"`
}

// Integrate relates the given new nodes to the existing graph and applies
// the proposals in order: edges, then tensions with their contradiction
// edges, then validated status updates, then gap nodes.
func (e *Engine) Integrate(ctx context.Context, projectID, caseID string, newNodeIDs []string) (*Result, error) {
	start := time.Now()

	newNodes, err := e.store.GetNodes(ctx, newNodeIDs)
	if err != nil {
		return nil, fmt.Errorf("loading new nodes: %w", err)
	}
	if len(newNodes) == 0 {
		return &Result{Narrative: "No new nodes to integrate."}, nil
	}

	contextNodes, err := e.assembleContext(ctx, projectID, caseID, newNodes)
	if err != nil {
		return nil, fmt.Errorf("assembling context: %w", err)
	}

	result := &Result{ContextSize: len(contextNodes)}

	proposal, err := e.propose(ctx, contextNodes, newNodes)
	if err != nil {
		// Parse and LLM failures degrade to an empty integration rather
		// than propagating; the extraction itself already persisted.
		slog.Warn("integrate: proposal failed, recording empty integration",
			"project_id", projectID, "error", err)
		proposal = &integrationProposal{Narrative: "Integration proposal failed; no changes applied."}
	}

	known := make(map[string]store.Node, len(contextNodes)+len(newNodes))
	for _, n := range contextNodes {
		known[n.ID] = n
	}
	for _, n := range newNodes {
		known[n.ID] = n
	}

	e.applyEdges(ctx, proposal, known, result)
	e.applyTensions(ctx, projectID, caseID, proposal, known, result)
	e.applyStatusUpdates(ctx, proposal, known, result)
	e.applyGaps(ctx, projectID, caseID, proposal, result)
	result.Narrative = proposal.Narrative

	assumptionsChallenged := 0
	for _, n := range result.UpdatedNodes {
		if n.NodeType == store.NodeAssumption && n.Status == "challenged" {
			assumptionsChallenged++
		}
	}

	deltaID, err := e.store.RecordDelta(ctx, store.GraphDelta{
		ProjectID:             projectID,
		Trigger:               "integration",
		Narrative:             result.Narrative,
		NodesCreated:          len(result.Tensions) + len(result.Gaps),
		NodesUpdated:          len(result.UpdatedNodes),
		EdgesCreated:          len(result.Edges),
		TensionsSurfaced:      len(result.Tensions),
		AssumptionsChallenged: assumptionsChallenged,
	})
	if err != nil {
		return nil, fmt.Errorf("recording delta: %w", err)
	}
	result.DeltaID = deltaID

	slog.Info("integrate: run complete",
		"project_id", projectID, "new_nodes", len(newNodes),
		"context", len(contextNodes), "edges", len(result.Edges),
		"tensions", len(result.Tensions), "updates", len(result.UpdatedNodes),
		"gaps", len(result.Gaps),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return result, nil
}

// assembleContext resolves the comparison context. Small graphs are used in
// full; large graphs are narrowed by one similarity search per new node,
// run on a bounded pool and cancelled early once the context cap is reached.
// Case-scoped integration restricts the base set to the case's visible nodes.
func (e *Engine) assembleContext(ctx context.Context, projectID, caseID string, newNodes []store.Node) ([]store.Node, error) {
	var base []store.Node
	var err error
	if caseID != "" {
		base, err = e.store.CaseVisibleNodes(ctx, caseID)
	} else {
		base, err = e.store.ProjectNodes(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}

	newSet := make(map[string]bool, len(newNodes))
	for _, n := range newNodes {
		newSet[n.ID] = true
	}
	var existing []store.Node
	for _, n := range base {
		if !newSet[n.ID] {
			existing = append(existing, n)
		}
	}

	if len(existing) <= e.contextCap {
		return existing, nil
	}

	existingIDs := make([]string, len(existing))
	for i, n := range existing {
		existingIDs[i] = n.ID
	}
	existingVecs, err := e.store.NodeEmbeddings(ctx, existingIDs)
	if err != nil {
		return nil, fmt.Errorf("loading existing embeddings: %w", err)
	}
	newIDs := make([]string, len(newNodes))
	for i, n := range newNodes {
		newIDs[i] = n.ID
	}
	newVecs, err := e.store.NodeEmbeddings(ctx, newIDs)
	if err != nil {
		return nil, fmt.Errorf("loading new-node embeddings: %w", err)
	}

	candidates := make([][]float32, len(existing))
	for i, n := range existing {
		candidates[i] = existingVecs[n.ID]
	}

	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	selected := make(map[string]bool)

	var g errgroup.Group
	g.SetLimit(e.searchWorkers)
	for _, n := range newNodes {
		query := newVecs[n.ID]
		if query == nil {
			continue
		}
		g.Go(func() error {
			if searchCtx.Err() != nil {
				return nil
			}
			matches := vecmath.SimilaritySearch(candidates, existingIDs, query, 0, topKPerNode)

			mu.Lock()
			for _, m := range matches {
				if len(selected) >= e.contextCap {
					break
				}
				selected[m.ID] = true
			}
			full := len(selected) >= e.contextCap
			mu.Unlock()

			if full {
				// Budget reached; stop issuing further searches.
				cancel()
			}
			return nil
		})
	}
	g.Wait()

	var out []store.Node
	for _, n := range existing {
		if selected[n.ID] {
			out = append(out, n)
		}
	}
	slog.Debug("integrate: similarity-narrowed context",
		"existing", len(existing), "selected", len(out), "cap", e.contextCap)
	return out, nil
}

// integrationProposal is the tool-call shape of the integration call.
type integrationProposal struct {
	Edges []struct {
		SourceID   string  `json:"source_id"`
		TargetID   string  `json:"target_id"`
		EdgeType   string  `json:"edge_type"`
		Strength   float64 `json:"strength"`
		Provenance string  `json:"provenance"`
	} `json:"edges"`
	Tensions []struct {
		Content  string   `json:"content"`
		NodeIDs  []string `json:"node_ids"`
		Severity float64  `json:"severity"`
	} `json:"tensions"`
	StatusUpdates []struct {
		NodeID    string `json:"node_id"`
		NewStatus string `json:"new_status"`
		Reason    string `json:"reason"`
	} `json:"status_updates"`
	Gaps []struct {
		Type    string `json:"type"`
		Content string `json:"content"`
		Reason  string `json:"reason"`
	} `json:"gaps"`
	Narrative string `json:"narrative"`
}

func (e *Engine) propose(ctx context.Context, contextNodes, newNodes []store.Node) (*integrationProposal, error) {
	var sb strings.Builder
	sb.WriteString("EXISTING GRAPH CONTEXT:\n")
	if len(contextNodes) == 0 {
		sb.WriteString("(graph is empty)\n")
	}
	for _, n := range contextNodes {
		fmt.Fprintf(&sb, "- [%s] %s (%s): %s\n", n.ID, n.NodeType, n.Status, n.Content)
	}
	sb.WriteString("\nNEW NODES:\n")
	for _, n := range newNodes {
		fmt.Fprintf(&sb, "- [%s] %s (%s): %s\n", n.ID, n.NodeType, n.Status, n.Content)
	}

	raw, err := e.llm.GenerateWithTools(ctx, llm.ToolRequest{
		System:      integrationSystemPrompt,
		Prompt:      sb.String(),
		ToolName:    "report_integration",
		Description: "Report proposed edges, tensions, status updates, and gaps.",
		Schema:      integrationToolSchema,
		Temperature: 0.0,
	})
	if err != nil {
		return nil, fmt.Errorf("integration llm call: %w", err)
	}

	var proposal integrationProposal
	if err := json.Unmarshal(raw, &proposal); err != nil {
		return nil, fmt.Errorf("parsing integration result: %w", err)
	}
	return &proposal, nil
}

func (e *Engine) applyEdges(ctx context.Context, p *integrationProposal, known map[string]store.Node, result *Result) {
	for _, edge := range p.Edges {
		if !validEdgeTypes[edge.EdgeType] {
			slog.Warn("integrate: unknown edge type, skipping",
				"edge_type", edge.EdgeType, "source", edge.SourceID)
			continue
		}
		if _, ok := known[edge.SourceID]; !ok {
			continue
		}
		if _, ok := known[edge.TargetID]; !ok {
			continue
		}
		if edge.SourceID == edge.TargetID {
			continue
		}
		strength := store.ClampConfidence(edge.Strength)
		stored := store.Edge{
			EdgeType:     edge.EdgeType,
			SourceNodeID: edge.SourceID,
			TargetNodeID: edge.TargetID,
			Strength:     &strength,
			Provenance:   edge.Provenance,
			SourceType:   store.SourceIntegration,
		}
		id, _, err := e.store.UpsertEdge(ctx, stored)
		if err != nil {
			slog.Warn("integrate: edge apply failed, skipping",
				"source", edge.SourceID, "target", edge.TargetID, "error", err)
			continue
		}
		stored.ID = id
		result.Edges = append(result.Edges, stored)
	}
}

// applyTensions creates tension nodes and wires each with contradicts edges
// to every node it references.
func (e *Engine) applyTensions(ctx context.Context, projectID, caseID string, p *integrationProposal, known map[string]store.Node, result *Result) {
	for _, t := range p.Tensions {
		if strings.TrimSpace(t.Content) == "" || len(t.NodeIDs) == 0 {
			continue
		}
		node := store.Node{
			NodeType:   store.NodeTension,
			Content:    t.Content,
			ProjectID:  projectID,
			CaseID:     caseID,
			SourceType: store.SourceIntegration,
			Confidence: store.ClampConfidence(t.Severity),
			Properties: map[string]any{"severity": store.ClampConfidence(t.Severity)},
		}
		id, err := e.store.CreateNode(ctx, node)
		if err != nil {
			slog.Warn("integrate: tension create failed, skipping", "error", err)
			continue
		}
		node.ID = id
		node.Status = store.DefaultStatus(store.NodeTension)

		for _, ref := range t.NodeIDs {
			if _, ok := known[ref]; !ok {
				continue
			}
			if _, _, err := e.store.UpsertEdge(ctx, store.Edge{
				EdgeType:     store.EdgeContradicts,
				SourceNodeID: id,
				TargetNodeID: ref,
				Provenance:   "tension surfaced during integration",
				SourceType:   store.SourceIntegration,
			}); err != nil {
				slog.Warn("integrate: tension edge failed, skipping",
					"tension", id, "target", ref, "error", err)
			}
		}
		result.Tensions = append(result.Tensions, node)
	}
}

// applyStatusUpdates validates the full batch first (the node must resolve),
// then applies updates; statuses outside the node type's domain coerce to
// the type default at the store boundary.
func (e *Engine) applyStatusUpdates(ctx context.Context, p *integrationProposal, known map[string]store.Node, result *Result) {
	type update struct {
		node      store.Node
		newStatus string
	}
	var validated []update
	for _, u := range p.StatusUpdates {
		n, ok := known[u.NodeID]
		if !ok || u.NewStatus == "" {
			slog.Debug("integrate: status update skipped", "node_id", u.NodeID)
			continue
		}
		validated = append(validated, update{node: n, newStatus: u.NewStatus})
	}

	for _, u := range validated {
		applied, err := e.store.UpdateNodeStatus(ctx, u.node.ID, u.newStatus)
		if err != nil {
			slog.Warn("integrate: status update failed, skipping",
				"node_id", u.node.ID, "error", err)
			continue
		}
		u.node.Status = applied
		result.UpdatedNodes = append(result.UpdatedNodes, u.node)
	}
}

// applyGaps creates brand-new claim or assumption nodes for gaps the new
// material exposed.
func (e *Engine) applyGaps(ctx context.Context, projectID, caseID string, p *integrationProposal, result *Result) {
	for _, g := range p.Gaps {
		if g.Type != store.NodeClaim && g.Type != store.NodeAssumption {
			continue
		}
		if len(strings.TrimSpace(g.Content)) < 10 {
			continue
		}
		node := store.Node{
			NodeType:   g.Type,
			Content:    g.Content,
			ProjectID:  projectID,
			CaseID:     caseID,
			SourceType: store.SourceIntegration,
			Confidence: 0.5,
			Properties: map[string]any{"gap": true, "gap_reason": g.Reason},
		}
		id, err := e.store.CreateNode(ctx, node)
		if err != nil {
			slog.Warn("integrate: gap create failed, skipping", "error", err)
			continue
		}
		node.ID = id
		node.Status = store.DefaultStatus(g.Type)
		result.Gaps = append(result.Gaps, node)
	}
}
