// Package extract derives typed argument nodes and edges from raw document
// text. Long documents are split on paragraph boundaries and extracted
// section by section in parallel, then deduplicated by embedding similarity
// and consolidated with one final cross-section pass.
package extract

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
)

// defaultSectionConcurrency caps simultaneous section extraction calls.
const defaultSectionConcurrency = 5

// defaultDedupeThreshold is the cosine similarity above which two candidate
// nodes are considered the same node.
const defaultDedupeThreshold = 0.90

// Engine extracts argument graphs from documents and persists the results.
type Engine struct {
	store              *store.Store
	llm                llm.Provider // extraction tier
	fast               llm.Provider // fast tier, used for document summaries
	embed              llm.Embedder
	dedupeThreshold    float64
	sectionConcurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithDedupeThreshold overrides the candidate merge threshold.
func WithDedupeThreshold(t float64) Option {
	return func(e *Engine) { e.dedupeThreshold = t }
}

// WithSectionConcurrency overrides the parallel section extraction cap.
func WithSectionConcurrency(n int) Option {
	return func(e *Engine) { e.sectionConcurrency = n }
}

// NewEngine creates an extraction engine. extraction handles structured
// extraction calls; fast handles summaries.
func NewEngine(s *store.Store, extraction, fast llm.Provider, embed llm.Embedder, opts ...Option) *Engine {
	e := &Engine{
		store:              s,
		llm:                extraction,
		fast:               fast,
		embed:              embed,
		dedupeThreshold:    defaultDedupeThreshold,
		sectionConcurrency: defaultSectionConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Input identifies one document extraction run.
type Input struct {
	ProjectID  string
	CaseID     string
	DocumentID string
	Title      string
	Text       string
	CreatedBy  string
}

// Result reports the persisted outcome of one extraction run. An empty
// result (no nodes, no edges) is valid, not an error.
type Result struct {
	Nodes    []store.Node `json:"nodes"`
	Edges    []store.Edge `json:"edges"`
	Sections int          `json:"sections"`
	DeltaID  string       `json:"delta_id"`
}

// Extract runs the full pipeline: split if needed, extract, deduplicate,
// consolidate, validate, and persist nodes/edges with provenance links.
// Section-level LLM failures contribute zero nodes and never abort siblings.
func (e *Engine) Extract(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()
	budget := e.llm.ContextWindow() - contextReserveTokens
	if budget < 1000 {
		budget = 1000
	}

	var nodes []candidateNode
	var edges []candidateEdge
	sections := 1

	if estimateTokens(in.Text) <= budget {
		payload, err := e.extractSection(ctx, in.Title, in.Text, "", 0, 1)
		if err != nil {
			slog.Warn("extract: single-call extraction failed", "document_id", in.DocumentID, "error", err)
		} else {
			nodes, edges = payload.Nodes, payload.Edges
		}
	} else {
		nodes, edges, sections = e.extractSplit(ctx, in, budget)
	}

	nodes, edges = validateCandidates(nodes, edges)

	dedup := dedupeCandidates(ctx, e.embed, nodes, e.dedupeThreshold)
	nodes = dedup.nodes
	edges = remapEdges(edges, dedup.remap)

	// Consolidation only pays off when the document was split widely enough
	// for cross-section structure to be invisible to any single call.
	if sections > 2 && len(nodes) > 0 {
		nodes, edges = e.consolidate(ctx, nodes, edges)
	}

	result, err := e.persist(ctx, in, nodes, edges, dedup.embeddings)
	if err != nil {
		return nil, fmt.Errorf("persisting extraction: %w", err)
	}
	result.Sections = sections

	slog.Info("extract: document processed",
		"document_id", in.DocumentID, "sections", sections,
		"nodes", len(result.Nodes), "edges", len(result.Edges),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return result, nil
}

// extractSplit handles documents over the context budget: split on paragraph
// boundaries, summarize the whole document in parallel with the split, then
// extract sections concurrently with the summary as shared context.
// Section-local IDs are namespaced s{index}_{id} to avoid collisions on merge.
func (e *Engine) extractSplit(ctx context.Context, in Input, budget int) ([]candidateNode, []candidateEdge, int) {
	var sections []string
	var summary string

	var g errgroup.Group
	g.Go(func() error {
		sections = splitSections(in.Text, budget)
		return nil
	})
	g.Go(func() error {
		s, err := e.generateSummary(ctx, in.Title, in.Text)
		if err != nil {
			slog.Warn("extract: document summary failed, sections run without shared context",
				"document_id", in.DocumentID, "error", err)
			return nil
		}
		summary = s
		return nil
	})
	g.Wait()

	slog.Info("extract: splitting document",
		"document_id", in.DocumentID, "sections", len(sections), "budget_tokens", budget)

	var (
		mu       sync.Mutex
		allNodes []candidateNode
		allEdges []candidateEdge
		failed   int
	)

	var fan errgroup.Group
	fan.SetLimit(e.sectionConcurrency)
	for i, section := range sections {
		fan.Go(func() error {
			payload, err := e.extractSection(ctx, in.Title, section, summary, i, len(sections))
			if err != nil {
				slog.Warn("extract: section failed",
					"document_id", in.DocumentID, "section", i, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}

			// Namespace section-local IDs before merging.
			prefix := fmt.Sprintf("s%d_", i)
			remap := make(map[string]string, len(payload.Nodes))
			for j := range payload.Nodes {
				old := payload.Nodes[j].ID
				payload.Nodes[j].ID = prefix + old
				remap[old] = payload.Nodes[j].ID
			}
			for j := range payload.Edges {
				payload.Edges[j].SourceID = remap[payload.Edges[j].SourceID]
				payload.Edges[j].TargetID = remap[payload.Edges[j].TargetID]
			}

			mu.Lock()
			allNodes = append(allNodes, payload.Nodes...)
			allEdges = append(allEdges, payload.Edges...)
			mu.Unlock()
			return nil
		})
	}
	fan.Wait()

	if failed > 0 {
		slog.Warn("extract: some sections failed",
			"document_id", in.DocumentID, "failed", failed, "total", len(sections))
	}
	return allNodes, allEdges, len(sections)
}

// extractSection issues one structured extraction call. summary and indices
// are zero-valued for the single-call path.
func (e *Engine) extractSection(ctx context.Context, title, text, summary string, index, total int) (*extractionPayload, error) {
	var sb strings.Builder
	if title != "" {
		fmt.Fprintf(&sb, "TITLE: %s\n\n", title)
	}
	if summary != "" {
		fmt.Fprintf(&sb, sectionContextPrompt+"\n", summary, index+1, total)
	}
	sb.WriteString(text)

	raw, err := e.llm.GenerateWithTools(ctx, llm.ToolRequest{
		System:      extractionSystemPrompt,
		Prompt:      sb.String(),
		ToolName:    "report_argument_graph",
		Description: "Report the extracted argument nodes and edges.",
		Schema:      extractionToolSchema,
		Temperature: 0.0,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction llm call: %w", err)
	}

	var payload extractionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing extraction result: %w", err)
	}
	return &payload, nil
}

// generateSummary produces the short whole-document summary on the fast tier.
func (e *Engine) generateSummary(ctx context.Context, title, text string) (string, error) {
	// The summary call has its own window; feed it a bounded slice.
	fastBudget := e.fast.ContextWindow() - contextReserveTokens
	words := strings.Fields(text)
	if limit := int(float64(fastBudget) / 1.3); len(words) > limit && limit > 0 {
		text = strings.Join(words[:limit], " ")
	}

	resp, err := e.fast.Generate(ctx, llm.GenerateRequest{
		Prompt:      fmt.Sprintf(summaryPrompt, title, text),
		Temperature: 0.2,
		MaxTokens:   400,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// consolidationResult is the tool-call shape of the consolidation pass.
type consolidationResult struct {
	ThesisIDs []string        `json:"thesis_ids"`
	Edges     []candidateEdge `json:"edges"`
	Tensions  []struct {
		Content string   `json:"content"`
		NodeIDs []string `json:"node_ids"`
	} `json:"tensions"`
}

// consolidate runs one cross-section pass over the deduplicated node list:
// thesis promotion, missed cross-section edges, and cross-section tensions.
// A failed consolidation call leaves the input unchanged.
func (e *Engine) consolidate(ctx context.Context, nodes []candidateNode, edges []candidateEdge) ([]candidateNode, []candidateEdge) {
	var listing strings.Builder
	byID := make(map[string]int, len(nodes))
	for i, n := range nodes {
		byID[n.ID] = i
		fmt.Fprintf(&listing, "- [%s] (%s, importance %d) %s\n", n.ID, n.Type, n.Importance, n.Content)
	}

	raw, err := e.llm.GenerateWithTools(ctx, llm.ToolRequest{
		Prompt:      fmt.Sprintf(consolidationPrompt, listing.String()),
		ToolName:    "report_consolidation",
		Description: "Report thesis nodes, cross-section edges, and tensions.",
		Schema:      consolidationToolSchema,
		Temperature: 0.0,
	})
	if err != nil {
		slog.Warn("extract: consolidation failed, keeping section results", "error", err)
		return nodes, edges
	}

	var res consolidationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		slog.Warn("extract: consolidation parse failed, keeping section results", "error", err)
		return nodes, edges
	}

	for _, id := range res.ThesisIDs {
		if i, ok := byID[id]; ok {
			nodes[i].Importance = 3
			nodes[i].DocumentRole = RoleThesis
		}
	}

	for ti, t := range res.Tensions {
		content := strings.TrimSpace(t.Content)
		if len(content) < minContentLen {
			continue
		}
		tension := candidateNode{
			ID:           fmt.Sprintf("xt%d", ti),
			Type:         store.NodeTension,
			Content:      content,
			Importance:   2,
			DocumentRole: RoleCounterpoint,
			Confidence:   0.7,
		}
		nodes = append(nodes, tension)
		byID[tension.ID] = len(nodes) - 1
		for _, ref := range t.NodeIDs {
			if _, ok := byID[ref]; ok {
				edges = append(edges, candidateEdge{
					SourceID: tension.ID, TargetID: ref, EdgeType: store.EdgeContradicts,
				})
			}
		}
	}

	for _, edge := range res.Edges {
		_, okS := byID[edge.SourceID]
		_, okT := byID[edge.TargetID]
		if okS && okT && validEdgeTypes[edge.EdgeType] && edge.SourceID != edge.TargetID {
			edges = append(edges, edge)
		}
	}

	return nodes, edges
}

// persist writes candidates to the store. Node creation happens first;
// embedding generation (with provenance matching) and edge creation then run
// as two concurrent units, since embeddings wait on the embedding service
// while edge writes wait on the database.
func (e *Engine) persist(ctx context.Context, in Input, nodes []candidateNode, edges []candidateEdge, cached map[string][]float32) (*Result, error) {
	result := &Result{}
	if len(nodes) == 0 {
		deltaID, err := e.store.RecordDelta(ctx, store.GraphDelta{
			ProjectID:        in.ProjectID,
			Trigger:          "extraction",
			Narrative:        fmt.Sprintf("Extraction of %q produced no nodes.", in.Title),
			SourceDocumentID: in.DocumentID,
		})
		if err != nil {
			return nil, err
		}
		result.DeltaID = deltaID
		return result, nil
	}

	passages, err := e.store.DocumentPassages(ctx, in.DocumentID)
	if err != nil {
		slog.Warn("extract: loading passages for provenance failed",
			"document_id", in.DocumentID, "error", err)
	}

	idMap := make(map[string]string, len(nodes))
	tensions := 0
	for _, cand := range nodes {
		n := store.Node{
			NodeType:         cand.Type,
			Status:           cand.Status,
			Content:          cand.Content,
			ProjectID:        in.ProjectID,
			CaseID:           in.CaseID,
			SourceType:       store.SourceExtraction,
			SourceDocumentID: in.DocumentID,
			Confidence:       cand.Confidence,
			CreatedBy:        in.CreatedBy,
			Properties:       nodeProperties(cand),
		}
		id, err := e.store.CreateNode(ctx, n)
		if err != nil {
			slog.Warn("extract: node create failed, skipping", "candidate", cand.ID, "error", err)
			continue
		}
		idMap[cand.ID] = id
		n.ID = id
		result.Nodes = append(result.Nodes, n)
		if cand.Type == store.NodeTension {
			tensions++
		}
	}

	var g errgroup.Group
	var edgeMu sync.Mutex

	g.Go(func() error {
		e.embedAndLink(ctx, nodes, idMap, cached, passages)
		return nil
	})

	g.Go(func() error {
		for _, edge := range edges {
			srcID, okS := idMap[edge.SourceID]
			tgtID, okT := idMap[edge.TargetID]
			if !okS || !okT {
				continue
			}
			stored := store.Edge{
				EdgeType:     edge.EdgeType,
				SourceNodeID: srcID,
				TargetNodeID: tgtID,
				SourceType:   store.SourceExtraction,
				Provenance:   fmt.Sprintf("extracted from %q", in.Title),
			}
			id, _, err := e.store.UpsertEdge(ctx, stored)
			if err != nil {
				slog.Warn("extract: edge create failed, skipping",
					"source", srcID, "target", tgtID, "error", err)
				continue
			}
			stored.ID = id
			edgeMu.Lock()
			result.Edges = append(result.Edges, stored)
			edgeMu.Unlock()
		}
		return nil
	})
	g.Wait()

	deltaID, err := e.store.RecordDelta(ctx, store.GraphDelta{
		ProjectID:        in.ProjectID,
		Trigger:          "extraction",
		Narrative:        fmt.Sprintf("Extracted %d nodes and %d edges from %q.", len(result.Nodes), len(result.Edges), in.Title),
		NodesCreated:     len(result.Nodes),
		EdgesCreated:     len(result.Edges),
		TensionsSurfaced: tensions,
		SourceDocumentID: in.DocumentID,
	})
	if err != nil {
		return nil, err
	}
	result.DeltaID = deltaID
	return result, nil
}

// embedAndLink stores node embeddings (reusing those cached by dedup) and
// matches provenance passages. Embedding failure leaves the node without a
// vector and marks it in the property map; it never blocks node creation.
func (e *Engine) embedAndLink(ctx context.Context, nodes []candidateNode, idMap map[string]string, cached map[string][]float32, passages []store.Passage) {
	for _, cand := range nodes {
		nodeID, ok := idMap[cand.ID]
		if !ok {
			continue
		}

		vec := cached[cand.ID]
		if vec == nil {
			var err error
			vec, err = e.embed.Embed(ctx, cand.Content)
			if err != nil {
				slog.Warn("extract: embedding failed, node stored without vector",
					"node_id", nodeID, "error", err)
				props := nodeProperties(cand)
				props["embedding_failed"] = true
				if perr := e.store.UpdateNodeProperties(ctx, nodeID, props); perr != nil {
					slog.Warn("extract: marking embedding failure failed", "node_id", nodeID, "error", perr)
				}
				vec = nil
			}
		}
		if vec != nil {
			if err := e.store.SetNodeEmbedding(ctx, nodeID, vec); err != nil {
				slog.Warn("extract: storing embedding failed", "node_id", nodeID, "error", err)
			}
		}

		for _, pid := range matchProvenance(passages, cand.SourcePassage, vec) {
			if err := e.store.LinkNodePassage(ctx, nodeID, pid); err != nil {
				slog.Warn("extract: provenance link failed", "node_id", nodeID, "passage_id", pid, "error", err)
			}
		}
	}
}

// nodeProperties builds the stored property map for a candidate.
func nodeProperties(cand candidateNode) map[string]any {
	props := make(map[string]any, len(cand.Properties)+2)
	for k, v := range cand.Properties {
		props[k] = v
	}
	props["importance"] = cand.Importance
	props["document_role"] = cand.DocumentRole
	if cand.SourcePassage != "" {
		props["source_passage"] = cand.SourcePassage
	}
	return props
}
