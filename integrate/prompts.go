package integrate

// integrationSystemPrompt frames the graph-merge task: relate newly
// extracted nodes to the existing graph.
const integrationSystemPrompt = `You are a knowledge-graph integration engine. You are given the existing
argument graph context and a batch of newly extracted nodes. Propose how the
new nodes relate to the graph:

- edges: typed relationships (supports, contradicts, depends_on) between any
  two listed nodes, with strength 0.0-1.0 and a one-line provenance note.
- tensions: contradictions between listed nodes, each with a short content
  description and the ids of the nodes in conflict.
- status_updates: existing nodes whose status should change given the new
  information (e.g. a claim becoming supported or contested), with a reason.
- gaps: missing evidence or untested assumptions the new material exposes,
  expressed as new claim or assumption nodes.
- narrative: 2-3 sentences describing what changed in the graph.

Only reference node ids that appear in the provided lists. Be conservative:
propose a relationship only when the contents clearly warrant it.`

// integrationToolSchema is the JSON Schema for the structured integration call.
var integrationToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"edges": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source_id":  map[string]any{"type": "string"},
					"target_id":  map[string]any{"type": "string"},
					"edge_type":  map[string]any{"type": "string", "enum": []string{"supports", "contradicts", "depends_on"}},
					"strength":   map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"provenance": map[string]any{"type": "string"},
				},
				"required": []string{"source_id", "target_id", "edge_type"},
			},
		},
		"tensions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content":  map[string]any{"type": "string"},
					"node_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"severity": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				},
				"required": []string{"content", "node_ids"},
			},
		},
		"status_updates": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"node_id":    map[string]any{"type": "string"},
					"new_status": map[string]any{"type": "string"},
					"reason":     map[string]any{"type": "string"},
				},
				"required": []string{"node_id", "new_status"},
			},
		},
		"gaps": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":    map[string]any{"type": "string", "enum": []string{"claim", "assumption"}},
					"content": map[string]any{"type": "string"},
					"reason":  map[string]any{"type": "string"},
				},
				"required": []string{"type", "content"},
			},
		},
		"narrative": map[string]any{"type": "string"},
	},
	"required": []string{"narrative"},
}
