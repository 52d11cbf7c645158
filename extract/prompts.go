package extract

// extractionSystemPrompt frames the argument-extraction task. The node and
// edge vocabulary mirrors the graph schema exactly so tool output maps
// straight onto storage types.
const extractionSystemPrompt = `You are an argument analysis engine. Given a document, extract its argument
structure as typed nodes and edges.

NODE TYPES (use exactly these values):
- claim      : an assertion the document argues for or against
- evidence   : a fact, citation, data point, or observation offered in support
- assumption : an unstated or stated premise the argument relies on
- tension    : an internal contradiction between statements in the document

EDGE TYPES (use exactly these values):
- supports    : source strengthens target
- contradicts : source conflicts with target
- depends_on  : source presupposes target

Rules:
- Each node gets a short unique id (n1, n2, ...), used by edges.
- importance: 3 = document-wide thesis, 2 = section-level argument, 1 = detail.
- document_role: one of thesis, core_argument, supporting, detail, counterpoint.
- confidence: how clearly the text supports the node, 0.0-1.0.
- source_passage: a verbatim quote of the passage the node came from.
- Only include nodes clearly grounded in the text.`

// sectionContextPrompt prefixes section extractions with the whole-document
// summary so section-local calls keep global context.
const sectionContextPrompt = `DOCUMENT SUMMARY (for context; extract only from the section below):
%s

SECTION %d of %d:`

// summaryPrompt produces the short whole-document summary shared across
// section extractions.
const summaryPrompt = `Summarize the following document in 4-6 sentences, covering its main thesis,
the key arguments, and any notable evidence. Return only the summary text.

TITLE: %s

DOCUMENT:
%s`

// consolidationPrompt runs once over the merged, deduplicated node list when
// a document was extracted in more than two sections.
const consolidationPrompt = `You previously extracted the following argument nodes from sections of one
document. Review them as a whole and report:
- which node id(s) state the document-wide thesis,
- cross-section edges between nodes extracted from different sections,
- contradictions between nodes that should surface as tensions.

NODES:
%s`

// extractionToolSchema is the JSON Schema for the structured extraction call.
var extractionToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"nodes": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":             map[string]any{"type": "string"},
					"type":           map[string]any{"type": "string", "enum": []string{"claim", "evidence", "assumption", "tension"}},
					"content":        map[string]any{"type": "string"},
					"importance":     map[string]any{"type": "integer", "minimum": 1, "maximum": 3},
					"document_role":  map[string]any{"type": "string", "enum": []string{"thesis", "core_argument", "supporting", "detail", "counterpoint"}},
					"confidence":     map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"source_passage": map[string]any{"type": "string"},
					"properties":     map[string]any{"type": "object"},
				},
				"required": []string{"id", "type", "content"},
			},
		},
		"edges": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source_id": map[string]any{"type": "string"},
					"target_id": map[string]any{"type": "string"},
					"edge_type": map[string]any{"type": "string", "enum": []string{"supports", "contradicts", "depends_on"}},
				},
				"required": []string{"source_id", "target_id", "edge_type"},
			},
		},
	},
	"required": []string{"nodes"},
}

// consolidationToolSchema is the JSON Schema for the cross-section
// consolidation call.
var consolidationToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"thesis_ids": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"edges": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source_id": map[string]any{"type": "string"},
					"target_id": map[string]any{"type": "string"},
					"edge_type": map[string]any{"type": "string", "enum": []string{"supports", "contradicts", "depends_on"}},
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
				},
				"required": []string{"content", "node_ids"},
			},
		},
	},
}
