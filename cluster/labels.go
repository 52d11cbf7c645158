package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/casegraph/casegraph/llm"
)

// savedCluster is the serialized form of one cluster, persisted between
// runs so stable clusters keep their labels.
type savedCluster struct {
	Label   string   `json:"label"`
	NodeIDs []string `json:"node_ids"`
}

const labelSystemPrompt = `You name groups of related claims, evidence, and assumptions extracted from documents. Reply with a short descriptive label (2-6 words) capturing the group's shared topic. Reply with the label only, no quotes, no punctuation at the end.`

const labelPromptTemplate = `Name this group of related statements:

%s`

// labelConcurrency caps parallel labelling requests.
const labelConcurrency = 5

// maxLabelMembers bounds how many member contents go into a label prompt.
const maxLabelMembers = 8

// labelReuseJaccard is the member overlap above which a previous run's
// label is reused instead of asking the model again.
const labelReuseJaccard = 0.5

// reuseLabels matches clusters against a previous run by member overlap and
// copies labels across when the Jaccard similarity exceeds the threshold.
// Returns the indices still needing a fresh label.
func reuseLabels(clusters []*Cluster, previous []savedCluster) []int {
	var unlabeled []int
	for i, c := range clusters {
		best := 0.0
		bestLabel := ""
		for _, prev := range previous {
			j := jaccard(c.NodeIDs, prev.NodeIDs)
			if j > best {
				best = j
				bestLabel = prev.Label
			}
		}
		if best > labelReuseJaccard && bestLabel != "" {
			c.Label = bestLabel
			continue
		}
		unlabeled = append(unlabeled, i)
	}
	return unlabeled
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, id := range a {
		setA[id] = true
	}
	inter := 0
	for _, id := range b {
		if setA[id] {
			inter++
		}
	}
	union := len(setA) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// generateLabels fills in labels for the given cluster indices via the fast
// model tier, with bounded concurrency. Failures fall back to a generic
// label so a flaky model never sinks the whole run.
func (e *Engine) generateLabels(ctx context.Context, clusters []*Cluster, indices []int, contents map[string]string) {
	if len(indices) == 0 {
		return
	}

	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(labelConcurrency)
	for _, idx := range indices {
		g.Go(func() error {
			label, err := e.labelCluster(gctx, clusters[idx], contents)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				clusters[idx].Label = fmt.Sprintf("Cluster %d", idx+1)
				return nil
			}
			clusters[idx].Label = label
			return nil
		})
	}
	_ = g.Wait()

	if failed > 0 {
		slog.Warn("some cluster labels fell back to defaults",
			"failed", failed, "total", len(indices))
	}
}

func (e *Engine) labelCluster(ctx context.Context, c *Cluster, contents map[string]string) (string, error) {
	var sb strings.Builder
	count := 0
	for _, id := range c.NodeIDs {
		content, ok := contents[id]
		if !ok {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(content)
		sb.WriteString("\n")
		count++
		if count >= maxLabelMembers {
			break
		}
	}
	if count == 0 {
		return "", fmt.Errorf("no member contents for cluster")
	}

	resp, err := e.fast.Generate(ctx, llm.GenerateRequest{
		System:      labelSystemPrompt,
		Prompt:      fmt.Sprintf(labelPromptTemplate, sb.String()),
		Temperature: 0.2,
		MaxTokens:   50,
	})
	if err != nil {
		return "", fmt.Errorf("label generation: %w", err)
	}
	label := strings.TrimSpace(strings.Trim(resp.Content, `"'`))
	if label == "" {
		return "", fmt.Errorf("empty label")
	}
	return label, nil
}
