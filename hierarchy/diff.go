package hierarchy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/casegraph/casegraph/store"
)

const (
	// labelMatchFloor is the minimum label similarity for two themes to be
	// considered the same theme across versions.
	labelMatchFloor = 0.3

	// mergedOverlap is the chunk overlap above which a vanished theme is
	// classified as merged into a surviving one.
	mergedOverlap = 0.5

	// expandedGrowth is the passage-count growth ratio that marks a matched
	// theme as expanded.
	expandedGrowth = 1.3
)

// ThemeMatch pairs a theme across two versions.
type ThemeMatch struct {
	OldLabel string  `json:"old_label"`
	NewLabel string  `json:"new_label"`
	Score    float64 `json:"score"`
}

// MergedTheme records an old theme whose passages moved into another theme.
type MergedTheme struct {
	OldLabel string `json:"old_label"`
	Into     string `json:"into"`
}

// ExpandedTheme records a theme that grew substantially between versions.
type ExpandedTheme struct {
	Label    string `json:"label"`
	OldCount int    `json:"old_count"`
	NewCount int    `json:"new_count"`
}

// DiffResult describes how one hierarchy version differs from another.
type DiffResult struct {
	OldVersion int `json:"old_version"`
	NewVersion int `json:"new_version"`

	NewThemes      []string        `json:"new_themes,omitempty"`
	RemovedThemes  []string        `json:"removed_themes,omitempty"`
	MergedThemes   []MergedTheme   `json:"merged_themes,omitempty"`
	ExpandedThemes []ExpandedTheme `json:"expanded_themes,omitempty"`
	Matched        []ThemeMatch    `json:"matched,omitempty"`

	AddedDocuments   []string `json:"added_documents,omitempty"`
	RemovedDocuments []string `json:"removed_documents,omitempty"`
}

// Empty reports whether the two versions are structurally identical.
func (d *DiffResult) Empty() bool {
	return len(d.NewThemes) == 0 && len(d.RemovedThemes) == 0 &&
		len(d.MergedThemes) == 0 && len(d.ExpandedThemes) == 0 &&
		len(d.AddedDocuments) == 0 && len(d.RemovedDocuments) == 0
}

type themeInfo struct {
	label  string
	chunks map[int64]bool
}

// Diff compares two stored snapshots. Themes are matched by label
// similarity with a global best-first assignment: all pairs are scored,
// sorted descending, and the highest-scoring unclaimed pairs claimed first,
// so an early weak match never blocks a later stronger one.
func Diff(oldH, newH *store.ClusterHierarchy) (*DiffResult, error) {
	oldThemes, oldDocs, err := snapshotThemes(oldH)
	if err != nil {
		return nil, fmt.Errorf("reading old snapshot: %w", err)
	}
	newThemes, newDocs, err := snapshotThemes(newH)
	if err != nil {
		return nil, fmt.Errorf("reading new snapshot: %w", err)
	}

	res := &DiffResult{OldVersion: oldH.Version, NewVersion: newH.Version}

	type pair struct {
		oldIdx, newIdx int
		score          float64
	}
	var pairs []pair
	for i, ot := range oldThemes {
		for j, nt := range newThemes {
			if s := labelSimilarity(ot.label, nt.label); s >= labelMatchFloor {
				pairs = append(pairs, pair{i, j, s})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].score > pairs[b].score })

	oldClaimed := make(map[int]int, len(oldThemes)) // old idx -> new idx
	newClaimed := make(map[int]bool, len(newThemes))
	for _, p := range pairs {
		if _, ok := oldClaimed[p.oldIdx]; ok {
			continue
		}
		if newClaimed[p.newIdx] {
			continue
		}
		oldClaimed[p.oldIdx] = p.newIdx
		newClaimed[p.newIdx] = true
		res.Matched = append(res.Matched, ThemeMatch{
			OldLabel: oldThemes[p.oldIdx].label,
			NewLabel: newThemes[p.newIdx].label,
			Score:    p.score,
		})
	}

	for i, ot := range oldThemes {
		j, matched := oldClaimed[i]
		if matched {
			if len(ot.chunks) > 0 && float64(len(newThemes[j].chunks)) >= expandedGrowth*float64(len(ot.chunks)) {
				res.ExpandedThemes = append(res.ExpandedThemes, ExpandedTheme{
					Label:    newThemes[j].label,
					OldCount: len(ot.chunks),
					NewCount: len(newThemes[j].chunks),
				})
			}
			continue
		}
		// Vanished theme: merged if most of its passages landed in one
		// surviving theme, otherwise removed.
		if into := absorbedInto(ot, newThemes); into != "" {
			res.MergedThemes = append(res.MergedThemes, MergedTheme{OldLabel: ot.label, Into: into})
		} else {
			res.RemovedThemes = append(res.RemovedThemes, ot.label)
		}
	}
	for j, nt := range newThemes {
		if !newClaimed[j] {
			res.NewThemes = append(res.NewThemes, nt.label)
		}
	}

	res.AddedDocuments = difference(newDocs, oldDocs)
	res.RemovedDocuments = difference(oldDocs, newDocs)
	return res, nil
}

func snapshotThemes(h *store.ClusterHierarchy) ([]themeInfo, []string, error) {
	if h == nil || h.Tree == "" {
		return nil, nil, fmt.Errorf("snapshot has no tree")
	}
	var root TreeNode
	if err := json.Unmarshal([]byte(h.Tree), &root); err != nil {
		return nil, nil, err
	}

	themes := make([]themeInfo, 0, len(root.Children))
	for _, t := range root.Children {
		info := themeInfo{label: t.Label, chunks: make(map[int64]bool)}
		for _, id := range t.allChunkIDs() {
			info.chunks[id] = true
		}
		themes = append(themes, info)
	}

	var meta Metadata
	if h.Metadata != "" {
		if err := json.Unmarshal([]byte(h.Metadata), &meta); err != nil {
			return nil, nil, err
		}
	}
	return themes, meta.Documents, nil
}

// absorbedInto returns the label of the new theme holding at least half of
// the old theme's chunks, or empty.
func absorbedInto(old themeInfo, newThemes []themeInfo) string {
	if len(old.chunks) == 0 {
		return ""
	}
	for _, nt := range newThemes {
		shared := 0
		for id := range old.chunks {
			if nt.chunks[id] {
				shared++
			}
		}
		if float64(shared) >= mergedOverlap*float64(len(old.chunks)) {
			return nt.label
		}
	}
	return ""
}

// labelSimilarity scores two labels in [0,1] with a Dice coefficient over
// lowercase word sets. Identical labels score 1.
func labelSimilarity(a, b string) float64 {
	if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
		return 1.0
	}
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	shared := 0
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(wa)+len(wb))
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if w != "" {
			out[w] = true
		}
	}
	return out
}

func difference(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, s := range b {
		inB[s] = true
	}
	var out []string
	for _, s := range a {
		if !inB[s] {
			out = append(out, s)
		}
	}
	return out
}
