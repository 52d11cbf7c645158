package extract

import (
	"math"
	"strings"
)

// contextReserveTokens is held back from the provider context window for
// prompt scaffolding and the response.
const contextReserveTokens = 16000

// estimateTokens approximates token count using a word-based heuristic.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// splitSections splits a document on paragraph boundaries into sections of at
// most maxTokens each. A single paragraph over the budget becomes its own
// section rather than being cut mid-paragraph.
func splitSections(text string, maxTokens int) []string {
	paragraphs := strings.Split(text, "\n\n")

	var sections []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) > 0 {
			sections = append(sections, strings.Join(current, "\n\n"))
			current = nil
			currentTokens = 0
		}
	}

	for _, p := range paragraphs {
		if strings.TrimSpace(p) == "" {
			continue
		}
		t := estimateTokens(p)
		if currentTokens+t > maxTokens && currentTokens > 0 {
			flush()
		}
		current = append(current, p)
		currentTokens += t
	}
	flush()

	if len(sections) == 0 {
		sections = []string{text}
	}
	return sections
}
