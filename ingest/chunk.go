package ingest

import "strings"

// DefaultPassageWords is the target passage size for SplitPassages.
const DefaultPassageWords = 200

// SplitPassages splits document text into passage-sized pieces. Paragraphs
// accumulate until the target word count; a single paragraph over the target
// is split further at sentence boundaries so no passage grows unbounded.
func SplitPassages(text string, targetWords int) []string {
	if targetWords <= 0 {
		targetWords = DefaultPassageWords
	}

	var passages []string
	var current []string
	words := 0
	flush := func() {
		if len(current) > 0 {
			passages = append(passages, strings.Join(current, "\n\n"))
			current = current[:0]
			words = 0
		}
	}

	for _, para := range splitParagraphs(text) {
		n := len(strings.Fields(para))
		if n > targetWords {
			flush()
			passages = append(passages, splitBySentences(para, targetWords)...)
			continue
		}
		if words > 0 && words+n > targetWords {
			flush()
		}
		current = append(current, para)
		words += n
	}
	flush()
	return passages
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitBySentences packs sentences into pieces of at most targetWords words.
func splitBySentences(text string, targetWords int) []string {
	var pieces []string
	var current strings.Builder
	words := 0

	for _, sent := range splitSentences(text) {
		n := len(strings.Fields(sent))
		if words > 0 && words+n > targetWords {
			pieces = append(pieces, strings.TrimSpace(current.String()))
			current.Reset()
			words = 0
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
		words += n
	}
	if current.Len() > 0 {
		pieces = append(pieces, strings.TrimSpace(current.String()))
	}
	return pieces
}

// splitSentences splits on sentence-ending punctuation followed by
// whitespace or end of text.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				if s := strings.TrimSpace(cur.String()); s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
