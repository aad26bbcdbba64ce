// Package summarizer condenses corpus text: it ranks the terms farmers ask
// about most and shortens long advice to its highest-scoring sentences.
package summarizer

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"farmadvisor/internal/domain"
)

var tokenPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)

// Topic is a term and the number of questions that mention it.
type Topic struct {
	Term      string `json:"term"`
	Questions int    `json:"questions"`
}

// Summarizer is safe for concurrent use.
type Summarizer struct {
	stopwords map[string]struct{}
}

// New creates a Summarizer with the built-in English stopword list.
func New() *Summarizer {
	return &Summarizer{stopwords: defaultStopwords()}
}

// Topics returns the n terms found in the most questions, most frequent
// first, ties in alphabetical order.
func (s *Summarizer) Topics(entries []domain.CorpusEntry, n int) []Topic {
	df := map[string]int{}
	for _, e := range entries {
		seen := map[string]struct{}{}
		for _, tok := range s.tokens(e.Question) {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			df[tok]++
		}
	}
	topics := make([]Topic, 0, len(df))
	for term, c := range df {
		topics = append(topics, Topic{Term: term, Questions: c})
	}
	sort.Slice(topics, func(i, j int) bool {
		if topics[i].Questions != topics[j].Questions {
			return topics[i].Questions > topics[j].Questions
		}
		return topics[i].Term < topics[j].Term
	})
	if n >= 0 && n < len(topics) {
		topics = topics[:n]
	}
	return topics
}

// Summarize keeps the maxSentences sentences of text with the highest
// normalised term frequency, in their original order. Text with no more
// sentences than that is returned trimmed.
func (s *Summarizer) Summarize(text string, maxSentences int) string {
	if maxSentences <= 0 {
		maxSentences = 3
	}
	sentences := SplitSentences(text)
	if len(sentences) <= maxSentences {
		return strings.Join(sentences, " ")
	}

	freq := map[string]float64{}
	maxF := 1.0
	for _, sent := range sentences {
		for _, tok := range s.tokens(sent) {
			freq[tok]++
			maxF = math.Max(maxF, freq[tok])
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(sentences))
	for i, sent := range sentences {
		toks := s.tokens(sent)
		sum := 0.0
		for _, tok := range toks {
			sum += freq[tok] / maxF
		}
		// length-normalised so long sentences don't dominate
		if len(toks) > 0 {
			sum /= math.Sqrt(float64(len(toks)))
		}
		scores[i] = scored{i, sum}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	keep := make([]int, maxSentences)
	for i := range keep {
		keep[i] = scores[i].idx
	}
	sort.Ints(keep)
	out := make([]string, len(keep))
	for i, idx := range keep {
		out[i] = sentences[idx]
	}
	return strings.Join(out, " ")
}

// SplitSentences splits text into trimmed sentences. It cuts after terminal
// punctuation followed by whitespace, and at line breaks, so decimals like
// "5.5" stay whole.
func SplitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	flush := func(end int) {
		if t := strings.TrimSpace(string(runes[start:end])); t != "" {
			out = append(out, t)
		}
		start = end
	}
	for i, r := range runes {
		switch {
		case r == '\n':
			flush(i + 1)
		case strings.ContainsRune(".!?", r) && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])):
			flush(i + 1)
		}
	}
	flush(len(runes))
	return out
}

func (s *Summarizer) tokens(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := s.stopwords[t]; stop || len([]rune(t)) < 2 {
			continue
		}
		out = append(out, t)
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
		"what", "which", "when", "how", "why", "where", "do", "does", "my", "i", "me", "we", "our", "you", "your", "best", "much", "many",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
