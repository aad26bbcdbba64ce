// Package response turns ranked retrieval results into the answer shown to
// the farmer.
package response

import "farmadvisor/internal/domain"

// DefaultFallback is returned when no entry is close enough to the query.
const DefaultFallback = "Sorry, I couldn't find relevant information. Please try rephrasing your question or ask about crop diseases, soil health, irrigation or pest control."

// Composer applies the relevance threshold. A result matches only when its
// distance is at most Threshold.
type Composer struct {
	Threshold float64
	Fallback  string
}

// New creates a Composer. An empty fallback uses DefaultFallback.
func New(threshold float64, fallback string) Composer {
	if fallback == "" {
		fallback = DefaultFallback
	}
	return Composer{Threshold: threshold, Fallback: fallback}
}

// Compose builds the response from results ordered nearest first.
func (c Composer) Compose(results []domain.RetrievalResult, entries []domain.CorpusEntry) domain.QueryResponse {
	return Compose(results, entries, c.Threshold, c.fallback())
}

// NoMatch is the fallback response.
func (c Composer) NoMatch() domain.QueryResponse {
	return domain.QueryResponse{Matched: false, AdviceText: c.fallback()}
}

func (c Composer) fallback() string {
	if c.Fallback == "" {
		return DefaultFallback
	}
	return c.Fallback
}

// Compose returns the advice of the nearest result when its distance does not
// exceed threshold, otherwise the fallback. Results naming an id outside
// entries are treated as no match.
func Compose(results []domain.RetrievalResult, entries []domain.CorpusEntry, threshold float64, fallback string) domain.QueryResponse {
	if len(results) == 0 {
		return domain.QueryResponse{AdviceText: fallback}
	}
	top := results[0]
	if top.Distance > threshold || top.EntryID < 0 || top.EntryID >= len(entries) {
		return domain.QueryResponse{AdviceText: fallback}
	}
	d := top.Distance
	return domain.QueryResponse{
		Matched:     true,
		AdviceText:  entries[top.EntryID].Advice,
		TopDistance: &d,
	}
}
