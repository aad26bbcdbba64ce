package response

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmadvisor/internal/domain"
)

var entries = []domain.CorpusEntry{
	{ID: 0, Question: "How to treat wheat rust?", Advice: "Apply fungicide X"},
	{ID: 1, Question: "Best soil pH for rice?", Advice: "Maintain pH 5.5-6.5"},
}

func TestCompose(t *testing.T) {
	tests := []struct {
		name      string
		results   []domain.RetrievalResult
		threshold float64
		matched   bool
		advice    string
	}{
		{"no results", nil, 0.45, false, "fallback"},
		{"within threshold", []domain.RetrievalResult{{EntryID: 0, Distance: 0.18}, {EntryID: 1, Distance: 1, Rank: 1}}, 0.45, true, "Apply fungicide X"},
		{"exactly threshold", []domain.RetrievalResult{{EntryID: 1, Distance: 0.45}}, 0.45, true, "Maintain pH 5.5-6.5"},
		{"above threshold", []domain.RetrievalResult{{EntryID: 1, Distance: 0.5}}, 0.45, false, "fallback"},
		{"unknown id", []domain.RetrievalResult{{EntryID: 7, Distance: 0}}, 0.45, false, "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compose(tt.results, entries, tt.threshold, "fallback")
			assert.Equal(t, tt.matched, got.Matched)
			assert.Equal(t, tt.advice, got.AdviceText)
			if tt.matched {
				require.NotNil(t, got.TopDistance)
				assert.Equal(t, tt.results[0].Distance, *got.TopDistance)
			} else {
				assert.Nil(t, got.TopDistance)
			}
		})
	}
}

func TestCompose_MonotoneInThreshold(t *testing.T) {
	results := []domain.RetrievalResult{{EntryID: 0, Distance: 0.3}}
	thresholds := []float64{0, 0.1, 0.29, 0.3, 0.31, 0.45, 1, 2}
	seenMatch := false
	for _, th := range thresholds {
		got := Compose(results, entries, th, DefaultFallback)
		if seenMatch {
			assert.True(t, got.Matched, "raising threshold to %v lost the match", th)
			assert.Equal(t, "Apply fungicide X", got.AdviceText)
		}
		seenMatch = seenMatch || got.Matched
	}
	assert.True(t, seenMatch)
}

func TestComposer_Defaults(t *testing.T) {
	c := New(0.45, "")
	assert.Equal(t, DefaultFallback, c.NoMatch().AdviceText)
	assert.False(t, c.NoMatch().Matched)

	got := c.Compose([]domain.RetrievalResult{{EntryID: 0, Distance: 0.9}}, entries)
	assert.Equal(t, DefaultFallback, got.AdviceText)

	custom := New(1, "Ask your local extension officer.")
	assert.Equal(t, "Ask your local extension officer.", custom.Compose(nil, entries).AdviceText)
}
