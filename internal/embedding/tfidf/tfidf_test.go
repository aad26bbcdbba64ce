package tfidf

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var questions = []string{
	"How to treat wheat rust?",
	"Best soil pH for rice?",
}

func TestEmbed_Deterministic(t *testing.T) {
	e := NewEmbedder()
	require.NoError(t, e.Prepare(questions))

	a, err := e.Embed(context.Background(), "wheat rust treatment")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "wheat rust treatment")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, e.Dimension())
}

func TestEmbed_UnitLength(t *testing.T) {
	e := NewEmbedder()
	require.NoError(t, e.Prepare(questions))

	v, err := e.Embed(context.Background(), "rust on wheat leaves")
	require.NoError(t, err)
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)
}

func TestEmbed_EmptyTextIsZeroVector(t *testing.T) {
	e := NewEmbedder()
	require.NoError(t, e.Prepare(questions))

	v, err := e.Embed(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, v, e.Dimension())
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestEmbed_NotPrepared(t *testing.T) {
	_, err := NewEmbedder().Embed(context.Background(), "wheat")
	assert.Error(t, err)
}

func TestPrepare_EmptyCorpus(t *testing.T) {
	e := NewEmbedder()
	require.NoError(t, e.Prepare(nil))
	assert.Equal(t, 0, e.Dimension())

	v, err := e.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestPrepare_OnlyStopwords(t *testing.T) {
	e := NewEmbedder()
	require.NoError(t, e.Prepare([]string{"What should I do?", "how to do it"}))
	assert.Equal(t, 0, e.Dimension())

	v, err := e.Embed(context.Background(), "wheat rust")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestFingerprint_TracksVocabulary(t *testing.T) {
	a := NewEmbedder()
	require.NoError(t, a.Prepare(questions))
	b := NewEmbedder()
	require.NoError(t, b.Prepare(questions))
	c := NewEmbedder()
	require.NoError(t, c.Prepare([]string{"When to irrigate maize?"}))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Contains(t, a.Fingerprint(), "tfidf:")
}
