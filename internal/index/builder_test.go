package index

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"farmadvisor/internal/domain"
	"farmadvisor/internal/embedding/tfidf"
	"farmadvisor/internal/vectorstore"
	"farmadvisor/internal/vectorstore/memory"
)

// countingEmbedder wraps the tfidf embedder and counts Embed calls.
type countingEmbedder struct {
	*tfidf.Embedder
	calls atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.Embedder.Embed(ctx, text)
}

type brokenEmbedder struct{ countingEmbedder }

func (b *brokenEmbedder) Prepare([]string) error { return errors.New("weights file missing") }

func entries(questions ...string) []domain.CorpusEntry {
	out := make([]domain.CorpusEntry, len(questions))
	for i, q := range questions {
		out[i] = domain.CorpusEntry{ID: i, Question: q, Advice: "advice " + q}
	}
	return out
}

var farm = entries(
	"How to treat wheat rust?",
	"Best soil pH for rice?",
	"When should maize be irrigated?",
	"How much nitrogen does wheat need?",
	"Which pests attack cotton bolls?",
)

func TestBuild_EmbedsEveryQuestion(t *testing.T) {
	emb := &countingEmbedder{Embedder: tfidf.NewEmbedder()}
	b := NewBuilder(emb, memory.NewBackend(""), Options{BatchSize: 2, Workers: 3}, zap.NewNop())

	s, err := b.Build(context.Background(), farm)
	require.NoError(t, err)
	assert.Equal(t, len(farm), s.Len())
	assert.EqualValues(t, len(farm), emb.calls.Load())

	h := s.Header()
	assert.Equal(t, emb.Fingerprint(), h.Model)
	assert.Equal(t, vectorstore.Cosine, h.Metric)
	assert.Equal(t, emb.Dimension(), h.Dimension)

	// entry i must be its own nearest neighbour
	for _, e := range farm {
		v, err := emb.Embed(context.Background(), e.Question)
		require.NoError(t, err)
		res, err := s.Search(context.Background(), v, 1)
		require.NoError(t, err)
		assert.Equal(t, e.ID, res[0].EntryID)
	}
}

func TestBuild_EmptyCorpus(t *testing.T) {
	b := NewBuilder(tfidf.NewEmbedder(), memory.NewBackend(""), Options{}, nil)
	s, err := b.Build(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())

	res, err := s.Search(context.Background(), nil, 4)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestOpen_StopwordCorpusIsNotFatal(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	for _, metric := range []vectorstore.Metric{vectorstore.Cosine, vectorstore.L2} {
		b := NewBuilder(tfidf.NewEmbedder(), memory.NewBackend(""), Options{Metric: metric}, zap.New(core))
		s, err := b.Open(context.Background(), entries("What should I do?"))
		require.NoError(t, err, metric)
		assert.Equal(t, 1, s.Len())
		assert.Equal(t, 0, s.Header().Dimension)

		res, err := s.Search(context.Background(), []float32{}, 4)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, 1.0, res[0].Distance, "a vector without terms must not look like a match")
	}
	assert.Equal(t, 2, logs.FilterMessageSnippet("no indexable terms").Len())
}

func TestBuild_ModelUnavailable(t *testing.T) {
	emb := &brokenEmbedder{countingEmbedder{Embedder: tfidf.NewEmbedder()}}
	b := NewBuilder(emb, memory.NewBackend(""), Options{}, nil)
	_, err := b.Build(context.Background(), farm)
	assert.True(t, errors.Is(err, domain.ErrModelUnavailable))
}

func TestOpen_ReusesPersistedIndex(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.gob")

	emb := &countingEmbedder{Embedder: tfidf.NewEmbedder()}
	_, err := NewBuilder(emb, memory.NewBackend(path), Options{}, nil).Open(ctx, farm)
	require.NoError(t, err)
	assert.EqualValues(t, len(farm), emb.calls.Load())

	core, logs := observer.New(zapcore.InfoLevel)
	emb2 := &countingEmbedder{Embedder: tfidf.NewEmbedder()}
	s, err := NewBuilder(emb2, memory.NewBackend(path), Options{}, zap.New(core)).Open(ctx, farm)
	require.NoError(t, err)
	assert.Equal(t, len(farm), s.Len())
	assert.Zero(t, emb2.calls.Load(), "a valid index must not be re-embedded")
	assert.Equal(t, 1, logs.FilterMessage("index loaded").Len())
}

func TestOpen_RebuildsOnCorpusChange(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.gob")
	_, err := NewBuilder(tfidf.NewEmbedder(), memory.NewBackend(path), Options{}, nil).Open(ctx, farm)
	require.NoError(t, err)

	grown := append(append([]domain.CorpusEntry{}, farm...), domain.CorpusEntry{ID: len(farm), Question: "How to store onions?", Advice: "Keep dry"})
	core, logs := observer.New(zapcore.WarnLevel)
	s, err := NewBuilder(tfidf.NewEmbedder(), memory.NewBackend(path), Options{}, zap.New(core)).Open(ctx, grown)
	require.NoError(t, err)
	assert.Equal(t, len(grown), s.Len())
	require.Equal(t, 1, logs.FilterMessage("persisted index rejected, rebuilding").Len())

	// the rewritten file now matches the grown corpus
	loaded, err := memory.LoadFile(path, len(grown))
	require.NoError(t, err)
	assert.Equal(t, len(grown), loaded.Len())
}

func TestOpen_RebuildsOnMetricChange(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.gob")
	_, err := NewBuilder(tfidf.NewEmbedder(), memory.NewBackend(path), Options{Metric: vectorstore.Cosine}, nil).Open(ctx, farm)
	require.NoError(t, err)

	s, err := NewBuilder(tfidf.NewEmbedder(), memory.NewBackend(path), Options{Metric: vectorstore.L2}, nil).Open(ctx, farm)
	require.NoError(t, err)
	assert.Equal(t, vectorstore.L2, s.Header().Metric)
}

func TestVerifyIDs(t *testing.T) {
	s, err := memory.New(vectorstore.Header{Metric: vectorstore.Cosine, Dimension: 1}, [][]float32{{1}, {2}})
	require.NoError(t, err)
	assert.NoError(t, VerifyIDs(context.Background(), s, 2))
	assert.True(t, errors.Is(VerifyIDs(context.Background(), s, 3), domain.ErrIndexCorpusMismatch))
}
