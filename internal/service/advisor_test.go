package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"farmadvisor/internal/domain"
	"farmadvisor/internal/embedding/tfidf"
	"farmadvisor/internal/response"
	"farmadvisor/internal/vectorstore"
	"farmadvisor/internal/vectorstore/memory"
)

const farmCSV = "question,answer\n" +
	"How to treat wheat rust?,Apply fungicide X\n" +
	"Best soil pH for rice?,Maintain pH 5.5-6.5\n"

func writeCorpus(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "farm.csv")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func openAdvisor(t *testing.T, paths []string, opts Options, tr domain.Translator) *Advisor {
	t.Helper()
	a, err := Open(context.Background(), Params{
		Paths:      paths,
		Embedder:   tfidf.NewEmbedder(),
		Backend:    memory.NewBackend(filepath.Join(t.TempDir(), "index.gob")),
		Translator: tr,
		Options:    opts,
	}, zap.NewNop())
	require.NoError(t, err)
	return a
}

func defaultOptions() Options {
	return Options{TopK: 4, Threshold: 0.45}
}

func TestAnswer_WheatRust(t *testing.T) {
	a := openAdvisor(t, []string{writeCorpus(t, farmCSV)}, defaultOptions(), nil)

	resp := a.Answer(context.Background(), "wheat rust treatment")
	assert.True(t, resp.Matched)
	assert.Equal(t, "Apply fungicide X", resp.AdviceText)
	require.NotNil(t, resp.TopDistance)
	assert.LessOrEqual(t, *resp.TopDistance, 0.45)
}

func TestAnswer_Rocket(t *testing.T) {
	a := openAdvisor(t, []string{writeCorpus(t, farmCSV)}, defaultOptions(), nil)

	resp := a.Answer(context.Background(), "How do I build a rocket?")
	assert.False(t, resp.Matched)
	assert.Equal(t, response.DefaultFallback, resp.AdviceText)
	assert.Nil(t, resp.TopDistance)
}

func TestAnswer_EmptyCorpus(t *testing.T) {
	a := openAdvisor(t, nil, Options{TopK: 4, Threshold: 2, Fallback: "No advice yet."}, nil)
	for _, q := range []string{"", "wheat rust treatment", "How do I build a rocket?"} {
		resp := a.Answer(context.Background(), q)
		assert.False(t, resp.Matched)
		assert.Equal(t, "No advice yet.", resp.AdviceText)
	}
	assert.Equal(t, 0, a.Stats().Entries)
}

func TestAnswer_Deterministic(t *testing.T) {
	a := openAdvisor(t, []string{writeCorpus(t, farmCSV)}, defaultOptions(), nil)
	first := a.Answer(context.Background(), "rice soil ph")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, a.Answer(context.Background(), "rice soil ph"))
	}
}

func TestAnswer_Concurrent(t *testing.T) {
	a := openAdvisor(t, []string{writeCorpus(t, farmCSV)}, defaultOptions(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := "wheat rust treatment"
			want := "Apply fungicide X"
			if i%2 == 1 {
				q, want = "soil ph for rice", "Maintain pH 5.5-6.5"
			}
			assert.Equal(t, want, a.Answer(context.Background(), q).AdviceText)
		}(i)
	}
	wg.Wait()
}

func TestAnswer_ThresholdMonotone(t *testing.T) {
	path := writeCorpus(t, farmCSV)
	matched := false
	for _, th := range []float64{0, 0.1, 0.2, 0.45, 1, 2} {
		resp := openAdvisor(t, []string{path}, Options{TopK: 4, Threshold: th}, nil).Answer(context.Background(), "wheat rust treatment")
		if matched {
			assert.True(t, resp.Matched, "threshold %v", th)
		}
		matched = matched || resp.Matched
	}
	assert.True(t, matched)
}

// failingEmbedder prepares normally but cannot embed queries.
type failingEmbedder struct{ *tfidf.Embedder }

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("inference backend crashed")
}

func TestAnswer_StageFailureFallsBack(t *testing.T) {
	emb := tfidf.NewEmbedder()
	entries := []domain.CorpusEntry{{ID: 0, Question: "How to treat wheat rust?", Advice: "Apply fungicide X"}}
	require.NoError(t, emb.Prepare([]string{entries[0].Question}))
	v, err := emb.Embed(context.Background(), entries[0].Question)
	require.NoError(t, err)
	store, err := memory.New(vectorstore.Header{Metric: vectorstore.Cosine, Dimension: emb.Dimension()}, [][]float32{v})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.ErrorLevel)
	a := New(entries, failingEmbedder{emb}, store, "memory", nil, defaultOptions(), zap.New(core))

	resp := a.Answer(context.Background(), "wheat rust")
	assert.False(t, resp.Matched)
	assert.Equal(t, response.DefaultFallback, resp.AdviceText)
	assert.Equal(t, 1, logs.FilterMessage("query failed").Len())
}

type brokenModel struct{ *tfidf.Embedder }

func (brokenModel) Prepare([]string) error {
	return domain.ModelUnavailable("load all-MiniLM-L6-v2", errors.New("no such file"))
}

func TestOpen_ModelUnavailableIsFatal(t *testing.T) {
	_, err := Open(context.Background(), Params{
		Paths:    []string{writeCorpus(t, farmCSV)},
		Embedder: brokenModel{tfidf.NewEmbedder()},
		Backend:  memory.NewBackend(""),
		Options:  defaultOptions(),
	}, nil)
	assert.True(t, errors.Is(err, domain.ErrModelUnavailable))
}

func TestOpen_SkipsBadCorpusFiles(t *testing.T) {
	good := writeCorpus(t, farmCSV)
	dir := t.TempDir()
	junk := filepath.Join(dir, "b.db")
	require.NoError(t, os.WriteFile(junk, []byte("not a database at all, only text in here"), 0o644))

	a := openAdvisor(t, []string{good, junk, filepath.Join(dir, "gone.csv")}, defaultOptions(), nil)
	assert.Equal(t, 2, a.Stats().Entries)

	resp := a.Answer(context.Background(), "wheat rust treatment")
	assert.True(t, resp.Matched)
	assert.Equal(t, "Apply fungicide X", resp.AdviceText)
}

func TestOpen_StopwordCorpusAnswersFallback(t *testing.T) {
	a := openAdvisor(t, []string{writeCorpus(t, "question,answer\nWhat should I do?,Ask your extension officer\n")}, defaultOptions(), nil)

	resp := a.Answer(context.Background(), "What should I do?")
	assert.False(t, resp.Matched)
	assert.Equal(t, response.DefaultFallback, resp.AdviceText)
}

type fakeTranslator struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeTranslator) Translate(_ context.Context, text, from, to string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, from+"->"+to)
	f.mu.Unlock()
	if f.fail {
		return "", errors.New("translation service down")
	}
	if text == "गेहूं में रतुआ का इलाज" {
		return "wheat rust treatment", nil
	}
	return "[" + to + "] " + text, nil
}

func TestAnswerIn_TranslatesBothWays(t *testing.T) {
	tr := &fakeTranslator{}
	a := openAdvisor(t, []string{writeCorpus(t, farmCSV)}, defaultOptions(), tr)

	resp := a.AnswerIn(context.Background(), "गेहूं में रतुआ का इलाज", "hi-IN")
	assert.True(t, resp.Matched)
	assert.Equal(t, "[hi] Apply fungicide X", resp.AdviceText)
	assert.Equal(t, []string{"hi->en", "en->hi"}, tr.calls)
}

func TestAnswerIn_TranslationFailureKeepsAnswer(t *testing.T) {
	tr := &fakeTranslator{fail: true}
	a := openAdvisor(t, []string{writeCorpus(t, farmCSV)}, defaultOptions(), tr)

	resp := a.AnswerIn(context.Background(), "wheat rust treatment", "ta")
	assert.True(t, resp.Matched)
	assert.Equal(t, "Apply fungicide X", resp.AdviceText)
}

func TestAnswerIn_CorpusLanguageSkipsTranslation(t *testing.T) {
	tr := &fakeTranslator{}
	a := openAdvisor(t, []string{writeCorpus(t, farmCSV)}, defaultOptions(), tr)
	a.AnswerIn(context.Background(), "wheat rust treatment", "EN")
	assert.Empty(t, tr.calls)
}

func TestAnswerWithRelated_SearchesTranslatedQuery(t *testing.T) {
	tr := &fakeTranslator{}
	a := openAdvisor(t, []string{writeCorpus(t, farmCSV)}, defaultOptions(), tr)

	resp, related, err := a.AnswerWithRelated(context.Background(), "गेहूं में रतुआ का इलाज", "hi", 4)
	require.NoError(t, err)
	assert.True(t, resp.Matched)
	assert.Equal(t, "[hi] Apply fungicide X", resp.AdviceText)
	require.Len(t, related, 2)
	assert.Equal(t, 0, related[0].EntryID)
	assert.Less(t, related[0].Distance, 1.0)
	assert.Equal(t, "Apply fungicide X", related[0].Advice)
	assert.Equal(t, []string{"hi->en", "en->hi"}, tr.calls, "the query is translated once")
}

func TestExplainIn(t *testing.T) {
	tr := &fakeTranslator{}
	a := openAdvisor(t, []string{writeCorpus(t, farmCSV)}, defaultOptions(), tr)

	matches, err := a.ExplainIn(context.Background(), "गेहूं में रतुआ का इलाज", "hi-IN", 2)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, 0, matches[0].EntryID)
	assert.Less(t, matches[0].Distance, 1.0)
	assert.Equal(t, []string{"hi->en"}, tr.calls)

	tr.calls = nil
	_, err = a.ExplainIn(context.Background(), "wheat rust treatment", "en", 2)
	require.NoError(t, err)
	assert.Empty(t, tr.calls)
}

func TestExplain(t *testing.T) {
	a := openAdvisor(t, []string{writeCorpus(t, farmCSV)}, defaultOptions(), nil)

	matches, err := a.Explain(context.Background(), "wheat rust treatment", 4)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, 0, matches[0].EntryID)
	assert.Equal(t, "How to treat wheat rust?", matches[0].Question)
	assert.Equal(t, "Apply fungicide X", matches[0].Summary)
	assert.True(t, strings.HasSuffix(matches[0].SourceFile, "farm.csv"))
	assert.Equal(t, 1, matches[1].Rank)

	_, err = a.Explain(context.Background(), "wheat", 0)
	assert.True(t, errors.Is(err, domain.ErrInvalidK))
}

func TestStats(t *testing.T) {
	a := openAdvisor(t, []string{writeCorpus(t, farmCSV)}, defaultOptions(), nil)
	s := a.Stats()
	assert.Equal(t, 2, s.Entries)
	assert.Len(t, s.Files, 1)
	assert.Equal(t, "tfidf", s.Embedder)
	assert.Equal(t, "cosine", s.Metric)
	assert.Equal(t, "memory", s.Backend)
	assert.Equal(t, 4, s.TopK)
	assert.NotEmpty(t, s.Topics)
	assert.True(t, strings.HasPrefix(s.Model, "tfidf:"))
}
