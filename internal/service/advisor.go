// Package service wires the corpus, embedder, index and composer into the
// Advisor that every front end (CLI, TUI, HTTP) queries.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"farmadvisor/internal/corpus"
	"farmadvisor/internal/domain"
	"farmadvisor/internal/index"
	"farmadvisor/internal/observability"
	"farmadvisor/internal/response"
	"farmadvisor/internal/retrieval"
	"farmadvisor/internal/summarizer"
	"farmadvisor/internal/translate"
	"farmadvisor/internal/vectorstore"
)

// Options holds the query-time policy.
type Options struct {
	TopK      int
	Threshold float64
	Fallback  string
	// Language is the language the corpus is written in.
	Language string
	Index    index.Options
}

// Params are the collaborators needed to open an Advisor.
type Params struct {
	// Paths are corpus files; directories and globs must already be resolved.
	Paths      []string
	Embedder   domain.Embedder
	Backend    vectorstore.Backend
	Translator domain.Translator
	Options    Options
}

// Match is one ranked entry joined with its corpus row.
type Match struct {
	Rank       int     `json:"rank"`
	EntryID    int     `json:"entry_id"`
	Distance   float64 `json:"distance"`
	Question   string  `json:"question"`
	Advice     string  `json:"advice"`
	Summary    string  `json:"summary"`
	SourceFile string  `json:"source_file,omitempty"`
}

// Stats describes the loaded knowledge base.
type Stats struct {
	Entries   int                `json:"entries"`
	Files     []string           `json:"files"`
	Model     string             `json:"model"`
	Embedder  string             `json:"embedder"`
	Dimension int                `json:"dimension"`
	Metric    string             `json:"metric"`
	Backend   string             `json:"backend"`
	TopK      int                `json:"top_k"`
	Threshold float64            `json:"threshold"`
	Topics    []summarizer.Topic `json:"topics"`
}

// Advisor answers farming questions from the loaded knowledge base. It is
// built once at startup and is read-only afterwards, so it is safe for
// concurrent use.
type Advisor struct {
	entries    []domain.CorpusEntry
	embedder   domain.Embedder
	store      vectorstore.Storage
	retriever  *retrieval.Retriever
	composer   response.Composer
	translator domain.Translator
	summarizer *summarizer.Summarizer
	backend    string
	opts       Options
	logger     *zap.Logger
}

// Open loads the corpus, prepares the embedder and opens (or rebuilds) the
// index. A domain.ErrModelUnavailable error is fatal: there is no fallback
// model.
func Open(ctx context.Context, p Params, logger *zap.Logger) (*Advisor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if p.Embedder == nil || p.Backend == nil {
		return nil, errors.New("embedder and index backend are required")
	}
	ctx, span := observability.StartStageSpan(ctx, observability.StageBuild)
	defer span.End()

	entries, err := corpus.NewLoader(logger).Load(ctx, p.Paths)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	if len(entries) == 0 {
		logger.Warn("knowledge base is empty, every query will get the fallback answer",
			zap.Strings("paths", p.Paths))
	}
	store, err := index.NewBuilder(p.Embedder, p.Backend, p.Options.Index, logger).Open(ctx, entries)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("entries", len(entries)))
	return New(entries, p.Embedder, store, p.Backend.Name(), p.Translator, p.Options, logger), nil
}

// New assembles an Advisor from an already built index. store must have been
// built from entries with embedder.
func New(entries []domain.CorpusEntry, embedder domain.Embedder, store vectorstore.Storage, backend string,
	translator domain.Translator, opts Options, logger *zap.Logger) *Advisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TopK < 1 {
		opts.TopK = 4
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	return &Advisor{
		entries:    entries,
		embedder:   embedder,
		store:      store,
		retriever:  retrieval.New(embedder, store, logger),
		composer:   response.New(opts.Threshold, opts.Fallback),
		translator: translate.NewIsolated(translator, 0, logger),
		summarizer: summarizer.New(),
		backend:    backend,
		opts:       opts,
		logger:     logger.Named("advisor"),
	}
}

// Answer returns the advice for rawQuery. Failures at any stage are logged
// and turned into the fallback response; no error reaches the caller.
func (a *Advisor) Answer(ctx context.Context, rawQuery string) domain.QueryResponse {
	results, err := a.retriever.Search(ctx, rawQuery, a.opts.TopK)
	if err != nil {
		a.logger.Error("query failed", zap.String("query", rawQuery), zap.Error(err))
		return a.composer.NoMatch()
	}

	_, span := observability.StartStageSpan(ctx, observability.StageCompose)
	defer span.End()
	resp := a.composer.Compose(results, a.entries)
	span.SetAttributes(attribute.Bool("matched", resp.Matched))

	fields := []zap.Field{zap.String("query", rawQuery), zap.Bool("matched", resp.Matched)}
	if len(results) > 0 {
		fields = append(fields, zap.Int("top_id", results[0].EntryID), zap.Float64("top_distance", results[0].Distance))
	}
	a.logger.Debug("answered", fields...)
	return resp
}

// AnswerIn answers a query written in lang and returns the advice translated
// back to lang. Translation problems fall back to the untranslated text.
func (a *Advisor) AnswerIn(ctx context.Context, rawQuery, lang string) domain.QueryResponse {
	query, lang, foreign := a.toCorpusLanguage(ctx, rawQuery, lang)
	resp := a.Answer(ctx, query)
	if foreign {
		resp.AdviceText = a.fromCorpusLanguage(ctx, resp.AdviceText, lang)
	}
	return resp
}

// ExplainIn is Explain for a query written in lang. The matched entries are
// returned in the corpus language.
func (a *Advisor) ExplainIn(ctx context.Context, rawQuery, lang string, k int) ([]Match, error) {
	query, _, _ := a.toCorpusLanguage(ctx, rawQuery, lang)
	return a.Explain(ctx, query, k)
}

// AnswerWithRelated combines AnswerIn and ExplainIn, translating the query
// once. A failed related-entries search still returns the answer.
func (a *Advisor) AnswerWithRelated(ctx context.Context, rawQuery, lang string, k int) (domain.QueryResponse, []Match, error) {
	query, lang, foreign := a.toCorpusLanguage(ctx, rawQuery, lang)
	resp := a.Answer(ctx, query)
	if foreign {
		resp.AdviceText = a.fromCorpusLanguage(ctx, resp.AdviceText, lang)
	}
	related, err := a.Explain(ctx, query, k)
	return resp, related, err
}

// toCorpusLanguage translates rawQuery from lang into the corpus language.
// foreign is false when no translation applies.
func (a *Advisor) toCorpusLanguage(ctx context.Context, rawQuery, lang string) (query, normLang string, foreign bool) {
	normLang = translate.Normalize(lang)
	if normLang == "" || normLang == a.opts.Language {
		return rawQuery, normLang, false
	}
	tctx, span := observability.StartStageSpan(ctx, observability.StageTranslate, attribute.String("lang", normLang))
	defer span.End()
	query, _ = a.translator.Translate(tctx, rawQuery, normLang, a.opts.Language)
	return query, normLang, true
}

func (a *Advisor) fromCorpusLanguage(ctx context.Context, text, lang string) string {
	tctx, span := observability.StartStageSpan(ctx, observability.StageTranslate, attribute.String("lang", lang))
	defer span.End()
	out, _ := a.translator.Translate(tctx, text, a.opts.Language, lang)
	return out
}

// Explain returns up to k ranked entries for rawQuery without applying the
// relevance threshold.
func (a *Advisor) Explain(ctx context.Context, rawQuery string, k int) ([]Match, error) {
	results, err := a.retriever.Search(ctx, rawQuery, k)
	if err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		if r.EntryID < 0 || r.EntryID >= len(a.entries) {
			continue
		}
		e := a.entries[r.EntryID]
		matches = append(matches, Match{
			Rank:       r.Rank,
			EntryID:    r.EntryID,
			Distance:   r.Distance,
			Question:   e.Question,
			Advice:     e.Advice,
			Summary:    a.summarizer.Summarize(e.Advice, 2),
			SourceFile: e.SourceFile,
		})
	}
	return matches, nil
}

// Stats reports the loaded corpus and index configuration.
func (a *Advisor) Stats() Stats {
	h := a.store.Header()
	return Stats{
		Entries:   len(a.entries),
		Files:     corpus.Files(a.entries),
		Model:     h.Model,
		Embedder:  a.embedder.Name(),
		Dimension: h.Dimension,
		Metric:    string(h.Metric),
		Backend:   a.backend,
		TopK:      a.opts.TopK,
		Threshold: a.opts.Threshold,
		Topics:    a.summarizer.Topics(a.entries, 8),
	}
}

// TopK is the number of neighbours retrieved per query.
func (a *Advisor) TopK() int { return a.opts.TopK }
