// Package retrieval finds the corpus entries nearest to a free-text query.
package retrieval

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"farmadvisor/internal/domain"
	"farmadvisor/internal/observability"
	"farmadvisor/internal/vectorstore"
)

// Retriever embeds queries with the embedder the index was built with and
// searches the index. It applies no relevance threshold.
type Retriever struct {
	embedder domain.Embedder
	store    vectorstore.Storage
	logger   *zap.Logger
}

// New creates a Retriever. The store must have been built with embedder.
func New(embedder domain.Embedder, store vectorstore.Storage, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{embedder: embedder, store: store, logger: logger.Named("retriever")}
}

// Search returns the min(k, index size) nearest entries, nearest first.
// An empty index yields an empty result; k < 1 is domain.ErrInvalidK.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]domain.RetrievalResult, error) {
	if k < 1 {
		return nil, domain.ErrInvalidK
	}
	if r.store.Len() == 0 {
		return []domain.RetrievalResult{}, nil
	}
	ectx, span := observability.StartStageSpan(ctx, observability.StageEmbed,
		attribute.String("embedder", r.embedder.Name()))
	vec, err := r.embedder.Embed(ectx, query)
	observability.RecordError(span, err)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	sctx, span := observability.StartStageSpan(ctx, observability.StageSearch, attribute.Int("k", k))
	defer span.End()
	results, err := r.store.Search(sctx, vec, k)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("search index: %w", err)
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	r.logger.Debug("search done", zap.Int("k", k), zap.Int("results", len(results)))
	return results, nil
}

// Len reports the number of indexed entries.
func (r *Retriever) Len() int { return r.store.Len() }
