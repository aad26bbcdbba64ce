// Package index turns a loaded corpus into a searchable vector index and keeps
// the persisted copy in step with the corpus it was built from.
package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"farmadvisor/internal/corpus"
	"farmadvisor/internal/domain"
	"farmadvisor/internal/vectorstore"
)

// Options tune index construction.
type Options struct {
	Metric    vectorstore.Metric
	BatchSize int
	Workers   int
}

// Builder embeds corpus questions and stores them through a backend.
type Builder struct {
	embedder domain.Embedder
	backend  vectorstore.Backend
	opts     Options
	logger   *zap.Logger
}

// NewBuilder creates a Builder. Zero options get defaults.
func NewBuilder(embedder domain.Embedder, backend vectorstore.Backend, opts Options, logger *zap.Logger) *Builder {
	if opts.Metric == "" {
		opts.Metric = vectorstore.Cosine
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{embedder: embedder, backend: backend, opts: opts, logger: logger.Named("index")}
}

// Build prepares the embedder on the corpus questions and builds a fresh
// index, replacing whatever the backend held.
func (b *Builder) Build(ctx context.Context, entries []domain.CorpusEntry) (vectorstore.Storage, error) {
	if err := b.prepare(entries); err != nil {
		return nil, err
	}
	h := b.header(entries)
	b.warnDegenerate(h)
	return b.build(ctx, entries, h)
}

// Open prepares the embedder and returns the persisted index when it still
// describes entries. A missing or mismatched index is rebuilt and rewritten.
func (b *Builder) Open(ctx context.Context, entries []domain.CorpusEntry) (vectorstore.Storage, error) {
	if err := b.prepare(entries); err != nil {
		return nil, err
	}
	want := b.header(entries)
	b.warnDegenerate(want)
	s, err := b.backend.Open(ctx, want)
	switch {
	case err == nil:
		if err = VerifyIDs(ctx, s, len(entries)); err == nil {
			b.logger.Info("index loaded",
				zap.String("backend", b.backend.Name()),
				zap.Int("entries", s.Len()),
				zap.Int("dimension", want.Dimension))
			return s, nil
		}
		b.logger.Warn("persisted index rejected, rebuilding", zap.Error(err))
	case errors.Is(err, domain.ErrIndexNotFound):
		b.logger.Info("no persisted index, building", zap.String("backend", b.backend.Name()))
	default:
		b.logger.Warn("persisted index rejected, rebuilding", zap.Error(err))
	}
	return b.build(ctx, entries, want)
}

func (b *Builder) prepare(entries []domain.CorpusEntry) error {
	if err := b.embedder.Prepare(corpus.Questions(entries)); err != nil {
		if errors.Is(err, domain.ErrModelUnavailable) {
			return err
		}
		return domain.ModelUnavailable("prepare embedder", err)
	}
	return nil
}

// warnDegenerate flags a non-empty corpus the embedder found no terms in.
// Such an index is still built; every query then gets the fallback answer.
func (b *Builder) warnDegenerate(h vectorstore.Header) {
	if h.Size > 0 && h.Dimension == 0 {
		b.logger.Warn("embedder found no indexable terms in the corpus, every query will get the fallback answer",
			zap.String("model", h.Model), zap.Int("entries", h.Size))
	}
}

func (b *Builder) header(entries []domain.CorpusEntry) vectorstore.Header {
	return vectorstore.Header{
		Model:     b.embedder.Fingerprint(),
		Metric:    b.opts.Metric,
		Dimension: b.embedder.Dimension(),
		Size:      len(entries),
		Digest:    corpus.Digest(entries),
	}
}

func (b *Builder) build(ctx context.Context, entries []domain.CorpusEntry, h vectorstore.Header) (vectorstore.Storage, error) {
	start := time.Now()
	vectors, err := b.embedAll(ctx, entries, h.Dimension)
	if err != nil {
		return nil, err
	}
	s, err := b.backend.Build(ctx, h, vectors)
	if err != nil {
		return nil, fmt.Errorf("build %s index: %w", b.backend.Name(), err)
	}
	if err := VerifyIDs(ctx, s, len(entries)); err != nil {
		return nil, err
	}
	b.logger.Info("index built",
		zap.String("backend", b.backend.Name()),
		zap.Int("entries", len(entries)),
		zap.Int("dimension", h.Dimension),
		zap.Duration("took", time.Since(start)))
	return s, nil
}

// embedAll embeds every entry's question; vectors[i] belongs to entry i.
func (b *Builder) embedAll(ctx context.Context, entries []domain.CorpusEntry, dim int) ([][]float32, error) {
	vectors := make([][]float32, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)
	for start := 0; start < len(entries); start += b.opts.BatchSize {
		batch := entries[start:min(start+b.opts.BatchSize, len(entries))]
		g.Go(func() error {
			vecs, err := b.embedBatch(gctx, batch)
			if err != nil {
				return err
			}
			for i, v := range vecs {
				if len(v) != dim {
					return fmt.Errorf("entry %d: embedding dimension %d, want %d", batch[i].ID, len(v), dim)
				}
				vectors[batch[i].ID] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("embed corpus: %w", err)
	}
	return vectors, nil
}

func (b *Builder) embedBatch(ctx context.Context, batch []domain.CorpusEntry) ([][]float32, error) {
	texts := corpus.Questions(batch)
	if be, ok := b.embedder.(domain.BatchEmbedder); ok {
		return be.EmbedBatch(ctx, texts)
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := b.embedder.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

// VerifyIDs checks that s holds exactly the ids 0..size-1.
func VerifyIDs(ctx context.Context, s vectorstore.Storage, size int) error {
	ids, err := s.IDs(ctx)
	if err != nil {
		return fmt.Errorf("list index ids: %w", err)
	}
	if len(ids) != size {
		return domain.IndexCorpusMismatch("index has %d ids, corpus has %d entries", len(ids), size)
	}
	for i, id := range ids {
		if id != i {
			return domain.IndexCorpusMismatch("index id %d at position %d", id, i)
		}
	}
	return nil
}
