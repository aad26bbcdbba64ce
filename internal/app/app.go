// Package app assembles the advisor's components from configuration. Every
// command (build-index, ask, serve) goes through here so they share one
// wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"farmadvisor/internal/config"
	"farmadvisor/internal/corpus"
	"farmadvisor/internal/domain"
	"farmadvisor/internal/embedding/openai"
	"farmadvisor/internal/embedding/tfidf"
	"farmadvisor/internal/index"
	"farmadvisor/internal/observability"
	"farmadvisor/internal/service"
	"farmadvisor/internal/translate"
	"farmadvisor/internal/vectorstore"
	"farmadvisor/internal/vectorstore/memory"
	"farmadvisor/internal/vectorstore/qdrant"
)

// App holds the opened advisor and the resources it owns.
type App struct {
	Config  *config.AppConfig
	Logger  *zap.Logger
	Advisor *service.Advisor

	tracer  *observability.TracerProvider
	closers []func() error
}

// NewEmbedder returns the embedder selected by cfg.
func NewEmbedder(cfg *config.AppConfig, logger *zap.Logger) (domain.Embedder, error) {
	switch cfg.Embedder.Type {
	case "tfidf", "":
		return tfidf.NewEmbedder(), nil
	case "openai":
		o := cfg.Embedder.OpenAI
		if o == nil {
			return nil, domain.ModelUnavailable("openai embedder config missing", nil)
		}
		client, err := openai.NewClient(openai.Config{
			BaseURL:    o.BaseURL,
			APIKeyEnv:  o.APIKeyEnv,
			Model:      o.Model,
			Timeout:    config.Timeout(o.TimeoutSecs),
			BatchSize:  o.BatchSize,
			MaxRetries: o.MaxRetries,
		}, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown embedder: %s", cfg.Embedder.Type)
	}
}

// NewBackend returns the index backend selected by cfg and a function that
// releases its connection.
func NewBackend(cfg *config.AppConfig, logger *zap.Logger) (vectorstore.Backend, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Index.Type {
	case "memory", "":
		return memory.NewBackend(cfg.Index.Path), noop, nil
	case "qdrant":
		q := cfg.Index.Qdrant
		if q == nil {
			return nil, noop, errors.New("qdrant config missing")
		}
		var key string
		if q.APIKeyEnv != "" {
			key = os.Getenv(q.APIKeyEnv)
		}
		b, err := qdrant.New(qdrant.Config{
			Host:       q.Host,
			Port:       q.Port,
			APIKey:     key,
			Collection: q.Collection,
			Timeout:    config.Timeout(q.TimeoutSecs),
		}, logger)
		if err != nil {
			return nil, noop, err
		}
		return b, b.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown index type: %s", cfg.Index.Type)
	}
}

// NewTranslator returns the configured translator, or nil when translation
// is disabled. A translator that cannot be created is logged and skipped:
// the advisor still answers in the corpus language.
func NewTranslator(cfg *config.AppConfig, logger *zap.Logger) domain.Translator {
	t := cfg.Translation
	if !t.Enabled {
		return nil
	}
	tr, err := translate.NewOpenAI(translate.Config{
		BaseURL:   t.BaseURL,
		APIKeyEnv: t.APIKeyEnv,
		Model:     t.Model,
		Timeout:   config.Timeout(t.TimeoutSecs),
	})
	if err != nil {
		logger.Warn("translation disabled", zap.Error(err))
		return nil
	}
	return tr
}

// Options converts the retrieval and index sections into service options.
func Options(cfg *config.AppConfig) (service.Options, error) {
	metric, err := vectorstore.ParseMetric(cfg.Index.Metric)
	if err != nil {
		return service.Options{}, err
	}
	return service.Options{
		TopK:      cfg.Retrieval.TopK,
		Threshold: cfg.Retrieval.Threshold,
		Fallback:  cfg.Retrieval.FallbackText,
		Language:  translate.Normalize(cfg.Data.Language),
		Index: index.Options{
			Metric:    metric,
			BatchSize: cfg.Index.BatchSize,
			Workers:   cfg.Index.Workers,
		},
	}, nil
}

// Params resolves the corpus paths and creates every collaborator needed by
// service.Open. The returned closer releases the backend.
func Params(cfg *config.AppConfig, logger *zap.Logger) (service.Params, func() error, error) {
	noop := func() error { return nil }
	paths, err := corpus.Resolve(cfg.Data.Paths)
	if err != nil {
		return service.Params{}, noop, fmt.Errorf("resolve corpus paths: %w", err)
	}
	opts, err := Options(cfg)
	if err != nil {
		return service.Params{}, noop, err
	}
	emb, err := NewEmbedder(cfg, logger)
	if err != nil {
		return service.Params{}, noop, err
	}
	backend, closeBackend, err := NewBackend(cfg, logger)
	if err != nil {
		return service.Params{}, noop, err
	}
	return service.Params{
		Paths:      paths,
		Embedder:   emb,
		Backend:    backend,
		Translator: NewTranslator(cfg, logger),
		Options:    opts,
	}, closeBackend, nil
}

// Open starts tracing and opens the advisor, reusing a persisted index
// when it still matches the corpus.
func Open(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger, version string) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "farmadvisor",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	a.tracer = tp

	p, closeBackend, err := Params(cfg, logger)
	a.closers = append(a.closers, closeBackend)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.Advisor, err = service.Open(ctx, p, logger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// BuildIndex rebuilds the index from the corpus unconditionally and returns
// the header of the new index.
func BuildIndex(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (vectorstore.Header, error) {
	p, closeBackend, err := Params(cfg, logger)
	defer func() { _ = closeBackend() }()
	if err != nil {
		return vectorstore.Header{}, err
	}
	entries, err := corpus.NewLoader(logger).Load(ctx, p.Paths)
	if err != nil {
		return vectorstore.Header{}, fmt.Errorf("load corpus: %w", err)
	}
	store, err := index.NewBuilder(p.Embedder, p.Backend, p.Options.Index, logger).Build(ctx, entries)
	if err != nil {
		return vectorstore.Header{}, err
	}
	return store.Header(), nil
}

// Close releases the backend and flushes pending spans.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
