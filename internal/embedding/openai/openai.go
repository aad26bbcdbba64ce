package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"farmadvisor/internal/domain"
	"farmadvisor/internal/embedding"
)

const probeText = "soil moisture before sowing"

// Client is an OpenAI-compatible embeddings client implementing domain.Embedder.
// Any server speaking the /embeddings API works, including local
// sentence-transformer servers.
type Client struct {
	client     *openai.Client
	model      string
	dimension  int
	batchSize  int
	maxRetries int
	logger     *zap.Logger
}

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL    string
	APIKeyEnv  string
	Model      string
	Timeout    time.Duration
	BatchSize  int
	MaxRetries int
}

// NewClient creates a new embeddings client using the provided configuration.
// A missing API key is reported as domain.ErrModelUnavailable.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "OPENAI_API_KEY"
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, domain.ModelUnavailable(fmt.Sprintf("missing API key in env %s", cfg.APIKeyEnv), nil)
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	oc := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{
		client:     openai.NewClientWithConfig(oc),
		model:      cfg.Model,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		logger:     logger.Named("embedder.openai"),
	}, nil
}

// Name returns the identifier of this embedder implementation.
func (c *Client) Name() string { return "openai" }

// Fingerprint returns the model name and dimension.
func (c *Client) Fingerprint() string {
	return fmt.Sprintf("openai:%s:%d", c.model, c.dimension)
}

// Prepare does not fit anything to the corpus. It probes the endpoint once to
// learn the model dimension; failure means the model is unavailable.
func (c *Client) Prepare(_ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	vecs, err := c.request(ctx, []string{probeText})
	if err != nil {
		return domain.ModelUnavailable(fmt.Sprintf("probe model %s", c.model), err)
	}
	c.dimension = len(vecs[0])
	c.logger.Info("embedding model ready", zap.String("model", c.model), zap.Int("dimension", c.dimension))
	return nil
}

// Dimension returns the dimensionality of the produced embedding vectors.
func (c *Client) Dimension() int { return c.dimension }

// Embed returns the normalised embedding of text. Blank text maps to the zero
// vector without a remote call.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in request batches of the configured size.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c.dimension == 0 {
		return nil, errors.New("openai embedder not prepared")
	}
	out := make([][]float32, len(texts))
	var pending []string
	var slots []int
	for i, t := range texts {
		if t == "" {
			out[i] = make([]float32, c.dimension)
			continue
		}
		pending = append(pending, t)
		slots = append(slots, i)
	}
	for start := 0; start < len(pending); start += c.batchSize {
		end := min(start+c.batchSize, len(pending))
		vecs, err := c.request(ctx, pending[start:end])
		if err != nil {
			return nil, err
		}
		for j, v := range vecs {
			if len(v) != c.dimension {
				return nil, fmt.Errorf("embedding dimension changed: got %d, want %d", len(v), c.dimension)
			}
			out[slots[start+j]] = v
		}
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, inputs []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: inputs,
		Model: openai.EmbeddingModel(c.model),
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, retryDelay(attempt-1)); err != nil {
				return nil, err
			}
		}
		resp, err := c.client.CreateEmbeddings(ctx, req)
		if err != nil {
			lastErr = err
			if retryable(err) {
				c.logger.Warn("embedding request failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			return nil, err
		}
		if len(resp.Data) != len(inputs) {
			return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), len(inputs))
		}
		data := resp.Data
		sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
		vecs := make([][]float32, len(data))
		for i, d := range data {
			if len(d.Embedding) == 0 {
				return nil, errors.New("empty embedding")
			}
			v := make([]float32, len(d.Embedding))
			for k, x := range d.Embedding {
				v[k] = float32(x)
			}
			// L2 normalize (cosine distance over unit vectors)
			embedding.Normalize(v)
			vecs[i] = v
		}
		return vecs, nil
	}
	return nil, fmt.Errorf("openai embeddings failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 200 * time.Millisecond
	// exponential backoff capped at 5s
	d := base << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
