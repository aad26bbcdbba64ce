package memory

import (
	"context"
	"errors"
	"fmt"
	"os"

	"farmadvisor/internal/domain"
	"farmadvisor/internal/vectorstore"
)

// Storage is an in-memory exact index using brute-force distance scans.
// It is immutable after construction.
type Storage struct {
	header  vectorstore.Header
	vectors [][]float32
}

// New builds a Storage where vectors[i] belongs to entry id i.
func New(h vectorstore.Header, vectors [][]float32) (*Storage, error) {
	if h.Dimension < 0 {
		return nil, errors.New("invalid dimension")
	}
	if _, err := vectorstore.ParseMetric(string(h.Metric)); err != nil {
		return nil, err
	}
	for i, v := range vectors {
		if len(v) != h.Dimension {
			return nil, fmt.Errorf("vector %d: dimension %d, want %d", i, len(v), h.Dimension)
		}
	}
	h.Size = len(vectors)
	return &Storage{header: h, vectors: vectors}, nil
}

func (s *Storage) Header() vectorstore.Header { return s.header }

func (s *Storage) Len() int { return len(s.vectors) }

func (s *Storage) IDs(context.Context) ([]int, error) {
	ids := make([]int, len(s.vectors))
	for i := range ids {
		ids[i] = i
	}
	return ids, nil
}

func (s *Storage) Search(_ context.Context, vector []float32, topK int) ([]domain.RetrievalResult, error) {
	if topK < 1 {
		return nil, domain.ErrInvalidK
	}
	if len(s.vectors) == 0 {
		return []domain.RetrievalResult{}, nil
	}
	if len(vector) != s.header.Dimension {
		return nil, fmt.Errorf("query dimension %d, index dimension %d", len(vector), s.header.Dimension)
	}
	results := make([]domain.RetrievalResult, len(s.vectors))
	for i, v := range s.vectors {
		results[i] = domain.RetrievalResult{EntryID: i, Distance: s.header.Metric.Distance(vector, v)}
	}
	return vectorstore.Rank(results, topK), nil
}

// Backend keeps indexes in memory and persists them to a snapshot file.
// An empty path disables persistence.
type Backend struct {
	path string
}

// NewBackend creates a file-backed memory backend.
func NewBackend(path string) *Backend { return &Backend{path: path} }

func (b *Backend) Name() string { return "memory" }

func (b *Backend) Build(_ context.Context, h vectorstore.Header, vectors [][]float32) (vectorstore.Storage, error) {
	s, err := New(h, vectors)
	if err != nil {
		return nil, err
	}
	if b.path != "" {
		if err := SaveFile(b.path, s); err != nil {
			return nil, fmt.Errorf("persist index: %w", err)
		}
	}
	return s, nil
}

func (b *Backend) Open(_ context.Context, want vectorstore.Header) (vectorstore.Storage, error) {
	if b.path == "" {
		return nil, domain.ErrIndexNotFound
	}
	s, err := LoadFile(b.path, want.Size)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrIndexNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := vectorstore.Compare(want, s.Header()); err != nil {
		return nil, err
	}
	return s, nil
}

var (
	_ vectorstore.Storage = (*Storage)(nil)
	_ vectorstore.Backend = (*Backend)(nil)
)
