package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"

	"farmadvisor/internal/domain"
)

// Metric is the distance function an index was built with. Lower is nearer.
type Metric string

const (
	// Cosine is 1 - cos(a, b); range [0, 2].
	Cosine Metric = "cosine"
	// L2 is the Euclidean distance.
	L2 Metric = "l2"
)

// ParseMetric validates a metric name. Empty means Cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", Cosine:
		return Cosine, nil
	case L2:
		return L2, nil
	default:
		return "", fmt.Errorf("unknown distance metric %q", s)
	}
}

// Distance computes the metric between equal-length vectors. A zero vector
// is at distance 1 from every vector, itself included.
func (m Metric) Distance(a, b []float32) float64 {
	switch m {
	case L2:
		var sum, na, nb float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		// Two vectors without any signal are not a match.
		if na == 0 && nb == 0 {
			return 1
		}
		return math.Sqrt(sum)
	default:
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	}
}

// Header describes the corpus snapshot an index was built for.
type Header struct {
	Model     string
	Metric    Metric
	Dimension int
	Size      int
	Digest    string
}

// Storage is a read-only k-nearest-neighbour index over corpus entry ids.
// Implementations must be safe for concurrent Search calls.
type Storage interface {
	Header() Header
	Len() int
	// IDs returns the entry ids held by the index in ascending order.
	IDs(ctx context.Context) ([]int, error)
	// Search returns min(topK, Len()) results ordered by ascending distance,
	// ties broken by ascending entry id.
	Search(ctx context.Context, vector []float32, topK int) ([]domain.RetrievalResult, error)
}

// Backend builds and reopens storages for one index location.
type Backend interface {
	Name() string
	// Build replaces any existing index with vectors, where vectors[i] belongs to entry i.
	Build(ctx context.Context, h Header, vectors [][]float32) (Storage, error)
	// Open returns the persisted index if it matches want. It fails with
	// domain.ErrIndexNotFound or domain.ErrIndexCorpusMismatch.
	Open(ctx context.Context, want Header) (Storage, error)
}

// Rank sorts results by ascending distance then ascending id, truncates to
// topK and assigns ranks.
func Rank(results []domain.RetrievalResult, topK int) []domain.RetrievalResult {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].EntryID < results[j].EntryID
	})
	if topK < len(results) {
		results = results[:topK]
	}
	for i := range results {
		results[i].Rank = i
	}
	return results
}

// Compare reports how got differs from want, or nil if it describes the same
// corpus snapshot. Empty Model or Digest in want are not checked.
func Compare(want, got Header) error {
	switch {
	case got.Size != want.Size:
		return domain.IndexCorpusMismatch("index has %d entries, corpus has %d", got.Size, want.Size)
	case got.Metric != want.Metric:
		return domain.IndexCorpusMismatch("index metric %s, configured %s", got.Metric, want.Metric)
	case got.Dimension != want.Dimension:
		return domain.IndexCorpusMismatch("index dimension %d, embedder dimension %d", got.Dimension, want.Dimension)
	case want.Model != "" && got.Model != want.Model:
		return domain.IndexCorpusMismatch("index model %q, embedder model %q", got.Model, want.Model)
	case want.Digest != "" && got.Digest != want.Digest:
		return domain.IndexCorpusMismatch("index built for a different corpus")
	}
	return nil
}
