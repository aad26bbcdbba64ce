package domain

import "context"

// CorpusEntry is a single question/advice row of the knowledge base.
// ID equals the row position in the concatenated, path-sorted corpus.
type CorpusEntry struct {
	ID         int
	Question   string
	Advice     string
	SourceFile string
}

// RetrievalResult is one ranked neighbour of a query. Rank 0 is the nearest.
type RetrievalResult struct {
	EntryID  int
	Distance float64
	Rank     int
}

// QueryResponse is what the presentation layer receives for a query.
// TopDistance is nil when nothing cleared the relevance threshold.
type QueryResponse struct {
	Matched     bool     `json:"matched"`
	AdviceText  string   `json:"advice_text"`
	TopDistance *float64 `json:"top_distance,omitempty"`
}

// Embedder converts free text into a dense vector.
// Implementations may require a preparation phase over the corpus.
type Embedder interface {
	Name() string
	// Fingerprint identifies the model (and fitted state) that produced a vector.
	// Indexes built under one fingerprint must not be queried under another.
	Fingerprint() string
	Prepare(corpus []string) error
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is implemented by embedders that can embed many texts per call.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Translator converts text between languages. It is an external collaborator:
// callers must tolerate it being slow or unavailable.
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
}
