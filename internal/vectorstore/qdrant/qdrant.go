package qdrant

import (
	"context"
	"errors"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"farmadvisor/internal/domain"
	"farmadvisor/internal/vectorstore"
	"farmadvisor/internal/vectorstore/memory"
)

const (
	upsertBatch = 256
	// tieSlack is how many points beyond topK a search asks for, so that
	// entries tied at the k-th distance can still be ordered by id.
	tieSlack = 8
)

// Config contains connection details for a Qdrant server.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// Backend stores the index as a Qdrant collection. Point ids are the corpus
// entry ids; every point carries the model and corpus digest in its payload.
type Backend struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	cfg         Config
	logger      *zap.Logger
}

// New connects to Qdrant over gRPC.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.Collection == "" {
		return nil, errors.New("qdrant collection name is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	return NewWithConn(conn, cfg, logger), nil
}

// NewWithConn wraps an existing connection.
func NewWithConn(conn *grpc.ClientConn, cfg Config, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Backend{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		cfg:         cfg,
		logger:      logger.Named("qdrant"),
	}
}

func (b *Backend) Name() string { return "qdrant" }

// Close releases the gRPC connection.
func (b *Backend) Close() error { return b.conn.Close() }

// Build drops and recreates the collection, then upserts one point per entry.
func (b *Backend) Build(ctx context.Context, h vectorstore.Header, vectors [][]float32) (vectorstore.Storage, error) {
	ctx, cancel := b.rpcContext(ctx)
	defer cancel()

	h.Size = len(vectors)
	if _, err := b.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: b.cfg.Collection}); err != nil && status.Code(err) != codes.NotFound {
		return nil, fmt.Errorf("qdrant drop collection: %w", err)
	}
	// Qdrant rejects empty collections and zero-sized vectors.
	if len(vectors) == 0 || h.Dimension == 0 {
		return memory.New(h, vectors)
	}
	distance, err := toDistance(h.Metric)
	if err != nil {
		return nil, err
	}
	_, err = b.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: b.cfg.Collection,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{Params: &pb.VectorParams{
			Size:     uint64(h.Dimension),
			Distance: distance,
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant create collection: %w", err)
	}

	wait := true
	for start := 0; start < len(vectors); start += upsertBatch {
		end := min(start+upsertBatch, len(vectors))
		points := make([]*pb.PointStruct, 0, end-start)
		for id := start; id < end; id++ {
			if len(vectors[id]) != h.Dimension {
				return nil, fmt.Errorf("vector %d: dimension %d, want %d", id, len(vectors[id]), h.Dimension)
			}
			points = append(points, &pb.PointStruct{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(id)}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vectors[id]}}},
				Payload: map[string]*pb.Value{
					"model":  {Kind: &pb.Value_StringValue{StringValue: h.Model}},
					"digest": {Kind: &pb.Value_StringValue{StringValue: h.Digest}},
				},
			})
		}
		if _, err := b.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: b.cfg.Collection,
			Wait:           &wait,
			Points:         points,
		}); err != nil {
			return nil, fmt.Errorf("qdrant upsert: %w", err)
		}
	}
	b.logger.Info("collection built", zap.String("collection", b.cfg.Collection), zap.Int("points", len(vectors)))
	return &storage{backend: b, header: h}, nil
}

// Open checks the collection's point count, vector size, distance and
// payload markers against want.
func (b *Backend) Open(ctx context.Context, want vectorstore.Header) (vectorstore.Storage, error) {
	if want.Size == 0 || want.Dimension == 0 {
		return memory.New(want, make([][]float32, want.Size))
	}
	ctx, cancel := b.rpcContext(ctx)
	defer cancel()

	info, err := b.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: b.cfg.Collection})
	if status.Code(err) == codes.NotFound {
		return nil, domain.ErrIndexNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("qdrant collection info: %w", err)
	}
	got := vectorstore.Header{}
	params := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams()
	got.Dimension = int(params.GetSize())
	got.Metric = fromDistance(params.GetDistance())

	exact := true
	count, err := b.points.Count(ctx, &pb.CountPoints{CollectionName: b.cfg.Collection, Exact: &exact})
	if err != nil {
		return nil, fmt.Errorf("qdrant count: %w", err)
	}
	got.Size = int(count.GetResult().GetCount())

	limit := uint32(1)
	scroll, err := b.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: b.cfg.Collection,
		Limit:          &limit,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant scroll: %w", err)
	}
	if pts := scroll.GetResult(); len(pts) > 0 {
		got.Model = pts[0].GetPayload()["model"].GetStringValue()
		got.Digest = pts[0].GetPayload()["digest"].GetStringValue()
	}
	if err := vectorstore.Compare(want, got); err != nil {
		return nil, err
	}
	return &storage{backend: b, header: got}, nil
}

func (b *Backend) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.APIKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", b.cfg.APIKey)
	}
	return context.WithTimeout(ctx, b.cfg.Timeout)
}

// storage serves searches from a built or verified collection.
type storage struct {
	backend *Backend
	header  vectorstore.Header
}

func (s *storage) Header() vectorstore.Header { return s.header }

func (s *storage) Len() int { return s.header.Size }

func (s *storage) IDs(ctx context.Context) ([]int, error) {
	b := s.backend
	ctx, cancel := b.rpcContext(ctx)
	defer cancel()

	ids := make([]int, 0, s.header.Size)
	limit := uint32(512)
	var offset *pb.PointId
	for {
		resp, err := b.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: b.cfg.Collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: false}},
		})
		if err != nil {
			return nil, fmt.Errorf("qdrant scroll: %w", err)
		}
		for _, p := range resp.GetResult() {
			ids = append(ids, int(p.GetId().GetNum()))
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return ids, nil
		}
	}
}

func (s *storage) Search(ctx context.Context, vector []float32, topK int) ([]domain.RetrievalResult, error) {
	if topK < 1 {
		return nil, domain.ErrInvalidK
	}
	if s.header.Size == 0 {
		return []domain.RetrievalResult{}, nil
	}
	if len(vector) != s.header.Dimension {
		return nil, fmt.Errorf("query dimension %d, index dimension %d", len(vector), s.header.Dimension)
	}
	// Qdrant orders ties arbitrarily, so the window grows until every point
	// tied with the k-th result is inside it.
	limit := min(topK+tieSlack, s.header.Size)
	for {
		results, err := s.search(ctx, vector, limit)
		if err != nil {
			return nil, err
		}
		if len(results) < limit || limit >= s.header.Size {
			return vectorstore.Rank(results, topK), nil
		}
		farthest := 0.0
		for _, r := range results {
			farthest = max(farthest, r.Distance)
		}
		ranked := vectorstore.Rank(results, topK)
		if farthest > ranked[len(ranked)-1].Distance {
			return ranked, nil
		}
		limit = min(limit*2, s.header.Size)
	}
}

func (s *storage) search(ctx context.Context, vector []float32, limit int) ([]domain.RetrievalResult, error) {
	b := s.backend
	ctx, cancel := b.rpcContext(ctx)
	defer cancel()

	resp, err := b.points.Search(ctx, &pb.SearchPoints{
		CollectionName: b.cfg.Collection,
		Vector:         vector,
		Limit:          uint64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}
	results := make([]domain.RetrievalResult, len(resp.GetResult()))
	for i, pt := range resp.GetResult() {
		results[i] = domain.RetrievalResult{
			EntryID:  int(pt.GetId().GetNum()),
			Distance: scoreToDistance(s.header.Metric, pt.GetScore()),
		}
	}
	return results, nil
}

func toDistance(m vectorstore.Metric) (pb.Distance, error) {
	switch m {
	case vectorstore.Cosine:
		return pb.Distance_Cosine, nil
	case vectorstore.L2:
		return pb.Distance_Euclid, nil
	default:
		return pb.Distance_UnknownDistance, fmt.Errorf("metric %q not supported by qdrant", m)
	}
}

func fromDistance(d pb.Distance) vectorstore.Metric {
	switch d {
	case pb.Distance_Cosine:
		return vectorstore.Cosine
	case pb.Distance_Euclid:
		return vectorstore.L2
	default:
		return vectorstore.Metric(d.String())
	}
}

// scoreToDistance converts a Qdrant score: cosine similarity becomes 1 - sim,
// Euclid scores already are distances.
func scoreToDistance(m vectorstore.Metric, score float32) float64 {
	if m == vectorstore.Cosine {
		return 1 - float64(score)
	}
	return float64(score)
}

var (
	_ vectorstore.Backend = (*Backend)(nil)
	_ vectorstore.Storage = (*storage)(nil)
)
