// Package semantic owns every Qdrant operation of the knowledge base: the
// hybrid collection layout, batched idempotent upserts, filtered dense and
// sparse queries, and delete/count by file or knowledge base.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/WessleyAI/wessley-kb/engine/domain"
)

// Config describes the Qdrant connection and collection layout.
type Config struct {
	Addr       string
	APIKey     string
	TLS        bool
	Collection string
	DenseName  string
	SparseName string
	Dimensions int
	BatchSize  int
}

// DefaultConfig returns the layout used for OpenAI text-embedding-3-large
// vectors with BM25 term weights.
func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6334",
		DenseName:  "openai-embedding",
		SparseName: "bm25",
		Dimensions: 3072,
		BatchSize:  100,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DenseName == "" {
		c.DenseName = def.DenseName
	}
	if c.SparseName == "" {
		c.SparseName = def.SparseName
	}
	if c.Dimensions <= 0 {
		c.Dimensions = def.Dimensions
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	return c
}

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Query(ctx context.Context, in *pb.QueryPoints, opts ...grpc.CallOption) (*pb.QueryResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations. It is safe for
// concurrent use; concurrent upserts into one collection need no locking
// because document ids never collide across files.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	cfg         Config
	base        *slog.Logger
	logger      *slog.Logger
}

// New connects to Qdrant over gRPC.
func New(cfg Config, logger *slog.Logger) (*VectorStore, error) {
	if cfg.Collection == "" {
		return nil, errors.New("semantic: collection name is required")
	}
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}

	creds := insecure.NewCredentials()
	if cfg.TLS {
		creds = credentials.NewClientTLSFromCert(nil, "")
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if cfg.APIKey != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
	}
	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", cfg.Addr, err)
	}
	v := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), cfg, logger)
	v.conn = conn
	return v, nil
}

// NewWithClients builds a store over existing Qdrant clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, cfg Config, logger *slog.Logger) *VectorStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorStore{
		points:      points,
		collections: collections,
		cfg:         cfg.withDefaults(),
		base:        logger,
		logger:      logger.With("collection", cfg.Collection),
	}
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", key)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Collection returns the collection name.
func (v *VectorStore) Collection() string { return v.cfg.Collection }

// WithCollection returns a store addressing another collection over the same
// connection. Closing it is a no-op.
func (v *VectorStore) WithCollection(name string) *VectorStore {
	if name == "" || name == v.cfg.Collection {
		return v
	}
	cfg := v.cfg
	cfg.Collection = name
	return &VectorStore{
		points:      v.points,
		collections: v.collections,
		cfg:         cfg,
		base:        v.base,
		logger:      v.base.With("collection", name),
	}
}

// EnsureCollection creates the hybrid collection if it does not exist. A
// concurrent creator winning the race is not an error.
func (v *VectorStore) EnsureCollection(ctx context.Context) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return classify(fmt.Errorf("semantic: list collections: %w", err))
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.cfg.Collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.cfg.Collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_ParamsMap{
				ParamsMap: &pb.VectorParamsMap{
					Map: map[string]*pb.VectorParams{
						v.cfg.DenseName: {Size: uint64(v.cfg.Dimensions), Distance: pb.Distance_Cosine},
					},
				},
			},
		},
		SparseVectorsConfig: &pb.SparseVectorConfig{
			Map: map[string]*pb.SparseVectorParams{
				v.cfg.SparseName: {Modifier: pb.Modifier_Idf.Enum()},
			},
		},
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return classify(fmt.Errorf("semantic: create collection %s: %w", v.cfg.Collection, err))
	}
	v.logger.Info("semantic: collection created", "dense", v.cfg.DenseName, "sparse", v.cfg.SparseName, "dims", v.cfg.Dimensions)
	return nil
}

// DeleteCollection deletes the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: v.cfg.Collection})
	if err != nil {
		return classify(fmt.Errorf("semantic: delete collection %s: %w", v.cfg.Collection, err))
	}
	return nil
}

// Upsert writes units in batches keyed by document id, so rewriting a unit
// replaces it. It returns the number of committed points. When a batch fails
// the earlier batches stay committed and the error is an *domain.IndexingError.
func (v *VectorStore) Upsert(ctx context.Context, units []domain.EmbeddedUnit) (int, error) {
	committed := 0
	wait := true
	for batch, start := 0, 0; start < len(units); batch, start = batch+1, start+v.cfg.BatchSize {
		end := min(start+v.cfg.BatchSize, len(units))
		points := make([]*pb.PointStruct, 0, end-start)
		for _, u := range units[start:end] {
			points = append(points, v.point(u))
		}

		began := time.Now()
		_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: v.cfg.Collection,
			Wait:           &wait,
			Points:         points,
		})
		if err != nil {
			return committed, &domain.IndexingError{
				Batch:     batch,
				Committed: committed,
				Err:       classify(fmt.Errorf("semantic: upsert %d points: %w", len(points), err)),
			}
		}
		committed += len(points)
		v.logger.Debug("semantic: batch upserted", "batch", batch, "points", len(points), "duration", time.Since(began))
	}
	return committed, nil
}

func (v *VectorStore) point(u domain.EmbeddedUnit) *pb.PointStruct {
	vectors := map[string]*pb.Vector{
		v.cfg.DenseName: pb.NewVectorDense(u.Vectors.Dense),
	}
	if u.Vectors.Sparse.Len() > 0 {
		vectors[v.cfg.SparseName] = pb.NewVectorSparse(u.Vectors.Sparse.Indices, u.Vectors.Sparse.Values)
	}
	return &pb.PointStruct{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: u.DocumentID}},
		Vectors: pb.NewVectorsMap(vectors),
		Payload: toPayload(u.Payload()),
	}
}

// QueryDense returns the nearest units to a dense vector within the given
// knowledge bases, best first.
func (v *VectorStore) QueryDense(ctx context.Context, vec []float32, kbIDs []string, limit int) ([]Hit, error) {
	return v.query(ctx, &pb.QueryPoints{
		Query: pb.NewQueryDense(vec),
		Using: proto.String(v.cfg.DenseName),
	}, kbIDs, limit)
}

// QuerySparse returns the best BM25 matches of a sparse query vector within
// the given knowledge bases, best first.
func (v *VectorStore) QuerySparse(ctx context.Context, sv domain.SparseVector, kbIDs []string, limit int) ([]Hit, error) {
	if sv.Len() == 0 {
		return nil, nil
	}
	return v.query(ctx, &pb.QueryPoints{
		Query: pb.NewQuerySparse(sv.Indices, sv.Values),
		Using: proto.String(v.cfg.SparseName),
	}, kbIDs, limit)
}

// QueryHybrid prefetches dense and sparse candidates and fuses them with
// Qdrant's reciprocal rank fusion.
func (v *VectorStore) QueryHybrid(ctx context.Context, q HybridQuery) ([]Hit, error) {
	filter := kbFilter(q.KnowledgeBases)
	prefetch := uint64(max(q.Prefetch, q.Limit))
	req := &pb.QueryPoints{
		Prefetch: []*pb.PrefetchQuery{{
			Query:  pb.NewQueryDense(q.Dense),
			Using:  proto.String(v.cfg.DenseName),
			Filter: filter,
			Limit:  &prefetch,
		}},
		Query: pb.NewQueryFusion(pb.Fusion_RRF),
	}
	if q.Sparse.Len() > 0 {
		req.Prefetch = append(req.Prefetch, &pb.PrefetchQuery{
			Query:  pb.NewQuerySparse(q.Sparse.Indices, q.Sparse.Values),
			Using:  proto.String(v.cfg.SparseName),
			Filter: filter,
			Limit:  &prefetch,
		})
	}
	if q.ScoreThreshold > 0 {
		req.ScoreThreshold = &q.ScoreThreshold
	}
	return v.query(ctx, req, q.KnowledgeBases, q.Limit)
}

func (v *VectorStore) query(ctx context.Context, req *pb.QueryPoints, kbIDs []string, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	lim := uint64(limit)
	req.CollectionName = v.cfg.Collection
	req.Filter = kbFilter(kbIDs)
	req.Limit = &lim
	req.WithPayload = &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}

	if v.logger.Enabled(ctx, slog.LevelDebug) {
		v.logger.Debug("semantic: query", "request", protojson.Format(req))
	}
	resp, err := v.points.Query(ctx, req)
	if err != nil {
		return nil, classify(fmt.Errorf("semantic: query: %w", err))
	}

	hits := make([]Hit, len(resp.GetResult()))
	for i, p := range resp.GetResult() {
		hits[i] = Hit{
			ID:    p.GetId().GetUuid(),
			Score: p.GetScore(),
			Unit:  domain.UnitFromPayload(fromPayload(p.GetPayload())),
		}
	}
	return hits, nil
}

// Delete removes every point in scope.
func (v *VectorStore) Delete(ctx context.Context, scope Scope) error {
	filter, err := scopeFilter(scope)
	if err != nil {
		return err
	}
	wait := true
	_, err = v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.cfg.Collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return classify(fmt.Errorf("semantic: delete %+v: %w", scope, err))
	}
	return nil
}

// Count returns the exact number of points in scope.
func (v *VectorStore) Count(ctx context.Context, scope Scope) (uint64, error) {
	filter, err := scopeFilter(scope)
	if err != nil {
		return 0, err
	}
	exact := true
	resp, err := v.points.Count(ctx, &pb.CountPoints{
		CollectionName: v.cfg.Collection,
		Filter:         filter,
		Exact:          &exact,
	})
	if err != nil {
		return 0, classify(fmt.Errorf("semantic: count %+v: %w", scope, err))
	}
	return resp.GetResult().GetCount(), nil
}

func scopeFilter(s Scope) (*pb.Filter, error) {
	var must []*pb.Condition
	if s.KnowledgeBaseID != "" {
		must = append(must, fieldMatch(domain.KeyKnowledgeBaseID, s.KnowledgeBaseID))
	}
	if s.FileID != "" {
		must = append(must, fieldMatch(domain.KeyFileID, s.FileID))
	}
	if len(must) == 0 {
		return nil, errors.New("semantic: empty scope")
	}
	return &pb.Filter{Must: must}, nil
}

func kbFilter(kbIDs []string) *pb.Filter {
	if len(kbIDs) == 0 {
		return nil
	}
	return &pb.Filter{Must: []*pb.Condition{fieldMatchAny(domain.KeyKnowledgeBaseID, kbIDs)}}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func fieldMatchAny(key string, values []string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: values}},
				},
			},
		},
	}
}

func toPayload(p map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(p))
	for k, val := range p {
		switch tv := val.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case int:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
		case int64:
			out[k] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
		case float64:
			out[k] = &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
		case bool:
			out[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		default:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return out
}

func fromPayload(p map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(p))
	for k, val := range p {
		switch kind := val.GetKind().(type) {
		case *pb.Value_StringValue:
			out[k] = kind.StringValue
		case *pb.Value_IntegerValue:
			out[k] = kind.IntegerValue
		case *pb.Value_DoubleValue:
			out[k] = kind.DoubleValue
		case *pb.Value_BoolValue:
			out[k] = kind.BoolValue
		}
	}
	return out
}

// classify marks transient gRPC failures as recoverable.
func classify(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return domain.Recoverable(err)
	}
	return err
}
