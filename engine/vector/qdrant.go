package vector

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantIndex adapts the teacher's engine/semantic.VectorStore (originally
// a doc-chunk store keyed by doc_id/chunk_index) into the note-embedding
// Index contract: one point per note, keyed by note id, with cosine
// distance over the configured vector size.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// NewQdrantIndex dials Qdrant at addr and ensures the collection exists
// with the given embedding dimensionality.
func NewQdrantIndex(ctx context.Context, addr, collection string, dims int) (*QdrantIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vector: dial qdrant %s: %w", addr, err)
	}
	q := &QdrantIndex{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}
	if err := q.ensureCollection(ctx, dims); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, dims int) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vector: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}
	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: create collection %s: %w", q.collection, err)
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.conn.Close()
}

func (q *QdrantIndex) Upsert(ctx context.Context, noteID string, embedding []float32) error {
	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: noteID}},
				Vectors: &pb.Vectors{
					VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: embedding}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: upsert note %s: %w", noteID, err)
	}
	return nil
}

func (q *QdrantIndex) Delete(ctx context.Context, noteID string) error {
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: noteID}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: delete note %s: %w", noteID, err)
	}
	return nil
}

func (q *QdrantIndex) TopK(ctx context.Context, embedding []float32, topK int, excludeID string) ([]Match, error) {
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         embedding,
		Limit:          uint64(topK + 1), // +1 to absorb excludeID if present among hits
	})
	if err != nil {
		return nil, fmt.Errorf("vector: search: %w", err)
	}

	matches := make([]Match, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		id := r.GetId().GetUuid()
		if id == excludeID {
			continue
		}
		matches = append(matches, Match{NoteID: id, Score: float64(r.GetScore())})
		if len(matches) == topK {
			break
		}
	}
	return matches, nil
}
