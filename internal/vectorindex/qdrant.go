// Package vectorindex stores and retrieves content embeddings in Qdrant.
// Stories and posts live in separate collections — the two partitions the
// relevance check queries independently.
package vectorindex

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
)

// Partition is one of the two logical indexes.
type Partition string

const (
	PartitionStory Partition = "castline_stories"
	PartitionPost  Partition = "castline_posts"
)

// VectorDimension matches the configured embedding model output size.
const VectorDimension = 1536

// Index wraps the Qdrant client with connection management and health checks.
type Index struct {
	client *qdrant.Client
}

// New creates a Qdrant-backed index and validates connectivity, retrying the
// health check with exponential backoff before failing fast.
func New(host string, port int) (*Index, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	ix := &Index{client: client}
	if err := ix.healthCheckWithRetry(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrIndexUnreachable, err)
	}
	return ix, nil
}

func (ix *Index) healthCheckWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		return ix.Health(ctx)
	}, backoff.WithContext(b, ctx))
}

// Health performs a single health check against the index.
func (ix *Index) Health(ctx context.Context) error {
	result, err := ix.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// EnsureCollections creates both partitions if absent. Idempotent.
func (ix *Index) EnsureCollections(ctx context.Context) error {
	existing, err := ix.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("listing collections: %w", err)
	}
	present := make(map[string]bool, len(existing))
	for _, name := range existing {
		present[name] = true
	}

	for _, partition := range []Partition{PartitionStory, PartitionPost} {
		if present[string(partition)] {
			continue
		}
		err := ix.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: string(partition),
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     VectorDimension,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection %s: %w", partition, err)
		}
	}
	return nil
}

// Upsert writes one record into the given partition, keyed by its content
// hash. Last write wins. Transient failures are retried with exponential
// backoff.
func (ix *Index) Upsert(ctx context.Context, partition Partition, rec Record) error {
	if len(rec.Vector) != VectorDimension {
		return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(rec.Vector), VectorDimension)
	}

	point := toPoint(rec)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		_, err := ix.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: string(partition),
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("upserting %s into %s: %w", rec.Hash, partition, err)
	}
	return nil
}

// Fetch retrieves the stored vector for a content hash by exact point id —
// not a similarity search. Returns ErrVectorNotFound when no point exists.
func (ix *Index) Fetch(ctx context.Context, partition Partition, hash string) ([]float32, error) {
	points, err := ix.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: string(partition),
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(PointID(hash))},
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s from %s: %w", hash, partition, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrVectorNotFound, hash, partition)
	}

	vector := points[0].GetVectors().GetVector().GetData()
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: %s in %s (point has no vector)", ErrVectorNotFound, hash, partition)
	}
	return vector, nil
}

// Close closes the underlying client connection.
func (ix *Index) Close() error {
	if ix.client != nil {
		return ix.client.Close()
	}
	return nil
}
