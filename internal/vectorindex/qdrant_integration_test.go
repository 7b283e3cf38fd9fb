//go:build integration

package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestIndex connects to a local Qdrant and bootstraps both partitions.
// Skips the test if Qdrant is not running.
func setupTestIndex(t *testing.T) *Index {
	ix, err := New("localhost", 6334)
	if err != nil {
		t.Skipf("Qdrant not available: %v", err)
	}
	t.Cleanup(func() { ix.Close() })

	require.NoError(t, ix.EnsureCollections(context.Background()), "failed to ensure collections")
	return ix
}

func testVector(first float32) []float32 {
	vec := make([]float32, VectorDimension)
	vec[0] = first
	vec[1] = 1 - first
	return vec
}

func TestUpsertFetchRoundTrip(t *testing.T) {
	ix := setupTestIndex(t)
	ctx := context.Background()

	hash := fmt.Sprintf("0x%d", time.Now().UnixNano())
	rec := Record{
		Hash:        hash,
		Vector:      testVector(0.8),
		Tags:        []string{"go", "qdrant"},
		Entities:    []string{"Castline"},
		Category:    "tech",
		ContentType: "post",
		ParentHash:  "0xS1",
	}

	require.NoError(t, ix.Upsert(ctx, PartitionPost, rec), "failed to upsert record")

	got, err := ix.Fetch(ctx, PartitionPost, hash)
	require.NoError(t, err, "failed to fetch vector")
	assert.Len(t, got, VectorDimension)
	assert.InDelta(t, 0.8, got[0], 1e-6)
}

func TestUpsertLastWriteWins(t *testing.T) {
	ix := setupTestIndex(t)
	ctx := context.Background()

	hash := fmt.Sprintf("0x%d", time.Now().UnixNano())
	first := Record{Hash: hash, Vector: testVector(0.2), ContentType: "story"}
	second := Record{Hash: hash, Vector: testVector(0.9), ContentType: "story"}

	require.NoError(t, ix.Upsert(ctx, PartitionStory, first))
	require.NoError(t, ix.Upsert(ctx, PartitionStory, second))

	got, err := ix.Fetch(ctx, PartitionStory, hash)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got[0], 1e-6, "second write must replace the first")
}

func TestFetchMissingHash(t *testing.T) {
	ix := setupTestIndex(t)

	_, err := ix.Fetch(context.Background(), PartitionPost, "0xnever-written")
	assert.True(t, errors.Is(err, ErrVectorNotFound), "err = %v", err)
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	ix := setupTestIndex(t)

	err := ix.Upsert(context.Background(), PartitionStory, Record{
		Hash:        "0xshort",
		Vector:      []float32{1, 2, 3},
		ContentType: "story",
	})
	assert.True(t, errors.Is(err, ErrDimensionMismatch), "err = %v", err)
}
