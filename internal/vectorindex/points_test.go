package vectorindex

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointID_Deterministic(t *testing.T) {
	a := PointID("0xS1")
	b := PointID("0xS1")
	assert.Equal(t, a, b, "same hash must map to the same point id")

	_, err := uuid.Parse(a)
	require.NoError(t, err, "point id must be a valid UUID")

	assert.NotEqual(t, a, PointID("0xS2"), "different hashes must not collide")
}

func TestPayload_StoryOmitsParentHash(t *testing.T) {
	p := payload(Record{
		Hash:        "0xS1",
		Category:    "tech",
		ContentType: "story",
		Tags:        []string{"go"},
		Entities:    []string{"Qdrant"},
	})

	assert.Equal(t, "0xS1", p["hash"])
	assert.Equal(t, "story", p["content_type"])
	assert.NotContains(t, p, "parent_hash")
	assert.Equal(t, []any{"go"}, p["tags"])
	assert.Equal(t, []any{"Qdrant"}, p["entities"])
}

func TestPayload_PostCarriesParentHash(t *testing.T) {
	p := payload(Record{
		Hash:        "0xP1",
		ContentType: "post",
		ParentHash:  "0xS1",
	})

	assert.Equal(t, "0xS1", p["parent_hash"])
	assert.Equal(t, []any{}, p["tags"], "empty tags still serialize as a list")
}

func TestToPoint_UsesDerivedID(t *testing.T) {
	rec := Record{Hash: "0xP1", Vector: []float32{1, 2, 3}}
	point := toPoint(rec)
	require.NotNil(t, point.Id)
	assert.Equal(t, PointID("0xP1"), point.Id.GetUuid())
}
