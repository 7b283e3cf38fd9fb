package vectorindex

import (
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// pointNamespace seeds deterministic point IDs. Qdrant point IDs must be UUIDs
// or integers, while the domain key is the platform's content hash; deriving a
// SHA1 UUID from the hash keeps exact-id lookups possible from either side.
var pointNamespace = uuid.MustParse("7b7431c3-9a02-4a45-9b3e-45cfc8c3a911")

// PointID returns the deterministic UUID point id for a content hash.
func PointID(hash string) string {
	return uuid.NewSHA1(pointNamespace, []byte(hash)).String()
}

// Record is one embedding keyed by content hash, plus the metadata bag stored
// alongside it. ParentHash is set only for post-type content.
type Record struct {
	Hash        string
	Vector      []float32
	Tags        []string
	Entities    []string
	Category    string
	ContentType string
	ParentHash  string
}

// payload builds the qdrant payload map for a record.
func payload(rec Record) map[string]any {
	p := map[string]any{
		"hash":         rec.Hash,
		"category":     rec.Category,
		"content_type": rec.ContentType,
		"tags":         toAnySlice(rec.Tags),
		"entities":     toAnySlice(rec.Entities),
	}
	if rec.ParentHash != "" {
		p["parent_hash"] = rec.ParentHash
	}
	return p
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toPoint(rec Record) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(PointID(rec.Hash)),
		Vectors: qdrant.NewVectors(rec.Vector...),
		Payload: qdrant.NewValueMap(payload(rec)),
	}
}
