package vectorindex

import "errors"

var (
	// ErrIndexUnreachable indicates the index did not answer health checks at startup.
	ErrIndexUnreachable = errors.New("vector index unreachable")

	// ErrVectorNotFound indicates no point exists for the requested content hash.
	ErrVectorNotFound = errors.New("vector not found for hash")

	// ErrDimensionMismatch indicates a vector whose length does not match the
	// collection configuration.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
