package store

import (
	"encoding/json"
	"fmt"
	"strings"
)

// IndexType selects the vector index a document is placed in.
type IndexType string

const (
	IndexFlat IndexType = "FLAT"
	IndexHNSW IndexType = "HNSW"
)

// ParseIndexType resolves a client supplied name. Empty means FLAT.
func ParseIndexType(s string) (IndexType, error) {
	switch IndexType(strings.ToUpper(strings.TrimSpace(s))) {
	case "", IndexFlat:
		return IndexFlat, nil
	case IndexHNSW:
		return IndexHNSW, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownIndexType)
	}
}

// record is a stored document and the write sequence that produced it.
type record struct {
	Doc       json.RawMessage `json:"doc"`
	IndexType IndexType       `json:"indexType"`
	Seq       uint64          `json:"seq"`
}

// snapshotLine is one line of a Save dump.
type snapshotLine struct {
	ID uint64 `json:"id"`
	record
}
