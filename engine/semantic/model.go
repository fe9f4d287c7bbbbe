package semantic

import (
	"github.com/WessleyAI/wessley-kb/engine/domain"
)

// Hit is one scored point returned by a query, ranked by the store.
type Hit struct {
	ID    string             `json:"id"`
	Score float32            `json:"score"`
	Unit  domain.ContentUnit `json:"unit"`
}

// Scope restricts deletes and counts. Empty fields are ignored; at least one
// must be set.
type Scope struct {
	KnowledgeBaseID string
	FileID          string
}

// HybridQuery runs a dense and a sparse prefetch and fuses them server side.
type HybridQuery struct {
	Dense          []float32
	Sparse         domain.SparseVector
	KnowledgeBases []string
	Prefetch       int
	Limit          int
	ScoreThreshold float32
}
