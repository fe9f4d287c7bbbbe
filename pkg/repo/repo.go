// Package repo defines a generic keyed repository and its Neo4j
// implementation.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entity has the id.
var ErrNotFound = errors.New("not found")

// Repository is a generic keyed store.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	// Upsert creates the entity or overwrites the properties it carries.
	Upsert(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
	// DeleteWhere removes every entity matching filter and returns how many
	// were removed.
	DeleteWhere(ctx context.Context, filter map[string]any) (int, error)
}

// ListOpts controls pagination and filtering for List operations. Filter
// entries are property equality constraints.
type ListOpts struct {
	Offset int
	Limit  int
	Filter map[string]any
}
