// Package engine ties the pipeline together: the manager that partitions
// unprocessed messages by visit, and the workers that merge each visit's
// messages into the mart.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/pheme-project/longitudinal/internal/mart"
)

// Resolvers holds one select-or-insert primitive per dimension, sharing one
// named mutex per dimension across all workers. A single global lock would
// serialize workers that touch disjoint dimensions; per-dimension locks keep
// only the fundamental contention, the unique-constraint race within one
// dimension.
type Resolvers struct {
	byTag map[mart.Tag]*mart.SelectOrInsert
}

// NewResolvers builds the full resolver set over the mart pool.
func NewResolvers(db *sql.DB) *Resolvers {
	byTag := make(map[mart.Tag]*mart.SelectOrInsert, len(mart.Catalog))
	for tag, dim := range mart.Catalog {
		byTag[tag] = mart.NewSelectOrInsert(db, &sync.Mutex{}, dim)
	}
	return &Resolvers{byTag: byTag}
}

// Fetch resolves a dimension value to its primary key, inserting on first
// reference.
func (r *Resolvers) Fetch(ctx context.Context, tag mart.Tag, values mart.Values) (int64, error) {
	soi, ok := r.byTag[tag]
	if !ok {
		return 0, fmt.Errorf("no resolver for dimension %q", tag)
	}
	return soi.Fetch(ctx, values)
}
