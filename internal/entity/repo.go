package entity

import (
	"context"

	"github.com/morshed/dietics/pkg/pagination"
)

// ListQuery selects one page of records of an entity.
type ListQuery struct {
	Limit  int
	Offset int
	Sort   []pagination.Sort
}

// Repository persists records of every entity.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	// Get returns ErrNotFound when no record has the id.
	Get(ctx context.Context, entity, id string) (*Record, error)
	// Update replaces a stored record and returns ErrNotFound when absent.
	Update(ctx context.Context, rec *Record) error
	// Delete removes a record; deleting an absent record is not an error.
	Delete(ctx context.Context, entity, id string) error
	List(ctx context.Context, entity string, q ListQuery) ([]*Record, int, error)
	// Missing returns the ids that have no stored record of entity.
	Missing(ctx context.Context, entity string, ids []string) ([]string, error)
}

// Transactor is implemented by repositories that can group writes.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// sortColumn maps the audit properties to their storage columns.
func sortColumn(field string) (string, bool) {
	switch field {
	case "id":
		return "id", true
	case "createdAt":
		return "created_at", true
	case "updatedAt":
		return "updated_at", true
	}
	return "", false
}

func missingFrom(ids []string, found map[string]bool) []string {
	var out []string
	for _, id := range ids {
		if !found[id] {
			out = append(out, id)
		}
	}
	return out
}
