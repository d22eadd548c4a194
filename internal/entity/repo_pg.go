package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morshed/dietics/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type recordRepoPG struct{ pool *pgxpool.Pool }

// NewRecordRepoPG stores records as JSONB rows of the entity_record table
// in the tenant schema selected by db.TenantMiddleware.
func NewRecordRepoPG(pool *pgxpool.Pool) Repository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *recordRepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, fn)
}

const recordCols = `entity, id, fields, links, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	rec := NewRecord("")
	err := row.Scan(&rec.Entity, &rec.ID, &rec.Fields, &rec.Links, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO entity_record (`+recordCols+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Entity, rec.ID, rec.Fields, rec.Links, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.Entity, err)
	}
	return nil
}

func (r *recordRepoPG) Get(ctx context.Context, entity, id string) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM entity_record WHERE entity = $1 AND id = $2`, entity, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", entity, id, err)
	}
	return rec, nil
}

func (r *recordRepoPG) Update(ctx context.Context, rec *Record) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE entity_record SET fields = $3, links = $4, updated_at = $5
		WHERE entity = $1 AND id = $2`,
		rec.Entity, rec.ID, rec.Fields, rec.Links, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", rec.Entity, rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepoPG) Delete(ctx context.Context, entity, id string) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM entity_record WHERE entity = $1 AND id = $2`, entity, id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", entity, id, err)
	}
	return nil
}

func (r *recordRepoPG) List(ctx context.Context, entity string, q ListQuery) ([]*Record, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM entity_record WHERE entity = $1`, entity).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", entity, err)
	}

	args := []interface{}{entity, q.Limit, q.Offset}
	orderBy := pgOrderBy(q, &args)

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM entity_record
		WHERE entity = $1 ORDER BY `+orderBy+` LIMIT $2 OFFSET $3`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", entity, err)
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

// pgOrderBy renders the ORDER BY clause. Field names are bound as
// parameters; id is always the final tie-break.
func pgOrderBy(q ListQuery, args *[]interface{}) string {
	var terms []string
	byID := false
	for _, s := range q.Sort {
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		if col, ok := sortColumn(s.Field); ok {
			byID = byID || col == "id"
			terms = append(terms, col+" "+dir)
			continue
		}
		*args = append(*args, s.Field)
		terms = append(terms, fmt.Sprintf("fields -> $%d::text %s NULLS LAST", len(*args), dir))
	}
	if !byID {
		terms = append(terms, "id ASC")
	}
	return strings.Join(terms, ", ")
}

func (r *recordRepoPG) Missing(ctx context.Context, entity string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM entity_record WHERE entity = $1 AND id = ANY($2)`, entity, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", entity, err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return missingFrom(ids, found), nil
}

// Ping reports whether the pool can reach the database.
func (r *recordRepoPG) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
