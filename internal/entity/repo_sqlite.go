package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore keeps records in a single embedded SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at dbPath and applies
// the migrations in fsys. ":memory:" opens a private in-memory database.
func OpenSQLite(dbPath string, fsys fs.FS) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would get its own empty database
		conn.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: conn, path: dbPath}
	if err := s.migrate(fsys); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) migrate(fsys fs.FS) error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	type script struct {
		version int
		name    string
	}
	var scripts []script
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		prefix, _, _ := strings.Cut(e.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		scripts = append(scripts, script{version: v, name: e.Name()})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].version < scripts[j].version })

	for _, sc := range scripts {
		if sc.version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, sc.name)
		if err != nil {
			return fmt.Errorf("reading %s: %w", sc.name, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying %s: %w", sc.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, sc.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording %s: %w", sc.name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

type sqliteTxKey struct{}

type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteStore) q(ctx context.Context) sqliteQuerier {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, sqliteTxKey{}, tx)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

const sqliteTime = time.RFC3339Nano

func (s *SQLiteStore) Create(ctx context.Context, rec *Record) error {
	fields, links, err := encodeColumns(rec)
	if err != nil {
		return err
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO entity_record (entity, id, fields, links, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Entity, rec.ID, fields, links,
		rec.CreatedAt.UTC().Format(sqliteTime), rec.UpdatedAt.UTC().Format(sqliteTime))
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.Entity, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, entity, id string) (*Record, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT entity, id, fields, links, created_at, updated_at
		FROM entity_record WHERE entity = ? AND id = ?`, entity, id)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", entity, id, err)
	}
	return rec, nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec *Record) error {
	fields, links, err := encodeColumns(rec)
	if err != nil {
		return err
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE entity_record SET fields = ?, links = ?, updated_at = ?
		WHERE entity = ? AND id = ?`,
		fields, links, rec.UpdatedAt.UTC().Format(sqliteTime), rec.Entity, rec.ID)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", rec.Entity, rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, entity, id string) error {
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM entity_record WHERE entity = ? AND id = ?`, entity, id); err != nil {
		return fmt.Errorf("delete %s %s: %w", entity, id, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, entity string, q ListQuery) ([]*Record, int, error) {
	var total int
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM entity_record WHERE entity = ?`, entity).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", entity, err)
	}

	args := []interface{}{entity}
	var terms []string
	byID := false
	for _, srt := range q.Sort {
		dir := "ASC"
		if srt.Desc {
			dir = "DESC"
		}
		if col, ok := sortColumn(srt.Field); ok {
			byID = byID || col == "id"
			terms = append(terms, col+" "+dir)
			continue
		}
		expr := `json_extract(fields, '$.' || ?)`
		args = append(args, srt.Field, srt.Field)
		terms = append(terms, expr+" IS NULL", expr+" "+dir)
	}
	if !byID {
		terms = append(terms, "id ASC")
	}
	args = append(args, q.Limit, q.Offset)

	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT entity, id, fields, links, created_at, updated_at
		FROM entity_record WHERE entity = ?
		ORDER BY `+strings.Join(terms, ", ")+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", entity, err)
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (s *SQLiteStore) Missing(ctx context.Context, entity string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, entity)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT id FROM entity_record WHERE entity = ? AND id IN (`+placeholders+`)`, args...)
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

func encodeColumns(rec *Record) (string, string, error) {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return "", "", fmt.Errorf("encoding fields: %w", err)
	}
	links, err := json.Marshal(rec.Links)
	if err != nil {
		return "", "", fmt.Errorf("encoding links: %w", err)
	}
	return string(fields), string(links), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteRecord(row rowScanner) (*Record, error) {
	var (
		rec                  = NewRecord("")
		fields, links        string
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.Entity, &rec.ID, &fields, &links, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decoding fields of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(links), &rec.Links); err != nil {
		return nil, fmt.Errorf("decoding links of %s: %w", rec.ID, err)
	}
	var err error
	if rec.CreatedAt, err = time.Parse(sqliteTime, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at of %s: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = time.Parse(sqliteTime, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at of %s: %w", rec.ID, err)
	}
	return rec, nil
}
